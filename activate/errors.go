package activate

import (
	"errors"
	"fmt"
)

// ErrPlanIncomplete is returned when the target LV's top layer is missing
// from the plan after expansion.
var ErrPlanIncomplete = errors.New("plan incomplete: target logical volume has no top layer")

// CircularDependencyError is returned when the layer dependency graph
// contains a cycle.
type CircularDependencyError struct {
	Name string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular device dependency found for %q", e.Name)
}

// KernelOpError is returned when a device-mapper task fails. The walk stops
// immediately; partial kernel state is preserved.
type KernelOpError struct {
	Op   string
	Name string
	Err  error
}

func (e *KernelOpError) Error() string {
	return fmt.Sprintf("kernel %s failed for %q: %v", e.Op, e.Name, e.Err)
}

func (e *KernelOpError) Unwrap() error {
	return e.Err
}

// MissingDependencyError is returned when a layer's dependency names a
// layer absent from the plan. After pruning this indicates a planner bug.
type MissingDependencyError struct {
	Name string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("couldn't find device layer %q", e.Name)
}

// MetadataError is returned when the VG metadata cannot be realized, for
// example an LV with no segments or a snapshot without a resolvable origin.
type MetadataError struct {
	LV     string
	Reason string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("inconsistent metadata for %q: %s", e.LV, e.Reason)
}

// IsCircularDependency checks if an error is a CircularDependencyError.
func IsCircularDependency(err error) bool {
	var e *CircularDependencyError
	return errors.As(err, &e)
}

// IsKernelOpError checks if an error is a KernelOpError.
func IsKernelOpError(err error) bool {
	var e *KernelOpError
	return errors.As(err, &e)
}

// IsMissingDependency checks if an error is a MissingDependencyError.
func IsMissingDependency(err error) bool {
	var e *MissingDependencyError
	return errors.As(err, &e)
}

// IsMetadataError checks if an error is a MetadataError.
func IsMetadataError(err error) bool {
	var e *MetadataError
	return errors.As(err, &e)
}
