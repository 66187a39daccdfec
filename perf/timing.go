// Package perf measures activation engine walk performance.
package perf

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// WalkMetrics accumulates timing for one engine walk: the planning phase,
// each kernel operation recorded against it, and the walk as a whole. A nil WalkMetrics
// is valid and records nothing, so executor paths driven outside a full
// walk need no special casing.
type WalkMetrics struct {
	op        string
	logger    logrus.FieldLogger
	startTime time.Time

	mu            sync.Mutex
	planDuration  time.Duration
	opCount       int
	opDuration    time.Duration
	slowestOp     string
	slowestOpTime time.Duration
}

// StartWalk begins measuring a walk.
func StartWalk(op string, logger logrus.FieldLogger) *WalkMetrics {
	return &WalkMetrics{
		op:        op,
		logger:    logger,
		startTime: time.Now(),
	}
}

// PlanDone marks the end of the planning phase.
func (m *WalkMetrics) PlanDone() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planDuration = time.Since(m.startTime)
}

// RecordKernelOp records one kernel operation against a node, tracking the
// slowest operation of the walk.
func (m *WalkMetrics) RecordKernelOp(op, name string, duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.opCount++
	m.opDuration += duration
	if duration > m.slowestOpTime {
		m.slowestOpTime = duration
		m.slowestOp = op + " " + name
	}
}

// Finish logs the walk summary and returns the total duration. Walks
// slower than the threshold log a warning instead.
func (m *WalkMetrics) Finish(threshold time.Duration) time.Duration {
	if m == nil {
		return 0
	}
	total := time.Since(m.startTime)

	m.mu.Lock()
	fields := logrus.Fields{
		"operation":    m.op,
		"duration_ms":  total.Milliseconds(),
		"plan_ms":      m.planDuration.Milliseconds(),
		"kernel_ops":   m.opCount,
		"kernel_op_ms": m.opDuration.Milliseconds(),
	}
	if m.slowestOp != "" {
		fields["slowest_op"] = m.slowestOp
		fields["slowest_op_ms"] = m.slowestOpTime.Milliseconds()
	}
	m.mu.Unlock()

	if m.logger != nil {
		if total > threshold {
			m.logger.WithFields(fields).Warn("walk exceeded threshold")
		} else {
			m.logger.WithFields(fields).Info("walk timing")
		}
	}
	return total
}
