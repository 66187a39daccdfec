// Package safeguards provides concurrency control for device-mapper
// activation. The kernel namespace is process-global, but an engine only
// claims its own volume group's name prefix, so walks touching the same VG
// must not overlap while walks over disjoint VGs are free to proceed in
// parallel. VGGuard is that per-VG serialization point.
package safeguards

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// VGGuard hands out exclusive per-VG locks for engine walks.
type VGGuard struct {
	mu     sync.Mutex
	logger logrus.FieldLogger
	vgs    map[string]*vgLock
}

// vgLock is one VG's lock. refs counts holders plus waiters so the entry
// can be dropped from the map once nobody cares about the VG anymore.
type vgLock struct {
	sem       chan struct{}
	refs      int
	holdingOp string
}

// NewVGGuard creates an empty guard.
func NewVGGuard(logger logrus.FieldLogger) *VGGuard {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &VGGuard{
		logger: logger.WithField("component", "vg-guard"),
		vgs:    make(map[string]*vgLock),
	}
}

// ref returns the VG's lock, creating it on first use.
func (g *VGGuard) ref(vg string) *vgLock {
	g.mu.Lock()
	defer g.mu.Unlock()

	l := g.vgs[vg]
	if l == nil {
		l = &vgLock{sem: make(chan struct{}, 1)}
		g.vgs[vg] = l
	}
	l.refs++
	return l
}

func (g *VGGuard) unref(vg string, l *vgLock) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(g.vgs, vg)
	}
}

// Acquire takes the exclusive lock for the VG, blocking while another walk
// holds it. Cancelling the context abandons the wait.
func (g *VGGuard) Acquire(ctx context.Context, vg, op string) error {
	logger := g.logger.WithFields(logrus.Fields{
		"vg":        vg,
		"operation": op,
	})
	logger.Debug("acquiring vg lock")

	l := g.ref(vg)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		g.unref(vg, l)
		return fmt.Errorf("context cancelled while waiting for vg %q: %w", vg, ctx.Err())
	}

	g.mu.Lock()
	l.holdingOp = op
	g.mu.Unlock()

	logger.Debug("acquired vg lock")
	return nil
}

// Release returns the VG's lock. Releasing a VG that was never acquired is
// a no-op.
func (g *VGGuard) Release(vg string) {
	g.mu.Lock()
	l := g.vgs[vg]
	if l == nil {
		g.mu.Unlock()
		return
	}
	l.holdingOp = ""
	g.mu.Unlock()

	<-l.sem
	g.unref(vg, l)

	g.logger.WithField("vg", vg).Debug("released vg lock")
}

// Held returns the VGs whose locks are currently held, sorted.
func (g *VGGuard) Held() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var held []string
	for vg, l := range g.vgs {
		if l.holdingOp != "" {
			held = append(held, vg)
		}
	}
	sort.Strings(held)
	return held
}

// WithVG runs fn while holding the VG's lock.
func (g *VGGuard) WithVG(ctx context.Context, vg, op string, fn func() error) error {
	if err := g.Acquire(ctx, vg, op); err != nil {
		return err
	}
	defer g.Release(vg)
	return fn()
}
