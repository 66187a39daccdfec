package safeguards

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testGuard() *VGGuard {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewVGGuard(logger)
}

func TestSameVGSerializes(t *testing.T) {
	g := testGuard()
	ctx := context.Background()

	if err := g.Acquire(ctx, "vg0", "activate"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	entered := make(chan struct{})
	go func() {
		if err := g.Acquire(ctx, "vg0", "deactivate"); err != nil {
			t.Errorf("second Acquire failed: %v", err)
		}
		close(entered)
	}()

	select {
	case <-entered:
		t.Fatal("second walk entered vg0 while the first held it")
	case <-time.After(50 * time.Millisecond):
	}

	g.Release("vg0")

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second walk never entered vg0 after release")
	}
	g.Release("vg0")
}

func TestDisjointVGsProceed(t *testing.T) {
	g := testGuard()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := g.Acquire(ctx, "vg0", "activate"); err != nil {
		t.Fatalf("Acquire(vg0) failed: %v", err)
	}
	defer g.Release("vg0")

	// A different VG must not wait behind vg0.
	if err := g.Acquire(ctx, "vg1", "activate"); err != nil {
		t.Fatalf("Acquire(vg1) blocked behind an unrelated vg: %v", err)
	}
	g.Release("vg1")
}

func TestAcquireCancelled(t *testing.T) {
	g := testGuard()

	if err := g.Acquire(context.Background(), "vg0", "activate"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer g.Release("vg0")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- g.Acquire(ctx, "vg0", "deactivate")
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Acquire returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled Acquire never returned")
	}
}

func TestHeld(t *testing.T) {
	g := testGuard()
	ctx := context.Background()

	if held := g.Held(); len(held) != 0 {
		t.Errorf("Held = %v, want empty", held)
	}

	if err := g.Acquire(ctx, "vg1", "activate"); err != nil {
		t.Fatal(err)
	}
	if err := g.Acquire(ctx, "vg0", "activate"); err != nil {
		t.Fatal(err)
	}

	held := g.Held()
	if len(held) != 2 || held[0] != "vg0" || held[1] != "vg1" {
		t.Errorf("Held = %v, want [vg0 vg1]", held)
	}

	g.Release("vg0")
	g.Release("vg1")
	if held := g.Held(); len(held) != 0 {
		t.Errorf("Held after release = %v, want empty", held)
	}
}

func TestWithVGReleasesOnError(t *testing.T) {
	g := testGuard()
	ctx := context.Background()
	walkErr := errors.New("walk failed")

	if err := g.WithVG(ctx, "vg0", "activate", func() error { return walkErr }); !errors.Is(err, walkErr) {
		t.Fatalf("WithVG returned %v, want the walk error", err)
	}

	// The lock must be free again.
	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := g.Acquire(acquireCtx, "vg0", "activate"); err != nil {
		t.Fatalf("lock still held after failed WithVG: %v", err)
	}
	g.Release("vg0")
}

func TestReleaseWithoutAcquire(t *testing.T) {
	g := testGuard()
	g.Release("never-acquired")
}
