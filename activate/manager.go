// Package activate plans and executes device-mapper activation for logical
// volumes.
//
// Given a volume group's metadata and a target LV, the Manager expands
// every LV into the kernel layers realizing it, computes the dependency
// graph between those layers, prunes it down to the target's closure, and
// walks it issuing create/reload/suspend/resume/remove operations in an
// order the kernel accepts: children's tables are live before a parent is
// resumed, and parents are removed before their children.
//
// A Manager is scoped to one VG and assumes exclusive ownership of that
// VG's name prefix in the process-global device-mapper namespace for the
// duration of each call. Concurrent managers over overlapping VGs must be
// serialized by the caller (see the safeguards package).
package activate

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tasleson/lvm2/dmtask"
	"github.com/tasleson/lvm2/fsdev"
	"github.com/tasleson/lvm2/journal"
	"github.com/tasleson/lvm2/metadata"
	"github.com/tasleson/lvm2/names"
	"github.com/tasleson/lvm2/perf"
)

// slowWalkThreshold is how long a walk may take before it is logged as a
// warning rather than an info line.
const slowWalkThreshold = 30 * time.Second

// Config holds the manager's collaborators. VG is required; everything
// else has a working default.
type Config struct {
	// VG is the volume group this manager activates. Build must have
	// been called on it.
	VG *metadata.VG

	// Client drives the kernel. Defaults to the dmsetup-backed client.
	Client dmtask.Client

	// Publisher is notified when visible layers come and go. Defaults
	// to a no-op publisher.
	Publisher fsdev.Publisher

	// Journal, when set, records every walk.
	Journal *journal.Journal

	// Logger for engine logging. Defaults to the standard logger.
	Logger logrus.FieldLogger
}

// Manager is one engine instance, scoped to a single volume group.
type Manager struct {
	vg        *metadata.VG
	client    dmtask.Client
	publisher fsdev.Publisher
	journal   *journal.Journal
	logger    logrus.FieldLogger
	tracer    trace.Tracer

	// mu serializes walks within this instance; the kernel namespace
	// operations must happen one at a time.
	mu sync.Mutex
}

// NewManager creates an engine instance for the configured VG.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.VG == nil {
		return nil, fmt.Errorf("config has no volume group")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithFields(logrus.Fields{
		"component": "activate",
		"vg":        cfg.VG.Name,
	})

	client := cfg.Client
	if client == nil {
		client = dmtask.NewDmsetupClient(logger)
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = fsdev.Discard{}
	}

	return &Manager{
		vg:        cfg.VG,
		client:    client,
		publisher: publisher,
		journal:   cfg.Journal,
		logger:    logger,
		tracer:    otel.Tracer("github.com/tasleson/lvm2/activate"),
	}, nil
}

// Close releases the engine instance. The journal, when one was supplied,
// stays open: it belongs to the caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Debug("engine closed")
	return nil
}

// Info queries the kernel for the LV's top-layer state without building a
// plan.
func (m *Manager) Info(ctx context.Context, lvName string) (*dmtask.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lv := m.vg.LV(lvName)
	if lv == nil {
		return nil, &MetadataError{LV: lvName, Reason: "logical volume not in volume group"}
	}

	ctx, span := m.tracer.Start(ctx, "lv.info", trace.WithAttributes(
		attribute.String("lvm.vg", m.vg.Name),
		attribute.String("lvm.lv", lvName),
	))
	defer span.End()

	info, err := m.queryInfo(ctx, names.Encode(m.vg.Name, lvName, ""))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return info, nil
}

// Activate brings the LV's top layer live, creating or reloading every
// layer it depends on in dependency order.
func (m *Manager) Activate(ctx context.Context, lvName string) error {
	return m.walk(ctx, lvName, "activate", modeActivate)
}

// Deactivate removes the LV's top layer and the layers realizing it,
// top-down. Layers shared with other active LVs outside the target's
// closure are left alone.
func (m *Manager) Deactivate(ctx context.Context, lvName string) error {
	return m.walk(ctx, lvName, "deactivate", modeDeactivate)
}

func (m *Manager) walk(ctx context.Context, lvName, op string, mode walkMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lv := m.vg.LV(lvName)
	if lv == nil {
		return &MetadataError{LV: lvName, Reason: "logical volume not in volume group"}
	}

	runID := ulid.Make().String()
	logger := m.logger.WithFields(logrus.Fields{
		"lv":     lvName,
		"op":     op,
		"run_id": runID,
	})

	ctx, span := m.tracer.Start(ctx, "lv."+op, trace.WithAttributes(
		attribute.String("lvm.vg", m.vg.Name),
		attribute.String("lvm.lv", lvName),
		attribute.String("lvm.run_id", runID),
	))
	defer span.End()

	logger.Info("starting walk")
	metrics := perf.StartWalk(op+" "+lvName, logger)
	startedAt := time.Now()

	err := func() (err error) {
		// A panic mid-walk must not take the process down with devices
		// left suspended; it surfaces as a failed walk, partial kernel
		// state preserved like any other fatal error.
		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(logrus.Fields{
					"panic": r,
					"stack": string(debug.Stack()),
				}).Error("recovered from panic during walk")
				err = fmt.Errorf("panic during %s of %q: %v", op, lvName, r)
			}
		}()

		p, err := m.buildPlan(ctx, lv, mode)
		if err != nil {
			return err
		}
		metrics.PlanDone()

		w := m.newWalker(metrics)
		if mode == modeDeactivate {
			return w.deactivate(ctx, p)
		}
		return w.activate(ctx, p)
	}()

	metrics.Finish(slowWalkThreshold)
	m.record(ctx, logger, journal.Record{
		RunID:      runID,
		VG:         m.vg.Name,
		LV:         lvName,
		Op:         op,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WithError(err).Error("walk failed")
		return err
	}

	logger.Info("walk completed")
	return nil
}

// record journals the walk outcome when a journal is configured. Journal
// failures are logged, never fatal: the kernel state is already correct.
func (m *Manager) record(ctx context.Context, logger logrus.FieldLogger, rec journal.Record, walkErr error) {
	if m.journal == nil {
		return
	}

	rec.Status = "ok"
	if walkErr != nil {
		rec.Status = "failed"
		rec.Error = walkErr.Error()
	}

	if err := m.journal.Append(ctx, rec); err != nil {
		logger.WithError(err).Warn("failed to journal walk")
	}
}
