package activate

import (
	"context"
	"time"

	"github.com/tasleson/lvm2/dmtask"
	"github.com/tasleson/lvm2/perf"
)

// walker drives one activation or deactivation walk over a pruned plan.
// Shared dependencies are visited once.
type walker struct {
	m       *Manager
	metrics *perf.WalkMetrics
	visited map[string]bool
}

func (m *Manager) newWalker(metrics *perf.WalkMetrics) *walker {
	return &walker{m: m, metrics: metrics, visited: make(map[string]bool)}
}

// runTask runs a single kernel operation, recording its duration and
// wrapping failures.
func (w *walker) runTask(ctx context.Context, task dmtask.Task, op dmtask.TaskType, name string) error {
	startTime := time.Now()
	err := task.Run(ctx)
	w.metrics.RecordKernelOp(op.String(), name, time.Since(startTime))

	if err != nil {
		return &KernelOpError{Op: op.String(), Name: name, Err: err}
	}
	return nil
}

// suspend quiesces the node, short-circuiting when it is already
// suspended.
func (w *walker) suspend(ctx context.Context, l *Layer) error {
	if l.Info.Suspended {
		return nil
	}

	w.m.logger.WithField("layer", l.Name).Debug("suspending")
	task := w.m.client.NewTask(dmtask.TaskSuspend, l.Name)
	if err := w.runTask(ctx, task, dmtask.TaskSuspend, l.Name); err != nil {
		return err
	}

	l.Info.Suspended = true
	return nil
}

// resume unquiesces the node, short-circuiting when it is already live.
func (w *walker) resume(ctx context.Context, l *Layer) error {
	if !l.Info.Suspended {
		return nil
	}

	w.m.logger.WithField("layer", l.Name).Debug("resuming")
	task := w.m.client.NewTask(dmtask.TaskResume, l.Name)
	if err := w.runTask(ctx, task, dmtask.TaskResume, l.Name); err != nil {
		return err
	}

	l.Info.Suspended = false
	return nil
}

// load creates or reloads the node with a freshly populated table.
func (w *walker) load(ctx context.Context, l *Layer, op dmtask.TaskType) error {
	w.m.logger.WithFields(map[string]any{
		"layer": l.Name,
		"op":    op.String(),
	}).Debug("loading table")

	task := w.m.client.NewTask(op, l.Name)
	if err := w.m.populateTable(task, l); err != nil {
		return err
	}

	if op == dmtask.TaskCreate && l.Visible && l.LV != nil {
		if w.m.vg.UUID != "" && l.LV.UUID != "" {
			task.SetUUID("LVM-" + w.m.vg.UUID + l.LV.UUID)
		}
	}

	return w.runTask(ctx, task, op, l.Name)
}

// create brings an absent node up. The adapter may leave a freshly created
// node suspended; the state is re-queried and the node resumed if so.
func (w *walker) create(ctx context.Context, l *Layer) error {
	if err := w.load(ctx, l, dmtask.TaskCreate); err != nil {
		return err
	}

	info, err := w.m.queryInfo(ctx, l.Name)
	if err != nil {
		return err
	}
	l.Info = *info

	return w.resume(ctx, l)
}

// remove tears the node down. A suspended node is resumed first: the
// kernel cannot cleanly remove a suspended device.
func (w *walker) remove(ctx context.Context, l *Layer) error {
	if l.Info.Suspended {
		if err := w.resume(ctx, l); err != nil {
			return err
		}
	}

	w.m.logger.WithField("layer", l.Name).Debug("removing")
	task := w.m.client.NewTask(dmtask.TaskRemove, l.Name)
	if err := w.runTask(ctx, task, dmtask.TaskRemove, l.Name); err != nil {
		return err
	}

	l.Info = dmtask.Info{}

	if l.Visible && l.LV != nil {
		if err := w.m.publisher.DelLV(l.LV.Name); err != nil {
			w.m.logger.WithError(err).WithField("lv", l.LV.Name).
				Warn("failed to withdraw lv from /dev")
		}
	}
	return nil
}

// createRec realizes a layer bottom-up: suspend an existing node, ensure
// every dependency first, then load this node's table and bring it live.
func (w *walker) createRec(ctx context.Context, l *Layer) error {
	if w.visited[l.Name] {
		return nil
	}
	w.visited[l.Name] = true

	if l.Info.Exists {
		if err := w.suspend(ctx, l); err != nil {
			return err
		}
	}

	for _, dep := range l.deps {
		if err := w.createRec(ctx, dep); err != nil {
			return err
		}
	}

	switch {
	case l.Info.Exists && l.Dirty:
		// A dirty layer is recreated, not reloaded.
		if err := w.remove(ctx, l); err != nil {
			return err
		}
		if err := w.create(ctx, l); err != nil {
			return err
		}

	case l.Info.Exists:
		if err := w.load(ctx, l, dmtask.TaskReload); err != nil {
			return err
		}
		if err := w.resume(ctx, l); err != nil {
			return err
		}

	default:
		if err := w.create(ctx, l); err != nil {
			return err
		}
	}

	if l.Visible && l.LV != nil {
		if err := w.m.publisher.AddLV(l.LV.Name, l.Name); err != nil {
			return err
		}
	}
	return nil
}

// removeRec tears a layer down top-down, so parents release their holds on
// children before the children go away.
func (w *walker) removeRec(ctx context.Context, l *Layer) error {
	if w.visited[l.Name] {
		return nil
	}
	w.visited[l.Name] = true

	if l.Info.Exists {
		if err := w.remove(ctx, l); err != nil {
			return err
		}
	}

	for _, dep := range l.deps {
		if err := w.removeRec(ctx, dep); err != nil {
			return err
		}
	}
	return nil
}

// activate walks the plan's roots, activating the target closure.
func (w *walker) activate(ctx context.Context, p *plan) error {
	for _, root := range p.roots() {
		if err := w.createRec(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

// deactivate walks the plan's roots, removing the target closure.
func (w *walker) deactivate(ctx context.Context, p *plan) error {
	for _, root := range p.roots() {
		if err := w.removeRec(ctx, root); err != nil {
			return err
		}
	}
	return nil
}
