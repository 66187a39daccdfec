package activate

import (
	"context"
	"fmt"
	"sort"

	"github.com/benbjohnson/immutable"

	"github.com/tasleson/lvm2/dmtask"
	"github.com/tasleson/lvm2/metadata"
	"github.com/tasleson/lvm2/names"
)

// walkMode selects how the active set and marks are computed.
type walkMode int

const (
	modeActivate walkMode = iota
	modeDeactivate
)

// plan maps layer names to layers for one engine walk, together with the
// active set of LVs and, on deactivation, the set of layers to remove.
//
// Layers live in a sorted map so pruning, root detection and execution all
// iterate them in name order.
type plan struct {
	layers *immutable.SortedMap[string, *Layer]

	// active holds the LVs selected to be, or observed to be, active.
	active map[string]*metadata.LV

	// removeSet names the layers a deactivation walk will tear down.
	removeSet map[string]struct{}
}

func newPlan() *plan {
	return &plan{
		layers:    immutable.NewSortedMap[string, *Layer](nil),
		active:    make(map[string]*metadata.LV),
		removeSet: make(map[string]struct{}),
	}
}

func (p *plan) get(name string) (*Layer, bool) {
	return p.layers.Get(name)
}

// insert adds a layer, replacing any previously discovered layer of the
// same name.
func (p *plan) insert(l *Layer) {
	p.layers = p.layers.Set(l.Name, l)
}

// buildPlan runs the planning sequence: scan the kernel namespace, fill in
// the active set, apply the target, expand every LV, then mark and prune
// down to the layers the walk needs.
func (m *Manager) buildPlan(ctx context.Context, target *metadata.LV, mode walkMode) (*plan, error) {
	if err := m.validateSnapshotChains(); err != nil {
		return nil, err
	}

	p := newPlan()

	if err := m.scanExisting(ctx, p); err != nil {
		return nil, err
	}

	m.fillActiveSet(p)

	switch mode {
	case modeActivate:
		p.active[target.Name] = target
	case modeDeactivate:
		delete(p.active, target.Name)
	}

	for _, lv := range m.vg.LVs {
		if err := m.expandLV(ctx, p, lv); err != nil {
			return nil, err
		}
	}

	top, ok := p.get(names.Encode(m.vg.Name, target.Name, ""))
	if !ok {
		return nil, ErrPlanIncomplete
	}

	if err := p.mark(top, mode); err != nil {
		return nil, err
	}
	p.prune(mode)
	p.detectRoots()

	return p, nil
}

// validateSnapshotChains rejects metadata in which following cow -> origin
// links revisits a logical volume. Such metadata can never expand into an
// acyclic plan, so it is refused before any kernel operation is issued.
func (m *Manager) validateSnapshotChains() error {
	for _, s := range m.vg.Snapshots {
		seen := map[string]bool{s.Cow.Name: true}
		lv := s.Origin
		for lv != nil {
			if seen[lv.Name] {
				return &CircularDependencyError{Name: names.Encode(m.vg.Name, lv.Name, "")}
			}
			seen[lv.Name] = true

			next := m.vg.FindCow(lv)
			if next == nil {
				break
			}
			lv = next.Origin
		}
	}
	return nil
}

// scanExisting enumerates the device-mapper namespace and records every
// node claiming to belong to this VG, with its observed kernel state.
func (m *Manager) scanExisting(ctx context.Context, p *plan) error {
	devices, err := m.client.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("couldn't scan device-mapper namespace: %w", err)
	}

	for _, name := range devices {
		if !names.BelongsToVG(m.vg.Name, name) {
			continue
		}
		m.logger.WithField("layer", name).Debug("found existing layer")

		info, err := m.queryInfo(ctx, name)
		if err != nil {
			return err
		}
		p.insert(&Layer{Name: name, Info: *info})
	}
	return nil
}

// fillActiveSet adds every LV whose top-layer name was discovered in the
// kernel to the active set.
func (m *Manager) fillActiveSet(p *plan) {
	for _, lv := range m.vg.LVs {
		if _, ok := p.get(names.Encode(m.vg.Name, lv.Name, "")); ok {
			p.active[lv.Name] = lv
		}
	}
}

// queryInfo refreshes kernel state for a node name.
func (m *Manager) queryInfo(ctx context.Context, name string) (*dmtask.Info, error) {
	task := m.client.NewTask(dmtask.TaskInfo, name)
	if err := task.Run(ctx); err != nil {
		return nil, &KernelOpError{Op: dmtask.TaskInfo.String(), Name: name, Err: err}
	}
	return task.Info()
}

// newLayer builds a layer for the LV and inserts it into the plan. A
// collision with a previously discovered kernel layer keeps the observed
// info instead of querying again.
func (m *Manager) newLayer(ctx context.Context, p *plan, layerSuffix string, lv *metadata.LV, strategy Strategy, visible bool) (*Layer, error) {
	l := &Layer{
		Name:     names.Encode(m.vg.Name, lv.Name, layerSuffix),
		LV:       lv,
		Strategy: strategy,
		Visible:  visible,
	}

	if existing, ok := p.get(l.Name); ok {
		l.Info = existing.Info
	} else {
		info, err := m.queryInfo(ctx, l.Name)
		if err != nil {
			return nil, err
		}
		l.Info = *info
	}

	p.insert(l)
	return l, nil
}

// expandLV inserts the layers realizing one LV. A cow LV expands as a
// snapshot shape; an origin whose snapshot is active expands as an
// origin/real pair; everything else is a single vanilla layer.
func (m *Manager) expandLV(ctx context.Context, p *plan, lv *metadata.LV) error {
	if s := m.vg.FindCow(lv); s != nil {
		return m.expandSnapshot(ctx, p, lv, s)
	}
	if m.vg.IsOrigin(lv) && m.snapshotActive(p, lv) {
		return m.expandOriginReal(ctx, p, lv)
	}
	return m.expandVanilla(ctx, p, lv)
}

// snapshotActive reports whether any snapshot of the LV is in the active
// set. An origin whose snapshots are all inactive needs no indirection
// layer.
func (m *Manager) snapshotActive(p *plan, lv *metadata.LV) bool {
	for _, s := range m.vg.SnapshotsOf(lv) {
		if _, ok := p.active[s.Cow.Name]; ok {
			return true
		}
	}
	return false
}

func (m *Manager) expandVanilla(ctx context.Context, p *plan, lv *metadata.LV) error {
	_, err := m.newLayer(ctx, p, "", lv, StrategyVanilla, true)
	return err
}

func (m *Manager) expandOriginReal(ctx context.Context, p *plan, lv *metadata.LV) error {
	real, err := m.newLayer(ctx, p, names.LayerReal, lv, StrategyVanilla, false)
	if err != nil {
		return err
	}

	top, err := m.newLayer(ctx, p, "", lv, StrategyOrigin, true)
	if err != nil {
		return err
	}
	top.addPreCreate(real.Name)

	return nil
}

func (m *Manager) expandSnapshot(ctx context.Context, p *plan, lv *metadata.LV, s *metadata.Snapshot) error {
	cow, err := m.newLayer(ctx, p, names.LayerCow, lv, StrategyVanilla, false)
	if err != nil {
		return err
	}

	top, err := m.newLayer(ctx, p, "", lv, StrategySnapshot, true)
	if err != nil {
		return err
	}
	top.Snapshot = s
	top.addPreCreate(cow.Name)
	top.addPreCreate(names.Encode(m.vg.Name, s.Origin.Name, names.LayerReal))

	return nil
}

// mark computes the reachable subgraph. The target's pre-create closure is
// always marked; on activation, marks also propagate upward so that layers
// depending on a marked layer (an origin top over a marked real device) are
// rebuilt in the same walk. Deactivation marks the downward closure only,
// leaving dependants of shared layers untouched.
func (p *plan) mark(top *Layer, mode walkMode) error {
	if err := p.markPreCreate(top, map[string]bool{}); err != nil {
		return err
	}

	if mode != modeActivate {
		return nil
	}

	for changed := true; changed; {
		changed = false
		for it := p.layers.Iterator(); !it.Done(); {
			_, l, _ := it.Next()
			if l.marked {
				continue
			}
			for _, dep := range l.PreCreate {
				if dl, ok := p.get(dep); ok && dl.marked {
					if err := p.markPreCreate(l, map[string]bool{}); err != nil {
						return err
					}
					changed = true
					break
				}
			}
		}
	}
	return nil
}

// markPreCreate recursively marks a layer and its dependency closure,
// resolving dependency names to layer handles as it goes. Re-entering a
// layer along the current DFS path is a cycle.
func (p *plan) markPreCreate(l *Layer, path map[string]bool) error {
	if path[l.Name] {
		return &CircularDependencyError{Name: l.Name}
	}
	if l.marked {
		return nil
	}

	l.marked = true
	path[l.Name] = true
	defer delete(path, l.Name)

	l.deps = l.deps[:0]
	for _, name := range l.PreCreate {
		dep, ok := p.get(name)
		if !ok {
			return &MissingDependencyError{Name: name}
		}
		l.deps = append(l.deps, dep)

		if err := p.markPreCreate(dep, path); err != nil {
			return err
		}
	}
	return nil
}

// prune drops every unmarked layer. On deactivation the surviving layers
// are recorded as the remove set.
func (p *plan) prune(mode walkMode) {
	for it := p.layers.Iterator(); !it.Done(); {
		name, l, _ := it.Next()
		if !l.marked {
			p.layers = p.layers.Delete(name)
			continue
		}
		if mode == modeDeactivate {
			p.removeSet[name] = struct{}{}
		}
	}
}

// detectRoots flags every layer that appears in another layer's resolved
// dependencies; layers left unflagged are the roots the executor walks.
func (p *plan) detectRoots() {
	for it := p.layers.Iterator(); !it.Done(); {
		_, l, _ := it.Next()
		l.isDep = false
	}
	for it := p.layers.Iterator(); !it.Done(); {
		_, l, _ := it.Next()
		for _, dep := range l.deps {
			dep.isDep = true
		}
	}
}

// roots returns the DAG roots in execution order: snapshot tops first, then
// origin tops, then plain devices, name order within a class.
func (p *plan) roots() []*Layer {
	var roots []*Layer
	for it := p.layers.Iterator(); !it.Done(); {
		_, l, _ := it.Next()
		if !l.isDep {
			roots = append(roots, l)
		}
	}

	sort.SliceStable(roots, func(i, j int) bool {
		ci, cj := roots[i].execClass(), roots[j].execClass()
		if ci != cj {
			return ci < cj
		}
		return roots[i].Name < roots[j].Name
	})
	return roots
}
