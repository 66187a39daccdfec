package activate

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tasleson/lvm2/dmtask"
	"github.com/tasleson/lvm2/metadata"
	"github.com/tasleson/lvm2/names"
)

// fillerDevice stands in for an absent PV inside a striped target. I/O to
// the affected stripe errors while the remaining stripes keep working.
const fillerDevice = "/dev/ioerror"

// populateTable fills the task's table for the layer according to its
// strategy. This is the single dispatch point for the supported strategy
// set.
func (m *Manager) populateTable(task dmtask.Task, l *Layer) error {
	if l.LV == nil {
		return &MetadataError{LV: l.Name, Reason: "layer maps to no known logical volume"}
	}

	switch l.Strategy {
	case StrategyVanilla:
		return m.populateVanilla(task, l)
	case StrategyOrigin:
		return m.populateOrigin(task, l)
	case StrategySnapshot:
		return m.populateSnapshot(task, l)
	default:
		return fmt.Errorf("layer %q has unsupported strategy %s", l.Name, l.Strategy)
	}
}

// populateVanilla emits one target per segment in logical-extent order.
func (m *Manager) populateVanilla(task dmtask.Task, l *Layer) error {
	lv := l.LV
	if len(lv.Segments) == 0 {
		return &MetadataError{LV: lv.Name, Reason: "logical volume has no segments"}
	}

	for i := range lv.Segments {
		if err := m.emitSegment(task, lv, &lv.Segments[i]); err != nil {
			return fmt.Errorf("unable to build table for %q: %w", lv.Name, err)
		}
	}
	return nil
}

// emitSegment emits the target for one segment: error when the single
// backing PV is absent, linear for one stripe, striped otherwise.
func (m *Manager) emitSegment(task dmtask.Task, lv *metadata.LV, seg *metadata.Segment) error {
	esize := m.vg.ExtentSize
	target := dmtask.Target{
		Start:  esize * seg.LE,
		Length: esize * seg.Len,
	}

	stripes := len(seg.Areas)
	switch {
	case stripes == 0:
		return &MetadataError{LV: lv.Name, Reason: "segment has no areas"}

	case stripes == 1:
		area := &seg.Areas[0]
		if area.PV == nil {
			target.Type = "error"
			break
		}
		target.Type = "linear"
		target.Params = fmt.Sprintf("%s %d", area.PV.Dev, area.PV.PEStart+esize*area.PE)

	default:
		var params strings.Builder
		fmt.Fprintf(&params, "%d %d", stripes, seg.StripeSize)
		for i := range seg.Areas {
			area := &seg.Areas[i]
			if area.PV == nil {
				fmt.Fprintf(&params, " %s 0", fillerDevice)
				continue
			}
			fmt.Fprintf(&params, " %s %d", area.PV.Dev, area.PV.PEStart+esize*area.PE)
		}
		target.Type = "striped"
		target.Params = params.String()
	}

	return task.AddTarget(target)
}

// populateOrigin emits a single snapshot-origin target spanning the LV,
// routed through its hidden real device.
func (m *Manager) populateOrigin(task dmtask.Task, l *Layer) error {
	real := names.Encode(m.vg.Name, l.LV.Name, names.LayerReal)

	return task.AddTarget(dmtask.Target{
		Start:  0,
		Length: l.LV.SizeSectors(m.vg.ExtentSize),
		Type:   "snapshot-origin",
		Params: filepath.Join(m.client.Dir(), real),
	})
}

// populateSnapshot emits a single persistent snapshot target spanning the
// origin, referencing the origin's real device and this LV's cow device.
func (m *Manager) populateSnapshot(task dmtask.Task, l *Layer) error {
	s := l.Snapshot
	if s == nil || s.Origin == nil {
		return &MetadataError{LV: l.LV.Name, Reason: "snapshot has no resolvable origin"}
	}

	origin := names.Encode(m.vg.Name, s.Origin.Name, names.LayerReal)
	cow := names.Encode(m.vg.Name, s.Cow.Name, names.LayerCow)

	params := fmt.Sprintf("%s %s P %d",
		filepath.Join(m.client.Dir(), origin),
		filepath.Join(m.client.Dir(), cow),
		s.ChunkSize)

	return task.AddTarget(dmtask.Target{
		Start:  0,
		Length: s.Origin.SizeSectors(m.vg.ExtentSize),
		Type:   "snapshot",
		Params: params,
	})
}
