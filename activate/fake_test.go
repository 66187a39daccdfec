package activate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tasleson/lvm2/dmtask"
)

// fakeDM is an in-memory device-mapper namespace implementing the task
// contract: create leaves the node live, reload swaps the table without
// touching suspend state, remove fails on absent nodes.
type fakeDM struct {
	nodes map[string]*fakeNode
	ops   []opRecord
}

type fakeNode struct {
	table     []string
	suspended bool
	uuid      string
}

type opRecord struct {
	Op    string
	Name  string
	Table string
}

func newFakeDM() *fakeDM {
	return &fakeDM{nodes: make(map[string]*fakeNode)}
}

// addNode seeds a pre-existing node, live or suspended.
func (f *fakeDM) addNode(name string, suspended bool) {
	f.nodes[name] = &fakeNode{suspended: suspended}
}

// mutations returns the recorded operations, excluding read-only info
// queries.
func (f *fakeDM) mutations() []opRecord {
	var out []opRecord
	for _, op := range f.ops {
		if op.Op != "info" {
			out = append(out, op)
		}
	}
	return out
}

func (f *fakeDM) NewTask(op dmtask.TaskType, name string) dmtask.Task {
	return &fakeTask{f: f, op: op, name: name}
}

func (f *fakeDM) Dir() string { return "/dev/mapper" }

func (f *fakeDM) ListDevices(ctx context.Context) ([]string, error) {
	var devices []string
	for name := range f.nodes {
		devices = append(devices, name)
	}
	sort.Strings(devices)
	return devices, nil
}

type fakeTask struct {
	f       *fakeDM
	op      dmtask.TaskType
	name    string
	uuid    string
	targets []dmtask.Target
	info    *dmtask.Info
}

func (t *fakeTask) AddTarget(target dmtask.Target) error {
	if len(target.Params) > dmtask.MaxParams {
		return &dmtask.TableTooLargeError{Name: t.name, Size: len(target.Params)}
	}
	t.targets = append(t.targets, target)
	return nil
}

func (t *fakeTask) SetUUID(uuid string) { t.uuid = uuid }

func (t *fakeTask) table() []string {
	lines := make([]string, 0, len(t.targets))
	for _, target := range t.targets {
		lines = append(lines, target.Line())
	}
	return lines
}

func (t *fakeTask) record() {
	t.f.ops = append(t.f.ops, opRecord{
		Op:    t.op.String(),
		Name:  t.name,
		Table: strings.Join(t.table(), "\n"),
	})
}

func (t *fakeTask) Run(ctx context.Context) error {
	node := t.f.nodes[t.name]

	switch t.op {
	case dmtask.TaskCreate:
		if node != nil {
			return fmt.Errorf("device %q already exists", t.name)
		}
		if len(t.targets) == 0 {
			return fmt.Errorf("create for %q has no targets", t.name)
		}
		// The standard control device resumes on create.
		t.f.nodes[t.name] = &fakeNode{table: t.table(), uuid: t.uuid}
		t.record()

	case dmtask.TaskReload:
		if node == nil {
			return fmt.Errorf("device %q does not exist", t.name)
		}
		node.table = t.table()
		t.record()

	case dmtask.TaskSuspend:
		if node == nil {
			return fmt.Errorf("device %q does not exist", t.name)
		}
		node.suspended = true
		t.record()

	case dmtask.TaskResume:
		if node == nil {
			return fmt.Errorf("device %q does not exist", t.name)
		}
		node.suspended = false
		t.record()

	case dmtask.TaskRemove:
		if node == nil {
			return fmt.Errorf("device %q does not exist", t.name)
		}
		delete(t.f.nodes, t.name)
		t.record()

	case dmtask.TaskInfo:
		info := &dmtask.Info{}
		if node != nil {
			info.Exists = true
			info.Suspended = node.suspended
			info.TargetCount = int32(len(node.table))
		}
		t.info = info
		t.f.ops = append(t.f.ops, opRecord{Op: "info", Name: t.name})

	default:
		return fmt.Errorf("unsupported op %s", t.op)
	}

	return nil
}

func (t *fakeTask) Info() (*dmtask.Info, error) {
	if t.info == nil {
		return nil, fmt.Errorf("no info captured for %q", t.name)
	}
	return t.info, nil
}

// fakePublisher records visible-layer notifications.
type fakePublisher struct {
	added   []string // "lv=name" pairs
	removed []string
}

func (p *fakePublisher) AddLV(lv, dmName string) error {
	p.added = append(p.added, lv+"="+dmName)
	return nil
}

func (p *fakePublisher) DelLV(lv string) error {
	p.removed = append(p.removed, lv)
	return nil
}
