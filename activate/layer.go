package activate

import (
	"sort"

	"github.com/tasleson/lvm2/dmtask"
	"github.com/tasleson/lvm2/metadata"
)

// Strategy selects the rule that fills a layer's kernel table when it is
// created or reloaded.
type Strategy int

const (
	// StrategyVanilla maps the LV's segments directly: linear, striped,
	// or error targets.
	StrategyVanilla Strategy = iota

	// StrategyOrigin emits a single snapshot-origin target over the
	// LV's hidden real device.
	StrategyOrigin

	// StrategySnapshot emits a single snapshot target over the origin's
	// real device and the cow device.
	StrategySnapshot
)

func (s Strategy) String() string {
	switch s {
	case StrategyVanilla:
		return "vanilla"
	case StrategyOrigin:
		return "origin"
	case StrategySnapshot:
		return "snapshot"
	default:
		return "unknown"
	}
}

// Layer is one planned or observed device-mapper node.
type Layer struct {
	// Name is the encoded node name.
	Name string

	// LV backs this layer; nil when the layer was discovered in the
	// kernel but maps to no known LV.
	LV *metadata.LV

	// Strategy selects the table population rule.
	Strategy Strategy

	// Snapshot carries the snapshot relation for StrategySnapshot.
	Snapshot *metadata.Snapshot

	// Info is the last observed kernel state. It is refreshed when the
	// layer enters the plan and updated as the executor transitions the
	// node.
	Info dmtask.Info

	// Visible marks the user-facing top layer, published to /dev.
	Visible bool

	// Dirty forces recreation even when the node already exists. No
	// current planner sets it, but the executor honors it.
	Dirty bool

	// PreCreate names the layers that must exist before this one may be
	// created.
	PreCreate []string

	// PreActive names the layers that must be live before this one may
	// be resumed. Reserved: the current targets only need PreCreate.
	PreActive []string

	// marked is set while computing the reachable subgraph of the plan.
	marked bool

	// isDep is set on layers that appear in some layer's PreCreate;
	// layers left clear are the roots the executor iterates.
	isDep bool

	// deps holds the PreCreate layers resolved to handles during the
	// mark pass, in name order.
	deps []*Layer
}

// addPreCreate appends a dependency name, keeping the list in name order so
// every walk visits dependencies deterministically.
func (l *Layer) addPreCreate(name string) {
	l.PreCreate = append(l.PreCreate, name)
	sort.Strings(l.PreCreate)
}

// execClass orders roots for execution: snapshot tops go live before origin
// tops (a snapshot must be attached before writes reach the origin's new
// table), and plain devices last.
func (l *Layer) execClass() int {
	switch l.Strategy {
	case StrategySnapshot:
		return 0
	case StrategyOrigin:
		return 1
	default:
		return 2
	}
}
