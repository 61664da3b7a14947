package engine

import (
	"fmt"

	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/model"
	"github.com/goliatone/go-process/store"
)

// Typed handle aliases for the three entity kinds the engine persists.
type (
	ModelHandle    = store.Handle[model.Model]
	InstanceHandle = store.Handle[Instance]
	NodeHandle     = store.Handle[NodeInstance]
)

// Instance is the runtime aggregate for one execution of a model. It owns
// the node instance handles, the per-node entry counters, and the join
// bookkeeping; all of it is persisted so stepping is replayable after a
// crash.
//
// The recursive handle fields here and on NodeInstance spell out the
// store.Handle instantiation instead of using the aliases above; an alias
// inside its own recursive type is rejected by go/types.
type Instance struct {
	Self  store.Handle[Instance] `json:"self"`
	Model ModelHandle            `json:"model"`
	Owner process.Principal      `json:"owner"`
	State InstanceState          `json:"state"`

	// Path names the chain of child models from the stored root model down
	// to the model this instance executes. Empty for a root instance.
	Path []string `json:"path,omitempty"`

	Nodes []store.Handle[NodeInstance] `json:"nodes,omitempty"`

	// Entries tracks the next entry number per node id.
	Entries map[string]int `json:"entries,omitempty"`

	// Joins tracks fan-in progress keyed by join node id and cohort.
	Joins map[string]*JoinProgress `json:"joins,omitempty"`

	// Parent links a nested instance back to the composite node instance
	// that spawned it.
	Parent         store.Handle[NodeInstance] `json:"parent,omitempty"`
	ParentInstance store.Handle[Instance]     `json:"parent_instance,omitempty"`

	Input  process.DataSet `json:"input,omitempty"`
	Output process.DataSet `json:"output,omitempty"`
}

// JoinProgress records which configured predecessors of one join cohort
// have settled so far.
type JoinProgress struct {
	Done  []string                     `json:"done,omitempty"`
	Nodes []store.Handle[NodeInstance] `json:"nodes,omitempty"`
	Fired bool                         `json:"fired,omitempty"`
}

func (jp *JoinProgress) has(id process.Identifier) bool {
	for _, done := range jp.Done {
		if done == string(id) {
			return true
		}
	}
	return false
}

// joinKey correlates join progress with one cohort.
func joinKey(id process.Identifier, cohort int) string {
	return fmt.Sprintf("%s#%d", id, cohort)
}

// nextEntry hands out the next entry number for a node id. Entry numbers
// are monotonically increasing per node id within one instance.
func (inst *Instance) nextEntry(id process.Identifier) int {
	if inst.Entries == nil {
		inst.Entries = make(map[string]int)
	}
	entry := inst.Entries[string(id)]
	inst.Entries[string(id)] = entry + 1
	return entry
}

// cohortEntry allocates one shared entry number for a split's successor
// cohort and advances every successor's counter past it.
func (inst *Instance) cohortEntry(successors []process.Identifier) int {
	if inst.Entries == nil {
		inst.Entries = make(map[string]int)
	}
	entry := 0
	for _, id := range successors {
		if next := inst.Entries[string(id)]; next > entry {
			entry = next
		}
	}
	for _, id := range successors {
		inst.Entries[string(id)] = entry + 1
	}
	return entry
}

// NodeInstance is one activation of a graph node. Identified by
// (Instance, NodeID, EntryNo); the entry number disambiguates repeated
// activations of the same static node.
type NodeInstance struct {
	Self     store.Handle[NodeInstance] `json:"self"`
	Instance store.Handle[Instance]     `json:"instance"`
	NodeID   process.Identifier         `json:"node_id"`
	EntryNo  int                        `json:"entry_no"`
	State    NodeState                  `json:"state"`

	Input  process.DataSet `json:"input,omitempty"`
	Output process.DataSet `json:"output,omitempty"`

	// Predecessors are the node instances actually taken into this one.
	Predecessors []store.Handle[NodeInstance] `json:"predecessors,omitempty"`

	// Child is the nested instance a Composite node spawned.
	Child store.Handle[Instance] `json:"child,omitempty"`

	// FailureCause carries the reported cause of a Failed transition.
	FailureCause string `json:"failure_cause,omitempty"`
}

// InstanceSnapshot is the read-model the engine hands to callers; it never
// exposes live records.
type InstanceSnapshot struct {
	Handle InstanceHandle    `json:"handle"`
	Model  string            `json:"model"`
	Owner  process.Principal `json:"owner"`
	State  InstanceState     `json:"state"`
	Nodes  []NodeSnapshot    `json:"nodes,omitempty"`
	Output process.DataSet   `json:"output,omitempty"`
}

// NodeSnapshot is the read-model for one node instance.
type NodeSnapshot struct {
	Handle  NodeHandle         `json:"handle"`
	NodeID  process.Identifier `json:"node_id"`
	EntryNo int                `json:"entry_no"`
	State   NodeState          `json:"state"`
	Output  process.DataSet    `json:"output,omitempty"`
}
