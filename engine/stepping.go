package engine

import (
	"context"
	"fmt"

	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/model"
	"github.com/goliatone/go-process/store"
)

// stepper is the per-transaction working set of the stepping algorithm.
// Loaded records are cached as pointers so every mutation in one operation
// sees every other; flush persists the lot right before commit.
type stepper struct {
	e   *Engine
	ctx context.Context
	tx  store.Tx

	insts map[uint64]*Instance
	nis   map[uint64]*NodeInstance
	mdls  map[uint64]*model.Model

	// readOnly skips the flush for operations that only read.
	readOnly bool

	// dispatches are the activity sends this transaction decided on. They
	// are handed to the message service only after commit, so an aborted
	// attempt leaves no trace in the service.
	dispatches   []pendingDispatch
	dispatchErrs []error
}

type pendingDispatch struct {
	node NodeHandle
	desc MessageDescriptor
}

func newStepper(e *Engine, ctx context.Context) *stepper {
	return &stepper{
		e:     e,
		ctx:   ctx,
		insts: make(map[uint64]*Instance),
		nis:   make(map[uint64]*NodeInstance),
		mdls:  make(map[uint64]*model.Model),
	}
}

func (st *stepper) instance(h InstanceHandle) (*Instance, error) {
	if inst, ok := st.insts[h.ID()]; ok {
		return inst, nil
	}
	inst, err := st.e.instances.Get(st.tx, h)
	if err != nil {
		return nil, err
	}
	st.insts[h.ID()] = &inst
	return &inst, nil
}

func (st *stepper) node(h NodeHandle) (*NodeInstance, error) {
	if ni, ok := st.nis[h.ID()]; ok {
		return ni, nil
	}
	ni, err := st.e.nodes.Get(st.tx, h)
	if err != nil {
		return nil, err
	}
	st.nis[h.ID()] = &ni
	return &ni, nil
}

func (st *stepper) model(h ModelHandle) (*model.Model, error) {
	if m, ok := st.mdls[h.ID()]; ok {
		return m, nil
	}
	m, err := st.e.models.Get(st.tx, h)
	if err != nil {
		return nil, err
	}
	st.mdls[h.ID()] = &m
	return &m, nil
}

// modelFor resolves the (possibly nested) model an instance executes.
func (st *stepper) modelFor(inst *Instance) (*model.Model, error) {
	m, err := st.model(inst.Model)
	if err != nil {
		return nil, err
	}
	for _, name := range inst.Path {
		child, ok := m.Child(name)
		if !ok {
			e := process.ErrNotFound.Clone()
			e.Message = "child model not found"
			return nil, e.WithMetadata(map[string]any{"child": name})
		}
		m = child
	}
	return m, nil
}

// flush persists every record touched in this transaction.
func (st *stepper) flush() error {
	if st.readOnly {
		return nil
	}
	for _, ni := range st.nis {
		if err := st.e.nodes.Update(st.tx, ni.Self, *ni); err != nil {
			return err
		}
	}
	for _, inst := range st.insts {
		if err := st.e.instances.Update(st.tx, inst.Self, *inst); err != nil {
			return err
		}
	}
	return nil
}

// startInstance creates an instance and instantiates one node instance per
// Start node at entry number 0, recursing through everything that becomes
// eligible before the transaction commits.
func (st *stepper) startInstance(modelH ModelHandle, path []string, m *model.Model, owner process.Principal, input process.DataSet, parent NodeHandle, parentInst InstanceHandle) (InstanceHandle, error) {
	inst := &Instance{
		Model:          modelH,
		Owner:          owner,
		State:          InstanceInitialized,
		Path:           path,
		Parent:         parent,
		ParentInstance: parentInst,
		Input:          input,
	}
	h, err := st.e.instances.Put(st.tx, *inst)
	if err != nil {
		return InstanceHandle{}, err
	}
	inst.Self = h
	st.insts[h.ID()] = inst

	st.e.logger.Info("starting instance %s of model %q for %s", h, m.Name(), owner)

	for start := range m.StartNodes() {
		if _, err := st.instantiate(inst, m, start, inst.nextEntry(start.ID), nil, input, true); err != nil {
			return InstanceHandle{}, err
		}
	}
	return h, nil
}

// instantiate creates one node instance in Pending and immediately
// progresses it per its kind. Import resolution happens first: a node whose
// required inputs cannot be resolved is never created.
func (st *stepper) instantiate(inst *Instance, m *model.Model, node model.Node, entry int, preds []NodeHandle, input process.DataSet, explicit bool) (*NodeInstance, error) {
	if !explicit {
		resolved, err := st.resolveImports(node, preds)
		if err != nil {
			return nil, err
		}
		input = resolved
	}

	ni := &NodeInstance{
		Instance:     inst.Self,
		NodeID:       node.ID,
		EntryNo:      entry,
		State:        NodePending,
		Input:        input,
		Predecessors: preds,
	}
	h, err := st.e.nodes.Put(st.tx, *ni)
	if err != nil {
		return nil, err
	}
	ni.Self = h
	st.nis[h.ID()] = ni
	inst.Nodes = append(inst.Nodes, h)

	st.e.logger.Debug("instantiated %s#%d on %s", node.ID, entry, inst.Self)

	if err := st.progress(inst, m, ni, node); err != nil {
		return nil, err
	}
	return ni, nil
}

// progress drives a fresh Pending node instance toward its first settled or
// dispatched state.
func (st *stepper) progress(inst *Instance, m *model.Model, ni *NodeInstance, node model.Node) error {
	if node.Condition != "" {
		cond, ok := st.e.conditions.Lookup(node.Condition)
		if !ok {
			e := process.ErrInvalidInput.Clone()
			e.Message = "unknown condition predicate"
			return e.WithMetadata(map[string]any{
				"node":      string(node.ID),
				"condition": node.Condition,
			})
		}
		if !cond(ni.Input) {
			return st.transition(inst, m, ni, NodeSkipped, nil)
		}
	}

	switch node.Kind {
	case model.KindStart, model.KindSplit, model.KindJoin, model.KindEnd:
		// no external step required
		return st.transition(inst, m, ni, NodeComplete, ni.Input)
	case model.KindActivity:
		return st.dispatch(inst, m, ni, node)
	case model.KindComposite:
		return st.startChild(inst, m, ni, node)
	}
	return fmt.Errorf("unhandled node kind %q", node.Kind)
}

// dispatch queues an activity for the message service. The node commits in
// Pending; delivery happens after commit (see Engine.deliver), and only an
// accepted send moves the node to Sent in a follow-up transaction. A
// rejected send therefore leaves the node Pending and surfaces to the
// caller.
func (st *stepper) dispatch(inst *Instance, m *model.Model, ni *NodeInstance, node model.Node) error {
	if st.e.messages == nil {
		st.dispatchErrs = append(st.dispatchErrs,
			st.e.dispatchError(ni.NodeID, ni.EntryNo, nil, "no message service configured"))
		return nil
	}
	st.dispatches = append(st.dispatches, pendingDispatch{
		node: ni.Self,
		desc: MessageDescriptor{
			Instance: inst.Self,
			Node:     ni.Self,
			NodeID:   node.ID,
			EntryNo:  ni.EntryNo,
			Service:  node.Service,
			Endpoint: node.Endpoint,
			Owner:    inst.Owner,
			Payload:  ni.Input,
		},
	})
	return nil
}

// startChild marks the composite node dispatched and spins up the nested
// instance. The node completes when the child instance finishes.
func (st *stepper) startChild(inst *Instance, m *model.Model, ni *NodeInstance, node model.Node) error {
	child, ok := m.Child(node.Child)
	if !ok {
		e := process.ErrNotFound.Clone()
		e.Message = "child model not found"
		return e.WithMetadata(map[string]any{"child": node.Child})
	}
	if err := st.transition(inst, m, ni, NodeSent, nil); err != nil {
		return err
	}
	path := make([]string, 0, len(inst.Path)+1)
	path = append(path, inst.Path...)
	path = append(path, node.Child)

	childH, err := st.startInstance(inst.Model, path, child, inst.Owner, ni.Input, ni.Self, inst.Self)
	if err != nil {
		return err
	}
	ni.Child = childH
	return nil
}

// transition applies one legal state machine edge and runs its
// consequences: output decomposition on Complete, successor evaluation on
// settled states, aggregate recomputation always. An illegal edge aborts
// with no mutation.
func (st *stepper) transition(inst *Instance, m *model.Model, ni *NodeInstance, to NodeState, payload process.DataSet) error {
	from := ni.State
	if !CanTransition(from, to) {
		e := process.ErrInvalidTransition.Clone()
		e.Message = fmt.Sprintf("cannot move node %s#%d from %s to %s", ni.NodeID, ni.EntryNo, from, to)
		return e.WithMetadata(map[string]any{
			"node":  string(ni.NodeID),
			"entry": ni.EntryNo,
			"from":  string(from),
			"to":    string(to),
		})
	}
	node, ok := m.Resolve(ni.NodeID)
	if !ok {
		e := process.ErrNotFound.Clone()
		e.Message = "node not in model"
		return e.WithMetadata(map[string]any{"node": string(ni.NodeID)})
	}

	ni.State = to
	st.e.logger.Debug("node %s#%d: %s -> %s", ni.NodeID, ni.EntryNo, from, to)

	if to == NodeComplete {
		ni.Output = decomposeOutput(node, payload)
		if node.Kind == model.KindEnd && len(node.Exports) > 0 {
			merged, err := inst.Output.Merge(ni.Output)
			if err != nil {
				return err
			}
			inst.Output = merged
		}
	}

	if to.Settled() {
		if err := st.settle(inst, m, ni, node); err != nil {
			return err
		}
	}
	return st.recompute(inst, m)
}

// decomposeOutput applies a node's export declaration to its completion
// payload. Nodes without exports pass the payload through untouched.
func decomposeOutput(node model.Node, payload process.DataSet) process.DataSet {
	if len(node.Exports) == 0 {
		return payload
	}
	return payload.Select(node.Exports...)
}

// settle evaluates a settled node's successors. A Split fans out one child
// per successor edge under a single shared entry number; everything else
// instantiates each successor with a fresh entry number. Join successors
// only record an arrival.
func (st *stepper) settle(inst *Instance, m *model.Model, ni *NodeInstance, node model.Node) error {
	cohort := -1
	if node.Kind == model.KindSplit && ni.State == NodeComplete {
		cohort = inst.cohortEntry(node.Successors)
	}
	for _, succID := range node.Successors {
		succ, ok := m.Resolve(succID)
		if !ok {
			continue
		}
		if succ.Kind == model.KindJoin {
			if err := st.joinArrival(inst, m, succ, ni); err != nil {
				return err
			}
			continue
		}
		entry := cohort
		if entry < 0 {
			entry = inst.nextEntry(succID)
		}
		if _, err := st.instantiate(inst, m, succ, entry, []NodeHandle{ni.Self}, nil, false); err != nil {
			return err
		}
	}
	return nil
}

// joinArrival records one settled predecessor for a join cohort and
// instantiates the join once the full configured predecessor set has
// arrived. Arrivals for the same cohort in concurrent transactions are
// serialized by the store, so exactly one of them observes the completed
// set. Skipped predecessors count as arrivals; a branch skipped away must
// not deadlock its join.
func (st *stepper) joinArrival(inst *Instance, m *model.Model, join model.Node, pred *NodeInstance) error {
	if !joinWaitsFor(join, pred.NodeID) {
		return nil
	}
	cohort := pred.EntryNo
	key := joinKey(join.ID, cohort)
	if inst.Joins == nil {
		inst.Joins = make(map[string]*JoinProgress)
	}
	jp := inst.Joins[key]
	if jp == nil {
		jp = &JoinProgress{}
		inst.Joins[key] = jp
	}
	if jp.Fired || jp.has(pred.NodeID) {
		return nil
	}
	jp.Done = append(jp.Done, string(pred.NodeID))
	jp.Nodes = append(jp.Nodes, pred.Self)

	if len(jp.Done) < len(join.JoinOf) {
		st.e.logger.Debug("join %s cohort %d waiting: %d of %d arrived",
			join.ID, cohort, len(jp.Done), len(join.JoinOf))
		return nil
	}
	jp.Fired = true

	// merge arrival outputs in configured-predecessor order
	var input process.DataSet
	for _, cfg := range join.JoinOf {
		for i, done := range jp.Done {
			if done != string(cfg) {
				continue
			}
			pni, err := st.node(jp.Nodes[i])
			if err != nil {
				return err
			}
			input = input.Union(pni.Output)
		}
	}

	if inst.Entries == nil {
		inst.Entries = make(map[string]int)
	}
	if next := inst.Entries[string(join.ID)]; next <= cohort {
		inst.Entries[string(join.ID)] = cohort + 1
	}

	preds := append([]NodeHandle(nil), jp.Nodes...)
	_, err := st.instantiate(inst, m, join, cohort, preds, input, true)
	return err
}

func joinWaitsFor(join model.Node, id process.Identifier) bool {
	for _, cfg := range join.JoinOf {
		if cfg == id {
			return true
		}
	}
	return false
}

// recompute derives the aggregate instance state from its node instances
// and propagates terminal outcomes to a composite parent.
func (st *stepper) recompute(inst *Instance, m *model.Model) error {
	if inst.State.Terminal() {
		return nil
	}
	allSettled := len(inst.Nodes) > 0
	var fatal *NodeInstance
	for _, h := range inst.Nodes {
		ni, err := st.node(h)
		if err != nil {
			return err
		}
		switch {
		case ni.State == NodeFailed:
			allSettled = false
			if node, ok := m.Resolve(ni.NodeID); ok && !node.Recoverable {
				fatal = ni
			}
		case ni.State.Settled():
		default:
			allSettled = false
		}
	}

	switch {
	case fatal != nil:
		inst.State = InstanceFailed
		st.e.logger.Info("instance %s failed at %s#%d: %s", inst.Self, fatal.NodeID, fatal.EntryNo, fatal.FailureCause)
		return st.propagateToParent(inst, NodeFailed)
	case allSettled:
		inst.State = InstanceFinished
		st.e.logger.Info("instance %s finished", inst.Self)
		return st.propagateToParent(inst, NodeComplete)
	default:
		inst.State = InstanceActive
	}
	return nil
}

// propagateToParent surfaces a nested instance's terminal outcome as its
// composite parent node's completion or failure.
func (st *stepper) propagateToParent(inst *Instance, to NodeState) error {
	if !inst.Parent.Valid() {
		return nil
	}
	pni, err := st.node(inst.Parent)
	if err != nil {
		return err
	}
	// a parent already cancelled from its own side needs no echo
	if to == NodeCancelled && pni.State.Terminal() {
		return nil
	}
	pinst, err := st.instance(inst.ParentInstance)
	if err != nil {
		return err
	}
	pm, err := st.modelFor(pinst)
	if err != nil {
		return err
	}
	if to == NodeFailed {
		pni.FailureCause = "child instance failed"
	}
	return st.transition(pinst, pm, pni, to, inst.Output)
}

// cancelInstance cancels every non-terminal node instance, recursing into
// nested instances. Terminal node instances keep their state.
func (st *stepper) cancelInstance(inst *Instance) error {
	if inst.State.Terminal() {
		return nil
	}
	for _, h := range inst.Nodes {
		ni, err := st.node(h)
		if err != nil {
			return err
		}
		if ni.Child.Valid() {
			child, err := st.instance(ni.Child)
			if err != nil {
				return err
			}
			if err := st.cancelInstance(child); err != nil {
				return err
			}
		}
		if ni.State.Terminal() {
			continue
		}
		st.e.logger.Debug("node %s#%d: %s -> %s", ni.NodeID, ni.EntryNo, ni.State, NodeCancelled)
		ni.State = NodeCancelled
	}
	inst.State = InstanceCancelled
	st.e.logger.Info("instance %s cancelled", inst.Self)
	return st.propagateToParent(inst, NodeCancelled)
}
