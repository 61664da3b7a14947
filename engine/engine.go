// Package engine implements process instantiation and execution: the node
// instance state machine, the stepping algorithm that advances instances
// through their model graph, and the contracts it needs from persistence,
// messaging, and security collaborators.
package engine

import (
	"context"
	stderrors "errors"

	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/model"
	"github.com/goliatone/go-process/store"
)

const defaultMaxAttempts = 3

// Engine drives process instances. It holds no instance state of its own;
// everything lives in the store, so any number of engines may share one
// backing provider.
type Engine struct {
	provider store.Provider

	models    store.Table[model.Model]
	instances store.Table[Instance]
	nodes     store.Table[NodeInstance]

	messages    MessageService
	security    SecurityProvider
	conditions  *ConditionRegistry
	logger      Logger
	maxAttempts int
}

// Option customizes engine construction.
type Option func(*Engine)

// WithMessageService wires the external dispatch collaborator. Without one,
// activity nodes stay Pending and dispatch failures surface to callers.
func WithMessageService(svc MessageService) Option {
	return func(e *Engine) { e.messages = svc }
}

// WithSecurityProvider wires the authorization collaborator.
func WithSecurityProvider(sp SecurityProvider) Option {
	return func(e *Engine) {
		if sp != nil {
			e.security = sp
		}
	}
}

// WithConditions wires the named predicates conditional nodes evaluate.
func WithConditions(reg *ConditionRegistry) Option {
	return func(e *Engine) { e.conditions = reg }
}

// WithLogger sets the engine logger.
func WithLogger(logger Logger) Option {
	return func(e *Engine) { e.logger = normalizeLogger(logger) }
}

// WithMaxAttempts bounds internal retries on version conflicts.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// BindMessageService wires the dispatch collaborator after construction.
// Needed when the collaborator itself reports back into this engine and so
// cannot exist before it.
func (e *Engine) BindMessageService(svc MessageService) {
	e.messages = svc
}

// New constructs an engine over the given store provider.
func New(provider store.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		models:      store.NewTable[model.Model]("models"),
		instances:   store.NewTable[Instance]("instances"),
		nodes:       store.NewTable[NodeInstance]("node_instances"),
		security:    AllowAll{},
		logger:      NewFmtLogger(nil),
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Publish compiles and stores a model definition. Validation failures are
// construction-time errors; no handle is issued for an invalid graph.
func (e *Engine) Publish(ctx context.Context, def model.Definition) (ModelHandle, error) {
	compiled, err := model.Compile(def)
	if err != nil {
		return ModelHandle{}, err
	}
	var h ModelHandle
	err = e.run(ctx, func(st *stepper) error {
		var err error
		h, err = e.models.Put(st.tx, *compiled)
		return err
	})
	if err != nil {
		return ModelHandle{}, err
	}
	e.logger.Info("published model %q as %s", compiled.Name(), h)
	return h, nil
}

// Model resolves a published model.
func (e *Engine) Model(ctx context.Context, h ModelHandle) (*model.Model, error) {
	var m model.Model
	err := e.run(ctx, func(st *stepper) error {
		st.readOnly = true
		var err error
		m, err = e.models.Get(st.tx, h)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Start creates a new instance of the model and advances it: one node
// instance per reachable Start node at entry number 0, each stepped toward
// Complete or Sent per its kind, recursing through everything that becomes
// eligible.
func (e *Engine) Start(ctx context.Context, modelH ModelHandle, owner process.Principal, input process.DataSet) (InstanceHandle, error) {
	var h InstanceHandle
	err := e.run(ctx, func(st *stepper) error {
		if err := e.security.EnsurePermission(ctx, process.PermInstantiate, owner, modelH.String()); err != nil {
			return err
		}
		m, err := st.model(modelH)
		if err != nil {
			return err
		}
		h, err = st.startInstance(modelH, nil, m, owner, input, NodeHandle{}, InstanceHandle{})
		return err
	})
	// dispatch rejections surface alongside the committed handle so the
	// caller can retry the send
	if err != nil && !process.IsCode(err, process.ErrCodeDispatch) {
		return InstanceHandle{}, err
	}
	return h, err
}

// Snapshot returns the read-model of an instance. Owners always read their
// own instances; anyone else needs the read permission.
func (e *Engine) Snapshot(ctx context.Context, instH InstanceHandle, principal process.Principal) (*InstanceSnapshot, error) {
	var snap *InstanceSnapshot
	err := e.run(ctx, func(st *stepper) error {
		st.readOnly = true
		inst, err := st.instance(instH)
		if err != nil {
			return err
		}
		if principal != inst.Owner && !e.security.HasPermission(ctx, process.PermRead, principal, string(inst.Owner)) {
			return process.ErrForbidden.Clone().WithMetadata(map[string]any{
				"permission": string(process.PermRead),
				"principal":  string(principal),
			})
		}
		m, err := st.modelFor(inst)
		if err != nil {
			return err
		}
		snap = &InstanceSnapshot{
			Handle: inst.Self,
			Model:  m.Name(),
			Owner:  inst.Owner,
			State:  inst.State,
			Output: inst.Output,
		}
		for _, nh := range inst.Nodes {
			ni, err := st.node(nh)
			if err != nil {
				return err
			}
			snap.Nodes = append(snap.Nodes, NodeSnapshot{
				Handle:  ni.Self,
				NodeID:  ni.NodeID,
				EntryNo: ni.EntryNo,
				State:   ni.State,
				Output:  ni.Output,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Cancel recursively cancels every non-terminal node instance (and nested
// instance) and marks the aggregate Cancelled. Terminal node instances are
// untouched.
func (e *Engine) Cancel(ctx context.Context, instH InstanceHandle, principal process.Principal) error {
	return e.run(ctx, func(st *stepper) error {
		inst, err := st.instance(instH)
		if err != nil {
			return err
		}
		if err := e.security.EnsurePermission(ctx, process.PermCancel, principal, string(inst.Owner)); err != nil {
			return err
		}
		return st.cancelInstance(inst)
	})
}

// FinishTask reports external completion of a node instance, carrying its
// output payload, and advances successors.
func (e *Engine) FinishTask(ctx context.Context, nodeH NodeHandle, output process.DataSet, principal process.Principal) error {
	return e.taskTransition(ctx, nodeH, principal, NodeComplete, output, "")
}

// FailTask reports external failure. This is a normal Failed transition,
// recorded and propagated as instance state, never an engine error.
func (e *Engine) FailTask(ctx context.Context, nodeH NodeHandle, cause string) error {
	return e.taskTransition(ctx, nodeH, process.Anonymous, NodeFailed, nil, cause)
}

// CancelTask cancels one node instance without touching its siblings.
func (e *Engine) CancelTask(ctx context.Context, nodeH NodeHandle) error {
	return e.taskTransition(ctx, nodeH, process.Anonymous, NodeCancelled, nil, "")
}

// AcknowledgeTask records external receipt of a dispatched task.
func (e *Engine) AcknowledgeTask(ctx context.Context, nodeH NodeHandle, principal process.Principal) error {
	return e.taskTransition(ctx, nodeH, principal, NodeAcknowledged, nil, "")
}

// TakeTask records an actor claiming a task.
func (e *Engine) TakeTask(ctx context.Context, nodeH NodeHandle, principal process.Principal) error {
	return e.taskTransition(ctx, nodeH, principal, NodeTaken, nil, "")
}

// StartTask records execution beginning on a claimed task.
func (e *Engine) StartTask(ctx context.Context, nodeH NodeHandle, principal process.Principal) error {
	return e.taskTransition(ctx, nodeH, principal, NodeStarted, nil, "")
}

func (e *Engine) taskTransition(ctx context.Context, nodeH NodeHandle, principal process.Principal, to NodeState, payload process.DataSet, cause string) error {
	return e.run(ctx, func(st *stepper) error {
		ni, err := st.node(nodeH)
		if err != nil {
			return err
		}
		inst, err := st.instance(ni.Instance)
		if err != nil {
			return err
		}
		if principal != process.Anonymous {
			if err := e.security.EnsurePermission(ctx, process.PermUpdate, principal, string(inst.Owner)); err != nil {
				return err
			}
		}
		m, err := st.modelFor(inst)
		if err != nil {
			return err
		}
		if cause != "" {
			ni.FailureCause = cause
		}
		return st.transition(inst, m, ni, to, payload)
	})
}

// run executes fn inside a transaction, retrying version conflicts up to
// the configured bound. Dispatches decided inside the transaction are
// delivered only after the commit that made them durable; an aborted
// attempt's dispatches die with its stepper.
func (e *Engine) run(ctx context.Context, fn func(st *stepper) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		st := newStepper(e, ctx)
		err := e.provider.WithTransaction(ctx, func(tx store.Tx) error {
			st.tx = tx
			if err := fn(st); err != nil {
				return err
			}
			return st.flush()
		})
		if err == nil {
			return e.deliver(ctx, st)
		}
		if !stderrors.Is(err, store.ErrVersionConflict) {
			return err
		}
		lastErr = err
		e.logger.Debug("transaction conflict, attempt %d of %d", attempt, e.maxAttempts)
	}
	conflict := process.ErrConcurrencyConflict.Clone().WithMetadata(map[string]any{
		"attempts": e.maxAttempts,
	})
	conflict.Source = lastErr
	return conflict
}

// deliver hands the committed transaction's dispatches to the message
// service. Accepted sends are recorded as Sent in their own transaction; a
// rejected or failed send leaves the node Pending and surfaces as a
// dispatch error the caller can act on.
func (e *Engine) deliver(ctx context.Context, st *stepper) error {
	errs := st.dispatchErrs
	for _, pd := range st.dispatches {
		msg, err := e.messages.CreateMessage(pd.desc)
		if err != nil {
			errs = append(errs, e.dispatchError(pd.desc.NodeID, pd.desc.EntryNo, err, "message creation failed"))
			continue
		}
		accepted, err := e.messages.SendMessage(ctx, msg, pd.node)
		if err != nil {
			errs = append(errs, e.dispatchError(pd.desc.NodeID, pd.desc.EntryNo, err, "send failed"))
			continue
		}
		if !accepted {
			errs = append(errs, e.dispatchError(pd.desc.NodeID, pd.desc.EntryNo, nil, "send rejected"))
			continue
		}
		if err := e.markSent(ctx, pd.node); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// markSent records an accepted send. The worst crash window is between the
// accepted send and this commit, which re-dispatches on recovery; the
// service sees at-least-once, never a handle that was rolled back.
func (e *Engine) markSent(ctx context.Context, nodeH NodeHandle) error {
	return e.run(ctx, func(st *stepper) error {
		ni, err := st.node(nodeH)
		if err != nil {
			return err
		}
		inst, err := st.instance(ni.Instance)
		if err != nil {
			return err
		}
		m, err := st.modelFor(inst)
		if err != nil {
			return err
		}
		return st.transition(inst, m, ni, NodeSent, nil)
	})
}

func (e *Engine) dispatchError(id process.Identifier, entry int, cause error, reason string) error {
	de := process.ErrDispatchFailure.Clone()
	de.Message = reason
	if cause != nil {
		de.Source = cause
	}
	e.logger.Warn("dispatch of %s#%d rejected: %s", id, entry, reason)
	return de.WithMetadata(map[string]any{
		"node":  string(id),
		"entry": entry,
	})
}
