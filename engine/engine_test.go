package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/model"
	"github.com/goliatone/go-process/store"
)

// fakeMessages accepts every dispatch and remembers the descriptors, so
// tests can drive the external side of the protocol by handle.
type fakeMessages struct {
	accept  bool
	sendErr error
	sent    []MessageDescriptor
}

func (f *fakeMessages) CreateMessage(desc MessageDescriptor) (*Message, error) {
	return &Message{
		ID:         fmt.Sprintf("msg-%d", len(f.sent)+1),
		Descriptor: desc,
		CreatedAt:  time.Now(),
	}, nil
}

func (f *fakeMessages) SendMessage(_ context.Context, msg *Message, _ NodeHandle) (bool, error) {
	if f.sendErr != nil {
		return false, f.sendErr
	}
	if !f.accept {
		return false, nil
	}
	f.sent = append(f.sent, msg.Descriptor)
	return true, nil
}

// handle returns the node handle of the most recent dispatch for a node id.
func (f *fakeMessages) handle(id process.Identifier) NodeHandle {
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].NodeID == id {
			return f.sent[i].Node
		}
	}
	return NodeHandle{}
}

func newTestEngine(opts ...Option) (*Engine, *fakeMessages) {
	fake := &fakeMessages{accept: true}
	opts = append([]Option{WithMessageService(fake)}, opts...)
	return New(store.NewMemory(), opts...), fake
}

func ds(name, val string) process.DataSet {
	return process.DataSet{process.NewData(name, []byte(val))}
}

func nodeSnap(t *testing.T, snap *InstanceSnapshot, id process.Identifier) NodeSnapshot {
	t.Helper()
	var found []NodeSnapshot
	for _, n := range snap.Nodes {
		if n.NodeID == id {
			found = append(found, n)
		}
	}
	require.Len(t, found, 1, "expected exactly one activation of %s", id)
	return found[0]
}

func hasNode(snap *InstanceSnapshot, id process.Identifier) bool {
	for _, n := range snap.Nodes {
		if n.NodeID == id {
			return true
		}
	}
	return false
}

// diamondDef is a fan-out / fan-in graph: an activity feeds a split whose
// two branches reconverge on a join before the end node.
func diamondDef() model.Definition {
	return model.Definition{
		Name: "fulfillment",
		Nodes: []model.NodeConfig{
			{ID: "start", Kind: "start"},
			{ID: "prep", Kind: "activity", After: []string{"start"}, Service: "warehouse", Endpoint: "prep"},
			{ID: "fork", Kind: "split", After: []string{"prep"}},
			{ID: "pick", Kind: "activity", After: []string{"fork"}},
			{ID: "bill", Kind: "activity", After: []string{"fork"}},
			{ID: "merge", Kind: "join", After: []string{"pick", "bill"}},
			{ID: "done", Kind: "end", After: []string{"merge"}, Exports: []string{"picked", "invoice"}},
		},
	}
}

func TestDiamondRunsToCompletion(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, diamondDef())
	require.NoError(t, err)

	ih, err := eng.Start(ctx, mh, "alice", ds("order", `"o-77"`))
	require.NoError(t, err)
	require.True(t, ih.Valid())

	// the start node settles in the starting transaction; prep goes out
	require.Len(t, fake.sent, 1)
	assert.Equal(t, process.Identifier("prep"), fake.sent[0].NodeID)
	assert.Equal(t, "warehouse", fake.sent[0].Service)
	assert.Equal(t, 0, fake.sent[0].EntryNo)
	assert.True(t, fake.sent[0].Payload.Has("order"), "dispatch carries the resolved input")

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceActive, snap.State)
	assert.Equal(t, NodeComplete, nodeSnap(t, snap, "start").State)
	assert.Equal(t, NodeSent, nodeSnap(t, snap, "prep").State)
	assert.False(t, hasNode(snap, "fork"))

	// prep completes: the split settles immediately and fans out one
	// activation per branch under a shared entry number
	require.NoError(t, eng.FinishTask(ctx, fake.handle("prep"), ds("order", `"o-77"`), "alice"))
	require.Len(t, fake.sent, 3)
	assert.Equal(t, 0, fake.sent[1].EntryNo)
	assert.Equal(t, 0, fake.sent[2].EntryNo)

	snap, err = eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, NodeComplete, nodeSnap(t, snap, "fork").State)
	assert.Equal(t, NodeSent, nodeSnap(t, snap, "pick").State)
	assert.Equal(t, NodeSent, nodeSnap(t, snap, "bill").State)
	assert.False(t, hasNode(snap, "merge"), "join must wait for the full cohort")

	require.NoError(t, eng.FinishTask(ctx, fake.handle("pick"), ds("picked", `true`), "alice"))
	snap, err = eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceActive, snap.State)
	assert.False(t, hasNode(snap, "merge"), "one arrival of two is not enough")

	require.NoError(t, eng.FinishTask(ctx, fake.handle("bill"), ds("invoice", `"inv-1"`), "alice"))

	snap, err = eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceFinished, snap.State)

	merge := nodeSnap(t, snap, "merge")
	assert.Equal(t, NodeComplete, merge.State)
	assert.Equal(t, 0, merge.EntryNo)
	assert.Equal(t, []string{"picked", "invoice"}, merge.Output.Names(),
		"join input merges arrivals in configured order")

	assert.Equal(t, NodeComplete, nodeSnap(t, snap, "done").State)
	assert.Equal(t, []string{"picked", "invoice"}, snap.Output.Names())
}

func TestFinishOnSettledNodeIsRejected(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, diamondDef())
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	prep := fake.handle("prep")
	require.NoError(t, eng.FinishTask(ctx, prep, ds("order", `"o-1"`), "alice"))

	err = eng.FinishTask(ctx, prep, ds("order", `"tampered"`), "alice")
	require.Error(t, err)
	assert.True(t, process.IsCode(err, process.ErrCodeInvalidTransition))

	// the rejected report never touches the stored output
	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	got, ok := nodeSnap(t, snap, "prep").Output.Get("order")
	require.True(t, ok)
	assert.Equal(t, `"o-1"`, string(got.Content))
}

func TestCancelMidFlight(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, diamondDef())
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(ctx, ih, "alice"))

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceCancelled, snap.State)
	assert.Equal(t, NodeComplete, nodeSnap(t, snap, "start").State, "terminal nodes keep their state")
	assert.Equal(t, NodeCancelled, nodeSnap(t, snap, "prep").State)

	// a late completion report finds no legal edge
	err = eng.FinishTask(ctx, fake.handle("prep"), nil, "alice")
	assert.True(t, process.IsCode(err, process.ErrCodeInvalidTransition))

	// cancelling a terminal instance is a no-op
	require.NoError(t, eng.Cancel(ctx, ih, "alice"))
}

func TestCancelAcrossBranchStates(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, diamondDef())
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)
	require.NoError(t, eng.FinishTask(ctx, fake.handle("prep"), nil, "alice"))

	// drive one branch into Started, leave the other Sent
	pick := fake.handle("pick")
	require.NoError(t, eng.AcknowledgeTask(ctx, pick, "alice"))
	require.NoError(t, eng.TakeTask(ctx, pick, "alice"))
	require.NoError(t, eng.StartTask(ctx, pick, "alice"))

	require.NoError(t, eng.Cancel(ctx, ih, "alice"))

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceCancelled, snap.State)
	assert.Equal(t, NodeCancelled, nodeSnap(t, snap, "pick").State)
	assert.Equal(t, NodeCancelled, nodeSnap(t, snap, "bill").State)
	assert.False(t, hasNode(snap, "merge"), "cancellation never creates the join")
	assert.Equal(t, NodeComplete, nodeSnap(t, snap, "fork").State)
}

func TestUnresolvedImportAbortsTheStep(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	def := model.Definition{
		Name: "strict",
		Nodes: []model.NodeConfig{
			{ID: "start", Kind: "start"},
			{ID: "fetch", Kind: "activity", After: []string{"start"}},
			{ID: "ship", Kind: "activity", After: []string{"fetch"},
				Imports: []model.Import{{Name: "address"}}},
			{ID: "done", Kind: "end", After: []string{"ship"}},
		},
	}
	mh, err := eng.Publish(ctx, def)
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	// fetch completes without producing the import ship requires; the whole
	// transition rolls back and fetch stays Sent
	err = eng.FinishTask(ctx, fake.handle("fetch"), ds("weight", `12`), "alice")
	require.Error(t, err)
	assert.True(t, process.IsCode(err, process.ErrCodeInvalidInput))

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, NodeSent, nodeSnap(t, snap, "fetch").State)
	assert.False(t, hasNode(snap, "ship"), "the starved successor was never created")

	// a corrected report goes through
	require.NoError(t, eng.FinishTask(ctx, fake.handle("fetch"), ds("address", `"12 Main St"`), "alice"))
	require.NoError(t, eng.FinishTask(ctx, fake.handle("ship"), nil, "alice"))

	snap, err = eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceFinished, snap.State)
}

func TestOptionalImportMayResolveToNothing(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	def := model.Definition{
		Name: "lenient",
		Nodes: []model.NodeConfig{
			{ID: "start", Kind: "start"},
			{ID: "fetch", Kind: "activity", After: []string{"start"}},
			{ID: "ship", Kind: "activity", After: []string{"fetch"},
				Imports: []model.Import{{Name: "gift_note", Optional: true}}},
			{ID: "done", Kind: "end", After: []string{"ship"}},
		},
	}
	mh, err := eng.Publish(ctx, def)
	require.NoError(t, err)
	_, err = eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	require.NoError(t, eng.FinishTask(ctx, fake.handle("fetch"), nil, "alice"))
	assert.Empty(t, fake.sent[len(fake.sent)-1].Payload)
}

func TestConditionSkipsNode(t *testing.T) {
	reg := NewConditionRegistry()
	require.NoError(t, reg.Register("needs_review", func(in process.DataSet) bool {
		return in.Has("flagged")
	}))
	eng, fake := newTestEngine(WithConditions(reg))
	ctx := context.Background()

	def := model.Definition{
		Name: "moderation",
		Nodes: []model.NodeConfig{
			{ID: "start", Kind: "start"},
			{ID: "review", Kind: "activity", After: []string{"start"}, Condition: "needs_review"},
			{ID: "done", Kind: "end", After: []string{"review"}},
		},
	}
	mh, err := eng.Publish(ctx, def)
	require.NoError(t, err)

	// condition false: review is skipped and the flow runs past it
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)
	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceFinished, snap.State)
	assert.Equal(t, NodeSkipped, nodeSnap(t, snap, "review").State)
	assert.Empty(t, fake.sent)

	// condition true: review dispatches normally
	ih, err = eng.Start(ctx, mh, "alice", ds("flagged", `true`))
	require.NoError(t, err)
	require.Len(t, fake.sent, 1)
	snap, err = eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, NodeSent, nodeSnap(t, snap, "review").State)
}

func TestUnknownConditionFailsTheStart(t *testing.T) {
	eng, _ := newTestEngine()
	ctx := context.Background()

	def := model.Definition{
		Name: "broken",
		Nodes: []model.NodeConfig{
			{ID: "start", Kind: "start"},
			{ID: "gate", Kind: "activity", After: []string{"start"}, Condition: "no_such_predicate"},
			{ID: "done", Kind: "end", After: []string{"gate"}},
		},
	}
	mh, err := eng.Publish(ctx, def)
	require.NoError(t, err)

	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.Error(t, err)
	assert.True(t, process.IsCode(err, process.ErrCodeInvalidInput))
	assert.False(t, ih.Valid())
}

func TestSkippedBranchStillFeedsTheJoin(t *testing.T) {
	reg := NewConditionRegistry()
	require.NoError(t, reg.Register("never", func(process.DataSet) bool { return false }))
	eng, fake := newTestEngine(WithConditions(reg))
	ctx := context.Background()

	def := diamondDef()
	def.Nodes[3].Condition = "never" // pick
	mh, err := eng.Publish(ctx, def)
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	require.NoError(t, eng.FinishTask(ctx, fake.handle("prep"), nil, "alice"))
	require.NoError(t, eng.FinishTask(ctx, fake.handle("bill"), ds("invoice", `"inv-9"`), "alice"))

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceFinished, snap.State)
	assert.Equal(t, NodeSkipped, nodeSnap(t, snap, "pick").State)

	merge := nodeSnap(t, snap, "merge")
	assert.Equal(t, NodeComplete, merge.State)
	assert.Equal(t, []string{"invoice"}, merge.Output.Names(),
		"a skipped arrival contributes no output")
}

func TestTaskWaypoints(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	def := model.Definition{
		Name: "linear",
		Nodes: []model.NodeConfig{
			{ID: "start", Kind: "start"},
			{ID: "task", Kind: "activity", After: []string{"start"}},
			{ID: "done", Kind: "end", After: []string{"task"}},
		},
	}
	mh, err := eng.Publish(ctx, def)
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	h := fake.handle("task")

	// Started requires the Taken waypoint first
	err = eng.StartTask(ctx, h, "alice")
	assert.True(t, process.IsCode(err, process.ErrCodeInvalidTransition))

	require.NoError(t, eng.AcknowledgeTask(ctx, h, "alice"))
	require.NoError(t, eng.TakeTask(ctx, h, "alice"))
	require.NoError(t, eng.StartTask(ctx, h, "alice"))
	require.NoError(t, eng.FinishTask(ctx, h, nil, "alice"))

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceFinished, snap.State)
}

func TestFailTaskPropagation(t *testing.T) {
	ctx := context.Background()

	def := model.Definition{
		Name: "linear",
		Nodes: []model.NodeConfig{
			{ID: "start", Kind: "start"},
			{ID: "task", Kind: "activity", After: []string{"start"}},
			{ID: "done", Kind: "end", After: []string{"task"}},
		},
	}

	t.Run("fatal", func(t *testing.T) {
		eng, fake := newTestEngine()
		mh, err := eng.Publish(ctx, def)
		require.NoError(t, err)
		ih, err := eng.Start(ctx, mh, "alice", nil)
		require.NoError(t, err)

		require.NoError(t, eng.FailTask(ctx, fake.handle("task"), "downstream timeout"))

		snap, err := eng.Snapshot(ctx, ih, "alice")
		require.NoError(t, err)
		assert.Equal(t, InstanceFailed, snap.State)
		assert.Equal(t, NodeFailed, nodeSnap(t, snap, "task").State)
	})

	t.Run("recoverable", func(t *testing.T) {
		recov := def
		recov.Nodes = append([]model.NodeConfig(nil), def.Nodes...)
		recov.Nodes[1].Recoverable = true

		eng, fake := newTestEngine()
		mh, err := eng.Publish(ctx, recov)
		require.NoError(t, err)
		ih, err := eng.Start(ctx, mh, "alice", nil)
		require.NoError(t, err)

		require.NoError(t, eng.FailTask(ctx, fake.handle("task"), "downstream timeout"))

		snap, err := eng.Snapshot(ctx, ih, "alice")
		require.NoError(t, err)
		assert.Equal(t, InstanceActive, snap.State, "a recoverable failure does not doom the instance")
	})
}

func compositeDef() model.Definition {
	return model.Definition{
		Name: "onboarding",
		Nodes: []model.NodeConfig{
			{ID: "start", Kind: "start"},
			{ID: "vetting", Kind: "composite", After: []string{"start"}, Child: "background"},
			{ID: "done", Kind: "end", After: []string{"vetting"}, Exports: []string{"verdict"}},
		},
		Children: []model.Definition{{
			Name: "background",
			Nodes: []model.NodeConfig{
				{ID: "begin", Kind: "start"},
				{ID: "check", Kind: "activity", After: []string{"begin"}, Service: "screening"},
				{ID: "finish", Kind: "end", After: []string{"check"}, Exports: []string{"verdict"}},
			},
		}},
	}
}

func TestCompositeChildCompletion(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, compositeDef())
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", ds("candidate", `"carol"`))
	require.NoError(t, err)

	// the composite node dispatches by starting its nested instance
	require.Len(t, fake.sent, 1)
	check := fake.sent[0]
	assert.Equal(t, process.Identifier("check"), check.NodeID)
	assert.True(t, check.Payload.Has("candidate"), "composite input flows into the child")
	assert.NotEqual(t, ih, check.Instance, "the child runs in its own instance")

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, NodeSent, nodeSnap(t, snap, "vetting").State)

	childSnap, err := eng.Snapshot(ctx, check.Instance, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceActive, childSnap.State)
	assert.Equal(t, "background", childSnap.Model)

	require.NoError(t, eng.FinishTask(ctx, check.Node, ds("verdict", `"clear"`), "alice"))

	childSnap, err = eng.Snapshot(ctx, check.Instance, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceFinished, childSnap.State)

	snap, err = eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceFinished, snap.State)
	assert.Equal(t, NodeComplete, nodeSnap(t, snap, "vetting").State)
	assert.True(t, snap.Output.Has("verdict"), "child exports surface as parent output")
}

func TestCompositeChildFailure(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, compositeDef())
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	require.NoError(t, eng.FailTask(ctx, fake.handle("check"), "record mismatch"))

	childSnap, err := eng.Snapshot(ctx, fake.sent[0].Instance, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceFailed, childSnap.State)

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceFailed, snap.State)
	assert.Equal(t, NodeFailed, nodeSnap(t, snap, "vetting").State)
}

func TestCompositeCancelReachesTheChild(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, compositeDef())
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	require.NoError(t, eng.Cancel(ctx, ih, "alice"))

	childSnap, err := eng.Snapshot(ctx, fake.sent[0].Instance, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceCancelled, childSnap.State)
	assert.Equal(t, NodeCancelled, nodeSnap(t, childSnap, "check").State)
}

func TestDispatchRejectionLeavesNodePending(t *testing.T) {
	fake := &fakeMessages{accept: false}
	eng := New(store.NewMemory(), WithMessageService(fake))
	ctx := context.Background()

	mh, err := eng.Publish(ctx, diamondDef())
	require.NoError(t, err)

	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.Error(t, err)
	assert.True(t, process.IsCode(err, process.ErrCodeDispatch))
	require.True(t, ih.Valid(), "the instance commits even when the send is rejected")

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceActive, snap.State)
	assert.Equal(t, NodePending, nodeSnap(t, snap, "prep").State)
}

func TestNoMessageServiceLeavesNodePending(t *testing.T) {
	eng := New(store.NewMemory())
	ctx := context.Background()

	mh, err := eng.Publish(ctx, diamondDef())
	require.NoError(t, err)

	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.Error(t, err)
	assert.True(t, process.IsCode(err, process.ErrCodeDispatch))
	assert.True(t, ih.Valid())
}

func TestPublishRejectsInvalidDefinition(t *testing.T) {
	eng, _ := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, model.Definition{Name: "empty"})
	require.Error(t, err)
	assert.True(t, process.IsCode(err, process.ErrCodeValidation))
	assert.False(t, mh.Valid())
}

func TestModelRoundTrip(t *testing.T) {
	eng, _ := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, diamondDef())
	require.NoError(t, err)

	m, err := eng.Model(ctx, mh)
	require.NoError(t, err)
	assert.Equal(t, "fulfillment", m.Name())

	_, err = eng.Model(ctx, ModelHandle{})
	assert.True(t, process.IsCode(err, process.ErrCodeNotFound))
}

func TestOwnerGuard(t *testing.T) {
	guard := OwnerGuard{Admins: []process.Principal{"root"}}
	eng, fake := newTestEngine(WithSecurityProvider(guard))
	ctx := context.Background()

	mh, err := eng.Publish(ctx, diamondDef())
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	// owners and admins read; strangers do not
	_, err = eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	_, err = eng.Snapshot(ctx, ih, "root")
	require.NoError(t, err)
	_, err = eng.Snapshot(ctx, ih, "mallory")
	assert.True(t, process.IsCode(err, process.ErrCodeForbidden))

	err = eng.FinishTask(ctx, fake.handle("prep"), nil, "mallory")
	assert.True(t, process.IsCode(err, process.ErrCodeForbidden))

	err = eng.Cancel(ctx, ih, "mallory")
	assert.True(t, process.IsCode(err, process.ErrCodeForbidden))
	require.NoError(t, eng.Cancel(ctx, ih, "root"))
}

// conflictingProvider aborts the first fail commits with a version
// conflict after fn has run, forcing the engine onto its retry path with
// everything from the aborted attempt rolled back.
type conflictingProvider struct {
	inner store.Provider
	fail  int
}

func (p *conflictingProvider) WithTransaction(ctx context.Context, fn func(tx store.Tx) error) error {
	if p.fail > 0 {
		p.fail--
		return p.inner.WithTransaction(ctx, func(tx store.Tx) error {
			if err := fn(tx); err != nil {
				return err
			}
			return store.ErrVersionConflict
		})
	}
	return p.inner.WithTransaction(ctx, fn)
}

func TestRetriedStartDispatchesExactlyOnce(t *testing.T) {
	provider := &conflictingProvider{inner: store.NewMemory()}
	fake := &fakeMessages{accept: true}
	eng := New(provider, WithMessageService(fake))
	ctx := context.Background()

	mh, err := eng.Publish(ctx, diamondDef())
	require.NoError(t, err)

	provider.fail = 1
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	// the aborted attempt never reaches the service
	require.Len(t, fake.sent, 1)
	assert.Equal(t, ih, fake.sent[0].Instance, "the descriptor points at the committed instance")

	// and the handle it carries resolves against committed state
	require.NoError(t, eng.FinishTask(ctx, fake.handle("prep"), ds("order", `"o-9"`), "alice"))

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, NodeComplete, nodeSnap(t, snap, "prep").State)
	assert.Equal(t, NodeSent, nodeSnap(t, snap, "pick").State)
}

// twinStartDef opens two independent entry points that reconverge.
func twinStartDef() model.Definition {
	return model.Definition{
		Name: "intake",
		Nodes: []model.NodeConfig{
			{ID: "east", Kind: "start"},
			{ID: "west", Kind: "start"},
			{ID: "merge", Kind: "join", After: []string{"east", "west"}},
			{ID: "done", Kind: "end", After: []string{"merge"}},
		},
	}
}

func TestEveryStartNodeOpensTheFirstEntry(t *testing.T) {
	eng, _ := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, twinStartDef())
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceFinished, snap.State)

	east := nodeSnap(t, snap, "east")
	west := nodeSnap(t, snap, "west")
	assert.Equal(t, NodeComplete, east.State)
	assert.Equal(t, NodeComplete, west.State)
	assert.Equal(t, 0, east.EntryNo)
	assert.Equal(t, 0, west.EntryNo)
	assert.Equal(t, 0, nodeSnap(t, snap, "merge").EntryNo)
}

func TestCancellingChildReachesTheParentNode(t *testing.T) {
	eng, fake := newTestEngine()
	ctx := context.Background()

	mh, err := eng.Publish(ctx, compositeDef())
	require.NoError(t, err)
	ih, err := eng.Start(ctx, mh, "alice", nil)
	require.NoError(t, err)

	// cancel the nested instance directly rather than its parent
	require.NoError(t, eng.Cancel(ctx, fake.sent[0].Instance, "alice"))

	childSnap, err := eng.Snapshot(ctx, fake.sent[0].Instance, "alice")
	require.NoError(t, err)
	assert.Equal(t, InstanceCancelled, childSnap.State)

	snap, err := eng.Snapshot(ctx, ih, "alice")
	require.NoError(t, err)
	assert.Equal(t, NodeCancelled, nodeSnap(t, snap, "vetting").State,
		"the composite node must not wait on a cancelled child forever")
	assert.Equal(t, InstanceActive, snap.State,
		"cancelling a child does not cancel its parent")
	assert.False(t, hasNode(snap, "done"), "a cancelled node settles nothing")
}

func TestRecursiveHandleFieldsMatchTheAliases(t *testing.T) {
	var nh NodeHandle
	var ih InstanceHandle

	ni := NodeInstance{
		Self:         nh,
		Instance:     ih,
		Predecessors: []NodeHandle{nh},
	}
	inst := Instance{
		Self:           ih,
		Parent:         ni.Self,
		ParentInstance: ih,
		Nodes:          []NodeHandle{ni.Self},
	}

	// both spellings name the same instantiation
	nh = ni.Self
	ih = inst.Self
	assert.False(t, nh.Valid())
	assert.False(t, ih.Valid())
}
