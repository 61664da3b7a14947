package engine

// NodeState is the lifecycle state of one node instance. The engine owns
// the authoritative state; every change goes through the transition table
// below and nothing else.
type NodeState string

const (
	NodePending      NodeState = "pending"
	NodeSent         NodeState = "sent"
	NodeAcknowledged NodeState = "acknowledged"
	NodeTaken        NodeState = "taken"
	NodeStarted      NodeState = "started"
	NodeComplete     NodeState = "complete"
	NodeSkipped      NodeState = "skipped"
	NodeFailed       NodeState = "failed"
	NodeCancelled    NodeState = "cancelled"
)

// nodeEdges is the full transition table. Acknowledged/Taken/Started are
// optional waypoints: an external system may complete a Sent task directly.
var nodeEdges = map[NodeState][]NodeState{
	NodePending:      {NodeSent, NodeSkipped, NodeComplete, NodeCancelled},
	NodeSent:         {NodeAcknowledged, NodeComplete, NodeFailed, NodeCancelled},
	NodeAcknowledged: {NodeTaken, NodeComplete, NodeFailed, NodeCancelled},
	NodeTaken:        {NodeStarted, NodeComplete, NodeFailed, NodeCancelled},
	NodeStarted:      {NodeComplete, NodeFailed, NodeCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to NodeState) bool {
	for _, next := range nodeEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is legal.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeComplete, NodeSkipped, NodeFailed, NodeCancelled:
		return true
	}
	return false
}

// Settled reports terminal success: the states that trigger successor
// evaluation.
func (s NodeState) Settled() bool {
	return s == NodeComplete || s == NodeSkipped
}

// InstanceState is the aggregate state of one process instance.
type InstanceState string

const (
	InstanceInitialized InstanceState = "initialized"
	InstanceActive      InstanceState = "active"
	InstanceFinished    InstanceState = "finished"
	InstanceFailed      InstanceState = "failed"
	InstanceCancelled   InstanceState = "cancelled"
)

// Terminal reports whether the instance can make no further progress.
func (s InstanceState) Terminal() bool {
	switch s {
	case InstanceFinished, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}
