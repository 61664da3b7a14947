package engine

import (
	"context"
	"time"

	"github.com/goliatone/go-process"
)

// MessageDescriptor describes one unit of external work: which node
// instance it belongs to, where it should be routed, and the resolved input
// payload the worker receives.
type MessageDescriptor struct {
	Instance InstanceHandle     `json:"instance"`
	Node     NodeHandle         `json:"node"`
	NodeID   process.Identifier `json:"node_id"`
	EntryNo  int                `json:"entry_no"`
	Service  string             `json:"service,omitempty"`
	Endpoint string             `json:"endpoint,omitempty"`
	Owner    process.Principal  `json:"owner,omitempty"`
	Payload  process.DataSet    `json:"payload,omitempty"`
}

// Message is a created-but-possibly-unsent dispatch envelope.
type Message struct {
	ID         string            `json:"id"`
	Descriptor MessageDescriptor `json:"descriptor"`
	CreatedAt  time.Time         `json:"created_at"`
}

// MessageService is the external dispatch collaborator. The engine calls it
// only after the transaction that created the node instance committed, so a
// retried transaction never leaks half-dispatched work into the service.
// SendMessage must only accept or reject the request; completion and
// failure arrive later through the engine's task operations in their own
// transactions.
type MessageService interface {
	CreateMessage(desc MessageDescriptor) (*Message, error)
	SendMessage(ctx context.Context, msg *Message, node NodeHandle) (bool, error)
}
