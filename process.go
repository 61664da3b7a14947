package process

import "strings"

// Identifier is a node's stable name within one process model. Predecessor
// and successor references use identifiers instead of pointers so the graph
// stays acyclic at the ownership level.
type Identifier string

func (id Identifier) String() string { return string(id) }

// Valid reports whether the identifier is usable as a node reference.
func (id Identifier) Valid() bool {
	return strings.TrimSpace(string(id)) != ""
}

// Principal is the authenticated actor an operation runs on behalf of.
type Principal string

func (p Principal) String() string { return string(p) }

// Anonymous is the principal used when no actor identity is available.
const Anonymous Principal = ""

// Permission names one guarded engine operation for the security provider.
type Permission string

const (
	// PermInstantiate guards starting a new instance of a model.
	PermInstantiate Permission = "process:instantiate"
	// PermUpdate guards task-level mutations against an instance.
	PermUpdate Permission = "process:update"
	// PermCancel guards cancelling an instance.
	PermCancel Permission = "process:cancel"
	// PermRead guards reading instance state across ownership boundaries.
	PermRead Permission = "process:read"
)
