// Package model holds the immutable process model graph: the closed set of
// node kinds, the compiled Model with its adjacency, and the YAML codec used
// by authoring collaborators. Models are validated at compile time; a *Model
// that exists is structurally sound and never mutated.
package model

import (
	"encoding/json"
	"iter"

	"github.com/goliatone/go-process"
)

// Kind is the closed set of node kinds. The stepping algorithm switches
// exhaustively over these; there is no open extension point.
type Kind string

const (
	KindStart     Kind = "start"
	KindActivity  Kind = "activity"
	KindSplit     Kind = "split"
	KindJoin      Kind = "join"
	KindEnd       Kind = "end"
	KindComposite Kind = "composite"
)

// Valid reports whether k is one of the closed node kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStart, KindActivity, KindSplit, KindJoin, KindEnd, KindComposite:
		return true
	}
	return false
}

// Import declares one named value a node pulls from ancestor outputs.
type Import struct {
	// Name of the fragment to resolve.
	Name string `yaml:"name" json:"name"`
	// From restricts resolution to outputs of one ancestor node id.
	From process.Identifier `yaml:"from,omitempty" json:"from,omitempty"`
	// Optional imports resolve to nothing without failing instantiation.
	Optional bool `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Node is one compiled graph node. Nodes are value types; resolving a node
// hands back a copy, never a pointer into the model.
type Node struct {
	ID   process.Identifier
	Kind Kind

	// Predecessors and Successors are the graph adjacency. Successors are
	// derived from declared predecessors at compile time, so the relation is
	// mutually consistent by construction.
	Predecessors []process.Identifier
	Successors   []process.Identifier

	// JoinOf is a Join's configured predecessor set; always a non-empty
	// subset of Predecessors.
	JoinOf []process.Identifier

	Imports []Import
	Exports []string

	// Child names the child model a Composite node instantiates.
	Child string

	// Condition names a registered predicate; false skips the node.
	Condition string

	// Recoverable marks a node whose failure leaves the instance Active
	// instead of failing it.
	Recoverable bool

	// Service and Endpoint describe where an Activity's work is dispatched.
	Service  string
	Endpoint string
}

// Model is one compiled, immutable workflow definition.
type Model struct {
	name     string
	nodes    []Node
	index    map[process.Identifier]int
	children map[string]*Model
}

// Name returns the model's name.
func (m *Model) Name() string { return m.name }

// Resolve returns the node with the given identifier.
func (m *Model) Resolve(id process.Identifier) (Node, bool) {
	i, ok := m.index[id]
	if !ok {
		return Node{}, false
	}
	return m.nodes[i], true
}

// Nodes yields every node in declaration order. The sequence is lazy and
// restartable.
func (m *Model) Nodes() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		for _, n := range m.nodes {
			if !yield(n) {
				return
			}
		}
	}
}

// StartNodes yields the model's Start nodes in declaration order.
func (m *Model) StartNodes() iter.Seq[Node] {
	return func(yield func(Node) bool) {
		for _, n := range m.nodes {
			if n.Kind != KindStart {
				continue
			}
			if !yield(n) {
				return
			}
		}
	}
}

// Child returns the named child model of a Composite node.
func (m *Model) Child(name string) (*Model, bool) {
	c, ok := m.children[name]
	return c, ok
}

// Definition rebuilds the authoring-form definition this model compiled
// from. Used for persistence round trips.
func (m *Model) Definition() Definition {
	def := Definition{Name: m.name}
	for _, n := range m.nodes {
		def.Nodes = append(def.Nodes, nodeConfig(n))
	}
	for _, name := range sortedChildNames(m.children) {
		def.Children = append(def.Children, m.children[name].Definition())
	}
	return def
}

// MarshalJSON serializes the model through its definition form.
func (m Model) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Definition())
}

// UnmarshalJSON recompiles the model from its definition form.
func (m *Model) UnmarshalJSON(data []byte) error {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	compiled, err := Compile(def)
	if err != nil {
		return err
	}
	*m = *compiled
	return nil
}

func nodeConfig(n Node) NodeConfig {
	cfg := NodeConfig{
		ID:          string(n.ID),
		Kind:        string(n.Kind),
		Imports:     n.Imports,
		Exports:     n.Exports,
		Child:       n.Child,
		Condition:   n.Condition,
		Recoverable: n.Recoverable,
		Service:     n.Service,
		Endpoint:    n.Endpoint,
	}
	for _, p := range n.Predecessors {
		cfg.After = append(cfg.After, string(p))
	}
	for _, j := range n.JoinOf {
		cfg.Join = append(cfg.Join, string(j))
	}
	return cfg
}
