package model

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goliatone/go-process"
)

// Definition is the authoring form of a process model. It is what codecs
// decode and what Compile validates into an immutable Model.
type Definition struct {
	Name     string       `yaml:"name" json:"name"`
	Nodes    []NodeConfig `yaml:"nodes" json:"nodes"`
	Children []Definition `yaml:"children,omitempty" json:"children,omitempty"`
}

// NodeConfig declares one node in authoring form. Successor edges are never
// declared; they are derived from the other nodes' After lists.
type NodeConfig struct {
	ID   string `yaml:"id" json:"id"`
	Kind string `yaml:"kind" json:"kind"`

	// After lists predecessor node ids.
	After []string `yaml:"after,omitempty" json:"after,omitempty"`

	// Join lists the predecessors a Join waits for; defaults to After.
	Join []string `yaml:"join,omitempty" json:"join,omitempty"`

	Imports []Import `yaml:"imports,omitempty" json:"imports,omitempty"`
	Exports []string `yaml:"exports,omitempty" json:"exports,omitempty"`

	Child       string `yaml:"child,omitempty" json:"child,omitempty"`
	Condition   string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Recoverable bool   `yaml:"recoverable,omitempty" json:"recoverable,omitempty"`

	Service  string `yaml:"service,omitempty" json:"service,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

// Compile validates a definition and builds the immutable Model. Every
// structural rule is enforced here, before any handle exists; a compiled
// model never produces graph errors at execution time.
func Compile(def Definition) (*Model, error) {
	v := &validator{}

	name := strings.TrimSpace(def.Name)
	if name == "" {
		v.addf("model name is required")
	}

	m := &Model{
		name:     name,
		index:    make(map[process.Identifier]int, len(def.Nodes)),
		children: make(map[string]*Model, len(def.Children)),
	}

	for _, child := range def.Children {
		compiled, err := Compile(child)
		if err != nil {
			v.addf("child %q: %v", child.Name, err)
			continue
		}
		if _, dup := m.children[compiled.name]; dup {
			v.addf("child %q declared twice", compiled.name)
			continue
		}
		m.children[compiled.name] = compiled
	}

	if len(def.Nodes) == 0 {
		v.addf("model has no nodes")
		return nil, v.err()
	}

	for _, cfg := range def.Nodes {
		node, ok := v.compileNode(cfg)
		if !ok {
			continue
		}
		if _, dup := m.index[node.ID]; dup {
			v.addf("node %q declared twice", node.ID)
			continue
		}
		m.index[node.ID] = len(m.nodes)
		m.nodes = append(m.nodes, node)
	}

	if !v.ok() {
		return nil, v.err()
	}

	v.linkSuccessors(m)
	v.checkShape(m)
	v.checkReachability(m)

	if !v.ok() {
		return nil, v.err()
	}
	return m, nil
}

type validator struct {
	issues []string
}

func (v *validator) addf(format string, args ...any) {
	v.issues = append(v.issues, fmt.Sprintf(format, args...))
}

func (v *validator) ok() bool { return len(v.issues) == 0 }

func (v *validator) err() error {
	if v.ok() {
		return nil
	}
	e := process.ErrValidation.Clone()
	e.Message = v.issues[0]
	if len(v.issues) > 1 {
		e = e.WithMetadata(map[string]any{"issues": v.issues})
	}
	return e
}

func (v *validator) compileNode(cfg NodeConfig) (Node, bool) {
	id := process.Identifier(strings.TrimSpace(cfg.ID))
	if !id.Valid() {
		v.addf("node with empty id")
		return Node{}, false
	}
	kind := Kind(strings.ToLower(strings.TrimSpace(cfg.Kind)))
	if !kind.Valid() {
		v.addf("node %q: unknown kind %q", id, cfg.Kind)
		return Node{}, false
	}

	node := Node{
		ID:          id,
		Kind:        kind,
		Imports:     cfg.Imports,
		Exports:     cfg.Exports,
		Child:       strings.TrimSpace(cfg.Child),
		Condition:   strings.TrimSpace(cfg.Condition),
		Recoverable: cfg.Recoverable,
		Service:     strings.TrimSpace(cfg.Service),
		Endpoint:    strings.TrimSpace(cfg.Endpoint),
	}
	for _, p := range cfg.After {
		node.Predecessors = append(node.Predecessors, process.Identifier(strings.TrimSpace(p)))
	}
	for _, j := range cfg.Join {
		node.JoinOf = append(node.JoinOf, process.Identifier(strings.TrimSpace(j)))
	}
	if kind == KindJoin && len(node.JoinOf) == 0 {
		node.JoinOf = append([]process.Identifier(nil), node.Predecessors...)
	}
	return node, true
}

// linkSuccessors derives successor edges from declared predecessors, which
// keeps the adjacency mutually consistent by construction.
func (v *validator) linkSuccessors(m *Model) {
	for i, n := range m.nodes {
		for _, pred := range n.Predecessors {
			pi, ok := m.index[pred]
			if !ok {
				v.addf("node %q: unknown predecessor %q", n.ID, pred)
				continue
			}
			m.nodes[pi].Successors = append(m.nodes[pi].Successors, m.nodes[i].ID)
		}
	}
}

func (v *validator) checkShape(m *Model) {
	starts := 0
	for _, n := range m.nodes {
		switch n.Kind {
		case KindStart:
			starts++
			if len(n.Predecessors) > 0 {
				v.addf("start node %q has predecessors", n.ID)
			}
		case KindEnd:
			if len(n.Successors) > 0 {
				v.addf("end node %q has successors", n.ID)
			}
		case KindJoin:
			if len(n.JoinOf) == 0 {
				v.addf("join node %q has an empty predecessor set", n.ID)
			}
			for _, j := range n.JoinOf {
				if !contains(n.Predecessors, j) {
					v.addf("join node %q waits for %q which is not a predecessor", n.ID, j)
				}
			}
		case KindSplit:
			if len(n.Successors) < 2 {
				v.addf("split node %q has %d successors, need at least 2", n.ID, len(n.Successors))
			}
		case KindComposite:
			if n.Child == "" {
				v.addf("composite node %q names no child model", n.ID)
			} else if _, ok := m.children[n.Child]; !ok {
				v.addf("composite node %q: unknown child model %q", n.ID, n.Child)
			}
		}
		if n.Kind != KindStart && len(n.Predecessors) == 0 {
			v.addf("node %q has no predecessors", n.ID)
		}
		if n.Kind == KindActivity || n.Kind == KindSplit || n.Kind == KindComposite {
			if len(n.Predecessors) > 1 {
				v.addf("node %q has %d predecessors, at most 1 allowed", n.ID, len(n.Predecessors))
			}
		}
	}
	if starts == 0 {
		v.addf("model has no start node")
	}
}

// checkReachability flags nodes no Start can reach. Unreachable nodes would
// otherwise deadlock the aggregate state computation.
func (v *validator) checkReachability(m *Model) {
	seen := make(map[process.Identifier]bool, len(m.nodes))
	var walk func(id process.Identifier)
	walk = func(id process.Identifier) {
		if seen[id] {
			return
		}
		seen[id] = true
		if i, ok := m.index[id]; ok {
			for _, s := range m.nodes[i].Successors {
				walk(s)
			}
		}
	}
	for _, n := range m.nodes {
		if n.Kind == KindStart {
			walk(n.ID)
		}
	}
	for _, n := range m.nodes {
		if !seen[n.ID] {
			v.addf("node %q is not reachable from any start node", n.ID)
		}
	}
}

func contains(ids []process.Identifier, id process.Identifier) bool {
	for _, cur := range ids {
		if cur == id {
			return true
		}
	}
	return false
}

func sortedChildNames(children map[string]*Model) []string {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
