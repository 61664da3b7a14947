package engine

import (
	"fmt"

	"github.com/goliatone/go-process"
)

// Condition is a named predicate over a node's resolved input. A false
// result skips the node instead of running it.
type Condition func(input process.DataSet) bool

// ConditionRegistry stores named condition predicates.
type ConditionRegistry struct {
	conditions map[string]Condition
}

// NewConditionRegistry creates an empty registry.
func NewConditionRegistry() *ConditionRegistry {
	return &ConditionRegistry{conditions: make(map[string]Condition)}
}

// Register stores a condition by name.
func (r *ConditionRegistry) Register(name string, cond Condition) error {
	if name == "" || cond == nil {
		return nil
	}
	if r.conditions == nil {
		r.conditions = make(map[string]Condition)
	}
	if _, exists := r.conditions[name]; exists {
		return fmt.Errorf("condition %s already registered", name)
	}
	r.conditions[name] = cond
	return nil
}

// Lookup retrieves a condition by name.
func (r *ConditionRegistry) Lookup(name string) (Condition, bool) {
	if r == nil {
		return nil, false
	}
	cond, ok := r.conditions[name]
	return cond, ok
}
