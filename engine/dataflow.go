package engine

import (
	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/model"
)

// resolveImports computes a node's input snapshot before it is created.
// Without declared imports the predecessors' outputs carry forward whole;
// with them, each named value is resolved by walking the recorded
// predecessor chain. A required name that resolves nowhere fails
// instantiation, so the node instance never exists.
func (st *stepper) resolveImports(node model.Node, preds []NodeHandle) (process.DataSet, error) {
	if len(node.Imports) == 0 {
		var input process.DataSet
		for _, h := range preds {
			pni, err := st.node(h)
			if err != nil {
				return nil, err
			}
			input = input.Union(pni.Output)
		}
		return input, nil
	}

	var input process.DataSet
	for _, imp := range node.Imports {
		d, ok, err := st.lookupImport(imp, preds)
		if err != nil {
			return nil, err
		}
		if !ok {
			if imp.Optional {
				continue
			}
			e := process.ErrInvalidInput.Clone()
			e.Message = "required import did not resolve"
			return nil, e.WithMetadata(map[string]any{
				"node":   string(node.ID),
				"import": imp.Name,
				"from":   string(imp.From),
			})
		}
		input = input.Union(process.DataSet{d})
	}
	return input, nil
}

// lookupImport searches the predecessor chain breadth-first, nearest
// ancestors first, for a matching named output.
func (st *stepper) lookupImport(imp model.Import, preds []NodeHandle) (process.Data, bool, error) {
	queue := append([]NodeHandle(nil), preds...)
	seen := make(map[uint64]bool, len(queue))
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if seen[h.ID()] {
			continue
		}
		seen[h.ID()] = true

		ni, err := st.node(h)
		if err != nil {
			return process.Data{}, false, err
		}
		if !imp.From.Valid() || ni.NodeID == imp.From {
			if d, ok := ni.Output.Get(imp.Name); ok {
				return d, true, nil
			}
		}
		queue = append(queue, ni.Predecessors...)
	}
	return process.Data{}, false, nil
}
