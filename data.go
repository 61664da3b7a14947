package process

import "encoding/json"

// Data is one named payload fragment produced or consumed at a node
// boundary. Content is opaque to the engine; it is carried, never parsed.
// A Data value is immutable: replacing a name yields a new value.
type Data struct {
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content,omitempty"`
}

// NewData builds a named fragment from raw content.
func NewData(name string, content []byte) Data {
	return Data{Name: name, Content: json.RawMessage(content)}
}

// DataSet is an ordered collection of named fragments. Operations return
// copies; a DataSet held by a caller is never mutated in place.
type DataSet []Data

// Get returns the fragment with the given name.
func (ds DataSet) Get(name string) (Data, bool) {
	for _, d := range ds {
		if d.Name == name {
			return d, true
		}
	}
	return Data{}, false
}

// Has reports whether a fragment with the given name exists.
func (ds DataSet) Has(name string) bool {
	_, ok := ds.Get(name)
	return ok
}

// Names returns fragment names in declaration order.
func (ds DataSet) Names() []string {
	if len(ds) == 0 {
		return nil
	}
	names := make([]string, 0, len(ds))
	for _, d := range ds {
		names = append(names, d.Name)
	}
	return names
}

// With returns a copy with d appended, replacing any fragment sharing its
// name.
func (ds DataSet) With(d Data) DataSet {
	out := make(DataSet, 0, len(ds)+1)
	replaced := false
	for _, cur := range ds {
		if cur.Name == d.Name {
			out = append(out, d)
			replaced = true
			continue
		}
		out = append(out, cur)
	}
	if !replaced {
		out = append(out, d)
	}
	return out
}

// Select returns the fragments matching names, in the order given. Missing
// names are omitted.
func (ds DataSet) Select(names ...string) DataSet {
	var out DataSet
	for _, name := range names {
		if d, ok := ds.Get(name); ok {
			out = append(out, d)
		}
	}
	return out
}

// Union returns a copy of ds extended with fragments from other whose names
// are not already present. Existing names keep their current value.
func (ds DataSet) Union(other DataSet) DataSet {
	out := append(DataSet(nil), ds...)
	for _, d := range other {
		if !out.Has(d.Name) {
			out = append(out, d)
		}
	}
	return out
}

// Merge returns a copy of ds extended with every fragment from other. A name
// already present is a DuplicateOutput error; ds is returned unchanged.
func (ds DataSet) Merge(other DataSet) (DataSet, error) {
	out := append(DataSet(nil), ds...)
	for _, d := range other {
		if out.Has(d.Name) {
			return ds, ErrDuplicateOutput.Clone().WithMetadata(map[string]any{
				"name": d.Name,
			})
		}
		out = append(out, d)
	}
	return out, nil
}
