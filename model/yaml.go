package model

import (
	"io"

	"gopkg.in/yaml.v3"
)

// Codec decodes authored definitions and encodes them back. The engine core
// never touches a wire format; this is the narrow boundary authoring
// collaborators plug into.
type Codec interface {
	Decode(r io.Reader) (Definition, error)
	Encode(w io.Writer, def Definition) error
}

// YAMLCodec reads and writes definitions as YAML documents.
type YAMLCodec struct{}

// Decode parses one YAML definition document.
func (YAMLCodec) Decode(r io.Reader) (Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// Encode writes a definition as a YAML document.
func (YAMLCodec) Encode(w io.Writer, def Definition) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(def)
}

// Load decodes and compiles a model in one step.
func Load(r io.Reader, codec Codec) (*Model, error) {
	if codec == nil {
		codec = YAMLCodec{}
	}
	def, err := codec.Decode(r)
	if err != nil {
		return nil, err
	}
	return Compile(def)
}
