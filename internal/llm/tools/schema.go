package tools

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

func newReflector(t reflect.Type) *jsonschema.Reflector {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return &jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
		// only structs get a definition to expand
		ExpandedStruct: t.Kind() == reflect.Struct,
	}
}

// typeSchema reflects a Go type into a JSON schema without the $schema header
func typeSchema(t reflect.Type) *jsonschema.Schema {
	s := newReflector(t).ReflectFromType(t)
	s.Version = ""
	return s
}

// ParametersSchema builds the object schema describing a parameter list
func ParametersSchema(params []Parameter) (string, []Parameter, error) {
	root := &jsonschema.Schema{
		Type:       "object",
		Properties: jsonschema.NewProperties(),
	}
	out := make([]Parameter, len(params))
	for i, p := range params {
		if p.Type == nil {
			return "", nil, fmt.Errorf("parameter %q has no type", p.Name)
		}
		s := typeSchema(p.Type)
		if p.Description != "" {
			s.Description = p.Description
		}
		b, err := json.Marshal(s)
		if err != nil {
			return "", nil, fmt.Errorf("parameter %q schema: %w", p.Name, err)
		}
		p.Schema = string(b)
		out[i] = p

		root.Properties.Set(p.Name, s)
		if p.Required {
			root.Required = append(root.Required, p.Name)
		}
	}
	b, err := json.Marshal(root)
	if err != nil {
		return "", nil, err
	}
	return string(b), out, nil
}

// ResponseSchema describes only the tool's domain return type. It is empty
// for tools without a result.
func ResponseSchema(t reflect.Type) (string, error) {
	if t == nil {
		return "", nil
	}
	b, err := json.Marshal(typeSchema(t))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
