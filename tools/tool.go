package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/projectwise/pkg/llmutils"
	"github.com/effective-security/projectwise/pkg/schema"
	"github.com/invopop/jsonschema"
)

// ErrFailedUnmarshalInput is returned when the tool input cannot be parsed.
var ErrFailedUnmarshalInput = errors.New("failed to unmarshal input")

type funcTool[I any, O any] struct {
	name        string
	description string
	parameters  *jsonschema.Schema
	run         func(context.Context, *I) (*O, error)
}

// NewTool creates a typed tool from a function. The parameters schema is
// generated from the input type.
func NewTool[I any, O any](name, description string, run func(context.Context, *I) (*O, error)) (Tool[I, O], error) {
	var in I
	s, err := schema.New(reflect.TypeOf(in))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to build schema for tool %q", name)
	}
	return &funcTool[I, O]{
		name:        name,
		description: description,
		parameters:  s.Parameters,
		run:         run,
	}, nil
}

func (t *funcTool[I, O]) Name() string {
	return t.name
}

func (t *funcTool[I, O]) Description() string {
	return t.description
}

func (t *funcTool[I, O]) Parameters() *jsonschema.Schema {
	return t.parameters
}

func (t *funcTool[I, O]) Run(ctx context.Context, input *I) (*O, error) {
	return t.run(ctx, input)
}

func (t *funcTool[I, O]) Call(ctx context.Context, input string) (string, error) {
	var in I
	if err := json.Unmarshal(llmutils.CleanJSON([]byte(input)), &in); err != nil {
		return "", errors.WithSecondaryError(ErrFailedUnmarshalInput, err)
	}
	out, err := t.run(ctx, &in)
	if err != nil {
		return "", err
	}
	return llmutils.ToJSON(out), nil
}
