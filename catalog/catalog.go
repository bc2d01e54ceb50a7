// Package catalog normalizes raw tool descriptors fetched from the
// remote registry into an immutable, name-keyed snapshot. Each entry
// carries the declared argument schema, a compiled validator, and a
// flag marking tools that must not run without explicit user intent.
package catalog

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/projectwise", "catalog")

// explicitIntentPhrases marks descriptions of tools that must only run
// on explicit user request. Case-insensitive substring match; the list
// is a heuristic starting point, not a contract.
var explicitIntentPhrases = []string{
	"only if user explicit ask",
	"only if user explisit ask",
	"only if the user explicitly asks",
	"only run if the user explicitly asks",
	"requires explicit user intent",
}

// Descriptor is a raw tool descriptor as returned by the registry.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"argument_schema"`
}

// Entry is a Descriptor plus fields derived at catalog build time.
// Entries are read-only to consumers.
type Entry struct {
	Descriptor

	// RequiresExplicitIntent marks tools gated by the guardrail.
	RequiresExplicitIntent bool

	compiled *jsonschema.Schema
}

// Snapshot is an immutable catalog built from one descriptor batch.
// It is replaced wholesale on refresh, never patched.
type Snapshot struct {
	entries map[string]*Entry
	names   []string
}

// Build normalizes a descriptor batch into a Snapshot. Two descriptors
// normalizing to the same lowercase name reject the whole batch: that
// is a registry configuration error and must surface immediately.
func Build(descriptors []Descriptor) (*Snapshot, error) {
	entries := make(map[string]*Entry, len(descriptors))
	names := make([]string, 0, len(descriptors))

	for _, d := range descriptors {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, errors.New("tool descriptor with empty name")
		}
		key := strings.ToLower(name)
		if prev, ok := entries[key]; ok {
			return nil, errors.Newf("duplicate tool name: %q conflicts with %q", name, prev.Name)
		}

		d.Name = name
		d.Schema = hardenSchema(d.Schema)

		entry := &Entry{
			Descriptor:             d,
			RequiresExplicitIntent: scanExplicitIntent(d.Description),
		}
		entry.compiled = compileSchema(name, d.Schema)

		entries[key] = entry
		names = append(names, name)
	}

	sort.Strings(names)
	return &Snapshot{entries: entries, names: names}, nil
}

// Get returns the entry for a tool name, case-insensitive.
func (s *Snapshot) Get(name string) (*Entry, bool) {
	if s == nil {
		return nil, false
	}
	e, ok := s.entries[strings.ToLower(name)]
	return e, ok
}

// Names returns the sorted tool names in the snapshot.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	return s.names
}

// Len returns the number of tools in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

func scanExplicitIntent(description string) bool {
	desc := strings.ToLower(description)
	for _, phrase := range explicitIntentPhrases {
		if strings.Contains(desc, phrase) {
			return true
		}
	}
	return false
}

// hardenSchema repairs descriptors from registries that omit the
// schema or double-nest it under properties.properties.
func hardenSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		if nested, ok := props["properties"].(map[string]any); ok && len(props) == 1 {
			// flatten a copy; the caller's descriptor stays untouched
			repaired := make(map[string]any, len(schema))
			for k, v := range schema {
				repaired[k] = v
			}
			repaired["properties"] = nested
			return repaired
		}
	}
	return schema
}

// compileSchema compiles the declared schema for full validation.
// Compile failures degrade to the shallow checks only.
func compileSchema(name string, schema map[string]any) *jsonschema.Schema {
	js, err := json.Marshal(schema)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "marshal_schema", "tool", name, "err", err.Error())
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(js))
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "parse_schema", "tool", name, "err", err.Error())
		return nil
	}
	compiler := jsonschema.NewCompiler()
	url := "registry:///" + strings.ToLower(name) + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		logger.KV(xlog.WARNING, "reason", "add_schema", "tool", name, "err", err.Error())
		return nil
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		logger.KV(xlog.WARNING, "reason", "compile_schema", "tool", name, "err", err.Error())
		return nil
	}
	return compiled
}
