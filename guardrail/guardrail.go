// Package guardrail refuses to execute tools flagged explicit-only
// unless the user's own words show they asked for it. The heuristic is
// conservative: blocking a legitimate call is recoverable, an
// unintended destructive call is not.
package guardrail

import (
	"strings"

	"github.com/effective-security/projectwise/catalog"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/projectwise", "guardrail")

// IntentDetector reports whether user text shows explicit intent to
// run the named tool. Implementations are swappable without touching
// the engine or the reflection state machine.
type IntentDetector interface {
	HasExplicitIntent(toolName, userText string) bool
}

// ExplicitActionVerbs are action words that count as explicit intent
// for any gated tool. A starting point, not a contract.
var ExplicitActionVerbs = []string{
	"ingest",
	"upload",
	"unggah",
	"masukkan",
	"parse",
	"ekstrak",
	"extract",
	"convert",
	"delete",
}

// KeywordDetector matches the tool name or an explicit action verb as
// a case-insensitive substring of the user text.
type KeywordDetector struct {
	Verbs []string
}

func (d *KeywordDetector) HasExplicitIntent(toolName, userText string) bool {
	text := strings.ToLower(userText)
	if strings.Contains(text, strings.ToLower(toolName)) {
		return true
	}
	verbs := d.Verbs
	if verbs == nil {
		verbs = ExplicitActionVerbs
	}
	for _, verb := range verbs {
		if strings.Contains(text, verb) {
			return true
		}
	}
	return false
}

// Gate checks tool invocations against the catalog's explicit-only
// flags using a pluggable detector.
type Gate struct {
	detector IntentDetector
}

// New creates a Gate. A nil detector falls back to the keyword
// heuristic.
func New(detector IntentDetector) *Gate {
	if detector == nil {
		detector = &KeywordDetector{}
	}
	return &Gate{detector: detector}
}

// Allows returns true unless the snapshot marks the tool explicit-only
// and the user text shows no explicit intent. Unknown tools are
// allowed here; existence is checked separately by the engine.
func (g *Gate) Allows(snap *catalog.Snapshot, toolName, userText string) bool {
	entry, ok := snap.Get(toolName)
	if !ok || !entry.RequiresExplicitIntent {
		return true
	}
	if g.detector.HasExplicitIntent(entry.Name, userText) {
		return true
	}
	logger.KV(xlog.INFO, "reason", "blocked", "tool", entry.Name)
	return false
}
