package orchestrator

import (
	"fmt"

	"github.com/effective-security/projectwise/pkg/llms"
)

// PairingError reports a malformed request/result pairing in the
// conversation. It is a programming error: the wire contract rejects
// batches with unpaired turns, so the engine asserts before every send.
type PairingError struct {
	CallID string
	Reason string
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("tool call pairing violated: %s (call_id=%s)", e.Reason, e.CallID)
}

// validatePairing checks that every tool result references a request
// already present earlier in the batch, that no request has more than
// one result, and that no request is left unresolved.
func validatePairing(messages []llms.Message) error {
	requested := map[string]bool{} // call_id -> resolved
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls() {
			if _, ok := requested[tc.ID]; ok {
				return &PairingError{CallID: tc.ID, Reason: "duplicate tool call id"}
			}
			requested[tc.ID] = false
		}
		for _, tr := range msg.ToolResponses() {
			resolved, ok := requested[tr.ToolCallID]
			if !ok {
				return &PairingError{CallID: tr.ToolCallID, Reason: "result without a prior request"}
			}
			if resolved {
				return &PairingError{CallID: tr.ToolCallID, Reason: "request resolved more than once"}
			}
			requested[tr.ToolCallID] = true
		}
	}
	for id, resolved := range requested {
		if !resolved {
			return &PairingError{CallID: id, Reason: "request never resolved"}
		}
	}
	return nil
}
