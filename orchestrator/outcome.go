package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error kinds carried in tool outcomes. The model sees these as
// structured results and can react to them.
const (
	ErrorKindGuardrail        = "GUARDRAIL"
	ErrorKindInvalidArguments = "InvalidArguments"
	ErrorKindTimeout          = "Timeout"
	ErrorKindTool             = "ToolError"
)

// Outcome is the result of executing one tool invocation. It is always
// serializable and never raised: failures on the tool execution path
// are captured and converted to this shape.
type Outcome struct {
	OK      bool            `json:"ok"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
}

// SuccessOutcome wraps a raw tool result. Non-JSON results are quoted
// so the outcome stays serializable.
func SuccessOutcome(result json.RawMessage) Outcome {
	if !json.Valid(result) {
		quoted, _ := json.Marshal(string(result))
		result = quoted
	}
	return Outcome{OK: true, Result: result}
}

// GuardrailOutcome reports a policy refusal.
func GuardrailOutcome(tool string) Outcome {
	return Outcome{
		OK:      false,
		Error:   ErrorKindGuardrail,
		Message: fmt.Sprintf("tool %q requires explicit user intent and was not called", tool),
	}
}

// InvalidArgumentsOutcome reports a schema validation failure.
func InvalidArgumentsOutcome(tool string, err error) Outcome {
	return Outcome{
		OK:      false,
		Error:   ErrorKindInvalidArguments,
		Message: fmt.Sprintf("tool %q: %s", tool, err.Error()),
	}
}

// TimeoutOutcome reports a bounded-operation overrun.
func TimeoutOutcome(tool string, bound time.Duration) Outcome {
	return Outcome{
		OK:      false,
		Error:   ErrorKindTimeout,
		Message: fmt.Sprintf("tool %q did not complete within %s", tool, bound),
	}
}

// ErrorOutcome reports any other tool execution failure.
func ErrorOutcome(tool string, err error) Outcome {
	return Outcome{
		OK:      false,
		Error:   ErrorKindTool,
		Message: fmt.Sprintf("tool %q failed: %s", tool, err.Error()),
	}
}

// JSON renders the outcome for the conversation log.
func (o Outcome) JSON() string {
	data, _ := json.Marshal(o)
	return string(data)
}
