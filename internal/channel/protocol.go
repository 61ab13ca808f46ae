package channel

import (
	"encoding/json"
	"fmt"

	"github.com/ovictorfarias/pegasus/internal/model"
)

// Client actions over the channel. Only the tagged message shape is accepted:
// earlier clients sent a bare `{"code": ...}` object meaning execute, that
// form is rejected so there is exactly one protocol in the wild.
const (
	ActionExecute       = "execute"
	ActionStopExecution = "stop_execution"
	ActionRestartKernel = "restart_kernel"
)

// ClientMessage is a client-to-server control message:
// `{"action": "execute", "code": "..."}`, `{"action": "stop_execution"}` or
// `{"action": "restart_kernel"}`.
type ClientMessage struct {
	Action string `json:"action"`
	Code   string `json:"code,omitempty"`
}

// parseClientMessage decodes and validates a control message.
func parseClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid control message: %w: %w", err, model.ErrNotValid)
	}

	switch msg.Action {
	case ActionExecute:
		if msg.Code == "" {
			return nil, fmt.Errorf("execute requires a code field: %w", model.ErrNotValid)
		}
	case ActionStopExecution, ActionRestartKernel:
	case "":
		return nil, fmt.Errorf(`control messages must carry an action ("execute", "stop_execution" or "restart_kernel"): %w`, model.ErrNotValid)
	default:
		return nil, fmt.Errorf("unknown action %q: %w", msg.Action, model.ErrNotValid)
	}

	return &msg, nil
}

// wireEvent is the server-to-client event envelope.
type wireEvent struct {
	Type    model.EventType `json:"type"`
	Content interface{}     `json:"content"`
}
