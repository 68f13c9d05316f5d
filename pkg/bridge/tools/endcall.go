package tools

import (
	"context"
	"log/slog"
	"strings"
)

// EndCallExecutor lets the model request a graceful hangup. The actual
// teardown is the call loop's job; the executor only signals intent.
type EndCallExecutor struct {
	log       *slog.Logger
	onEndCall func(reason string)
}

func NewEndCallExecutor(onEndCall func(reason string), log *slog.Logger) *EndCallExecutor {
	return &EndCallExecutor{log: log, onEndCall: onEndCall}
}

func (e *EndCallExecutor) Name() string { return ToolEndCall }

func (e *EndCallExecutor) Definition() map[string]any {
	return map[string]any{
		"type":        "function",
		"name":        ToolEndCall,
		"description": "End the call after saying goodbye. Call only once the conversation is complete.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason": map[string]any{
					"type":        "string",
					"description": "Short reason, e.g. completed or caller_request.",
				},
			},
		},
	}
}

func (e *EndCallExecutor) Execute(ctx context.Context, args map[string]any) Result {
	reason := strArg(args, "reason")
	if reason == "" {
		reason = "completed"
	}
	e.log.Info("model requested hangup", "reason", reason)
	if e.onEndCall != nil {
		e.onEndCall(strings.ToLower(reason))
	}
	return OK(map[string]any{"ending": true})
}
