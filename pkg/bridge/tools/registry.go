// Package tools orchestrates model-requested tool calls. Every execution
// terminates in a structured Result that is always reported back to the
// model; there is no code path that swallows a failure.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	ToolListSlots     = "list_available_slots"
	ToolCreateBooking = "create_booking"
	ToolEndCall       = "end_call"
)

// Result is the structured outcome of one tool execution. It marshals
// into the function-call output the model receives.
type Result struct {
	Status  string         `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	// FallbackRecorded means a follow-up was written for a human; the
	// model must relay that the action did not complete.
	FallbackRecorded bool `json:"fallback_recorded,omitempty"`
}

const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

func OK(data map[string]any) Result {
	return Result{Status: StatusOK, Data: data}
}

func Failed(reason, message string) Result {
	return Result{Status: StatusFailed, Reason: reason, Message: message}
}

// JSON renders the result for the function-call output item. Marshal
// errors degrade to a plain failure instead of silence.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"status":"failed","reason":"internal","message":"result serialization failed"}`
	}
	return string(data)
}

// Executor is one callable tool.
type Executor interface {
	Name() string
	// Definition returns the realtime tool definition advertised in the
	// session handshake.
	Definition() map[string]any
	Execute(ctx context.Context, args map[string]any) Result
}

type Registry struct {
	log     *slog.Logger
	byName  map[string]Executor
	timeout time.Duration
}

func NewRegistry(log *slog.Logger, timeout time.Duration, executors ...Executor) *Registry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	r := &Registry{
		log:     log,
		byName:  make(map[string]Executor, len(executors)),
		timeout: timeout,
	}
	for _, ex := range executors {
		if ex == nil {
			continue
		}
		r.byName[ex.Name()] = ex
	}
	return r
}

func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	_, ok := r.byName[strings.TrimSpace(name)]
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns all tool definitions for the session handshake,
// in name order.
func (r *Registry) Definitions() []map[string]any {
	if r == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(r.byName))
	for _, name := range r.Names() {
		out = append(out, r.byName[name].Definition())
	}
	return out
}

// Execute parses the model's argument JSON and runs the named tool under
// the registry timeout. Unknown tools and malformed arguments come back
// as failed Results, never as silence.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) Result {
	name = strings.TrimSpace(name)
	ex, ok := r.byName[name]
	if !ok {
		r.log.Warn("model requested unknown tool", "tool", name)
		return Failed("unknown_tool", fmt.Sprintf("tool %q is not available", name))
	}

	args := make(map[string]any)
	if strings.TrimSpace(argsJSON) != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			r.log.Warn("tool arguments are not valid json", "tool", name, "err", err)
			return Failed("invalid_arguments", "tool arguments were not valid JSON")
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res := ex.Execute(execCtx, args)
	if res.Status == "" {
		res.Status = StatusFailed
		res.Reason = "internal"
	}
	return res
}
