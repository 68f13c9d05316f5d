package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/sonara-ai/callbridge/pkg/bridge/backend"
)

// SlotsExecutor answers slot availability questions.
type SlotsExecutor struct {
	log       *slog.Logger
	scheduler backend.Scheduler
}

func NewSlotsExecutor(scheduler backend.Scheduler, log *slog.Logger) *SlotsExecutor {
	return &SlotsExecutor{log: log, scheduler: scheduler}
}

func (e *SlotsExecutor) Name() string { return ToolListSlots }

func (e *SlotsExecutor) Definition() map[string]any {
	return map[string]any{
		"type":        "function",
		"name":        ToolListSlots,
		"description": "List bookable time slots for a given date and party size.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"date": map[string]any{
					"type":        "string",
					"description": "Date in YYYY-MM-DD format.",
				},
				"party_size": map[string]any{
					"type":        "integer",
					"description": "Number of people.",
				},
			},
			"required": []string{"date", "party_size"},
		},
	}
}

func (e *SlotsExecutor) Execute(ctx context.Context, args map[string]any) Result {
	date, _ := args["date"].(string)
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return Failed("validation", "date must be in YYYY-MM-DD format")
	}
	partySize := intArg(args, "party_size")
	if partySize <= 0 {
		return Failed("validation", "party_size must be a positive integer")
	}

	slots, err := e.scheduler.ListAvailableSlots(ctx, date, partySize)
	if err != nil {
		e.log.Error("slot lookup failed", "date", date, "err", err)
		return Failed("backend_error", "could not load availability, apologize and offer to take a message")
	}

	entries := make([]map[string]any, 0, len(slots))
	for _, s := range slots {
		entries = append(entries, map[string]any{
			"slot_id":   s.ID,
			"starts_at": s.StartsAt.Format(time.RFC3339),
			"ends_at":   s.EndsAt.Format(time.RFC3339),
		})
	}
	return OK(map[string]any{"date": date, "slots": entries})
}

// intArg tolerates the number representations JSON decoding produces.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
