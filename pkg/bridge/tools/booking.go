package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/sonara-ai/callbridge/pkg/bridge/backend"
)

// BookingExecutor commits bookings with a lookup-then-commit flow: the
// slot is re-checked immediately before the commit, and any commit
// failure leaves a follow-up record so a human completes the intent.
// The model can never be told a booking succeeded unless the backend
// confirmed it.
type BookingExecutor struct {
	log       *slog.Logger
	scheduler backend.Scheduler
	store     backend.CallStore
	callID    string
	newID     func() string
}

func NewBookingExecutor(scheduler backend.Scheduler, store backend.CallStore, callID string, log *slog.Logger) *BookingExecutor {
	return &BookingExecutor{
		log:       log,
		scheduler: scheduler,
		store:     store,
		callID:    callID,
		newID:     uuid.NewString,
	}
}

func (e *BookingExecutor) Name() string { return ToolCreateBooking }

func (e *BookingExecutor) Definition() map[string]any {
	return map[string]any{
		"type":        "function",
		"name":        ToolCreateBooking,
		"description": "Create a booking for a specific slot. Only call after the caller confirmed slot, name, and party size.",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"slot_id": map[string]any{
					"type":        "string",
					"description": "Slot id from list_available_slots.",
				},
				"customer_name": map[string]any{
					"type":        "string",
					"description": "Name for the booking.",
				},
				"phone": map[string]any{
					"type":        "string",
					"description": "Callback phone number.",
				},
				"party_size": map[string]any{
					"type":        "integer",
					"description": "Number of people.",
				},
				"notes": map[string]any{
					"type":        "string",
					"description": "Optional special requests.",
				},
			},
			"required": []string{"slot_id", "customer_name", "party_size"},
		},
	}
}

func (e *BookingExecutor) Execute(ctx context.Context, args map[string]any) Result {
	req := backend.BookingRequest{
		SlotID:       strArg(args, "slot_id"),
		CustomerName: strArg(args, "customer_name"),
		Phone:        strArg(args, "phone"),
		PartySize:    intArg(args, "party_size"),
		Notes:        strArg(args, "notes"),
	}
	if req.SlotID == "" {
		return Failed("validation", "slot_id is required")
	}
	if req.CustomerName == "" {
		return Failed("validation", "customer_name is required")
	}
	if req.PartySize <= 0 {
		return Failed("validation", "party_size must be a positive integer")
	}

	// Lookup before commit: the slot may have been taken while the
	// caller was deciding.
	slot, found, err := e.scheduler.GetSlot(ctx, req.SlotID)
	if err != nil {
		e.log.Error("slot recheck failed", "slot_id", req.SlotID, "err", err)
		return e.fallback(ctx, req, "backend_error",
			"availability could not be verified; the booking was NOT created")
	}
	if !found || slot.Capacity < req.PartySize {
		return Failed("slot_unavailable",
			"that slot is no longer available; offer to list current availability")
	}

	booking, err := e.scheduler.CreateBooking(ctx, req)
	switch {
	case err == nil:
		return OK(map[string]any{
			"booking_id": booking.ID,
			"slot_id":    booking.SlotID,
		})
	case errors.Is(err, backend.ErrSlotConflict):
		return Failed("slot_unavailable",
			"the slot was taken while confirming; offer to list current availability")
	default:
		e.log.Error("booking commit failed", "slot_id", req.SlotID, "err", err)
		return e.fallback(ctx, req, "commit_failed",
			"the booking could NOT be created; tell the caller a staff member will call back to confirm")
	}
}

// fallback writes the follow-up record and reports the failure. If even
// the follow-up write fails the result still reports failure; success is
// never fabricated.
func (e *BookingExecutor) fallback(ctx context.Context, req backend.BookingRequest, reason, message string) Result {
	details, _ := json.Marshal(req)
	fu := backend.FollowUp{
		ID:      e.newID(),
		CallID:  e.callID,
		Reason:  "booking_" + reason,
		Details: string(details),
	}
	res := Failed(reason, message)
	if err := e.store.SaveFollowUp(ctx, fu); err != nil {
		e.log.Error("follow-up write failed", "call_id", e.callID, "err", err)
		res.Message = "the booking could NOT be created and the request could not be saved; apologize and ask the caller to call back"
		return res
	}
	res.FallbackRecorded = true
	res.Data = map[string]any{"follow_up_id": fu.ID}
	return res
}

func strArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}
