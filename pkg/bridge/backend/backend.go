// Package backend defines the narrow interfaces the bridge needs from
// its external collaborators: the booking scheduler, the business
// directory, and the call record store. HTTP implementations live in
// client.go; tests substitute fakes.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrSlotConflict means the requested slot vanished between lookup and
// commit.
var ErrSlotConflict = errors.New("backend: slot no longer available")

// Slot is one bookable time slot.
type Slot struct {
	ID       string    `json:"id"`
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
	Capacity int       `json:"capacity"`
}

// BookingRequest carries everything needed to commit a booking.
type BookingRequest struct {
	SlotID       string `json:"slot_id"`
	CustomerName string `json:"customer_name"`
	Phone        string `json:"phone"`
	PartySize    int    `json:"party_size"`
	Notes        string `json:"notes,omitempty"`
}

// Booking is the confirmed result.
type Booking struct {
	ID        string    `json:"id"`
	SlotID    string    `json:"slot_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Scheduler is the booking backend.
type Scheduler interface {
	ListAvailableSlots(ctx context.Context, date string, partySize int) ([]Slot, error)
	GetSlot(ctx context.Context, slotID string) (Slot, bool, error)
	CreateBooking(ctx context.Context, req BookingRequest) (Booking, error)
}

// BusinessContext is what the directory knows about the called business;
// it feeds the per-call instruction injection.
type BusinessContext struct {
	BusinessID string `json:"business_id"`
	Name       string `json:"name"`
	Prompt     string `json:"prompt"`
	Greeting   string `json:"greeting"`
	Timezone   string `json:"timezone"`
}

// Directory resolves a called number to its business context.
type Directory interface {
	LoadBusinessContext(ctx context.Context, number string) (BusinessContext, error)
}

// FollowUp records a caller intent the automation could not complete;
// a human works the queue later.
type FollowUp struct {
	ID        string
	CallID    string
	Reason    string
	Details   string
	CreatedAt time.Time
}

// CallRecord is the persistent summary of one finished call.
type CallRecord struct {
	ID         string
	Direction  string
	From       string
	To         string
	StartedAt  time.Time
	EndedAt    time.Time
	EndReason  string
	Transcript string
	BookingID  string
}

// CallStore persists call outcomes and fallback follow-ups.
type CallStore interface {
	SaveCallRecord(ctx context.Context, rec CallRecord) error
	SaveFollowUp(ctx context.Context, fu FollowUp) error
}
