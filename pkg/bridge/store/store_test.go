package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sonara-ai/callbridge/pkg/bridge/backend"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "callbridge.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetCallRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-2 * time.Minute).Truncate(time.Second)
	rec := backend.CallRecord{
		ID:         "call_1",
		Direction:  "inbound",
		From:       "+15550001",
		To:         "+15550002",
		StartedAt:  started,
		EndedAt:    started.Add(90 * time.Second),
		EndReason:  "completed",
		Transcript: "caller: hi\nassistant: hello",
		BookingID:  "bk_1",
	}
	if err := s.SaveCallRecord(ctx, rec); err != nil {
		t.Fatalf("SaveCallRecord: %v", err)
	}

	got, found, err := s.GetCallRecord(ctx, "call_1")
	if err != nil || !found {
		t.Fatalf("GetCallRecord: found=%v err=%v", found, err)
	}
	if got.EndReason != "completed" || got.BookingID != "bk_1" {
		t.Fatalf("record = %+v", got)
	}
}

func TestSaveCallRecordUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := backend.CallRecord{ID: "call_1", Direction: "inbound", StartedAt: time.Now(), EndedAt: time.Now(), EndReason: "transport_error"}
	if err := s.SaveCallRecord(ctx, rec); err != nil {
		t.Fatalf("first save: %v", err)
	}
	rec.EndReason = "completed"
	if err := s.SaveCallRecord(ctx, rec); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, _, err := s.GetCallRecord(ctx, "call_1")
	if err != nil {
		t.Fatalf("GetCallRecord: %v", err)
	}
	if got.EndReason != "completed" {
		t.Fatalf("end reason = %q after upsert", got.EndReason)
	}
}

func TestGetCallRecordMissing(t *testing.T) {
	s := openTestStore(t)
	_, found, err := s.GetCallRecord(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetCallRecord: %v", err)
	}
	if found {
		t.Fatal("missing record reported found")
	}
}

func TestFollowUpWrittenExactlyOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fu := backend.FollowUp{
		ID:      "fu_1",
		CallID:  "call_1",
		Reason:  "booking_commit_failed",
		Details: `{"slot_id":"s1","customer_name":"Ada"}`,
	}
	if err := s.SaveFollowUp(ctx, fu); err != nil {
		t.Fatalf("first SaveFollowUp: %v", err)
	}
	// Retried execution with the same id must not duplicate the row.
	if err := s.SaveFollowUp(ctx, fu); err != nil {
		t.Fatalf("second SaveFollowUp: %v", err)
	}

	got, err := s.ListFollowUps(ctx, "call_1")
	if err != nil {
		t.Fatalf("ListFollowUps: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("follow-ups = %d, want 1", len(got))
	}
	if got[0].Reason != "booking_commit_failed" {
		t.Fatalf("reason = %q", got[0].Reason)
	}
}
