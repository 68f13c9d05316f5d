package server

import (
	"encoding/json"
	"net/http"
	"sync"
)

// webhookEvent is the carrier's call-event envelope.
type webhookEvent struct {
	Data struct {
		ID        string `json:"id"`
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			Direction     string `json:"direction"`
			HangupCause   string `json:"hangup_cause"`
		} `json:"payload"`
	} `json:"data"`
}

// handleWebhook reacts to carrier call events. The carrier retries
// deliveries, so every branch must be idempotent; a webhook is always
// answered 200 once parsed, or the carrier will keep retrying forever.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid webhook body", http.StatusBadRequest)
		return
	}
	if ev.Data.EventType == "" {
		http.Error(w, "missing event_type", http.StatusBadRequest)
		return
	}
	if ev.Data.ID != "" && !s.webhooks.firstDelivery(ev.Data.ID) {
		s.logger.Debug("duplicate webhook delivery", "event_id", ev.Data.ID, "event_type", ev.Data.EventType)
		w.WriteHeader(http.StatusOK)
		return
	}

	ccid := ev.Data.Payload.CallControlID
	switch ev.Data.EventType {
	case "call.initiated":
		if ev.Data.Payload.Direction == "incoming" && ccid != "" {
			streamURL := "wss://" + r.Host + "/v1/stream"
			if err := s.deps.CallControl.Answer(r.Context(), ccid, streamURL); err != nil {
				s.logger.Error("answer failed", "call_control_id", ccid, "error", err)
			}
		}
	case "call.answered":
		s.logger.Info("call answered", "call_control_id", ccid)
	case "call.hangup":
		if !s.tracker.Hangup(ccid, "remote_hangup") {
			s.logger.Debug("hangup for unknown or finished call", "call_control_id", ccid)
		}
	default:
		s.logger.Debug("ignoring webhook", "event_type", ev.Data.EventType)
	}
	w.WriteHeader(http.StatusOK)
}

// webhookDedupe remembers recently seen delivery ids, bounded FIFO.
type webhookDedupe struct {
	mu    sync.Mutex
	limit int
	seen  map[string]struct{}
	order []string
}

func newWebhookDedupe(limit int) *webhookDedupe {
	return &webhookDedupe{
		limit: limit,
		seen:  make(map[string]struct{}, limit),
	}
}

func (d *webhookDedupe) firstDelivery(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.limit {
		evict := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, evict)
	}
	return true
}
