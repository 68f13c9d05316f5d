package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// HTTPClient talks to the scheduling backend over REST. It implements
// Scheduler and Directory.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) ListAvailableSlots(ctx context.Context, date string, partySize int) ([]Slot, error) {
	q := url.Values{}
	q.Set("date", date)
	q.Set("party_size", strconv.Itoa(partySize))

	var out struct {
		Slots []Slot `json:"slots"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/slots?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Slots, nil
}

func (c *HTTPClient) GetSlot(ctx context.Context, slotID string) (Slot, bool, error) {
	var out Slot
	err := c.do(ctx, http.MethodGet, "/v1/slots/"+url.PathEscape(slotID), nil, &out)
	if err != nil {
		var se *statusError
		if asStatus(err, &se) && se.code == http.StatusNotFound {
			return Slot{}, false, nil
		}
		return Slot{}, false, err
	}
	return out, true, nil
}

func (c *HTTPClient) CreateBooking(ctx context.Context, req BookingRequest) (Booking, error) {
	var out Booking
	err := c.do(ctx, http.MethodPost, "/v1/bookings", req, &out)
	if err != nil {
		var se *statusError
		if asStatus(err, &se) && se.code == http.StatusConflict {
			return Booking{}, ErrSlotConflict
		}
		return Booking{}, err
	}
	return out, nil
}

func (c *HTTPClient) LoadBusinessContext(ctx context.Context, number string) (BusinessContext, error) {
	var out BusinessContext
	err := c.do(ctx, http.MethodGet, "/v1/businesses/by-number/"+url.PathEscape(number), nil, &out)
	return out, err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d: %s", e.code, e.body)
}

func asStatus(err error, target **statusError) bool {
	se, ok := err.(*statusError)
	if ok {
		*target = se
	}
	return ok
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("backend: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: string(snippet)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}
