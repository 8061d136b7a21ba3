package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"blackout-monitor/internal/models"
	"blackout-monitor/internal/schedule"
)

// HTTPFetcher talks to the scraper sidecar that drives the actual source
// page. One session maps to one sidecar browser session.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

func NewHTTP(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

// OpenSession asks the sidecar to start a browser session and returns a
// handle scoped to it.
func (f *HTTPFetcher) OpenSession(ctx context.Context) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/sessions", nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetcher returned %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("fetcher returned empty session id")
	}
	return &httpSession{fetcher: f, id: out.SessionID}, nil
}

type httpSession struct {
	fetcher *HTTPFetcher
	id      string
}

type probeResponse struct {
	Group string `json:"group"`
	Slots []struct {
		Label  string `json:"label"`
		Status string `json:"status"`
	} `json:"slots"`
}

func (s *httpSession) Probe(ctx context.Context, addr models.Address, day Day) (*Result, error) {
	q := url.Values{}
	q.Set("city", addr.City)
	q.Set("street", addr.Street)
	q.Set("house", addr.House)
	q.Set("day", string(day))

	reqURL := fmt.Sprintf("%s/sessions/%s/schedule?%s", s.fetcher.baseURL, s.id, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.fetcher.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetcher returned %d: %s", resp.StatusCode, string(body))
	}

	var out probeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode probe response: %w", err)
	}
	if out.Group == "" {
		return nil, fmt.Errorf("fetcher returned empty group name")
	}

	result := &Result{GroupName: out.Group}
	for _, sl := range out.Slots {
		result.Slots = append(result.Slots, schedule.Slot{Label: sl.Label, Status: sl.Status})
	}
	return result, nil
}

// Close tears the sidecar session down. Best effort: a session the sidecar
// already reaped is fine.
func (s *httpSession) Close() {
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/sessions/%s", s.fetcher.baseURL, s.id), nil)
	if err != nil {
		return
	}
	resp, err := s.fetcher.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
