package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

type httpGateway struct {
	endpoint   string
	apiKey     string
	maxEntries int
	client     *http.Client
}

// NewHTTPGateway talks to a hosted memory service with a mem0-style REST
// contract: POST /v1/memories to add, GET /v1/memories?user_id= to list.
func NewHTTPGateway(endpoint, apiKey string, maxEntries int) Gateway {
	if maxEntries <= 0 {
		maxEntries = 20
	}
	return &httpGateway{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		apiKey:     apiKey,
		maxEntries: maxEntries,
		client:     http.DefaultClient,
	}
}

type memoryEntry struct {
	Memory string `json:"memory"`
}

type storePayload struct {
	Messages []storeMessage `json:"messages"`
	UserID   string         `json:"user_id"`
}

type storeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (h *httpGateway) Fetch(ctx context.Context, userID string) ([]string, error) {
	u := h.endpoint + "/v1/memories?user_id=" + url.QueryEscape(NormalizeUserID(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	h.authorize(req)
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("memory endpoint returned status %s", resp.Status)
	}
	var entries []memoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode memories: %w", err)
	}
	if len(entries) > h.maxEntries {
		entries = entries[len(entries)-h.maxEntries:]
	}
	facts := make([]string, 0, len(entries))
	for _, e := range entries {
		facts = append(facts, e.Memory)
	}
	return facts, nil
}

func (h *httpGateway) Store(ctx context.Context, userID, fact string) error {
	payload := storePayload{
		Messages: []storeMessage{{Role: "assistant", Content: fact}},
		UserID:   NormalizeUserID(userID),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/v1/memories", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	h.authorize(req)
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("memory endpoint returned status %s", resp.Status)
	}
	return nil
}

func (h *httpGateway) authorize(req *http.Request) {
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
}
