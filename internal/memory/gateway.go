package memory

import (
	"context"
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// Gateway is the long-term memory store for a user: opaque text facts in,
// bounded list of recent facts out.
type Gateway interface {
	Fetch(ctx context.Context, userID string) ([]string, error)
	Store(ctx context.Context, userID, fact string) error
}

var userIDStrip = regexp.MustCompile(`[^a-z0-9_\-]`)

// NormalizeUserID folds a display name into a stable store key.
func NormalizeUserID(name string) string {
	id := strings.TrimSpace(name)
	id = strings.Join(strings.Fields(id), "_")
	id = strings.ToLower(url.QueryEscape(id))
	return userIDStrip.ReplaceAllString(id, "")
}

type mockGateway struct {
	mu      sync.Mutex
	facts   map[string][]string
	maxSize int
}

// NewMockGateway keeps facts in process memory, bounded per user.
func NewMockGateway(maxEntries int) Gateway {
	if maxEntries <= 0 {
		maxEntries = 20
	}
	return &mockGateway{facts: make(map[string][]string), maxSize: maxEntries}
}

func (m *mockGateway) Fetch(ctx context.Context, userID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.facts[NormalizeUserID(userID)]
	out := make([]string, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *mockGateway) Store(ctx context.Context, userID, fact string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NormalizeUserID(userID)
	facts := append(m.facts[key], fact)
	if len(facts) > m.maxSize {
		facts = facts[len(facts)-m.maxSize:]
	}
	m.facts[key] = facts
	return nil
}
