package memory

import (
	"context"
	"fmt"
	"testing"
)

func TestNormalizeUserID(t *testing.T) {
	cases := map[string]string{
		"Alice Smith":  "alice_smith",
		"  MIKU  ":     "miku",
		"user_42":      "user_42",
		"dash-name":    "dash-name",
		"tabs\tand  s": "tabs_and_s",
	}
	for in, want := range cases {
		if got := NormalizeUserID(in); got != want {
			t.Fatalf("NormalizeUserID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeUserIDUnicodeStable(t *testing.T) {
	a := NormalizeUserID("紅莉栖")
	b := NormalizeUserID("紅莉栖")
	if a == "" || a != b {
		t.Fatalf("expected stable non-empty key, got %q and %q", a, b)
	}
	for _, r := range a {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			t.Fatalf("key %q contains invalid rune %q", a, r)
		}
	}
}

func TestMockGatewayBoundsEntries(t *testing.T) {
	g := NewMockGateway(3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := g.Store(ctx, "Alice", fmt.Sprintf("fact-%d", i)); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	facts, err := g.Fetch(ctx, "alice")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := []string{"fact-3", "fact-4", "fact-5"}
	if len(facts) != len(want) {
		t.Fatalf("expected %v, got %v", want, facts)
	}
	for i := range want {
		if facts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, facts)
		}
	}
}

func TestMockGatewayKeysAreNormalized(t *testing.T) {
	g := NewMockGateway(5)
	ctx := context.Background()
	if err := g.Store(ctx, "Alice Smith", "likes tea"); err != nil {
		t.Fatalf("store: %v", err)
	}
	facts, err := g.Fetch(ctx, "alice_smith")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(facts) != 1 || facts[0] != "likes tea" {
		t.Fatalf("expected normalized key hit, got %v", facts)
	}
}
