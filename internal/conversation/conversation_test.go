package conversation

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hoshilabs/hoshi-core/internal/config"
	"github.com/hoshilabs/hoshi-core/internal/emotion"
	"github.com/hoshilabs/hoshi-core/internal/llm"
	"github.com/hoshilabs/hoshi-core/internal/memory"
	"github.com/hoshilabs/hoshi-core/internal/protocol"
	"github.com/hoshilabs/hoshi-core/internal/tts"
)

type fakeGenerator struct {
	mu         sync.Mutex
	tokens     []string
	completeFn func(req llm.Request, schema *llm.EnumSchema) (string, error)
	gate       chan struct{}
}

func (g *fakeGenerator) Stream(ctx context.Context, req llm.Request, fn func(llm.Chunk) error) error {
	g.mu.Lock()
	tokens := append([]string(nil), g.tokens...)
	g.mu.Unlock()
	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(llm.Chunk{Content: tok}); err != nil {
			return err
		}
	}
	return nil
}

func (g *fakeGenerator) Complete(ctx context.Context, req llm.Request, schema *llm.EnumSchema) (string, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	fn := g.completeFn
	g.mu.Unlock()
	if fn != nil {
		return fn(req, schema)
	}
	if schema != nil {
		return schema.Values[0], nil
	}
	return "ok", nil
}

func newTestConversation(t *testing.T, gen llm.Generator, mutate func(*config.Config)) (*Conversation, *captureSender) {
	t.Helper()
	cfg := config.Default()
	cfg.Conversation.VoiceLanguage = "en"
	cfg.Conversation.TextLanguage = "en"
	if mutate != nil {
		mutate(&cfg)
	}
	sender := &captureSender{}
	deps := Deps{
		Generator:  gen,
		Synth:      tts.NewMockSynth([]byte("pcm-bytes")),
		Classifier: emotion.NewMockClassifier(),
		Memory:     memory.NewMockGateway(cfg.Memory.MaxEntries),
	}
	c := New(context.Background(), cfg, "sess-test", deps, sender, nil, testLogger())
	t.Cleanup(c.Close)
	return c, sender
}

func TestCachedSelfMotivatedReply(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGenerator{
		gate: gate,
		completeFn: func(req llm.Request, schema *llm.EnumSchema) (string, error) {
			if schema != nil {
				return "ask_question", nil
			}
			if req.MaxTokens == 150 {
				return "pondering", nil
			}
			return "Fresh reply.", nil
		},
	}
	c, sender := newTestConversation(t, gen, nil)

	c.mu.Lock()
	c.history = []Turn{{Role: roleUser, Content: "hey"}, {Role: roleAssistant, Content: "Earlier."}}
	seeded := time.Now()
	c.cache = speculative{foreign: "Hi there.", local: "Hi there.", emotion: "joy", createdAt: seeded}
	c.mu.Unlock()

	c.HandleSelfMotivated(nil, false)

	envs := sender.snapshot()
	var sawEmotion, sawText bool
	for _, env := range envs {
		switch env.Type {
		case protocol.TypeEmotion:
			if !sawEmotion && env.Data != "joy" {
				t.Fatalf("expected cached emotion first, got %q", env.Data)
			}
			sawEmotion = true
		case protocol.TypeText:
			if !sawEmotion {
				t.Fatal("text arrived before the cached emotion")
			}
			if env.Data != "Hi there." {
				t.Fatalf("unexpected cached text: %q", env.Data)
			}
			sawText = true
		}
	}
	if !sawText {
		t.Fatalf("cached reply text not emitted: %v", envs)
	}

	c.mu.Lock()
	if !c.cache.used {
		t.Fatal("cache must be marked used after consumption")
	}
	last := c.history[len(c.history)-1]
	c.mu.Unlock()
	if last.Role != roleAssistant || !strings.HasSuffix(last.Content, "Hi there.") {
		t.Fatalf("cached reply not appended to last assistant turn: %+v", last)
	}

	sender.waitCount(t, protocol.TypeAudioEnd, 1)

	// Release the blocked regeneration; the slot must be replaced.
	close(gate)
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.mu.Lock()
		fresh := !c.cache.used && c.cache.foreign == "Fresh reply."
		c.mu.Unlock()
		if fresh {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cache was not regenerated")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type countingClassifier struct {
	mu    sync.Mutex
	calls int
}

func (c *countingClassifier) Classify(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return "smile1", nil
}

func (c *countingClassifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestCachedReplyEmitsOnlyStoredEmotion(t *testing.T) {
	gate := make(chan struct{})
	gen := &fakeGenerator{gate: gate}
	c, sender := newTestConversation(t, gen, nil)
	cls := &countingClassifier{}
	c.deps.Classifier = cls

	c.mu.Lock()
	c.history = []Turn{{Role: roleUser, Content: "hey"}, {Role: roleAssistant, Content: "Earlier."}}
	c.cache = speculative{foreign: "Hi there.", local: "Hi there.", emotion: "joy", createdAt: time.Now()}
	c.mu.Unlock()

	c.HandleSelfMotivated(nil, false)
	sender.waitCount(t, protocol.TypeAudioEnd, 1)

	var emotions []string
	for _, env := range sender.snapshot() {
		if env.Type == protocol.TypeEmotion {
			emotions = append(emotions, env.Data)
		}
	}
	if len(emotions) != 1 || emotions[0] != "joy" {
		t.Fatalf("cached reply must emit only the stored emotion, got %v", emotions)
	}
	// Regeneration is still gated, so nothing else may have classified.
	if got := cls.count(); got != 0 {
		t.Fatalf("cached reply must not re-classify, classifier called %d times", got)
	}
	close(gate)
}

func TestVoicedSegmentStreamsThroughQueue(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Sure, turning the lights off now."}}
	c, sender := newTestConversation(t, gen, nil)

	c.HandleUserText("lights off", nil)

	sender.waitCount(t, protocol.TypeAudioEnd, 1)
	var chunks int
	for _, env := range sender.snapshot() {
		if env.Type == protocol.TypeAudio {
			chunks++
			if _, err := base64.StdEncoding.DecodeString(env.Data); err != nil {
				t.Fatalf("audio chunk is not valid base64: %v", err)
			}
		}
	}
	if chunks == 0 {
		t.Fatal("expected audio chunks for the voiced segment")
	}
}

func TestSelfMotivatedWithoutCacheRunsFullCompletion(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"Hello!"}}
	c, sender := newTestConversation(t, gen, nil)

	c.Greet()

	var sawText bool
	for _, env := range sender.snapshot() {
		if env.Type == protocol.TypeText && env.Data == "Hello!" {
			sawText = true
		}
	}
	if !sawText {
		t.Fatalf("expected streamed greeting text, got %v", sender.snapshot())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The trigger itself is transient; only the reply is recorded.
	if len(c.history) != 1 {
		t.Fatalf("expected only the assistant reply in history, got %+v", c.history)
	}
	if c.history[0].Role != roleAssistant || c.history[0].Content != "Hello!" {
		t.Fatalf("unexpected assistant turn: %+v", c.history[0])
	}
	if c.cache.used || c.cache.foreign == "" {
		t.Fatalf("expected a fresh speculative entry after the turn, got %+v", c.cache)
	}
}

func TestPlanNextActionEmptyHistory(t *testing.T) {
	c, _ := newTestConversation(t, &fakeGenerator{}, nil)
	if got := c.planNextAction(context.Background(), nil); got != "share_memory" {
		t.Fatalf("expected share_memory for empty history, got %q", got)
	}
}

func TestHistoryEviction(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"reply"}}
	c, _ := newTestConversation(t, gen, func(cfg *config.Config) {
		cfg.Conversation.HistoryLimit = 4
	})

	for _, msg := range []string{"m1", "m2", "m3", "m4", "m5"} {
		c.HandleUserText(msg, nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) != 6 {
		t.Fatalf("expected 6 entries (cap 4 plus current turn), got %d", len(c.history))
	}
	if c.history[0].Content != "m3" {
		t.Fatalf("expected oldest turns evicted, history starts with %q", c.history[0].Content)
	}
}

func TestWriteCacheGuardRejectsStaleWrite(t *testing.T) {
	c, _ := newTestConversation(t, &fakeGenerator{}, nil)

	current := time.Now()
	c.mu.Lock()
	c.cache = speculative{foreign: "kept", local: "kept", createdAt: current}
	c.mu.Unlock()

	c.writeCache(current.Add(-time.Minute), speculative{foreign: "stale", local: "stale", createdAt: time.Now()})
	c.mu.Lock()
	kept := c.cache.foreign
	c.mu.Unlock()
	if kept != "kept" {
		t.Fatalf("stale write replaced the cache: %q", kept)
	}

	c.writeCache(current, speculative{foreign: "next", local: "next", createdAt: time.Now()})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache.foreign != "next" {
		t.Fatalf("matching write rejected: %+v", c.cache)
	}
}

func TestResetClearsConversationState(t *testing.T) {
	gen := &fakeGenerator{tokens: []string{"reply"}}
	c, _ := newTestConversation(t, gen, nil)

	c.SetUser("alice")
	c.HandleUserText("hello", nil)
	c.Reset()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) != 0 {
		t.Fatalf("expected empty history after reset, got %+v", c.history)
	}
	if c.cache.valid() {
		t.Fatalf("expected invalid cache after reset, got %+v", c.cache)
	}
	if c.monologue != "" {
		t.Fatalf("expected cleared monologue, got %q", c.monologue)
	}
}
