package conversation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hoshilabs/hoshi-core/internal/config"
	"github.com/hoshilabs/hoshi-core/internal/emotion"
	"github.com/hoshilabs/hoshi-core/internal/events"
	"github.com/hoshilabs/hoshi-core/internal/llm"
	"github.com/hoshilabs/hoshi-core/internal/memory"
	"github.com/hoshilabs/hoshi-core/internal/protocol"
	"github.com/hoshilabs/hoshi-core/internal/tts"
)

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
)

var errTurnCancelled = errors.New("turn cancelled")

// Deps bundles the external collaborators one conversation talks to.
type Deps struct {
	Generator  llm.Generator
	Synth      tts.Synthesizer
	Classifier emotion.Classifier
	Memory     memory.Gateway
}

// Turn is one entry of the bounded conversation history.
type Turn struct {
	Role    string
	Content string
}

// speculative is the single-slot cache of a precomputed self-motivated reply.
type speculative struct {
	foreign   string
	local     string
	emotion   string
	createdAt time.Time
	used      bool
}

func (s speculative) valid() bool {
	return !s.used && s.foreign != "" && s.local != ""
}

// Conversation owns one user's session state: bounded history, language
// policy, speculative reply cache, playback queue and the streaming pipeline
// that turns a trigger into ordered text/emotion/audio events.
//
// Turns are serialized by the caller (the gateway session worker); the
// orchestrator's own background tasks re-enter through the mutex only.
type Conversation struct {
	cfg      config.Config
	deps     Deps
	sender   Sender
	recorder *events.Recorder
	logger   *slog.Logger

	sessionID string
	sameLang  bool
	queue     *Queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu              sync.Mutex
	user            string
	history         []Turn
	memories        []string
	monologue       string
	lastMonologue   string
	lastMonologueAt time.Time
	nextAction      string
	lastActivity    time.Time
	cache           speculative
	turnCtx         context.Context
	turnCancel      context.CancelFunc
}

func New(parent context.Context, cfg config.Config, sessionID string, deps Deps, sender Sender, recorder *events.Recorder, logger *slog.Logger) *Conversation {
	ctx, cancel := context.WithCancel(parent)
	c := &Conversation{
		cfg:       cfg,
		deps:      deps,
		sender:    sender,
		recorder:  recorder,
		logger:    logger.With(slog.String("component", "conversation"), slog.String("session_id", sessionID)),
		sessionID: sessionID,
		sameLang:  cfg.Conversation.VoiceLanguage == cfg.Conversation.TextLanguage,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.cache = speculative{used: true}
	c.nextAction = nextActions[0]
	c.queue = newQueue(ctx, sender, cfg.Conversation.AudioChunkBytes, c.logger)
	return c
}

// SetUser binds a user identity for memory lookups and prompts.
func (c *Conversation) SetUser(name string) {
	c.mu.Lock()
	c.user = name
	c.mu.Unlock()
}

// StopPlayback cancels the in-flight turn and empties the playback queue.
// Idempotent.
func (c *Conversation) StopPlayback() {
	c.mu.Lock()
	if c.turnCancel != nil {
		c.turnCancel()
	}
	c.mu.Unlock()
	c.queue.Stop()
}

// Reset clears conversation state on logout; the session stays usable for a
// later login.
func (c *Conversation) Reset() {
	c.StopPlayback()
	c.mu.Lock()
	c.history = nil
	c.memories = nil
	c.monologue = ""
	c.lastMonologue = ""
	c.lastMonologueAt = time.Time{}
	c.nextAction = nextActions[0]
	c.cache = speculative{used: true}
	c.mu.Unlock()
}

// Close tears the conversation down and waits for background work.
func (c *Conversation) Close() {
	c.cancel()
	c.queue.Close()
	c.wg.Wait()
}

// HandleUserText runs one normal turn for literal user text. It returns when
// the token stream has been fully consumed; playback continues asynchronously.
func (c *Conversation) HandleUserText(text string, frames []string) {
	c.handleTurn(text, false, frames)
}

// HandleSelfMotivated runs one proactive turn.
func (c *Conversation) HandleSelfMotivated(frames []string, videoOn bool) {
	visual := "the camera is off"
	if videoOn {
		visual = "you are also watching the world in front of the screen through the camera"
	}
	c.handleTurn(encodeTrigger(map[string]string{"visualContext": visual}), true, frames)
}

// Greet runs the opening self-motivated turn fired right after login.
func (c *Conversation) Greet() {
	c.handleTurn(encodeTrigger(nil), true, nil)
}

func (c *Conversation) handleTurn(content string, selfMotivated bool, frames []string) {
	c.mu.Lock()
	c.lastActivity = time.Now()
	if c.turnCancel != nil {
		c.turnCancel()
	}
	turnCtx, turnCancel := context.WithCancel(c.ctx)
	c.turnCtx, c.turnCancel = turnCtx, turnCancel

	// Trim before appending so the cap holds going into the completion call.
	limit := c.cfg.Conversation.HistoryLimit
	if len(c.history) > limit {
		c.history = c.history[len(c.history)-limit:]
	}
	user := c.user
	c.mu.Unlock()

	c.goAsync(c.refreshMonologue)
	c.goAsync(func() { c.refreshMemories(user) })
	if !selfMotivated && content != "" {
		text := content
		c.goAsync(func() { c.extractMemory(user, text) })
	}

	if selfMotivated && c.tryCachedReply() {
		return
	}

	c.runCompletionTurn(turnCtx, content, selfMotivated, frames)

	c.mu.Lock()
	needRegen := c.cache.createdAt.IsZero() || c.cache.used
	prev := c.cache.createdAt
	c.mu.Unlock()
	if needRegen && turnCtx.Err() == nil {
		// Synchronous on purpose: the next self-motivated trigger must find a
		// ready answer, at the cost of latency on this turn.
		c.regenerateCache(prev)
	}
}

// tryCachedReply serves a self-motivated trigger from the speculative cache.
// Returns false when no valid entry exists and a full completion is needed.
// The slot's stored emotion is the only one emitted; voicing skips the
// classifier entirely.
func (c *Conversation) tryCachedReply() bool {
	c.mu.Lock()
	if !c.cache.valid() {
		c.mu.Unlock()
		return false
	}
	snap := c.cache
	c.cache.used = true
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Role == roleAssistant {
			c.history[i].Content += snap.foreign
			break
		}
	}
	c.mu.Unlock()

	if snap.emotion != "" {
		c.send(protocol.Envelope{Type: protocol.TypeEmotion, Data: snap.emotion})
		c.recorder.Emotion(c.ctx, c.sessionID, snap.emotion)
	}
	c.send(protocol.Envelope{Type: protocol.TypeText, Data: snap.local})
	c.recorder.Reply(c.ctx, c.sessionID, snap.local)

	c.goAsync(func() { c.regenerateCache(snap.createdAt) })
	c.enqueueSpeech(snap.foreign)
	return true
}

func (c *Conversation) runCompletionTurn(turnCtx context.Context, content string, selfMotivated bool, frames []string) {
	c.mu.Lock()
	// A self-motivated trigger is fed to the model as a transient user
	// message; only real user text enters the recorded history.
	if !selfMotivated {
		c.history = append(c.history, Turn{Role: roleUser, Content: content})
	}
	pc := c.promptContextLocked()
	system := buildChatPrompt(pc, c.sameLang, c.cfg.Conversation.VoiceLanguage, c.cfg.Conversation.TextLanguage)
	msgs := buildTurnMessages(system, c.history, content, selfMotivated, frames)
	user := c.user
	c.mu.Unlock()

	seg := newSegmenter(c.sameLang, c.cfg.Conversation.MinSegmentChars)
	var reply strings.Builder

	streamCtx, cancel := context.WithTimeout(turnCtx, c.timeout(c.cfg.LLM.RequestTimeout))
	defer cancel()
	err := c.deps.Generator.Stream(streamCtx, llm.Request{
		Model:     c.cfg.LLM.Model,
		Messages:  msgs,
		MaxTokens: c.cfg.LLM.MaxTokens,
	}, func(chunk llm.Chunk) error {
		if turnCtx.Err() != nil {
			return errTurnCancelled
		}
		for _, s := range seg.Feed(chunk.Content) {
			c.emitSegment(turnCtx, s, &reply)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errTurnCancelled) && turnCtx.Err() == nil {
		c.logger.Warn("completion stream failed", slog.String("error", err.Error()))
	}
	if turnCtx.Err() == nil {
		for _, s := range seg.Flush() {
			c.emitSegment(turnCtx, s, &reply)
		}
	}

	full := reply.String()
	c.mu.Lock()
	c.history = append(c.history, Turn{Role: roleAssistant, Content: full})
	c.mu.Unlock()
	c.recorder.TurnComplete(c.ctx, c.sessionID, user, full, selfMotivated)
}

// emitSegment forwards one completed segment: shown text to the client and
// the running reply record, voiced text into the emotion/TTS pipeline.
func (c *Conversation) emitSegment(turnCtx context.Context, s Segment, reply *strings.Builder) {
	if s.Shown {
		reply.WriteString(s.Text)
		c.send(protocol.Envelope{Type: protocol.TypeText, Data: s.Text})
		c.recorder.Reply(c.ctx, c.sessionID, s.Text)
	}
	if s.Voiced {
		c.speak(turnCtx, s.Text)
	}
}

// speak classifies the segment asynchronously and registers its synthesis
// with the playback queue at segment-boundary time, preserving order.
func (c *Conversation) speak(turnCtx context.Context, text string) {
	c.goAsync(func() {
		ctx, cancel := context.WithTimeout(turnCtx, c.timeout(c.cfg.Emotion.Timeout))
		defer cancel()
		label, err := c.deps.Classifier.Classify(ctx, text)
		if err != nil {
			c.logger.Warn("emotion classification failed", slog.String("error", err.Error()))
			label = emotion.Neutral
		}
		if turnCtx.Err() != nil {
			return
		}
		c.send(protocol.Envelope{Type: protocol.TypeEmotion, Data: label})
		c.recorder.Emotion(c.ctx, c.sessionID, label)
	})

	c.enqueueSpeech(text)
}

// enqueueSpeech registers synthesis without classification; the cached
// self-motivated path uses it directly since the slot already carries a
// label.
func (c *Conversation) enqueueSpeech(text string) {
	voice := c.cfg.TTS.VoiceID
	ttsTimeout := c.timeout(c.cfg.TTS.Timeout)
	c.queue.Enqueue(text, func(ctx context.Context) (io.ReadCloser, error) {
		fctx, cancel := context.WithTimeout(ctx, ttsTimeout)
		rc, err := c.deps.Synth.Synthesize(fctx, tts.SynthRequest{Text: text, Voice: voice})
		if err != nil {
			cancel()
			return nil, err
		}
		return &cancelReadCloser{ReadCloser: rc, cancel: cancel}, nil
	})
}

// cancelReadCloser releases the synthesis request context when the playback
// queue finishes with the stream. Pointer methods keep the wrapped stream
// comparable as an interface value inside the queue.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// regenerateCache produces a fresh speculative self-motivated reply. The
// write is guarded by the cache timestamp observed when regeneration was
// decided, so a concurrent regeneration that already replaced the slot wins.
func (c *Conversation) regenerateCache(prev time.Time) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout(c.cfg.LLM.RequestTimeout))
	defer cancel()

	c.mu.Lock()
	hist := make([]Turn, len(c.history))
	copy(hist, c.history)
	pc := c.promptContextLocked()
	c.mu.Unlock()

	action := c.planNextAction(ctx, hist)
	c.mu.Lock()
	c.nextAction = action
	c.mu.Unlock()
	pc.nextAction = action

	system := buildSpeculativePrompt(pc, c.sameLang, c.cfg.Conversation.VoiceLanguage, c.cfg.Conversation.TextLanguage)
	msgs := make([]llm.Message, 0, len(hist)+2)
	msgs = append(msgs, llm.Message{Role: roleSystem, Content: system})
	for _, t := range hist {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: roleUser, Content: encodeTrigger(map[string]string{"nextAction": action})})

	resp, err := c.deps.Generator.Complete(ctx, llm.Request{
		Model:       c.cfg.LLM.Model,
		Messages:    msgs,
		MaxTokens:   c.cfg.Conversation.SpeculativeTokens,
		Temperature: 0.5,
	}, nil)
	if err != nil {
		c.logger.Warn("speculative generation failed", slog.String("error", err.Error()))
		c.writeCache(prev, speculative{used: true})
		return
	}

	var foreign, local string
	if c.sameLang {
		foreign, local = resp, resp
	} else {
		parts := strings.Split(resp, segDelimiter)
		var foreignParts, localParts []string
		for i, part := range parts {
			part = strings.TrimSpace(part)
			if i%2 == 0 {
				foreignParts = append(foreignParts, part)
			} else {
				localParts = append(localParts, part)
			}
		}
		foreign = strings.Join(foreignParts, "")
		local = strings.Join(localParts, "")
	}
	if foreign == "" || local == "" {
		c.logger.Warn("speculative generation returned malformed output")
		c.writeCache(prev, speculative{used: true})
		return
	}

	label, err := c.deps.Classifier.Classify(ctx, foreign)
	if err != nil {
		label = emotion.Neutral
	}
	c.writeCache(prev, speculative{
		foreign:   foreign,
		local:     local,
		emotion:   label,
		createdAt: time.Now(),
	})
}

func (c *Conversation) writeCache(prev time.Time, next speculative) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	if !c.cache.createdAt.Equal(prev) {
		return
	}
	c.cache = next
}

func (c *Conversation) planNextAction(ctx context.Context, hist []Turn) string {
	if len(hist) == 0 {
		return "share_memory"
	}
	msgs := make([]llm.Message, 0, len(hist)+1)
	msgs = append(msgs, llm.Message{Role: roleSystem, Content: nextActionPrompt})
	for _, t := range hist {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	action, err := c.deps.Generator.Complete(ctx, llm.Request{
		Model:    c.cfg.LLM.UtilityModel,
		Messages: msgs,
	}, &llm.EnumSchema{Name: "action_response", Values: nextActions})
	if err != nil {
		c.logger.Warn("next action planning failed", slog.String("error", err.Error()))
		c.mu.Lock()
		action = c.nextAction
		c.mu.Unlock()
	}
	return action
}

// refreshMonologue updates the private inner monologue, at most once per
// configured interval. Its output is only ever read into prompts.
func (c *Conversation) refreshMonologue() {
	interval := time.Duration(c.cfg.Conversation.MonologueIntervalS) * time.Second
	c.mu.Lock()
	if !c.lastMonologueAt.IsZero() && time.Since(c.lastMonologueAt) < interval {
		c.mu.Unlock()
		return
	}
	if len(c.history) == 0 {
		c.mu.Unlock()
		return
	}
	hist := make([]Turn, len(c.history))
	copy(hist, c.history)
	pc := c.promptContextLocked()
	last := c.lastMonologue
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout(c.cfg.LLM.RequestTimeout))
	defer cancel()

	msgs := make([]llm.Message, 0, len(hist)+2)
	msgs = append(msgs, llm.Message{Role: roleSystem, Content: buildMonologuePrompt(pc, last)})
	for _, t := range hist {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	msgs = append(msgs, llm.Message{Role: roleUser, Content: encodeTrigger(map[string]string{"lastMonologue": last})})

	out, err := c.deps.Generator.Complete(ctx, llm.Request{
		Model:       c.cfg.LLM.Model,
		Messages:    msgs,
		MaxTokens:   150,
		Temperature: 1.0,
	}, nil)
	if err != nil {
		c.logger.Warn("inner monologue refresh failed", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	c.lastMonologue = c.monologue
	c.monologue = out
	c.lastMonologueAt = time.Now()
	c.mu.Unlock()
}

// refreshMemories replaces the bounded recent-memories list when the lookup
// resolves; a failure keeps the previous list.
func (c *Conversation) refreshMemories(user string) {
	if user == "" {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout(c.cfg.Memory.Timeout))
	defer cancel()
	facts, err := c.deps.Memory.Fetch(ctx, user)
	if err != nil {
		c.logger.Warn("memory lookup failed", slog.String("error", err.Error()))
		return
	}
	if max := c.cfg.Memory.MaxEntries; len(facts) > max {
		facts = facts[len(facts)-max:]
	}
	c.mu.Lock()
	c.memories = facts
	c.mu.Unlock()
}

// extractMemory asks the utility model whether the turn carries a durable
// user fact and stores it when it does.
func (c *Conversation) extractMemory(user, text string) {
	if user == "" {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout(c.cfg.Memory.Timeout))
	defer cancel()
	fact, err := c.deps.Generator.Complete(ctx, llm.Request{
		Model: c.cfg.LLM.UtilityModel,
		Messages: []llm.Message{
			{Role: roleSystem, Content: memoryExtractPrompt},
			{Role: roleUser, Content: text},
		},
	}, nil)
	if err != nil {
		c.logger.Warn("memory extraction failed", slog.String("error", err.Error()))
		return
	}
	fact = strings.TrimSpace(fact)
	if fact == "" || strings.EqualFold(fact, "NONE") {
		return
	}
	if err := c.deps.Memory.Store(ctx, user, fact); err != nil {
		c.logger.Warn("memory store failed", slog.String("error", err.Error()))
	}
}

func (c *Conversation) promptContextLocked() promptContext {
	memories := make([]string, len(c.memories))
	copy(memories, c.memories)
	return promptContext{
		persona:    c.cfg.Conversation.PersonaPrompt,
		user:       c.user,
		nameMap:    c.cfg.Conversation.NameMap,
		memories:   memories,
		monologue:  c.monologue,
		nextAction: c.nextAction,
		now:        time.Now(),
	}
}

// buildTurnMessages assembles the completion input. For a transient trigger
// the content becomes an extra final user message; otherwise it is already
// the last history entry, lifted out only when vision frames must ride on it.
func buildTurnMessages(system string, history []Turn, content string, transient bool, frames []string) []llm.Message {
	msgs := []llm.Message{{Role: roleSystem, Content: system}}
	if transient {
		for _, t := range history {
			msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
		}
		return append(msgs, llm.Message{Role: roleUser, Content: content, Images: frames})
	}
	hist := history
	if len(frames) > 0 {
		hist = history[:len(history)-1]
	}
	for _, t := range hist {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	if len(frames) > 0 {
		msgs = append(msgs, llm.Message{Role: roleUser, Content: content, Images: frames})
	}
	return msgs
}

func (c *Conversation) timeout(ms int) time.Duration {
	if ms <= 0 {
		return 60 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *Conversation) send(env protocol.Envelope) {
	if err := c.sender.Send(env); err != nil {
		c.logger.Debug("send failed", slog.String("error", err.Error()))
	}
}

func (c *Conversation) goAsync(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}
