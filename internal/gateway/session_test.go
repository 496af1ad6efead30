package gateway

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hoshilabs/hoshi-core/internal/config"
	"github.com/hoshilabs/hoshi-core/internal/conversation"
	"github.com/hoshilabs/hoshi-core/internal/emotion"
	"github.com/hoshilabs/hoshi-core/internal/llm"
	"github.com/hoshilabs/hoshi-core/internal/memory"
	"github.com/hoshilabs/hoshi-core/internal/protocol"
	"github.com/hoshilabs/hoshi-core/internal/stt"
	"github.com/hoshilabs/hoshi-core/internal/tts"
)

type fakeChat struct {
	mu     sync.Mutex
	user   string
	resets int
	stops  int
	texts  []string
	frames [][]string
	calls  chan string
}

func newFakeChat() *fakeChat {
	return &fakeChat{calls: make(chan string, 16)}
}

func (f *fakeChat) record(name string) {
	select {
	case f.calls <- name:
	default:
	}
}

func (f *fakeChat) SetUser(name string) {
	f.mu.Lock()
	f.user = name
	f.mu.Unlock()
	f.record("setUser")
}

func (f *fakeChat) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	f.record("reset")
}

func (f *fakeChat) StopPlayback() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.record("stopPlayback")
}

func (f *fakeChat) Greet() { f.record("greet") }

func (f *fakeChat) HandleUserText(text string, frames []string) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.frames = append(f.frames, frames)
	f.mu.Unlock()
	f.record("userText")
}

func (f *fakeChat) HandleSelfMotivated(frames []string, videoOn bool) {
	f.mu.Lock()
	f.frames = append(f.frames, frames)
	f.mu.Unlock()
	f.record("selfMotivated")
}

func (f *fakeChat) Close() {}

func (f *fakeChat) waitCall(t *testing.T, name string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.calls:
			if got == name {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q call", name)
		}
	}
}

type envelopeCapture struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (c *envelopeCapture) send(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *envelopeCapture) snapshot() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

func (c *envelopeCapture) waitType(t *testing.T, typ protocol.MessageType) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, env := range c.snapshot() {
			if env.Type == typ {
				return env
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q envelope, got %v", typ, c.snapshot())
	return protocol.Envelope{}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestSession builds a session with a capturing writer and a running
// worker, without a live websocket.
func newTestSession(t *testing.T, ch chat, recognizer stt.Recognizer) (*Session, *envelopeCapture) {
	t.Helper()
	cfg := config.Default()
	s := newSession(context.Background(), "sess-test", nil, cfg, ch, recognizer, nil, discardLogger())
	capture := &envelopeCapture{}
	s.out = capture.send
	s.wg.Add(1)
	go s.worker()
	t.Cleanup(func() {
		s.cancel()
		s.wg.Wait()
	})
	return s, capture
}

func TestAudioChunkOutsideWindowRejected(t *testing.T) {
	s, capture := newTestSession(t, newFakeChat(), stt.NewMockRecognizer("hi"))
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeAudioChunk, Data: base64.StdEncoding.EncodeToString([]byte("x"))})
	env := capture.waitType(t, protocol.TypeError)
	if !strings.Contains(env.Data, "recording") {
		t.Fatalf("unexpected error payload: %q", env.Data)
	}
}

func TestMalformedFrameRejected(t *testing.T) {
	s, capture := newTestSession(t, newFakeChat(), stt.NewMockRecognizer("hi"))
	s.handleFrame([]byte("{not json"))
	env := capture.waitType(t, protocol.TypeError)
	if env.Data != "malformed message" {
		t.Fatalf("unexpected error payload: %q", env.Data)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	s, capture := newTestSession(t, newFakeChat(), stt.NewMockRecognizer("hi"))
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypePing})
	capture.waitType(t, protocol.TypePong)
}

func TestRecordingWindowFlow(t *testing.T) {
	ch := newFakeChat()
	s, capture := newTestSession(t, ch, stt.NewMockRecognizer("turn left"))

	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeStartSpeech})
	if ch.stops != 1 {
		t.Fatal("startSpeech must preempt playback")
	}
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeAudioChunk, Data: base64.StdEncoding.EncodeToString([]byte("pcm1"))})
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeAudioChunk, Data: base64.StdEncoding.EncodeToString([]byte("pcm2"))})
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeEndSpeech})

	ch.waitCall(t, "userText")

	env := capture.waitType(t, protocol.TypeSpeechText)
	if env.Data != "turn left" {
		t.Fatalf("expected transcript echo, got %q", env.Data)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.texts) != 1 || ch.texts[0] != "turn left" {
		t.Fatalf("expected one turn with transcript, got %v", ch.texts)
	}
	if s.recording {
		t.Fatal("recording window must be closed after endSpeech")
	}
}

type captureRecognizer struct {
	mu    sync.Mutex
	audio []byte
	calls int
}

func (r *captureRecognizer) Transcribe(ctx context.Context, audio []byte) (string, error) {
	r.mu.Lock()
	r.audio = append([]byte(nil), audio...)
	r.calls++
	r.mu.Unlock()
	return "ok", nil
}

func TestAudioChunksAssembledInOrder(t *testing.T) {
	ch := newFakeChat()
	rec := &captureRecognizer{}
	s, _ := newTestSession(t, ch, rec)

	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeStartSpeech})
	for _, chunk := range []string{"AA==", "AQ==", "Ag=="} {
		s.handleEnvelope(protocol.Envelope{Type: protocol.TypeAudioChunk, Data: chunk})
	}
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeEndSpeech})

	ch.waitCall(t, "userText")
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.audio) != 3 || rec.audio[0] != 0x00 || rec.audio[1] != 0x01 || rec.audio[2] != 0x02 {
		t.Fatalf("expected concatenated bytes 0x00 0x01 0x02, got %v", rec.audio)
	}
}

func TestEndSpeechEmptyWindowSkipsTranscription(t *testing.T) {
	ch := newFakeChat()
	rec := &captureRecognizer{}
	s, capture := newTestSession(t, ch, rec)

	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeStartSpeech})
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeEndSpeech})

	capture.waitType(t, protocol.TypeResponse)
	if s.recording {
		t.Fatal("window must close even when empty")
	}
	select {
	case got := <-ch.calls:
		if got == "userText" {
			t.Fatal("empty window must not reach the conversation")
		}
	case <-time.After(50 * time.Millisecond):
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.calls != 0 {
		t.Fatalf("transcription must be skipped for an empty window, got %d calls", rec.calls)
	}
	for _, env := range capture.snapshot() {
		if env.Type == protocol.TypeLoading || env.Type == protocol.TypeError {
			t.Fatalf("unexpected %q envelope for an empty window", env.Type)
		}
	}
}

func TestEndSpeechWithoutWindowRejected(t *testing.T) {
	s, capture := newTestSession(t, newFakeChat(), stt.NewMockRecognizer("hi"))
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeEndSpeech})
	capture.waitType(t, protocol.TypeError)
}

func TestVideoFrameRingKeepsLatestTwo(t *testing.T) {
	s, _ := newTestSession(t, newFakeChat(), stt.NewMockRecognizer("hi"))
	for _, frame := range []string{"f1", "f2", "f3"} {
		s.handleEnvelope(protocol.Envelope{Type: protocol.TypeVideoFrame, Data: frame})
	}
	if len(s.frames) != 2 || s.frames[0] != "f2" || s.frames[1] != "f3" {
		t.Fatalf("expected the two freshest frames, got %v", s.frames)
	}
	// Frames buffer even while the client has not reported video on.
	if s.videoOn {
		t.Fatal("videoOn must only be driven by videoState messages")
	}

	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeVideoState, Data: "on"})
	if !s.videoOn {
		t.Fatal("expected videoState on to be tracked")
	}
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeVideoState, Data: "off"})
	if s.videoOn || s.frames != nil {
		t.Fatalf("videoState off must clear the ring, got %v", s.frames)
	}
}

func TestLoginAndLogout(t *testing.T) {
	ch := newFakeChat()
	s, capture := newTestSession(t, ch, stt.NewMockRecognizer("hi"))

	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeLogin, Data: "Alice"})
	ch.waitCall(t, "greet")
	capture.waitType(t, protocol.TypeResponse)
	ch.mu.Lock()
	user := ch.user
	ch.mu.Unlock()
	if user != "Alice" {
		t.Fatalf("expected bound user Alice, got %q", user)
	}
	if s.user != "Alice" {
		t.Fatalf("expected session-bound user Alice, got %q", s.user)
	}

	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeLogout})
	if s.user != "" {
		t.Fatal("logout must clear the bound user")
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	// One reset binding the fresh conversation at login, one at logout.
	if ch.resets != 2 {
		t.Fatalf("expected two conversation resets, got %d", ch.resets)
	}
}

func TestSelfMotivatedIgnoredWhileRecording(t *testing.T) {
	ch := newFakeChat()
	s, _ := newTestSession(t, ch, stt.NewMockRecognizer("hi"))

	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeStartSpeech})
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeSelfMotivated})

	select {
	case got := <-ch.calls:
		if got == "selfMotivated" {
			t.Fatal("self-motivated trigger must be dropped during a recording window")
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSelfMotivatedFramesRequireVideoOn(t *testing.T) {
	ch := newFakeChat()
	s, capture := newTestSession(t, ch, stt.NewMockRecognizer("hi"))

	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeVideoFrame, Data: "f1"})
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeSelfMotivated})
	ch.waitCall(t, "selfMotivated")
	if env := capture.waitType(t, protocol.TypeSelfMotivated); env.Data != "true" {
		t.Fatalf("expected self-motivated ack, got %q", env.Data)
	}
	ch.mu.Lock()
	if len(ch.frames) != 1 || ch.frames[0] != nil {
		t.Fatalf("expected no frames while video is off, got %v", ch.frames)
	}
	ch.mu.Unlock()

	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeVideoState, Data: "on"})
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeVideoFrame, Data: "f2"})
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeSelfMotivated})
	ch.waitCall(t, "selfMotivated")
	ch.mu.Lock()
	defer ch.mu.Unlock()
	last := ch.frames[len(ch.frames)-1]
	if len(last) != 2 || last[0] != "f1" || last[1] != "f2" {
		t.Fatalf("expected buffered frames once video is on, got %v", last)
	}
}

func TestUnknownTypeGetsResponseAck(t *testing.T) {
	s, capture := newTestSession(t, newFakeChat(), stt.NewMockRecognizer("hi"))
	s.handleEnvelope(protocol.Envelope{Type: "mystery"})
	env := capture.waitType(t, protocol.TypeResponse)
	if env.Data != "message received" {
		t.Fatalf("unexpected ack payload: %q", env.Data)
	}
}

func TestLoginWithoutNameRejected(t *testing.T) {
	s, capture := newTestSession(t, newFakeChat(), stt.NewMockRecognizer("hi"))
	s.handleEnvelope(protocol.Envelope{Type: protocol.TypeLogin, Data: "  "})
	capture.waitType(t, protocol.TypeError)
	if s.user != "" {
		t.Fatal("blank login must not bind a user")
	}
}

func mockDeps() conversation.Deps {
	return conversation.Deps{
		Generator:  llm.NewMockGenerator(),
		Synth:      tts.NewMockSynth(nil),
		Classifier: emotion.NewMockClassifier(),
		Memory:     memory.NewMockGateway(5),
	}
}

func TestUpgradeRequiresToken(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.AuthToken = "sekrit"
	srv := NewServer(context.Background(), cfg, mockDeps(), stt.NewMockRecognizer(""), nil, discardLogger())
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL+"/?token=wrong", nil); err == nil {
		t.Fatal("expected dial failure with wrong token")
	} else if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 rejection, got %+v", resp)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/?token=sekrit", nil)
	if err != nil {
		t.Fatalf("expected successful upgrade with valid token: %v", err)
	}
	_ = conn.Close()
}

func TestHeartbeatTerminatesSilentClient(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.HeartbeatInterval = 50
	srv := NewServer(context.Background(), cfg, mockDeps(), stt.NewMockRecognizer(""), nil, discardLogger())
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	// A client that never reads sends no pongs; the server must cut it off.
	time.Sleep(300 * time.Millisecond)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected read failure after heartbeat termination")
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		t.Fatalf("connection still alive after missed heartbeats: %v", err)
	}
}
