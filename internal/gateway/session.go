package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hoshilabs/hoshi-core/internal/config"
	"github.com/hoshilabs/hoshi-core/internal/events"
	"github.com/hoshilabs/hoshi-core/internal/protocol"
	"github.com/hoshilabs/hoshi-core/internal/stt"
)

// maxVideoFrames bounds the retained camera frame ring. Older frames are
// dropped; only the freshest view reaches the model.
const maxVideoFrames = 2

const writeTimeout = 10 * time.Second

// chat is the conversation surface a session drives. Satisfied by
// *conversation.Conversation.
type chat interface {
	SetUser(name string)
	Reset()
	StopPlayback()
	Greet()
	HandleUserText(text string, frames []string)
	HandleSelfMotivated(frames []string, videoOn bool)
	Close()
}

// Session owns one websocket connection: envelope dispatch, the recording
// window assembler, the camera frame ring, heartbeat supervision and the
// serialized chat worker.
//
// Envelope handling runs on the read loop only, so session state needs no
// lock; blocking conversation work is handed to the worker goroutine to keep
// the read loop free for pong frames.
type Session struct {
	id     string
	conn   *websocket.Conn
	cfg    config.Config
	chat   chat
	stt    stt.Recognizer
	rec    *events.Recorder
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	alive  atomic.Bool

	// out is the envelope writer. Swapped for a capture in tests.
	out func(env protocol.Envelope) error

	writeMu sync.Mutex

	work chan func()

	user      string
	recording bool
	audio     bytes.Buffer
	frames    []string
	videoOn   bool
}

func newSession(parent context.Context, id string, conn *websocket.Conn, cfg config.Config, ch chat, recognizer stt.Recognizer, recorder *events.Recorder, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		chat:   ch,
		stt:    recognizer,
		rec:    recorder,
		logger: logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		ctx:    ctx,
		cancel: cancel,
		work:   make(chan func(), 8),
	}
	s.out = s.writeEnvelope
	s.alive.Store(true)
	return s
}

// Send delivers one envelope to the client. Implements conversation.Sender.
func (s *Session) Send(env protocol.Envelope) error {
	return s.out(env)
}

func (s *Session) writeEnvelope(env protocol.Envelope) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// run services the connection until it drops, then tears everything down.
func (s *Session) run() {
	if s.cfg.Gateway.MaxFrameBytes > 0 {
		s.conn.SetReadLimit(s.cfg.Gateway.MaxFrameBytes)
	}
	s.conn.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})

	s.wg.Add(2)
	go s.heartbeat()
	go s.worker()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleFrame(raw)
	}

	s.cancel()
	_ = s.conn.Close()
	s.chat.Close()
	s.wg.Wait()
	s.logger.Info("session closed")
}

// heartbeat pings the client on the configured interval and terminates the
// connection when a whole interval passes without a pong.
func (s *Session) heartbeat() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.Gateway.HeartbeatInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !s.alive.Swap(false) {
				s.logger.Info("heartbeat missed, terminating connection")
				_ = s.conn.Close()
				return
			}
			deadline := time.Now().Add(writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

// worker runs conversation turns one at a time, in arrival order.
func (s *Session) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.work:
			fn()
		}
	}
}

// dispatch hands a turn to the worker without blocking the read loop.
func (s *Session) dispatch(fn func()) {
	select {
	case s.work <- fn:
	default:
		s.logger.Warn("chat worker saturated, rejecting turn")
		s.sendError("server busy")
	}
}

func (s *Session) handleFrame(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		s.sendError("malformed message")
		return
	}
	s.handleEnvelope(env)
}

func (s *Session) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypePing:
		_ = s.Send(protocol.Envelope{Type: protocol.TypePong})

	case protocol.TypeLogin:
		s.handleLogin(env.Data)

	case protocol.TypeLogout:
		s.handleLogout()

	case protocol.TypeStartSpeech:
		// Barge-in: the user speaking preempts whatever is playing.
		s.chat.StopPlayback()
		s.recording = true
		s.audio.Reset()
		s.ack("recording started")

	case protocol.TypeAudioChunk:
		s.handleAudioChunk(env.Data)

	case protocol.TypeEndSpeech:
		s.handleEndSpeech()

	case protocol.TypeVideoFrame:
		// Frames are buffered regardless of the reported video state.
		s.frames = append(s.frames, env.Data)
		if len(s.frames) > maxVideoFrames {
			s.frames = s.frames[len(s.frames)-maxVideoFrames:]
		}
		s.ack("video frame received")

	case protocol.TypeVideoState:
		s.handleVideoState(env.Data)

	case protocol.TypeSelfMotivated:
		if s.recording {
			return
		}
		s.audio.Reset()
		var frames []string
		if s.videoOn {
			frames = s.snapshotFrames()
		}
		videoOn := s.videoOn
		s.dispatch(func() { s.chat.HandleSelfMotivated(frames, videoOn) })
		_ = s.Send(protocol.Envelope{Type: protocol.TypeSelfMotivated, Data: "true"})

	default:
		s.ack("message received")
	}
}

func (s *Session) handleLogin(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		s.sendError("login requires a user name")
		return
	}
	// A login always starts from a clean conversation, even when a prior
	// user never logged out.
	s.chat.Reset()
	s.user = name
	s.chat.SetUser(name)
	s.rec.SessionBound(s.ctx, s.id, name)
	s.logger.Info("user logged in", slog.String("user", name))
	_ = s.Send(protocol.Envelope{Type: protocol.TypeResponse, Data: "login ok"})
	s.dispatch(s.chat.Greet)
}

// handleLogout clears conversation state but keeps the socket open for a
// later login.
func (s *Session) handleLogout() {
	s.user = ""
	s.recording = false
	s.audio.Reset()
	s.frames = nil
	s.videoOn = false
	s.chat.Reset()
	s.logger.Info("user logged out")
	_ = s.Send(protocol.Envelope{Type: protocol.TypeResponse, Data: "logout ok"})
}

func (s *Session) handleAudioChunk(data string) {
	if !s.recording {
		s.sendError("audio chunk outside a recording window")
		return
	}
	chunk, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		s.sendError("invalid audio chunk encoding")
		return
	}
	s.audio.Write(chunk)
	s.ack("audio chunk received")
}

func (s *Session) handleEndSpeech() {
	if !s.recording {
		s.sendError("no recording window open")
		return
	}
	s.recording = false
	if s.audio.Len() == 0 {
		// Nothing arrived during the window; closing it is not an error.
		s.ack("audio received")
		return
	}
	audio := make([]byte, s.audio.Len())
	copy(audio, s.audio.Bytes())
	s.audio.Reset()
	var frames []string
	if s.videoOn {
		frames = s.snapshotFrames()
	}
	user := s.user
	s.dispatch(func() { s.runTranscribedTurn(audio, frames, user) })
	s.ack("audio received")
}

func (s *Session) handleVideoState(data string) {
	switch strings.ToLower(strings.TrimSpace(data)) {
	case "on", "true", "1":
		s.videoOn = true
	default:
		s.videoOn = false
		s.frames = nil
	}
	s.ack("video state updated")
}

// runTranscribedTurn is the worker half of endSpeech: transcribe the window,
// echo the recognized text and run a full conversation turn. The user name is
// captured at dispatch time since the read loop may rebind it meanwhile.
func (s *Session) runTranscribedTurn(audio []byte, frames []string, user string) {
	_ = s.Send(protocol.Envelope{Type: protocol.TypeLoading, Data: "true"})
	defer func() {
		_ = s.Send(protocol.Envelope{Type: protocol.TypeLoading, Data: "false"})
	}()

	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.STT.Timeout)*time.Millisecond)
	text, err := s.stt.Transcribe(ctx, audio)
	cancel()
	if err != nil {
		s.logger.Warn("transcription failed", slog.String("error", err.Error()))
		s.sendError("transcription failed")
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		s.logger.Debug("empty transcription, skipping turn")
		return
	}

	_ = s.Send(protocol.Envelope{Type: protocol.TypeSpeechText, Data: text})
	s.rec.Transcript(s.ctx, s.id, user, text)
	s.chat.HandleUserText(text, frames)
}

func (s *Session) snapshotFrames() []string {
	if len(s.frames) == 0 {
		return nil
	}
	out := make([]string, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *Session) ack(msg string) {
	if err := s.Send(protocol.Envelope{Type: protocol.TypeResponse, Data: msg}); err != nil {
		s.logger.Debug("ack send failed", slog.String("error", err.Error()))
	}
}

func (s *Session) sendError(msg string) {
	if err := s.Send(protocol.Envelope{Type: protocol.TypeError, Data: msg}); err != nil {
		s.logger.Debug("error send failed", slog.String("error", err.Error()))
	}
}
