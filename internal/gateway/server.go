package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hoshilabs/hoshi-core/internal/config"
	"github.com/hoshilabs/hoshi-core/internal/conversation"
	"github.com/hoshilabs/hoshi-core/internal/events"
	"github.com/hoshilabs/hoshi-core/internal/stt"
)

var (
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hoshi_gateway_active_sessions",
		Help: "Number of websocket sessions currently connected.",
	})
	rejectedUpgrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoshi_gateway_rejected_upgrades_total",
		Help: "Websocket upgrade attempts rejected by token auth.",
	})
)

// Server accepts websocket upgrades and runs one Session per connection.
type Server struct {
	cfg        config.Config
	deps       conversation.Deps
	recognizer stt.Recognizer
	recorder   *events.Recorder
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	// newChat builds the conversation for a session. Tests replace it.
	newChat func(ctx context.Context, sessionID string, sender conversation.Sender) chat

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(parent context.Context, cfg config.Config, deps conversation.Deps, recognizer stt.Recognizer, recorder *events.Recorder, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	s := &Server{
		cfg:        cfg,
		deps:       deps,
		recognizer: recognizer,
		recorder:   recorder,
		logger:     logger.With(slog.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The avatar client runs from local files and custom shells.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	s.newChat = func(ctx context.Context, sessionID string, sender conversation.Sender) chat {
		return conversation.New(ctx, cfg, sessionID, deps, sender, recorder, logger)
	}
	return s
}

// Handler serves the websocket endpoint. Auth is a shared token passed as the
// token query parameter; an empty configured token disables the check.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Gateway.AuthToken != "" && r.URL.Query().Get("token") != s.cfg.Gateway.AuthToken {
			rejectedUpgrades.Inc()
			s.logger.Warn("rejected websocket upgrade", slog.String("remote", r.RemoteAddr))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		id := uuid.NewString()
		sess := newSession(s.ctx, id, conn, s.cfg, nil, s.recognizer, s.recorder, s.logger)
		sess.chat = s.newChat(s.ctx, id, sess)

		s.logger.Info("session opened", slog.String("session_id", id), slog.String("remote", r.RemoteAddr))
		activeSessions.Inc()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer activeSessions.Dec()
			sess.run()
		}()
	})
}

// Close stops accepting work and waits for open sessions to wind down.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}
