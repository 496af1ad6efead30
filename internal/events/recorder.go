package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hoshilabs/hoshi-core/internal/bus"
	"github.com/hoshilabs/hoshi-core/internal/eventstore"
	"github.com/hoshilabs/hoshi-core/internal/protocol"
)

// Recorder fans conversation events out to the bus and appends them to the
// event store. Either sink may be nil; failures are logged and swallowed so
// recording never disturbs a live session.
type Recorder struct {
	bus   *bus.Client
	store *eventstore.Store
	log   *slog.Logger
}

func NewRecorder(busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		bus:   busClient,
		store: store,
		log:   logger.With(slog.String("component", "events")),
	}
}

// SessionBound records that a user identity was attached to a session.
func (r *Recorder) SessionBound(ctx context.Context, sessionID, user string) {
	if r == nil {
		return
	}
	if err := r.store.AppendSession(ctx, sessionID, user); err != nil {
		r.log.Warn("failed to record session", slog.String("error", err.Error()))
	}
}

// Transcript records a transcribed recording window.
func (r *Recorder) Transcript(ctx context.Context, sessionID, user, text string) {
	if r == nil {
		return
	}
	evt := protocol.Transcript{SessionID: sessionID, User: user, Text: text, Timestamp: time.Now().UTC()}
	r.publish(protocol.SubjectTranscript, evt)
	r.append(ctx, sessionID, user, eventstore.EventTranscript, evt)
}

// Reply records one client-visible assistant text segment.
func (r *Recorder) Reply(ctx context.Context, sessionID, text string) {
	if r == nil {
		return
	}
	evt := protocol.AssistantText{SessionID: sessionID, Text: text, Timestamp: time.Now().UTC()}
	r.publish(protocol.SubjectReply, evt)
	r.append(ctx, sessionID, "", eventstore.EventReply, evt)
}

// Emotion records a classified segment label.
func (r *Recorder) Emotion(ctx context.Context, sessionID, label string) {
	if r == nil {
		return
	}
	evt := protocol.EmotionEvent{SessionID: sessionID, Label: label, Timestamp: time.Now().UTC()}
	r.publish(protocol.SubjectEmotion, evt)
	r.append(ctx, sessionID, "", eventstore.EventEmotion, evt)
}

// TurnComplete records a fully streamed conversation turn.
func (r *Recorder) TurnComplete(ctx context.Context, sessionID, user, reply string, selfMotivated bool) {
	if r == nil {
		return
	}
	evt := protocol.TurnComplete{
		SessionID:     sessionID,
		User:          user,
		Reply:         reply,
		SelfMotivated: selfMotivated,
		Timestamp:     time.Now().UTC(),
	}
	r.publish(protocol.SubjectTurnComplete, evt)
	r.append(ctx, sessionID, user, eventstore.EventTurn, evt)
}

func (r *Recorder) publish(subject string, v any) {
	if err := r.bus.Publish(subject, v); err != nil {
		r.log.Warn("failed to publish event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

func (r *Recorder) append(ctx context.Context, sessionID, user, eventType string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := r.store.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		User:      user,
		Type:      eventType,
		Payload:   payload,
	}); err != nil {
		r.log.Warn("failed to append event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}
