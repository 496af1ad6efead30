package protocol

import (
	"encoding/json"
	"time"
)

// MessageType tags a websocket envelope frame.
type MessageType string

// Inbound client message types.
const (
	TypePing          MessageType = "ping"
	TypeStartSpeech   MessageType = "startSpeech"
	TypeEndSpeech     MessageType = "endSpeech"
	TypeAudioChunk    MessageType = "audioChunk"
	TypeVideoFrame    MessageType = "videoFrame"
	TypeVideoState    MessageType = "videoState"
	TypeLogin         MessageType = "LOGIN"
	TypeLogout        MessageType = "LOGOUT"
	TypeSelfMotivated MessageType = "selfMotivated"
)

// Outbound server message types.
const (
	TypePong       MessageType = "pong"
	TypeText       MessageType = "text"
	TypeAudio      MessageType = "audio"
	TypeAudioEnd   MessageType = "audioEnd"
	TypeResponse   MessageType = "response"
	TypeError      MessageType = "error"
	TypeLoading    MessageType = "loading"
	TypeEmotion    MessageType = "emotion"
	TypeSpeechText MessageType = "speechText"
)

// Envelope is the single-frame JSON message exchanged with the avatar client.
// Data is a plain string for every message type the client currently sends.
type Envelope struct {
	Type MessageType `json:"type"`
	Data string      `json:"data,omitempty"`
}

// Decode parses one websocket frame into an envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Encode serializes an envelope for a websocket frame.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Bus subjects for session event fan-out. External observers (renderers,
// recorders) subscribe to these; the relay never consumes them itself.
const (
	SubjectTranscript   = "hoshi.session.transcript"
	SubjectReply        = "hoshi.session.reply"
	SubjectEmotion      = "hoshi.session.emotion"
	SubjectTurnComplete = "hoshi.session.turn"
)

// Transcript is published after a recording window has been transcribed.
type Transcript struct {
	SessionID string    `json:"session_id"`
	User      string    `json:"user"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AssistantText is published for each text segment shown to the client.
type AssistantText struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// EmotionEvent is published for each classified spoken segment.
type EmotionEvent struct {
	SessionID string    `json:"session_id"`
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnComplete is published when a conversation turn has fully streamed.
type TurnComplete struct {
	SessionID     string    `json:"session_id"`
	User          string    `json:"user"`
	Reply         string    `json:"reply"`
	SelfMotivated bool      `json:"self_motivated"`
	Timestamp     time.Time `json:"timestamp"`
}
