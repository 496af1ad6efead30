package stt

import "context"

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns a recognizer producing a fixed transcript.
func NewMockRecognizer(text string) Recognizer {
	if text == "" {
		text = "[mock transcript]"
	}
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(audio) == 0 {
		return "", nil
	}
	return m.text, nil
}
