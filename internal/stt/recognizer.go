package stt

import "context"

// Recognizer abstracts speech-to-text backends.
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}
