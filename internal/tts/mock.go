package tts

import (
	"bytes"
	"context"
	"io"
	"time"
)

type mockSynth struct {
	pcm []byte
}

// NewMockSynth returns a synthesizer that emits a fixed PCM payload.
func NewMockSynth(pcm []byte) Synthesizer {
	return &mockSynth{pcm: pcm}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return io.NopCloser(bytes.NewReader(m.pcm)), nil
}
