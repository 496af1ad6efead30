package tts

import (
	"context"
	"io"
)

// SynthRequest contains parameters to synthesize one spoken segment.
type SynthRequest struct {
	Text  string
	Voice string
}

// Synthesizer is the contract for producing a streamed PCM rendition of a
// segment. The returned stream is read to completion (or closed early on
// cancellation) by the playback queue.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (io.ReadCloser, error)
}
