package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type httpSynth struct {
	endpoint string
	apiKey   string
	latency  string
	client   *http.Client
}

// NewHTTPSynth streams PCM from a fish.audio-style TTS endpoint. The response
// body is returned unread so playback can chunk it as bytes arrive.
func NewHTTPSynth(endpoint, apiKey, latency string) Synthesizer {
	if latency == "" {
		latency = "balanced"
	}
	return &httpSynth{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		apiKey:   apiKey,
		latency:  latency,
		client:   http.DefaultClient,
	}
}

type synthPayload struct {
	Text        string `json:"text"`
	ReferenceID string `json:"reference_id"`
	Latency     string `json:"latency"`
	Format      string `json:"format"`
	ChunkLength int    `json:"chunk_length"`
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) (io.ReadCloser, error) {
	payload := synthPayload{
		Text:        req.Text,
		ReferenceID: req.Voice,
		Latency:     h.latency,
		Format:      "pcm",
		ChunkLength: 1024,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/v1/tts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}
	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("tts endpoint returned status %s", resp.Status)
	}
	return resp.Body, nil
}
