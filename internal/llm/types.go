package llm

import "context"

// Message is one chat turn sent to the completion endpoint. Images carries
// base64-encoded JPEG frames forwarded verbatim as vision parts.
type Message struct {
	Role    string
	Content string
	Images  []string
}

// Request describes a chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	Content string
}

// EnumSchema constrains a completion to a single enum-valued "result" field
// via a strict JSON schema response format.
type EnumSchema struct {
	Name   string
	Values []string
}

// Generator defines a pluggable chat completion backend.
type Generator interface {
	// Stream issues a streaming completion and feeds content deltas to the
	// consumer in arrival order. A consumer error aborts the upstream call.
	Stream(ctx context.Context, req Request, consumer func(Chunk) error) error

	// Complete issues a non-streaming completion. When schema is non-nil the
	// model output is constrained to {"result": <enum>} and the enum value is
	// returned.
	Complete(ctx context.Context, req Request, schema *EnumSchema) (string, error)
}
