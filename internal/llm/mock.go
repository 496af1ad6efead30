package llm

import (
	"context"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator returns a generator that echoes canned output, for
// development without an upstream endpoint.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Stream(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return consumer(Chunk{Content: "[mock completion]"})
}

func (m *mockGenerator) Complete(ctx context.Context, req Request, schema *EnumSchema) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	if schema != nil && len(schema.Values) > 0 {
		return schema.Values[0], nil
	}
	return "[mock completion]", nil
}
