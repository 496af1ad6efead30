package emotion

import (
	"context"

	"github.com/hoshilabs/hoshi-core/internal/llm"
)

// Neutral is the degraded fallback label used whenever classification fails.
const Neutral = "neutral"

// Labels is the closed set of avatar motion labels the renderer understands.
var Labels = []string{
	Neutral, "anger", "joy", "sadness", "shy", "shy2", "smile1", "smile2", "unhappy",
}

// Classifier maps a spoken segment to one motion label.
type Classifier interface {
	Classify(ctx context.Context, text string) (string, error)
}

type llmClassifier struct {
	generator llm.Generator
	model     string
}

// NewLLMClassifier drives the avatar motion from segment text using a
// schema-constrained completion.
func NewLLMClassifier(generator llm.Generator, model string) Classifier {
	return &llmClassifier{generator: generator, model: model}
}

const classifierPrompt = "You drive the motions of a virtual avatar. Given the " +
	"avatar's spoken line, pick the motion and expression that fits it. Vary " +
	"your choices; do not settle on one label."

func (c *llmClassifier) Classify(ctx context.Context, text string) (string, error) {
	req := llm.Request{
		Model: c.model,
		Messages: []llm.Message{
			{Role: "system", Content: classifierPrompt},
			{Role: "user", Content: text},
		},
	}
	label, err := c.generator.Complete(ctx, req, &llm.EnumSchema{Name: "motion_response", Values: Labels})
	if err != nil {
		return Neutral, err
	}
	if !validLabel(label) {
		return Neutral, nil
	}
	return label, nil
}

func validLabel(label string) bool {
	for _, l := range Labels {
		if l == label {
			return true
		}
	}
	return false
}

type mockClassifier struct{}

// NewMockClassifier always answers neutral.
func NewMockClassifier() Classifier { return &mockClassifier{} }

func (mockClassifier) Classify(ctx context.Context, text string) (string, error) {
	return Neutral, nil
}
