package ai

import (
	"context"
	"fmt"
	"strings"
)

const contextSeparator = "\n\n---\n\n"

// DefaultAnswerInstructions lead every document question prompt.
const DefaultAnswerInstructions = `You are a helpful assistant answering questions about the user's documents.
Answer primarily using the DOCUMENT EXCERPTS below.
If the excerpts do not fully answer the question, clearly indicate which part is based on general knowledge.
Respond in a clean, structured format.`

// AnswerWriter turns a question and ranked excerpts into a prompt for a
// TextGenerator. Instructions go into the user prompt because some hosted
// models (Gemma) reject system instructions; SystemPrompt is sent only when set.
type AnswerWriter struct {
	generator    TextGenerator
	instructions string
	systemPrompt string
}

// AnswerWriterOption customizes an AnswerWriter.
type AnswerWriterOption func(*AnswerWriter)

// WithInstructions replaces DefaultAnswerInstructions.
func WithInstructions(instructions string) AnswerWriterOption {
	return func(w *AnswerWriter) {
		if strings.TrimSpace(instructions) != "" {
			w.instructions = strings.TrimSpace(instructions)
		}
	}
}

// WithSystemPrompt sends a system prompt alongside the user prompt.
func WithSystemPrompt(prompt string) AnswerWriterOption {
	return func(w *AnswerWriter) {
		w.systemPrompt = strings.TrimSpace(prompt)
	}
}

// NewAnswerWriter wraps generator.
func NewAnswerWriter(generator TextGenerator, opts ...AnswerWriterOption) *AnswerWriter {
	w := &AnswerWriter{generator: generator, instructions: DefaultAnswerInstructions}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// GenerateAnswer returns the generator's answer verbatim.
func (w *AnswerWriter) GenerateAnswer(ctx context.Context, question string, contexts []string) (string, error) {
	if w.generator == nil {
		return "", fmt.Errorf("answer writer has no generator")
	}
	answer, err := w.generator.GenerateText(ctx, w.systemPrompt, BuildAnswerPrompt(w.instructions, question, contexts))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(answer) == "" {
		return "", fmt.Errorf("empty answer from generator")
	}
	return answer, nil
}

// BuildAnswerPrompt renders excerpts as "Chunk N:" blocks separated by "---".
func BuildAnswerPrompt(instructions, question string, contexts []string) string {
	blocks := make([]string, 0, len(contexts))
	for i, text := range contexts {
		blocks = append(blocks, fmt.Sprintf("Chunk %d:\n%s", i+1, text))
	}
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instructions))
	b.WriteString("\n\nDOCUMENT EXCERPTS:\n")
	b.WriteString(strings.Join(blocks, contextSeparator))
	b.WriteString("\n\nQUESTION:\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\nAnswer in a short, clear explanation.")
	return b.String()
}
