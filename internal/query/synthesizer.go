package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/corvid0/almanac/internal/log"
)

const synthesisSystem = `You answer questions from the user's personal notes.
Ground every claim in the provided context. When you use a passage, cite it inline as [title](url).
Known facts about the user override anything the notes imply.
If the context does not answer the question, say so plainly instead of guessing.`

// GenkitSynthesizer implements Synthesizer with a generation model
// call.
type GenkitSynthesizer struct {
	g      *genkit.Genkit
	model  string
	logger log.Logger
}

// NewGenkitSynthesizer wires a synthesizer against the named model.
func NewGenkitSynthesizer(g *genkit.Genkit, model string, logger log.Logger) *GenkitSynthesizer {
	if logger == nil {
		logger = log.NewNop()
	}
	return &GenkitSynthesizer{g: g, model: model, logger: logger}
}

func (s *GenkitSynthesizer) Synthesize(ctx context.Context, req Request) (string, error) {
	resp, err := genkit.Generate(ctx, s.g,
		ai.WithModelName(s.model),
		ai.WithSystem(synthesisSystem),
		ai.WithPrompt(renderPrompt(req)),
	)
	if err != nil {
		return "", fmt.Errorf("generate answer: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("generate answer: empty response")
	}
	return text, nil
}

func renderPrompt(req Request) string {
	var b strings.Builder

	if len(req.Facts) > 0 {
		b.WriteString("Known facts about the user:\n")
		for _, f := range req.Facts {
			fmt.Fprintf(&b, "- (%s) %s\n", f.Type, f.Content)
		}
		b.WriteString("\n")
	}

	if len(req.Passages) > 0 {
		b.WriteString("Passages from the user's notes:\n")
		for i, p := range req.Passages {
			fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, p.Citation.Title, p.Citation.URL, p.Content)
		}
	}

	if len(req.Turns) > 1 {
		b.WriteString("Conversation so far:\n")
		for _, t := range req.Turns[:len(req.Turns)-1] {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Question: %s\n", req.Question)
	return b.String()
}
