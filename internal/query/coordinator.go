// Package query answers user questions: it gathers retrieval passages
// and recalled facts in parallel, synthesizes a grounded answer, and
// hands the exchange to background fact extraction.
package query

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/corvid0/almanac/internal/index"
	"github.com/corvid0/almanac/internal/log"
	"github.com/corvid0/almanac/internal/memory"
	"github.com/corvid0/almanac/internal/retrieval"
)

// Retriever searches the document partition.
type Retriever interface {
	Search(ctx context.Context, query string, opts ...index.SearchOption) ([]retrieval.Passage, error)
}

// Recaller searches the fact store.
type Recaller interface {
	Recall(ctx context.Context, query string, topK int) ([]memory.Fact, error)
}

// Request is everything the synthesizer needs to produce an answer.
type Request struct {
	Question string
	Passages []retrieval.Passage
	Facts    []memory.Fact
	Turns    []memory.Turn
}

// Synthesizer produces the final answer text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) (string, error)
}

// Answer is the coordinator's result with the evidence behind it.
type Answer struct {
	Text     string
	Passages []retrieval.Passage
	Facts    []memory.Fact
}

// Config tunes the coordinator.
type Config struct {
	// FactTopK facts recalled per question.
	FactTopK int

	// ContextTokenBudget caps what gets packed into the synthesis
	// context. Facts pack first; passages fill the remainder.
	ContextTokenBudget int
}

// DefaultConfig returns the production coordinator parameters.
func DefaultConfig() Config {
	return Config{FactTopK: 5, ContextTokenBudget: 2000}
}

const approxCharsPerToken = 4

// Enqueuer accepts background extraction jobs. ExtractWorker satisfies
// it.
type Enqueuer interface {
	Enqueue(turns []memory.Turn) bool
}

// Coordinator owns the per-question pipeline. Safe for concurrent use.
type Coordinator struct {
	retriever   Retriever
	recaller    Recaller
	synthesizer Synthesizer
	turns       *memory.TurnBuffer
	extract     Enqueuer
	cfg         Config
	logger      log.Logger
}

// New wires a coordinator. The extract worker may be nil to disable
// background fact extraction; a nil logger falls back to a discard
// logger.
func New(retriever Retriever, recaller Recaller, synthesizer Synthesizer,
	turns *memory.TurnBuffer, extract Enqueuer, cfg Config, logger log.Logger) *Coordinator {
	def := DefaultConfig()
	if cfg.FactTopK <= 0 {
		cfg.FactTopK = def.FactTopK
	}
	if cfg.ContextTokenBudget <= 0 {
		cfg.ContextTokenBudget = def.ContextTokenBudget
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Coordinator{
		retriever:   retriever,
		recaller:    recaller,
		synthesizer: synthesizer,
		turns:       turns,
		extract:     extract,
		cfg:         cfg,
		logger:      logger,
	}
}

// Ask answers one question in a session. Retrieval and recall failures
// degrade to an answer from the surviving evidence; only synthesis
// failure is fatal.
func (c *Coordinator) Ask(ctx context.Context, session, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("ask: empty question")
	}

	c.turns.Append(session, memory.RoleUser, question)

	var (
		wg       sync.WaitGroup
		passages []retrieval.Passage
		facts    []memory.Fact
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		var err error
		passages, err = c.retriever.Search(ctx, question)
		if err != nil {
			c.logger.Warn("retrieval degraded", "error", err)
			passages = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		facts, err = c.recaller.Recall(ctx, question, c.cfg.FactTopK)
		if err != nil {
			c.logger.Warn("fact recall degraded", "error", err)
			facts = nil
		}
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	facts, passages = c.pack(facts, passages)

	text, err := c.synthesizer.Synthesize(ctx, Request{
		Question: question,
		Passages: passages,
		Facts:    facts,
		Turns:    c.turns.Recent(session),
	})
	if err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}

	c.turns.Append(session, memory.RoleAssistant, text)

	if c.extract != nil {
		c.extract.Enqueue(c.turns.Recent(session))
	}

	return &Answer{Text: text, Passages: passages, Facts: facts}, nil
}

// pack keeps evidence within the context budget. Facts go first: they
// are short and correct stale document content; passages fill whatever
// budget remains.
func (c *Coordinator) pack(facts []memory.Fact, passages []retrieval.Passage) ([]memory.Fact, []retrieval.Passage) {
	budget := c.cfg.ContextTokenBudget * approxCharsPerToken

	keptFacts := facts[:0]
	for _, f := range facts {
		if len(f.Content) > budget {
			break
		}
		budget -= len(f.Content)
		keptFacts = append(keptFacts, f)
	}

	keptPassages := passages[:0]
	for _, p := range passages {
		if len(p.Content) > budget {
			break
		}
		budget -= len(p.Content)
		keptPassages = append(keptPassages, p)
	}
	return keptFacts, keptPassages
}
