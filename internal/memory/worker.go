package memory

import (
	"context"
	"sync"
	"time"

	"github.com/corvid0/almanac/internal/log"
)

// Extraction is background work: a failed or dropped job loses one
// candidate fact, never a user-visible answer.
const (
	defaultQueueSize = 64
	defaultWorkers   = 2
	jobTimeout       = 30 * time.Second
)

// ExtractWorker runs fact extraction off the request path. Jobs beyond
// the queue bound are dropped, so a slow model can never back-pressure
// the query coordinator.
type ExtractWorker struct {
	extractor Extractor
	store     *FactStore
	logger    log.Logger

	queue     chan []Turn
	workers   int
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu      sync.Mutex
	dropped int
}

// NewExtractWorker wires a worker pool; call Start to launch it.
// Non-positive workers or queueSize use the defaults.
func NewExtractWorker(extractor Extractor, store *FactStore, workers, queueSize int, logger log.Logger) *ExtractWorker {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &ExtractWorker{
		extractor: extractor,
		store:     store,
		logger:    logger,
		workers:   workers,
		queue:     make(chan []Turn, queueSize),
	}
}

// Start launches the workers. They stop when ctx is canceled or Close is
// called, whichever comes first.
func (w *ExtractWorker) Start(ctx context.Context) {
	w.wg.Add(w.workers)
	for range w.workers {
		go w.run(ctx)
	}
}

// Enqueue submits turns for extraction. Returns false when the queue is
// full and the job was dropped.
func (w *ExtractWorker) Enqueue(turns []Turn) bool {
	if len(turns) == 0 {
		return false
	}
	select {
	case w.queue <- turns:
		return true
	default:
		w.mu.Lock()
		w.dropped++
		n := w.dropped
		w.mu.Unlock()
		w.logger.Warn("extraction queue full, job dropped", "dropped_total", n)
		return false
	}
}

// Dropped reports how many jobs were dropped since start.
func (w *ExtractWorker) Dropped() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

// Close stops accepting jobs, drains the queue, and waits for the
// workers to finish.
func (w *ExtractWorker) Close() {
	w.closeOnce.Do(func() { close(w.queue) })
	w.wg.Wait()
}

func (w *ExtractWorker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case turns, ok := <-w.queue:
			if !ok {
				return
			}
			w.process(ctx, turns)
		}
	}
}

func (w *ExtractWorker) process(ctx context.Context, turns []Turn) {
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	cand, err := w.extractor.Extract(jobCtx, turns)
	if err != nil {
		w.logger.Warn("fact extraction failed", "error", err)
		return
	}
	if cand == nil {
		return
	}
	if _, err := w.store.Save(jobCtx, cand.Content, cand.Type, lastUserTurn(turns)); err != nil {
		w.logger.Warn("fact save failed", "error", err)
	}
}

func lastUserTurn(turns []Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == RoleUser {
			return turns[i].Content
		}
	}
	return ""
}
