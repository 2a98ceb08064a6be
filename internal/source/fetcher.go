package source

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/corvid0/almanac/internal/log"
)

// FetcherConfig tunes pacing and retry behavior.
type FetcherConfig struct {
	// RequestsPerSecond is the token bucket refill rate. Set it to the
	// provider's documented average ceiling.
	RequestsPerSecond float64

	// Burst is the bucket depth (and the concurrent-request ceiling).
	Burst int

	// MaxAttempts bounds retries per call; the first try counts.
	MaxAttempts int

	// InitialBackoff and MaxBackoff bound the exponential delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// CallTimeout applies to each individual attempt.
	CallTimeout time.Duration
}

// DefaultFetcherConfig matches the provider's published 3 req/s limit.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		RequestsPerSecond: 3,
		Burst:             3,
		MaxAttempts:       4,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        15 * time.Second,
		CallTimeout:       30 * time.Second,
	}
}

// Fetcher wraps an API with a shared token bucket and bounded
// backoff-with-jitter retries. Every outbound call in the process,
// periodic or on-demand, draws from the same bucket, which makes it the
// single serialization point toward the provider.
//
// Fetcher is safe for concurrent use.
type Fetcher struct {
	api     API
	limiter *rate.Limiter
	cfg     FetcherConfig
	logger  log.Logger
}

// NewFetcher wraps api. A nil logger falls back to a discard logger.
func NewFetcher(api API, cfg FetcherConfig, logger log.Logger) *Fetcher {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultFetcherConfig().RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultFetcherConfig().MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultFetcherConfig().InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = DefaultFetcherConfig().MaxBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultFetcherConfig().CallTimeout
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &Fetcher{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}
}

// Fetch retrieves one full item through the pacing and retry policy.
func (f *Fetcher) Fetch(ctx context.Context, id string) (*Item, error) {
	var item *Item
	err := f.do(ctx, "fetch "+id, func(callCtx context.Context) error {
		var ferr error
		item, ferr = f.api.Fetch(callCtx, id)
		return ferr
	})
	return item, err
}

// ChangedSince drains the changed-items feed, following pagination.
func (f *Fetcher) ChangedSince(ctx context.Context, since time.Time) ([]Summary, error) {
	return f.drain(ctx, func(callCtx context.Context, cursor string) (*ChangePage, error) {
		return f.api.ListChanged(callCtx, since, cursor)
	})
}

// AllItems drains the provider's full current id set.
func (f *Fetcher) AllItems(ctx context.Context) ([]Summary, error) {
	return f.drain(ctx, func(callCtx context.Context, cursor string) (*ChangePage, error) {
		return f.api.ListAll(callCtx, cursor)
	})
}

func (f *Fetcher) drain(ctx context.Context, list func(context.Context, string) (*ChangePage, error)) ([]Summary, error) {
	var all []Summary
	cursor := ""

	for {
		var page *ChangePage
		err := f.do(ctx, "list", func(callCtx context.Context) error {
			var lerr error
			page, lerr = list(callCtx, cursor)
			return lerr
		})
		if err != nil {
			return nil, err
		}

		all = append(all, page.Items...)
		if !page.HasMore {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// do runs one logical call: wait for a token, attempt with a per-call
// timeout, and back off with jitter on retryable failures. Exhausting the
// budget surfaces ErrRateLimitExceeded; non-retryable errors pass through
// on the first occurrence.
func (f *Fetcher) do(ctx context.Context, op string, call func(context.Context) error) error {
	var lastErr error
	delay := f.cfg.InitialBackoff

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, f.cfg.CallTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == f.cfg.MaxAttempts {
			break
		}

		wait := delay + jitter(delay)
		f.logger.Debug("retrying provider call",
			"op", op,
			"attempt", attempt,
			"delay", wait,
			"error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("canceled during retry: %w", ctx.Err())
		case <-time.After(wait):
			delay = min(delay*2, f.cfg.MaxBackoff)
		}
	}

	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRateLimitExceeded, f.cfg.MaxAttempts, lastErr)
}

// jitter returns a random delay in [0, d/2) to spread synchronized
// retries across callers.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d / 2)))
}
