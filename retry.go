package loom

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

// deadlineHeadroom is subtracted from the configured run timeout so that
// retries and the final provider read finish before any caller-side
// timeout fires.
const deadlineHeadroom = 5 * time.Second

// minReceiveTimeout is the floor for the receive timeout injected into
// provider config, so a call started near the deadline still gets a
// usable read window.
const minReceiveTimeout = 5 * time.Second

// streamGuard records whether any chunk has been delivered to the caller.
// The flag is set with a CAS before the caller's onChunk runs, so a retry
// decision in another goroutine always reads a truthful value.
type streamGuard struct {
	emitted atomic.Bool
}

// wrap returns an onChunk that marks emission before forwarding.
func (g *streamGuard) wrap(onChunk func(Chunk)) func(Chunk) {
	return func(c Chunk) {
		g.emitted.CompareAndSwap(false, true)
		if onChunk != nil {
			onChunk(c)
		}
	}
}

// completeWithRetry calls the provider with up to maxRetries+1 attempts,
// sleeping a full-jitter exponential backoff between transient failures:
// rand[0, 2·base) where base = retryBackoff · 2^(attempt−1). Sleeps that
// would overshoot the deadline abandon the retry sequence instead. A
// streaming call that has already emitted chunks is never retried —
// partial output is irrevocably visible to the caller.
func completeWithRetry(ctx context.Context, cfg *Config, req Request, deadline time.Time, streaming bool, onChunk func(Chunk), logger *slog.Logger) (Response, error) {
	var lastErr error
	maxAttempts := cfg.MaxRetries + 1
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		guard := &streamGuard{}
		var resp Response
		var err error
		if streaming {
			sp, ok := cfg.Provider.(StreamingProvider)
			if ok {
				resp, err = sp.Stream(ctx, req, guard.wrap(onChunk))
			} else {
				// Provider has no streaming entry point; fall back to a
				// blocking call and deliver the final text as one chunk.
				resp, err = cfg.Provider.Complete(ctx, req)
				if err == nil && onChunk != nil {
					for _, m := range resp.Messages {
						if t := m.Text(); t != "" {
							onChunk(Chunk{Text: t})
						}
					}
				}
			}
		} else {
			resp, err = cfg.Provider.Complete(ctx, req)
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == maxAttempts || !retryable(err) {
			break
		}
		if streaming && guard.emitted.Load() {
			logger.Warn("stream already emitted chunks, not retrying",
				"provider", cfg.Provider.Name(), "attempt", attempt, "error", err)
			break
		}
		base := cfg.RetryBackoff << (attempt - 1)
		var sleep time.Duration
		if base > 0 {
			sleep = rand.N(2 * base)
		}
		if time.Now().Add(sleep).After(deadline) {
			logger.Warn("retry would exceed deadline, giving up",
				"provider", cfg.Provider.Name(), "attempt", attempt, "error", err)
			break
		}
		logger.Warn("retrying transient provider error",
			"provider", cfg.Provider.Name(),
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"sleep", sleep,
			"error", err)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Response{}, ctx.Err()
		case <-timer.C:
		}
	}
	return Response{}, lastErr
}
