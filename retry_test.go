package loom

import (
	"context"
	"testing"
	"time"
)

func retryConfig(p Provider, retries int, backoff time.Duration) *Config {
	return NewConfig(
		WithProvider(p, nil),
		WithMaxRetries(retries),
		WithRetryBackoff(backoff),
	)
}

func TestCompleteWithRetryEventualSuccess(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{
		{err: &ProviderError{Status: 429}},
		{err: &ProviderError{Status: 503}},
		{resp: textResponse("third time lucky")},
	}}
	cfg := retryConfig(p, 3, time.Millisecond)

	resp, err := completeWithRetry(context.Background(), cfg, Request{},
		time.Now().Add(time.Minute), false, nil, cfg.Logger)
	if err != nil {
		t.Fatalf("completeWithRetry: %v", err)
	}
	if resp.Messages[0].Text() != "third time lucky" {
		t.Errorf("resp = %+v", resp)
	}
	if p.callCount() != 3 {
		t.Errorf("calls = %d, want 3", p.callCount())
	}
}

func TestCompleteWithRetryStopsAtDeadline(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{
		{err: &ProviderError{Status: 503}},
		{resp: textResponse("never reached")},
	}}
	// Backoff far beyond the deadline: the sleep would overshoot, so the
	// sequence is abandoned after the first failure.
	cfg := retryConfig(p, 3, time.Hour)

	_, err := completeWithRetry(context.Background(), cfg, Request{},
		time.Now().Add(50*time.Millisecond), false, nil, cfg.Logger)
	if err == nil {
		t.Fatal("expected error")
	}
	if p.callCount() != 1 {
		t.Errorf("calls = %d, want 1", p.callCount())
	}
}

func TestCompleteWithRetryContextCancelDuringSleep(t *testing.T) {
	p := &scriptedProvider{script: []scriptStep{
		{err: &ProviderError{Status: 503}},
		{resp: textResponse("never")},
	}}
	cfg := retryConfig(p, 3, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := completeWithRetry(ctx, cfg, Request{},
		time.Now().Add(time.Hour), false, nil, cfg.Logger)
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not interrupt the backoff sleep")
	}
}

func TestStreamGuardMarksBeforeForwarding(t *testing.T) {
	g := &streamGuard{}
	var sawEmitted bool
	onChunk := g.wrap(func(Chunk) {
		sawEmitted = g.emitted.Load()
	})
	onChunk(Chunk{Text: "x"})
	if !sawEmitted {
		t.Error("emitted flag not set before onChunk ran")
	}
}

func TestStreamGuardNilCallback(t *testing.T) {
	g := &streamGuard{}
	g.wrap(nil)(Chunk{Text: "x"}) // must not panic
	if !g.emitted.Load() {
		t.Error("emitted not recorded with nil callback")
	}
}
