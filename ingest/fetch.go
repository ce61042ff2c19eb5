package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Fetcher downloads remote image sources with a per-attempt timeout, bounded
// retries with exponential backoff, and a shared politeness rate limit.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	retries int
	backoff time.Duration
	maxSize int64
	logger  *zap.Logger
}

// FetcherOptions configures a Fetcher.
type FetcherOptions struct {
	// Timeout bounds each individual attempt.
	Timeout time.Duration
	// Retries is the number of additional attempts after the first.
	Retries int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
	// RequestsPerSecond throttles outbound fetches. Zero disables the limit.
	RequestsPerSecond float64
	// MaxSize caps the accepted response body in bytes.
	MaxSize int64
	Logger  *zap.Logger
}

// NewFetcher creates a Fetcher.
func NewFetcher(optFns ...func(o *FetcherOptions)) *Fetcher {
	opts := FetcherOptions{
		Timeout: 10 * time.Second,
		Retries: 2,
		Backoff: 500 * time.Millisecond,
		MaxSize: 32 << 20, // 32MB
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &Fetcher{
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
		retries: opts.Retries,
		backoff: opts.Backoff,
		maxSize: opts.MaxSize,
		logger:  opts.Logger,
	}
}

// Fetch downloads url. Exhausting all attempts returns ErrFetchExhausted.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	backoff := f.backoff

	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		data, err := f.fetchOnce(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err

		f.logger.Debug("image fetch attempt failed",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return nil, fmt.Errorf("%w: %s: %v", ErrFetchExhausted, url, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize))
	if err != nil {
		return nil, err
	}
	return data, nil
}
