package scene

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// Fetcher retrieves the raw bytes at a URL
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ImageFetcher is the Fetcher used for CDN and attachment images.
// Each attempt is bounded by a timeout, requests are rate limited across
// the whole process, and transient failures (network errors, HTTP 429
// and 5xx) are retried.
type ImageFetcher struct {
	client     *http.Client
	limiter    *rate.Limiter
	attempts   uint
	retryDelay time.Duration
	timeout    time.Duration
	maxBytes   int64
	logger     *slog.Logger
}

// NewImageFetcher returns an ImageFetcher configured from config. If
// client is nil, http.DefaultClient is used.
func NewImageFetcher(
	config *ImageConfig,
	client *http.Client,
	logger *slog.Logger,
) *ImageFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &ImageFetcher{
		client:     client,
		attempts:   config.FetchAttempts,
		retryDelay: config.FetchRetryDelay,
		timeout:    config.FetchTimeout,
		maxBytes:   config.MaxFetchBytes,
		logger:     logger.With(loggerNameKey, "fetcher"),
	}
	if f.attempts == 0 {
		f.attempts = 1
	}
	if config.FetchRequestsPerSecond > 0 {
		burst := int(config.FetchRequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(config.FetchRequestsPerSecond), burst)
	}
	return f
}

// Fetch returns the body of a GET request to url. Errors wrap
// ErrFetchFailed, or ErrInputTooLarge if the body exceeds the configured
// limit.
func (f *ImageFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := retry.Do(
		func() error {
			body, err := f.fetchOnce(ctx, url)
			if err != nil {
				return err
			}
			data = body
			return nil
		},
		retry.Attempts(f.attempts),
		retry.Delay(f.retryDelay),
		retry.MaxJitter(f.retryDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(
			func(n uint, err error) {
				f.logger.WarnContext(
					ctx,
					"retrying fetch",
					"url", url,
					"attempt", n+1,
					tint.Err(err),
				)
			},
		),
	)
	if err != nil {
		if errors.Is(err, ErrInputTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	f.logger.DebugContext(ctx, "fetched", "url", url, "size", len(data))
	return data, nil
}

func (f *ImageFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, retry.Unrecoverable(err)
		}
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, retry.Unrecoverable(
			fmt.Errorf("unexpected status: %s", resp.Status),
		)
	}

	if f.maxBytes > 0 && resp.ContentLength > f.maxBytes {
		return nil, retry.Unrecoverable(
			fmt.Errorf(
				"%w: content length %d exceeds %d bytes",
				ErrInputTooLarge,
				resp.ContentLength,
				f.maxBytes,
			),
		)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, retry.Unrecoverable(
			fmt.Errorf("%w: body exceeds %d bytes", ErrInputTooLarge, f.maxBytes),
		)
	}
	return data, nil
}
