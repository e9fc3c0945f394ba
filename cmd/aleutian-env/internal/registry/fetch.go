// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// DefaultCallTimeout bounds every upstream call.
const DefaultCallTimeout = 8 * time.Second

// maxBodyBytes caps a single response body. PyPI metadata for large
// projects runs to a few MiB.
const maxBodyBytes = 32 << 20

// Options configures an upstream client.
type Options struct {
	BaseURL string

	// CallTimeout bounds each request. Zero uses DefaultCallTimeout.
	CallTimeout time.Duration

	// RateLimit is the sustained request rate per second. Zero disables
	// limiting.
	RateLimit float64
	Burst     int

	HTTPClient *http.Client
	Cache      *Cache
	Logger     *slog.Logger
	UserAgent  string
}

// fetcher performs rate-limited, breaker-protected GETs.
type fetcher struct {
	source  string
	opts    Options
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter
}

func newFetcher(source string, opts Options) *fetcher {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "aleutian-env"
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	logger := opts.Logger.With("source", source)

	f := &fetcher{source: source, opts: opts}
	if opts.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst)
	}
	breakerState.WithLabelValues(source).Set(0)
	f.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        source,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
			breakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return f
}

// get returns the body of url, consulting the per-pass cache first.
func (f *fetcher) get(ctx context.Context, url string) ([]byte, error) {
	key := f.source + " " + url
	if body, ok := f.opts.Cache.get(key); ok {
		requestsTotal.WithLabelValues(f.source, "cached").Inc()
		return body, nil
	}

	body, err := f.breaker.Execute(func() ([]byte, error) {
		return f.do(ctx, url)
	})
	switch {
	case err == nil:
		requestsTotal.WithLabelValues(f.source, "ok").Inc()
		f.opts.Cache.put(key, body)
		return body, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		requestsTotal.WithLabelValues(f.source, "rejected").Inc()
		return nil, fmt.Errorf("%s: %w: %v", f.source, ErrUnavailable, err)
	case errors.Is(err, ErrNotFound):
		requestsTotal.WithLabelValues(f.source, "not_found").Inc()
		return nil, err
	default:
		requestsTotal.WithLabelValues(f.source, "error").Inc()
		return nil, err
	}
}

func (f *fetcher) do(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.CallTimeout)
	defer cancel()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w: rate limit wait: %v", f.source, ErrUnavailable, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", f.source, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", f.source, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s %s: %w", f.source, url, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: %w: HTTP %d", f.source, ErrUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: read body: %v", f.source, ErrUnavailable, err)
	}
	return body, nil
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}
