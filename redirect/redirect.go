package redirect

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrNoLocation is returned when a URL answers without a Location header.
var ErrNoLocation = errors.New("response has no location")

type Options struct {
	// InsecureSkipVerify disables certificate checks against the redirector.
	InsecureSkipVerify bool
	Timeout            time.Duration
	UserAgent          string
}

// Resolver performs single-hop redirect lookups.
type Resolver struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Resolver {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}

	return &Resolver{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgent: opts.UserAgent,
		logger:    logger,
	}
}

// Resolve issues one GET for url and returns its Location header without
// following it.
func (r *Resolver) Resolve(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("%w: %s answered %d", ErrNoLocation, url, resp.StatusCode)
	}

	if r.logger != nil {
		r.logger.Info("redirect resolved", "url", url, "location", location)
	}
	return location, nil
}
