// Package channel provides Channel implementations for the guard's exclusivity probe.
package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	leaseguard "go-leaseguard"

	"golang.org/x/time/rate"
)

// HTTPChannel probes a consumer endpoint over HTTP. The endpoint answers
// 409 Conflict while another consumer is attached and 2xx when it is free.
type HTTPChannel struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ leaseguard.Channel = (*HTTPChannel)(nil)

type options struct {
	client    *http.Client
	rateLimit float64
	rateBurst int
	logger    *slog.Logger
}

// Option configures an HTTPChannel.
type Option func(*options)

// WithHTTPClient sets the client used for probes.
// DEFAULT: a client with a 15 second timeout
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.client = client
		}
	}
}

// WithRateLimit caps sustained probes per second. Zero disables the limit.
// DEFAULT: 1 probe per second with a burst of 1
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		o.rateLimit = perSecond
		o.rateBurst = burst
	}
}

// WithLogger sets the logger for the channel.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewHTTPChannel creates a channel probing url.
func NewHTTPChannel(url string, opts ...Option) *HTTPChannel {
	var o = options{
		client:    &http.Client{Timeout: 15 * time.Second},
		rateLimit: 1,
		rateBurst: 1,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	var c = &HTTPChannel{
		url:    url,
		client: o.client,
		logger: o.logger,
	}

	if o.rateLimit > 0 {
		var burst = o.rateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(o.rateLimit), burst)
	}

	return c
}

// Probe returns nil when the endpoint reports no consumer, an error wrapping
// leaseguard.ErrChannelConflict on 409, and any other failure as is.
func (c *HTTPChannel) Probe(ctx context.Context) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("failed to wait for probe slot: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to probe channel: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", leaseguard.ErrChannelConflict, c.url)
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.logger.Debug("channel probe succeeded", "url", c.url)
		return nil
	default:
		return fmt.Errorf("unexpected probe status %d from %s", resp.StatusCode, c.url)
	}
}
