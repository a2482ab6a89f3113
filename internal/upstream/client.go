// Package upstream is the shared HTTP plumbing for backend services.
//
// Each backend gets its own Client with a circuit breaker so that a dead
// tiling service does not stall bundle loading. Failures are never retried
// here; callers decide what a failure means.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/metrics"
)

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Service string
	URL     string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s returned %d", e.Service, e.URL, e.Status)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == code
}

// Client performs requests against one backend service.
type Client struct {
	service string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker[*http.Response]

	// answered5xxHealthy keeps 5xx answers out of the breaker's failure count.
	answered5xxHealthy bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithAnsweredErrorsHealthy counts any HTTP answer, 5xx included, as a
// breaker success. Only transport failures trip the breaker. Use it for
// relays that pass the upstream status through to their own callers.
func WithAnsweredErrorsHealthy() Option {
	return func(c *Client) { c.answered5xxHealthy = true }
}

// New creates a client for the named service. timeout bounds each request;
// zero means no client-level timeout (streaming callers).
func New(service string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		service: service,
		http:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	name := service + "-api"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	c.cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerStateValue(to.String()))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		IsSuccessful: func(err error) bool {
			// 4xx answers mean the service is alive.
			var se *StatusError
			if errors.As(err, &se) {
				return se.Status < 500 || c.answered5xxHealthy
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c
}

// Service returns the service label.
func (c *Client) Service() string { return c.service }

// Do sends req through the breaker. The response is returned whatever its
// status; 5xx answers still count as breaker failures.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	op := req.URL.Path
	start := time.Now()
	resp, err := c.cb.Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, &StatusError{Service: c.service, URL: req.URL.String(), Status: resp.StatusCode}
		}
		return resp, nil
	})
	metrics.UpstreamDuration.WithLabelValues(c.service, op).Observe(time.Since(start).Seconds())

	var se *StatusError
	if errors.As(err, &se) && resp != nil {
		// Let the caller read the body of a 5xx answer.
		return resp, nil
	}
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(c.service, op).Inc()
		return nil, fmt.Errorf("%s: %w", c.service, err)
	}
	return resp, nil
}

// Get issues a GET and fails on any non-2xx status.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.service, err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		metrics.UpstreamErrors.WithLabelValues(c.service, req.URL.Path).Inc()
		return nil, &StatusError{Service: c.service, URL: url, Status: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// GetJSON fetches url and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, url string, v any) error {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: decode %s: %w", c.service, url, err)
	}
	return nil
}

// GetBytes fetches url and returns the body and its content type.
func (c *Client) GetBytes(ctx context.Context, url string) ([]byte, string, error) {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%s: read %s: %w", c.service, url, err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}
