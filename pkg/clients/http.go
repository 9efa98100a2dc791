package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// ShouldRetry retries transport errors, 408, 429 and 5xx.
func ShouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if resp == nil {
		return true
	}
	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// RetryConfig configures an HTTP executor.
type RetryConfig struct {
	// Name labels attempts in metrics.
	Name       string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Breaker is consulted before every attempt when set.
	Breaker *Breaker

	ShouldRetry func(resp *http.Response, err error) bool
}

func DefaultRetryConfig(name string) RetryConfig {
	return RetryConfig{
		Name:        name,
		MaxRetries:  3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		ShouldRetry: ShouldRetry,
	}
}

func normalizeRetryConfig(cfg RetryConfig) RetryConfig {
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = ShouldRetry
	}
	return cfg
}

// NewRetryPolicy builds the failsafe retry policy for cfg.
//
//nolint:bodyclose // *http.Response is a type parameter here
func NewRetryPolicy(cfg RetryConfig) retrypolicy.RetryPolicy[*http.Response] {
	cfg = normalizeRetryConfig(cfg)
	return retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(cfg.ShouldRetry).
		ReturnLastFailure().
		Build()
}

// Executor sends requests with retries and an optional breaker.
type Executor struct {
	client  *http.Client
	cfg     RetryConfig
	retry   retrypolicy.RetryPolicy[*http.Response]
	breaker *Breaker
}

func NewExecutor(client *http.Client, cfg RetryConfig) *Executor {
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	cfg = normalizeRetryConfig(cfg)
	return &Executor{client: client, cfg: cfg, retry: NewRetryPolicy(cfg), breaker: cfg.Breaker}
}

// NewHTTPClient returns a client on DefaultTransport.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: DefaultTransport()}
}

// Client exposes the underlying client for callers that need its transport.
func (e *Executor) Client() *http.Client { return e.client }

// Do sends req, rewinding its body between attempts. The caller owns the
// returned body. A final retryable status is returned as a response, not an error.
//
//nolint:bodyclose // intermediate bodies are closed before retrying
func (e *Executor) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.GetBody == nil && e.cfg.MaxRetries > 0 {
		return nil, fmt.Errorf("request body for %s is not rewindable", req.URL)
	}
	attempt := 0
	run := func() (*http.Response, error) {
		attempt++
		r := req.Clone(ctx)
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			r.Body = body
		}
		resp, err := e.client.Do(r)
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case e.cfg.ShouldRetry(resp, nil):
			outcome = "retryable_" + strconv.Itoa(resp.StatusCode)
		}
		httpAttempts.WithLabelValues(e.cfg.Name, outcome).Inc()
		if err == nil && e.cfg.ShouldRetry(resp, nil) && attempt <= e.cfg.MaxRetries {
			// the policy is about to retry; release this body now
			_ = resp.Body.Close()
		}
		return resp, err
	}

	if e.breaker != nil {
		var resp *http.Response
		err := e.breaker.Call(func() error {
			var inner error
			resp, inner = failsafe.With(e.retry).WithContext(ctx).Get(run)
			if inner == nil && resp != nil && resp.StatusCode >= 500 {
				return serverError{status: resp.StatusCode, resp: resp}
			}
			return inner
		})
		var se serverError
		if errors.As(err, &se) {
			return se.resp, nil
		}
		return resp, err
	}
	return failsafe.With(e.retry).WithContext(ctx).Get(run)
}

// serverError lets a 5xx count against the breaker while still reaching the caller.
type serverError struct {
	status int
	resp   *http.Response
}

func (e serverError) Error() string { return "server error " + strconv.Itoa(e.status) }
