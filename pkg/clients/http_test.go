package clients

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/stretchr/testify/require"
)

func fastRetry(name string, retries int) RetryConfig {
	return RetryConfig{Name: name, MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestExecutorRetriesServerErrorsThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.Equal(t, "payload", string(body))
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	exec := NewExecutor(srv.Client(), fastRetry("test-retry", 3))
	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("payload"))
	require.NoError(t, err)

	resp, err := exec.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestExecutorDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	exec := NewExecutor(srv.Client(), fastRetry("test-4xx", 3))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := exec.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestExecutorReturnsLastRetryableResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	exec := NewExecutor(srv.Client(), fastRetry("test-429", 1))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := exec.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestExecutorRejectsNonRewindableBody(t *testing.T) {
	exec := NewExecutor(nil, fastRetry("test-body", 2))
	req, _ := http.NewRequest(http.MethodPost, "http://example.invalid", io.NopCloser(strings.NewReader("x")))
	req.GetBody = nil
	_, err := exec.Do(context.Background(), req)
	require.Error(t, err)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		Name:             "test-breaker",
		FailureThreshold: 2,
		MinRequests:      2,
		Delay:            time.Hour,
		OnStateChange: func(_ string, _, to BreakerState) {
			transitions = append(transitions, to.String())
		},
	})
	require.Equal(t, StateClosed, b.State())

	for i := 0; i < 2; i++ {
		_ = b.Call(func() error { return errors.New("boom") })
	}
	require.True(t, b.IsOpen())
	require.Equal(t, []string{"open"}, transitions)

	called := false
	err := b.Call(func() error { called = true; return nil })
	require.ErrorIs(t, err, circuitbreaker.ErrOpen)
	require.False(t, called)
}

func TestShouldRetry(t *testing.T) {
	require.True(t, ShouldRetry(nil, errors.New("reset")))
	require.False(t, ShouldRetry(nil, context.Canceled))
	require.True(t, ShouldRetry(&http.Response{StatusCode: 503}, nil))
	require.True(t, ShouldRetry(&http.Response{StatusCode: 408}, nil))
	require.False(t, ShouldRetry(&http.Response{StatusCode: 400}, nil))
	require.False(t, ShouldRetry(&http.Response{StatusCode: 200}, nil))
}
