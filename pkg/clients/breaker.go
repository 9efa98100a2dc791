package clients

import (
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"curator/pkg/logging"
)

// BreakerState mirrors the failsafe breaker states with stable metric values.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// Name labels the breaker in logs and metrics.
	Name string

	// Delay is how long the breaker stays open before probing. Default 30s.
	Delay time.Duration

	// FailureThreshold failures within MinRequests executions trip the breaker.
	FailureThreshold uint
	MinRequests      uint

	// SuccessThreshold probes must succeed in half-open before closing.
	SuccessThreshold uint

	Logger        logging.Logger
	OnStateChange func(name string, from, to BreakerState)
}

// DefaultBreakerConfig suits a low-volume platform API: a handful of calls per run.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		Delay:            30 * time.Second,
		FailureThreshold: 3,
		MinRequests:      5,
		SuccessThreshold: 1,
	}
}

// Breaker wraps a failsafe circuit breaker and records its state transitions.
type Breaker struct {
	cb   circuitbreaker.CircuitBreaker[any]
	name string
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "breaker"
	}
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = def.MinRequests
	}
	if cfg.FailureThreshold == 0 || cfg.FailureThreshold > cfg.MinRequests {
		cfg.FailureThreshold = min(def.FailureThreshold, cfg.MinRequests)
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}

	name := cfg.Name
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(cfg.FailureThreshold, cfg.MinRequests).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(cfg.SuccessThreshold).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			from, to := convertState(event.OldState), convertState(event.NewState)
			recordTransition(name, from, to)
			if cfg.Logger != nil {
				cfg.Logger.WithFields(logging.Fields{
					"breaker":    name,
					"from_state": from.String(),
					"to_state":   to.String(),
				}).Warn("circuit breaker state change")
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		}).
		Build()

	breakerState.WithLabelValues(name).Set(float64(StateClosed))
	return &Breaker{cb: cb, name: name}
}

func convertState(state circuitbreaker.State) BreakerState {
	switch state {
	case circuitbreaker.HalfOpenState:
		return StateHalfOpen
	case circuitbreaker.OpenState:
		return StateOpen
	default:
		return StateClosed
	}
}

// Call runs fn through the breaker. An open breaker returns
// circuitbreaker.ErrOpen without invoking fn.
func (b *Breaker) Call(fn func() error) error {
	return failsafe.With(b.cb).Run(fn)
}

func (b *Breaker) State() BreakerState { return convertState(b.cb.State()) }

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) IsOpen() bool { return b.cb.IsOpen() }
