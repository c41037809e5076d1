// Package resilience protects the risk pipeline from struggling
// collaborators. The encoder service and webhook endpoints sit behind
// circuit breakers so their outages degrade assessments instead of
// stalling them.
package resilience

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// ErrOpen is returned when a request is rejected because the circuit is open.
// Callers can distinguish a rejected call from a failed one with errors.Is.
var ErrOpen = errors.New("circuit breaker open")

var (
	cbStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "trustvector",
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	cbTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustvector",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	cbRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustvector",
			Name:      "circuit_breaker_requests_total",
			Help:      "Total requests through circuit breaker",
		},
		[]string{"name", "result"},
	)
)

func fromGobreaker(s gobreaker.State) CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateToFloat(s CircuitState) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// CircuitBreakerConfig configures a CircuitBreaker
type CircuitBreakerConfig struct {
	Name         string
	Threshold    int           // consecutive failures before opening
	ResetTimeout time.Duration // how long to stay open before probing
	Logger       *zap.Logger
}

// CircuitBreakerStats holds stats for readiness reporting
type CircuitBreakerStats struct {
	Name      string       `json:"name"`
	State     CircuitState `json:"state"`
	Failures  int          `json:"failures"`
	Threshold int          `json:"threshold"`
}

// CircuitBreaker wraps a gobreaker.CircuitBreaker with state metrics and
// transition logging.
type CircuitBreaker struct {
	name      string
	threshold int
	inner     *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a breaker that opens after Threshold consecutive
// failures and probes again after ResetTimeout.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	cb := &CircuitBreaker{name: cfg.Name, threshold: cfg.Threshold}
	cb.inner = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.Threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromState, toState := fromGobreaker(from), fromGobreaker(to)
			cbStateGauge.WithLabelValues(name).Set(stateToFloat(toState))
			cbTransitionsTotal.WithLabelValues(name, string(fromState), string(toState)).Inc()

			switch to {
			case gobreaker.StateOpen:
				log.Error("Circuit breaker opened",
					zap.String("name", name),
					zap.Duration("reset_timeout", cfg.ResetTimeout))
			case gobreaker.StateHalfOpen:
				log.Info("Circuit breaker probing recovery", zap.String("name", name))
			case gobreaker.StateClosed:
				log.Info("Circuit breaker closed", zap.String("name", name))
			}
		},
	})
	cbStateGauge.WithLabelValues(cfg.Name).Set(0)
	return cb
}

// Execute runs fn through the circuit breaker. While the breaker is open it
// returns ErrOpen immediately without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	_, err := cb.inner.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			cbRequestsTotal.WithLabelValues(cb.name, "rejected").Inc()
			return fmt.Errorf("%w: %s rejecting requests", ErrOpen, cb.name)
		}
		cbRequestsTotal.WithLabelValues(cb.name, "failure").Inc()
		return err
	}
	cbRequestsTotal.WithLabelValues(cb.name, "success").Inc()
	return nil
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	return fromGobreaker(cb.inner.State())
}

// Stats returns current stats for readiness reporting
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	return CircuitBreakerStats{
		Name:      cb.name,
		State:     cb.State(),
		Failures:  int(cb.inner.Counts().ConsecutiveFailures),
		Threshold: cb.threshold,
	}
}
