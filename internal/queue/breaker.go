package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned without contacting the broker while the breaker
// is open.
var ErrUnavailable = errors.New("queue: publisher unavailable")

// Publisher is the publish half of Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type BreakerConfig struct {
	Name string

	// MaxConsecutiveFailures trips the breaker. Defaults to 5.
	MaxConsecutiveFailures uint32

	// Cooldown is how long the breaker stays open before letting one trial
	// through. Defaults to 30s.
	Cooldown time.Duration

	Log *slog.Logger
}

// BreakerPublisher fails fast while the downstream publisher keeps failing.
// It suits best-effort publishes that must not stall the caller for a full
// write timeout on every call.
type BreakerPublisher struct {
	next Publisher
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(next Publisher, cfg BreakerConfig) (*BreakerPublisher, error) {
	if next == nil {
		return nil, fmt.Errorf("%w: nil publisher", ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "queue"
	}
	if cfg.MaxConsecutiveFailures == 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	log := cfg.Log
	maxFailures := cfg.MaxConsecutiveFailures

	return &BreakerPublisher{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: 1,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				switch {
				case to == gobreaker.StateOpen:
					log.Warn("publisher seems down, stop publishing", "breaker", name)
				case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
					log.Info("probing publisher", "breaker", name)
				case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
					log.Info("publisher recovered", "breaker", name)
				}
			},
		}),
	}, nil
}

func (b *BreakerPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, topic, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

// State reports the breaker state ("closed", "open" or "half-open").
func (b *BreakerPublisher) State() string {
	return b.cb.State().String()
}
