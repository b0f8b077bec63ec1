package provider

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ResilienceConfig configures the provider circuit breaker and bounded retry.
type ResilienceConfig struct {
	// MaxRetries bounds retries of transient failures per call. 0 disables retry.
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`

	// FailureThreshold is the number of consecutive failed calls that opens the breaker.
	FailureThreshold uint32 `mapstructure:"failure_threshold"`
	// OpenTimeout is how long the breaker stays open before a trial call.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`

	Logger *slog.Logger `mapstructure:"-"`
}

// DefaultResilienceConfig returns conservative defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:       2,
		InitialInterval:  200 * time.Millisecond,
		MaxInterval:      5 * time.Second,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

type retryGateKey struct{}

// WithRetryGate returns a context under which a ResilientProvider calls
// gate before each retry attempt. A gate error ends the call with that
// error, so every outbound attempt can be charged to a call budget.
func WithRetryGate(ctx context.Context, gate func(attempt int) error) context.Context {
	return context.WithValue(ctx, retryGateKey{}, gate)
}

func retryGate(ctx context.Context, attempt int) error {
	gate, ok := ctx.Value(retryGateKey{}).(func(int) error)
	if !ok || gate == nil || attempt <= 1 {
		return nil
	}
	return gate(attempt)
}

// ResilientProvider guards a provider with a circuit breaker and retries
// transient failures with exponential backoff. Permanent failures and an
// open breaker are returned immediately.
type ResilientProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker
	cfg     ResilienceConfig
	logger  *slog.Logger
}

// Resilient wraps p.
func Resilient(p Provider, cfg ResilienceConfig) *ResilientProvider {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	threshold := cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        p.Name(),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state changed",
				slog.String("provider", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		// Only transient failures count against the provider's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
	}

	return &ResilientProvider{
		inner:   p,
		breaker: gobreaker.NewCircuitBreaker(settings),
		cfg:     cfg,
		logger:  logger,
	}
}

// Name returns the wrapped provider's name.
func (r *ResilientProvider) Name() string {
	return r.inner.Name()
}

// State returns the breaker state.
func (r *ResilientProvider) State() gobreaker.State {
	return r.breaker.State()
}

// Send calls the wrapped provider through the breaker, retrying transient failures.
func (r *ResilientProvider) Send(ctx context.Context, req Request) (*Response, error) {
	var resp *Response
	attempt := 0
	op := func() error {
		attempt++
		if err := retryGate(ctx, attempt); err != nil {
			return backoff.Permanent(err)
		}
		out, err := r.breaker.Execute(func() (any, error) {
			return r.inner.Send(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(&Error{Provider: r.Name(), Err: err})
			}
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			r.logger.Debug("transient provider failure",
				slog.String("provider", r.Name()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return err
		}
		resp = out.(*Response)
		return nil
	}

	if err := backoff.Retry(op, r.policy(ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// SupportsStreaming reports whether the wrapped provider streams.
func (r *ResilientProvider) SupportsStreaming() bool {
	_, ok := AsStreaming(r.inner)
	return ok
}

// Stream opens a stream through the breaker. Opening is retried like Send;
// a stream that fails after it started is not.
func (r *ResilientProvider) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	sp, ok := AsStreaming(r.inner)
	if !ok {
		return nil, &Error{Provider: r.Name(), Err: errors.New("streaming not supported")}
	}

	var ch <-chan Chunk
	attempt := 0
	op := func() error {
		attempt++
		if err := retryGate(ctx, attempt); err != nil {
			return backoff.Permanent(err)
		}
		out, err := r.breaker.Execute(func() (any, error) {
			return sp.Stream(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(&Error{Provider: r.Name(), Err: err})
			}
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		ch = out.(<-chan Chunk)
		return nil
	}

	if err := backoff.Retry(op, r.policy(ctx)); err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *ResilientProvider) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	policy = backoff.WithMaxRetries(policy, uint64(max(r.cfg.MaxRetries, 0)))
	return backoff.WithContext(policy, ctx)
}

var _ StreamingProvider = (*ResilientProvider)(nil)
