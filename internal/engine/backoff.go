package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/charmbracelet/log"

	"github.com/valua-ai/cockpit/internal/lease"
	"github.com/valua-ai/cockpit/internal/logging"
)

// ErrAttemptsExhausted is returned when the invoker gives up after its
// configured number of attempts.
var ErrAttemptsExhausted = errors.New("engine attempts exhausted")

// InvokerOpts tunes the retry behavior around engine turns.
type InvokerOpts struct {
	// RetryBase is the first backoff delay; each retry doubles it.
	RetryBase time.Duration

	// RetryMax caps the backoff delay.
	RetryMax time.Duration

	// RetryJitter adds up to this much random delay to each backoff.
	RetryJitter time.Duration

	// RateLimitMin is the floor for rate-limit cooldowns when the engine
	// does not say how long to wait.
	RateLimitMin time.Duration

	// MaxAttempts bounds turn retries; zero means a default of 5.
	MaxAttempts int

	// Capacity, when set, is handed back while the invoker sits out a
	// domain cooldown so other agents can use the slot.
	Capacity CapacityHolder
}

// CapacityHolder is a shared concurrency slot the invoker may release during
// long waits and reacquire before running a turn. Both methods must tolerate
// being called when no slot is held.
type CapacityHolder interface {
	Release()
	Reacquire(ctx context.Context) error
}

// Invoker wraps an Engine with the shared retry discipline: honoring the
// domain cooldown before each attempt, converting rate limits into cooldowns
// other workers see, repairing a desynced engine home once, and backing off
// exponentially on transient failures.
type Invoker struct {
	engine   Engine
	home     *HomeManager
	stateDir string
	domain   string
	agent    string
	opts     InvokerOpts
	logger   *log.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewInvoker creates an Invoker. home may be nil when the engine home is
// shared rather than isolated; desync errors then surface to the caller.
func NewInvoker(engine Engine, home *HomeManager, stateDir, domain, agent string, opts InvokerOpts) *Invoker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Invoker{
		engine:   engine,
		home:     home,
		stateDir: stateDir,
		domain:   domain,
		agent:    agent,
		opts:     opts,
		logger:   logging.New("engine-retry"),
		sleep:    sleepCtx,
	}
}

// Invoke runs one logical turn, retrying through rate limits, desyncs, and
// transient failures. Interrupted turns are returned as-is; interruption is a
// caller-level event, not a failure.
func (inv *Invoker) Invoke(ctx context.Context, turn TurnOpts) (*TurnResult, error) {
	var lastErr error
	for attempt := 0; attempt < inv.opts.MaxAttempts; attempt++ {
		if err := inv.waitCooldown(ctx); err != nil {
			return nil, err
		}

		result, err := inv.engine.RunTurn(ctx, turn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrRateLimited):
			stderr := ""
			if result != nil {
				stderr = result.Stderr
			}
			delay := inv.recordRateLimit(stderr, turn)
			inv.logger.Warn("rate limited; cooling down",
				"agent", inv.agent, "retryIn", delay, "attempt", attempt+1)
			if err := inv.sleep(ctx, delay); err != nil {
				return nil, err
			}

		case errors.Is(err, ErrHomeDesync):
			if inv.home == nil {
				return nil, err
			}
			repaired, repairErr := inv.home.Repair()
			if repairErr != nil {
				return nil, fmt.Errorf("engine: desync repair: %w", repairErr)
			}
			if !repaired {
				// Second desync this process; something deeper is wrong.
				return nil, err
			}

		case ctx.Err() != nil:
			return nil, err

		default:
			delay := inv.backoff(attempt)
			inv.logger.Warn("turn failed; backing off",
				"agent", inv.agent, "err", err, "retryIn", delay, "attempt", attempt+1)
			if err := inv.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, inv.opts.MaxAttempts, lastErr)
}

// waitCooldown blocks until any active domain cooldown expires. A held
// capacity slot is released for the duration of the wait and reacquired
// before returning, so a cooling-down agent does not pin engine concurrency.
func (inv *Invoker) waitCooldown(ctx context.Context) error {
	released := false
	for {
		cd, err := lease.ReadCooldown(inv.stateDir, inv.domain)
		if err != nil || cd == nil {
			break
		}
		wait := time.Until(cd.RetryAt())
		if wait <= 0 {
			break
		}
		if !released && inv.opts.Capacity != nil {
			inv.opts.Capacity.Release()
			released = true
		}
		inv.logger.Info("domain cooldown active; waiting",
			"domain", inv.domain, "reason", cd.Reason, "source", cd.SourceAgent, "wait", wait)
		if err := inv.sleep(ctx, wait); err != nil {
			return err
		}
	}
	if released {
		return inv.opts.Capacity.Reacquire(ctx)
	}
	return nil
}

// recordRateLimit publishes a domain cooldown derived from the engine's
// retry-after hint (floored at RateLimitMin) and returns the local delay.
func (inv *Invoker) recordRateLimit(stderr string, turn TurnOpts) time.Duration {
	delay := inv.opts.RateLimitMin
	if ms, ok := lease.ParseRetryAfterMs(stderr); ok {
		if d := time.Duration(ms) * time.Millisecond; d > delay {
			delay = d
		}
	}
	cd := lease.Cooldown{
		RetryAtMs:   time.Now().Add(delay).UnixMilli(),
		Reason:      "rate_limited",
		SourceAgent: inv.agent,
	}
	if err := lease.WriteCooldown(inv.stateDir, inv.domain, cd); err != nil {
		inv.logger.Warn("failed to record cooldown", "err", err)
	}
	return delay
}

// backoff computes the capped exponential delay with jitter for an attempt.
func (inv *Invoker) backoff(attempt int) time.Duration {
	delay := inv.opts.RetryBase << attempt
	if delay > inv.opts.RetryMax || delay <= 0 {
		delay = inv.opts.RetryMax
	}
	if inv.opts.RetryJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(inv.opts.RetryJitter)))
	}
	return delay
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
