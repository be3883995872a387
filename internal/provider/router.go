package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/sendpipeline/internal/pkg/logger"
)

var routerLog = logger.Component("router")

// Attempt records one call to one provider.
type Attempt struct {
	Provider string
	Round    int
	Number   int
	Err      error
	Duration time.Duration
}

// Result is the outcome of routing one message.
type Result struct {
	Success   bool
	Provider  string
	MessageID string
	Attempts  []Attempt
	// Err is the last provider error, ErrNoProviders, or a context error.
	Err error
	// Exhausted is set when every round failed.
	Exhausted bool
}

// Router tries providers in ascending priority, in rounds, backing off
// between rounds. It holds no cursor: every Send starts from the first provider.
type Router struct {
	providers    []Config
	maxRounds    int
	roundBackoff time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	tracer       trace.Tracer
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithMaxRounds sets the default number of rounds.
func WithMaxRounds(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.maxRounds = n
		}
	}
}

// WithRoundBackoff sets the sleep after the first failed round. It doubles
// after every further round. Non-positive values keep the default.
func WithRoundBackoff(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.roundBackoff = d
		}
	}
}

// WithSleep replaces the context-aware sleep. Used by tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RouterOption {
	return func(r *Router) { r.sleep = fn }
}

// NewRouter orders providers by priority. Duplicate priorities are rejected;
// an empty list is allowed and makes every Send fail with ErrNoProviders.
func NewRouter(providers []Config, opts ...RouterOption) (*Router, error) {
	sorted := make([]Config, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Priority == sorted[i-1].Priority {
			return nil, fmt.Errorf("%w: %q and %q at %d", ErrAmbiguousPriority,
				sorted[i-1].Name, sorted[i].Name, sorted[i].Priority)
		}
	}

	r := &Router{
		providers:    sorted,
		maxRounds:    3,
		roundBackoff: 500 * time.Millisecond,
		sleep:        sleepContext,
		tracer:       otel.Tracer("github.com/ignite/sendpipeline/internal/provider"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Providers returns the provider names in the order they are tried.
func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name
	}
	return names
}

// Backoff returns the sleep after the given failed round (1-based).
func (r *Router) Backoff(round int) time.Duration {
	return r.roundBackoff << (round - 1)
}

// Send delivers msg through the first provider that accepts it. maxRounds <= 0
// uses the router default.
func (r *Router) Send(ctx context.Context, msg *Message, maxRounds int) Result {
	if len(r.providers) == 0 {
		return Result{Err: ErrNoProviders}
	}
	if maxRounds <= 0 {
		maxRounds = r.maxRounds
	}

	var res Result
	number := 0
	for round := 1; round <= maxRounds; round++ {
		for _, p := range r.providers {
			if err := ctx.Err(); err != nil {
				res.Err = err
				return res
			}
			number++
			att := r.attempt(ctx, p, msg, round, number)
			res.Attempts = append(res.Attempts, att.Attempt)
			if att.Err == nil {
				res.Success = true
				res.Provider = p.Name
				res.MessageID = att.messageID
				res.Err = nil
				return res
			}
			res.Err = att.Err
		}

		if round < maxRounds {
			if err := r.sleep(ctx, r.Backoff(round)); err != nil {
				res.Err = err
				return res
			}
		}
	}

	res.Exhausted = true
	routerLog.Warn("all providers failed",
		"recipient", msg.To.Email,
		"rounds", maxRounds,
		"attempts", len(res.Attempts),
		"error", res.Err,
	)
	return res
}

type attemptResult struct {
	Attempt
	messageID string
}

func (r *Router) attempt(ctx context.Context, p Config, msg *Message, round, number int) attemptResult {
	ctx, span := r.tracer.Start(ctx, "provider.send", trace.WithAttributes(
		attribute.String("provider", p.Name),
		attribute.Int("round", round),
		attribute.Int("attempt", number),
	))
	defer span.End()

	start := time.Now()
	receipt, err := p.Transport.SendMessage(ctx, msg)
	if err == nil && receipt == nil {
		err = fmt.Errorf("%s: empty receipt", p.Name)
	}
	out := attemptResult{Attempt: Attempt{
		Provider: p.Name,
		Round:    round,
		Number:   number,
		Err:      err,
		Duration: time.Since(start),
	}}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		routerLog.Warn("provider attempt failed",
			"provider", p.Name,
			"recipient", msg.To.Email,
			"round", round,
			"attempt", number,
			"error", err,
		)
		return out
	}

	out.messageID = receipt.MessageID
	routerLog.Debug("provider attempt succeeded",
		"provider", p.Name,
		"recipient", msg.To.Email,
		"round", round,
		"attempt", number,
		"message_id", receipt.MessageID,
	)
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
