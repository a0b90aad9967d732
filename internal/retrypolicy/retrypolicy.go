// Package retrypolicy implements the composable retry policies consumed by
// the dispatch consumer. A Policy answers two questions about a delivery
// attempt: is it worth retrying, and how long should the caller wait before
// the next one. Policies compose: MaxAttempts caps a base policy,
// Randomize jitters one.
package retrypolicy

import (
	"math"
	"math/rand"
	"time"
)

// Policy decides whether a failed attempt should be retried and, if so, how
// long to wait before the next one.
type Policy interface {
	// IsRetryable reports whether attempt (1-indexed, the attempt that just
	// failed) should be followed by another.
	IsRetryable(attempt int) bool
	// WaitingTime returns how long to wait before attempt+1.
	WaitingTime(attempt int) time.Duration
}

// Rand is the subset of math/rand used by Randomize, so callers can inject a
// deterministic source in tests.
type Rand interface {
	Float64() float64
}

type maxAttempts struct {
	inner Policy
	max   int
}

// MaxAttempts wraps inner so that IsRetryable returns false once attempt
// reaches max, regardless of what inner says.
func MaxAttempts(inner Policy, max int) Policy {
	return maxAttempts{inner: inner, max: max}
}

func (p maxAttempts) IsRetryable(attempt int) bool {
	if attempt >= p.max {
		return false
	}
	return p.inner.IsRetryable(attempt)
}

func (p maxAttempts) WaitingTime(attempt int) time.Duration {
	return p.inner.WaitingTime(attempt)
}

type exponential struct {
	multiplier float64
	delay      time.Duration
}

// Exponential always considers an attempt retryable and waits
// delay * multiplier^attempt before the next one. Pair it with MaxAttempts
// to bound the number of retries.
func Exponential(multiplier float64, delay time.Duration) Policy {
	return exponential{multiplier: multiplier, delay: delay}
}

func (p exponential) IsRetryable(attempt int) bool { return true }

func (p exponential) WaitingTime(attempt int) time.Duration {
	factor := math.Pow(p.multiplier, float64(attempt))
	return time.Duration(float64(p.delay) * factor)
}

type constant struct {
	delay time.Duration
}

// Constant always considers an attempt retryable and waits a fixed delay
// before the next one.
func Constant(delay time.Duration) Policy {
	return constant{delay: delay}
}

func (p constant) IsRetryable(attempt int) bool          { return true }
func (p constant) WaitingTime(attempt int) time.Duration { return p.delay }

type randomize struct {
	inner  Policy
	factor float64
	rnd    Rand
}

// Randomize wraps inner so WaitingTime returns a value within ±factor of
// inner's waiting time (factor 0.5 means anywhere from 50% to 150%). rnd
// defaults to the global math/rand source when nil.
func Randomize(inner Policy, factor float64, rnd Rand) Policy {
	if rnd == nil {
		rnd = globalRand{}
	}
	return randomize{inner: inner, factor: factor, rnd: rnd}
}

func (p randomize) IsRetryable(attempt int) bool { return p.inner.IsRetryable(attempt) }

func (p randomize) WaitingTime(attempt int) time.Duration {
	base := float64(p.inner.WaitingTime(attempt))
	// jitter uniformly in [1-factor, 1+factor]
	jitter := 1 - p.factor + p.rnd.Float64()*2*p.factor
	return time.Duration(base * jitter)
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Builder assembles a Policy from a base shape, a cap, and optional jitter,
// validating its inputs eagerly so misconfiguration fails at startup rather
// than on the first delivery attempt.
type Builder struct {
	maxAttempts   int
	maxAttemptsOK bool

	shape    Policy
	shapeOK  bool

	jitterFactor float64
	jitterOK     bool
	rnd          Rand

	err error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder { return &Builder{} }

// MaxAttempts sets an upper bound on the number of attempts. n must be >= 1.
func (b *Builder) MaxAttempts(n int) *Builder {
	if n < 1 {
		b.err = firstErr(b.err, errInvalid("max attempts must be >= 1"))
		return b
	}
	b.maxAttempts, b.maxAttemptsOK = n, true
	return b
}

// Exponential sets the base shape to exponential backoff.
func (b *Builder) Exponential(multiplier float64, delay time.Duration) *Builder {
	if multiplier <= 1 {
		b.err = firstErr(b.err, errInvalid("exponential multiplier must be > 1"))
		return b
	}
	if delay <= 0 {
		b.err = firstErr(b.err, errInvalid("exponential delay must be > 0"))
		return b
	}
	b.shape, b.shapeOK = Exponential(multiplier, delay), true
	return b
}

// ConstantDelay sets the base shape to a fixed delay.
func (b *Builder) ConstantDelay(delay time.Duration) *Builder {
	if delay <= 0 {
		b.err = firstErr(b.err, errInvalid("constant delay must be > 0"))
		return b
	}
	b.shape, b.shapeOK = Constant(delay), true
	return b
}

// Randomize jitters the final policy's waiting time by ±factor. factor must
// be in (0, 1].
func (b *Builder) Randomize(factor float64) *Builder {
	if factor <= 0 || factor > 1 {
		b.err = firstErr(b.err, errInvalid("jitter factor must be in (0, 1]"))
		return b
	}
	b.jitterFactor, b.jitterOK = factor, true
	return b
}

// WithRand overrides the random source used by Randomize, for deterministic
// tests.
func (b *Builder) WithRand(rnd Rand) *Builder {
	b.rnd = rnd
	return b
}

// Build validates the accumulated configuration and returns the composed
// Policy. It fails fast: the first invalid call to a setter is remembered
// and surfaced here rather than panicking at call time.
func (b *Builder) Build() (Policy, error) {
	if b.err != nil {
		return nil, b.err
	}
	if !b.shapeOK {
		return nil, errInvalid("a base shape (Exponential or ConstantDelay) is required")
	}
	if !b.maxAttemptsOK {
		return nil, errInvalid("a maximum number of attempts (MaxAttempts) is required")
	}
	p := b.shape
	if b.maxAttemptsOK {
		p = MaxAttempts(p, b.maxAttempts)
	}
	if b.jitterOK {
		p = Randomize(p, b.jitterFactor, b.rnd)
	}
	return p, nil
}

type policyError string

func (e policyError) Error() string { return string(e) }

func errInvalid(msg string) error { return policyError("retrypolicy: " + msg) }

func firstErr(existing, next error) error {
	if existing != nil {
		return existing
	}
	return next
}
