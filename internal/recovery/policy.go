package recovery

import (
	"math"
	"math/rand/v2"
	"time"

	"outreach/internal/domain"
)

// Strategy is how the delay between attempts grows.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyImmediate   Strategy = "immediate"
	StrategyNoRetry     Strategy = "no_retry"
)

// MaxDelay caps every computed backoff before jitter is applied.
const MaxDelay = 300 * time.Second

const linearStep = 30 * time.Second

// Rule is the retry behavior for one error kind.
type Rule struct {
	Strategy   Strategy
	MaxRetries int
}

// DefaultRules returns the per-kind retry table.
func DefaultRules() map[domain.ErrorKind]Rule {
	return map[domain.ErrorKind]Rule{
		domain.ErrorDisconnected:   {StrategyExponential, 5},
		domain.ErrorTimeout:        {StrategyExponential, 3},
		domain.ErrorRateLimited:    {StrategyLinear, 3},
		domain.ErrorCRM:            {StrategyExponential, 3},
		domain.ErrorNetwork:        {StrategyExponential, 3},
		domain.ErrorInvalidAddress: {StrategyNoRetry, 0},
		domain.ErrorContentTooLong: {StrategyNoRetry, 0},
		domain.ErrorUnknown:        {StrategyExponential, 2},
		domain.ErrorInvalidRequest: {StrategyNoRetry, 0},
	}
}

// Policy decides retry eligibility and delay per error kind.
type Policy struct {
	Rules map[domain.ErrorKind]Rule
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultPolicy returns a Policy over DefaultRules.
func DefaultPolicy() *Policy {
	return &Policy{Rules: DefaultRules(), Rand: rand.Float64}
}

func (p *Policy) rule(kind domain.ErrorKind) Rule {
	if r, ok := p.Rules[kind]; ok {
		return r
	}
	if r, ok := p.Rules[domain.ErrorUnknown]; ok {
		return r
	}
	return Rule{Strategy: StrategyNoRetry}
}

// Strategy returns the backoff strategy for kind.
func (p *Policy) Strategy(kind domain.ErrorKind) Strategy { return p.rule(kind).Strategy }

// MaxRetries returns the retry ceiling for kind.
func (p *Policy) MaxRetries(kind domain.ErrorKind) int {
	r := p.rule(kind)
	if r.Strategy == StrategyNoRetry {
		return 0
	}
	return r.MaxRetries
}

// ShouldRetry reports whether another attempt is allowed after attempts
// failed retries.
func (p *Policy) ShouldRetry(kind domain.ErrorKind, attempts int) bool {
	return attempts < p.MaxRetries(kind)
}

// NextDelay returns how long to wait before the next attempt.
func (p *Policy) NextDelay(kind domain.ErrorKind, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	switch p.rule(kind).Strategy {
	case StrategyExponential:
		base := MaxDelay
		if attempts < 16 {
			base = min(time.Duration(math.Pow(2, float64(attempts)))*time.Second, MaxDelay)
		}
		return p.jitter(base, 0.5, 1.5)
	case StrategyLinear:
		base := min(time.Duration(attempts)*linearStep, MaxDelay)
		return p.jitter(base, 0.8, 1.2)
	case StrategyImmediate:
		return time.Second
	default:
		return 0
	}
}

func (p *Policy) jitter(base time.Duration, lo, hi float64) time.Duration {
	r := rand.Float64
	if p.Rand != nil {
		r = p.Rand
	}
	factor := lo + (hi-lo)*r()
	return time.Duration(math.Round(float64(base) * factor))
}
