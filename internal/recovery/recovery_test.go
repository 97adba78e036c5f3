package recovery

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"outreach/internal/domain"
)

// --- Classify ---

func TestClassify_Messages(t *testing.T) {
	cases := map[string]domain.ErrorKind{
		"dial tcp 127.0.0.1:3000: connect: connection refused": domain.ErrorDisconnected,
		"WhatsApp client disconnected":                         domain.ErrorDisconnected,
		"request Timeout after 30s":                            domain.ErrorTimeout,
		"HTTP 429: slow down":                                  domain.ErrorRateLimited,
		"rate limit exceeded":                                  domain.ErrorRateLimited,
		"monday API returned 500":                              domain.ErrorCRM,
		"HTTP 401 unauthorized":                                domain.ErrorCRM,
		"dns lookup failed":                                    domain.ErrorNetwork,
		"invalid phone number":                                 domain.ErrorInvalidAddress,
		"message too long for transport":                       domain.ErrorContentTooLong,
		"body length exceeds 4096":                             domain.ErrorContentTooLong,
		"something odd happened":                               domain.ErrorUnknown,
		"":                                                     domain.ErrorUnknown,
	}
	for msg, want := range cases {
		if got := ClassifyMessage(msg); got != want {
			t.Errorf("ClassifyMessage(%q) = %s, want %s", msg, got, want)
		}
	}
}

func TestClassify_FirstMatchWins(t *testing.T) {
	// Both a connectivity term and a timeout term: connectivity is checked first.
	if got := ClassifyMessage("connection timeout"); got != domain.ErrorDisconnected {
		t.Errorf("expected transport_disconnected, got %s", got)
	}
	// Rate limit outranks the CRM status codes.
	if got := ClassifyMessage("429 from monday"); got != domain.ErrorRateLimited {
		t.Errorf("expected rate_limited, got %s", got)
	}
}

func TestClassify_Nil(t *testing.T) {
	if got := Classify(nil); got != domain.ErrorUnknown {
		t.Errorf("expected unknown for nil, got %s", got)
	}
}

func TestClassify_ExplicitKind(t *testing.T) {
	err := fmt.Errorf("send: %w", &domain.TransportError{
		Kind: domain.ErrorInvalidAddress,
		Op:   "send",
		Err:  errors.New("connection reset"),
	})
	if got := Classify(err); got != domain.ErrorInvalidAddress {
		t.Errorf("explicit kind should win over text, got %s", got)
	}
}

// --- Policy ---

func TestPolicy_NoRetryKinds(t *testing.T) {
	p := DefaultPolicy()
	for _, kind := range []domain.ErrorKind{domain.ErrorInvalidAddress, domain.ErrorContentTooLong, domain.ErrorInvalidRequest} {
		if p.ShouldRetry(kind, 0) {
			t.Errorf("%s must never be retried", kind)
		}
		if p.MaxRetries(kind) != 0 {
			t.Errorf("%s max retries = %d, want 0", kind, p.MaxRetries(kind))
		}
		if d := p.NextDelay(kind, 0); d != 0 {
			t.Errorf("%s delay = %v, want 0", kind, d)
		}
	}
}

func TestPolicy_RetryCeiling(t *testing.T) {
	p := DefaultPolicy()
	for kind, rule := range DefaultRules() {
		if rule.Strategy == StrategyNoRetry {
			continue
		}
		for n := 0; n < rule.MaxRetries; n++ {
			if !p.ShouldRetry(kind, n) {
				t.Errorf("%s: ShouldRetry(%d) = false, want true", kind, n)
			}
		}
		for _, n := range []int{rule.MaxRetries, rule.MaxRetries + 1, 100} {
			if p.ShouldRetry(kind, n) {
				t.Errorf("%s: ShouldRetry(%d) = true, want false", kind, n)
			}
		}
	}
}

func TestPolicy_MaxRetriesTable(t *testing.T) {
	p := DefaultPolicy()
	want := map[domain.ErrorKind]int{
		domain.ErrorDisconnected: 5,
		domain.ErrorTimeout:      3,
		domain.ErrorRateLimited:  3,
		domain.ErrorCRM:          3,
		domain.ErrorNetwork:      3,
		domain.ErrorUnknown:      2,
	}
	for kind, n := range want {
		if got := p.MaxRetries(kind); got != n {
			t.Errorf("%s: max retries = %d, want %d", kind, got, n)
		}
	}
}

func TestPolicy_ExponentialBounds(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 0; attempt < 20; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.NextDelay(domain.ErrorTimeout, attempt)
			base := MaxDelay
			if attempt < 9 {
				base = time.Duration(1<<attempt) * time.Second
			}
			lo := time.Duration(float64(base) * 0.5)
			hi := time.Duration(float64(base) * 1.5)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
			if d > time.Duration(float64(MaxDelay)*1.5) {
				t.Fatalf("attempt %d: delay %v above cap", attempt, d)
			}
		}
	}
}

func TestPolicy_ExponentialNonDecreasing(t *testing.T) {
	// With the jitter pinned at its midpoint the delay is the expected value.
	p := &Policy{Rules: DefaultRules(), Rand: func() float64 { return 0.5 }}
	prev := time.Duration(0)
	for attempt := 0; attempt < 15; attempt++ {
		d := p.NextDelay(domain.ErrorDisconnected, attempt)
		if d < prev {
			t.Fatalf("attempt %d: delay %v decreased from %v", attempt, d, prev)
		}
		prev = d
	}
	if prev != MaxDelay {
		t.Errorf("expected expected delay to settle at cap %v, got %v", MaxDelay, prev)
	}
}

func TestPolicy_Linear(t *testing.T) {
	p := &Policy{Rules: DefaultRules(), Rand: func() float64 { return 0.5 }}
	cases := map[int]time.Duration{
		0:  0,
		1:  30 * time.Second,
		3:  90 * time.Second,
		20: MaxDelay,
	}
	for attempt, want := range cases {
		if got := p.NextDelay(domain.ErrorRateLimited, attempt); got != want {
			t.Errorf("linear attempt %d: got %v, want %v", attempt, got, want)
		}
	}

	p.Rand = func() float64 { return 0 }
	if got := p.NextDelay(domain.ErrorRateLimited, 1); got != 24*time.Second {
		t.Errorf("low jitter: got %v, want 24s", got)
	}
}

func TestPolicy_Immediate(t *testing.T) {
	p := &Policy{Rules: map[domain.ErrorKind]Rule{
		domain.ErrorTimeout: {StrategyImmediate, 4},
	}}
	if got := p.NextDelay(domain.ErrorTimeout, 3); got != time.Second {
		t.Errorf("immediate delay = %v, want 1s", got)
	}
	if !p.ShouldRetry(domain.ErrorTimeout, 3) {
		t.Error("immediate strategy should still honor the ceiling")
	}
}

func TestPolicy_UnknownKindFallsBack(t *testing.T) {
	p := DefaultPolicy()
	if got := p.MaxRetries(domain.ErrorKind("made_up")); got != 2 {
		t.Errorf("unlisted kind should use the unknown rule, got max %d", got)
	}
}
