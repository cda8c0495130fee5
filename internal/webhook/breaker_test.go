package webhook

import (
	"strings"
	"testing"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

func newTestBreaker(clock *time.Time) *Breaker {
	b := NewBreaker(3, 2, 10*time.Second)
	b.now = func() time.Time { return *clock }
	return b
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	b := newTestBreaker(&clock)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("expected closed before threshold, got %s", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}

	err := b.Allow()
	if err == nil {
		t.Fatal("expected fast failure while open")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUnavailable {
		t.Fatalf("expected unavailable code, got %s", xerrors.CodeOf(err))
	}
	if !strings.HasPrefix(err.Error(), "service unavailable, retry after ") ||
		!strings.HasSuffix(err.Error(), "ms") {
		t.Fatalf("unexpected fast-fail message: %q", err.Error())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	b := newTestBreaker(&clock)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %s", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	b := newTestBreaker(&clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock = clock.Add(11 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe to pass after cooldown: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open after cooldown, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half_open before success threshold, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	b := newTestBreaker(&clock)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock = clock.Add(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected probe to pass: %v", err)
	}

	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("expected reopen on half_open failure, got %s", b.State())
	}
	if err := b.Allow(); err == nil {
		t.Fatal("expected fast failure after reopen")
	}
}

func TestBreakerRegistryPerDestination(t *testing.T) {
	reg := NewBreakerRegistry(2, 1, time.Second)

	a := reg.Get("https://a.example.com/hook")
	b := reg.Get("https://b.example.com/hook")
	if a == b {
		t.Fatal("expected distinct breakers per destination")
	}
	if got := reg.Get("https://a.example.com/hook"); got != a {
		t.Fatal("expected same breaker for same destination")
	}

	a.RecordFailure()
	a.RecordFailure()
	if a.State() != StateOpen {
		t.Fatalf("expected first breaker open, got %s", a.State())
	}
	if b.State() != StateClosed {
		t.Fatalf("expected second breaker unaffected, got %s", b.State())
	}
}
