package circuitbreaker

import (
	"testing"
	"time"

	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

func TestCircuitBreaker_OpensAfterThreeFailures(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: 50 * time.Millisecond}, nil)

	if err := m.Check("llm:worker"); err != nil {
		t.Fatalf("expected closed breaker to allow, got %v", err)
	}

	m.RecordFailure("llm:worker")
	m.RecordFailure("llm:worker")
	if err := m.Check("llm:worker"); err != nil {
		t.Fatalf("breaker should still be closed after 2 failures, got %v", err)
	}
	m.RecordFailure("llm:worker")

	if err := m.Check("llm:worker"); !xerrors.Is(err, xerrors.KindCircuitOpen) {
		t.Fatalf("expected CircuitOpen after 3 consecutive failures, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenProbeRecovers(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 3, SuccessThreshold: 1, Cooldown: 10 * time.Millisecond}, nil)

	for i := 0; i < 3; i++ {
		m.RecordFailure("scope")
	}
	if err := m.Check("scope"); err == nil {
		t.Fatal("expected circuit to be open")
	}

	time.Sleep(15 * time.Millisecond)

	if err := m.Check("scope"); err != nil {
		t.Fatalf("expected half-open probe to be allowed after cooldown, got %v", err)
	}
	if got := m.MetricsFor("scope").State; got != StateHalfOpen {
		t.Fatalf("expected half-open state, got %v", got)
	}

	m.RecordSuccess("scope")

	if got := m.MetricsFor("scope").State; got != StateClosed {
		t.Fatalf("expected closed state after successful probe, got %v", got)
	}
	if err := m.Check("scope"); err != nil {
		t.Fatalf("expected closed breaker to allow, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 5 * time.Millisecond}, nil)

	m.RecordFailure("scope")
	time.Sleep(10 * time.Millisecond)
	_ = m.Check("scope") // transitions to half-open

	m.RecordFailure("scope")
	if got := m.MetricsFor("scope").State; got != StateOpen {
		t.Fatalf("expected reopened breaker, got %v", got)
	}
}

func TestCircuitBreaker_ScopesAreIndependent(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	for i := 0; i < DefaultConfig().FailureThreshold; i++ {
		m.RecordFailure("a")
	}
	if err := m.Check("a"); err == nil {
		t.Fatal("expected scope a to be open")
	}
	if err := m.Check("b"); err != nil {
		t.Fatalf("expected unrelated scope b to remain closed, got %v", err)
	}
}
