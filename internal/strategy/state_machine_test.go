package strategy

import "testing"

func TestHealthTransitions(t *testing.T) {
	health := NewState(0).Health
	if health != HealthInit {
		t.Fatalf("expected %s, got %s", HealthInit, health)
	}
	steps := []struct {
		event Event
		want  Health
	}{
		{EventWarmupOK, HealthWarmed},
		{EventTickOK, HealthRunning},
		{EventFailure, HealthError},
		{EventTickOK, HealthRunning},
	}
	for _, step := range steps {
		health = NextHealth(health, step.event)
		if health != step.want {
			t.Fatalf("after %s expected %s, got %s", step.event, step.want, health)
		}
	}
}

func TestHealthTickWithoutWarmup(t *testing.T) {
	if got := NextHealth(HealthInit, EventTickOK); got != HealthRunning {
		t.Fatalf("expected %s, got %s", HealthRunning, got)
	}
}

func TestHealthErrorRewarm(t *testing.T) {
	if got := NextHealth(HealthError, EventWarmupOK); got != HealthWarmed {
		t.Fatalf("expected %s, got %s", HealthWarmed, got)
	}
}

func TestHealthRunningIgnoresWarmup(t *testing.T) {
	if got := NextHealth(HealthRunning, EventWarmupOK); got != HealthRunning {
		t.Fatalf("warmup should not demote a running strategy, got %s", got)
	}
}

func TestHealthFailureFromEveryState(t *testing.T) {
	for _, h := range []Health{HealthInit, HealthWarmed, HealthRunning, HealthError} {
		if got := NextHealth(h, EventFailure); got != HealthError {
			t.Fatalf("expected %s from %s, got %s", HealthError, h, got)
		}
	}
}
