package ratelimit

import (
	"errors"
	"testing"
)

func TestUnlimitedAlwaysAllows(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("caller"); err != nil {
			t.Fatalf("unlimited limiter denied request %d: %v", i, err)
		}
	}
}

func TestBurstThenDeny(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("caller"); err != nil {
			t.Fatalf("request %d denied: %v", i, err)
		}
	}
	if err := l.Allow("caller"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestCallersAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("a"); err != nil {
		t.Fatalf("caller a: %v", err)
	}
	if err := l.Allow("a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("caller a should be limited, got %v", err)
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("caller b must have its own bucket: %v", err)
	}
}

func TestPerProviderOverrides(t *testing.T) {
	pp := NewPerProvider(
		Config{RequestsPerMinute: 60, BurstSize: 10},
		map[string]Config{"strict": {RequestsPerMinute: 60, BurstSize: 1}},
	)

	if err := pp.Allow("strict", "caller"); err != nil {
		t.Fatalf("first strict request: %v", err)
	}
	if err := pp.Allow("strict", "caller"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("strict provider should limit at burst 1, got %v", err)
	}

	// Other providers fall back to the roomier default.
	for i := 0; i < 5; i++ {
		if err := pp.Allow("relaxed", "caller"); err != nil {
			t.Fatalf("default request %d: %v", i, err)
		}
	}
}
