package backend

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	tests := []struct {
		texts []string
		want  int
	}{
		{nil, 0},
		{[]string{""}, 0},
		{[]string{"abcd"}, 1},
		{[]string{"abcde"}, 2},
		{[]string{"ab", "cd"}, 1},
		{[]string{strings.Repeat("x", 400)}, 100},
	}

	for _, tt := range tests {
		if got := Estimate(tt.texts...); got != tt.want {
			t.Fatalf("Estimate(%v) = %d, want %d", tt.texts, got, tt.want)
		}
	}
}

func TestCounterCaching(t *testing.T) {
	c := NewCounter("test:8001")

	calls := 0
	c.call = func(_ context.Context, texts []string) (int, error) {
		calls++

		return 7, nil
	}

	if got := c.Count(context.Background(), "hello world"); got != 7 {
		t.Fatalf("count = %d, want 7", got)
	}
	if got := c.Count(context.Background(), "hello world"); got != 7 {
		t.Fatalf("cached count = %d, want 7", got)
	}
	if calls != 1 {
		t.Fatalf("remote calls = %d, want 1 (second hit must come from cache)", calls)
	}
}

func TestCounterFallback(t *testing.T) {
	c := NewCounter("test:8001")
	c.call = func(_ context.Context, texts []string) (int, error) {
		return 0, errors.New("unreachable")
	}

	text := strings.Repeat("a", 40)
	if got := c.Count(context.Background(), text); got != 10 {
		t.Fatalf("fallback count = %d, want 10", got)
	}
}

func TestCounterEmptyInput(t *testing.T) {
	c := NewCounter("test:8001")
	c.call = func(_ context.Context, texts []string) (int, error) {
		t.Fatal("remote must not be called for empty input")

		return 0, nil
	}

	if got := c.Count(context.Background(), "", ""); got != 0 {
		t.Fatalf("count = %d, want 0", got)
	}
}
