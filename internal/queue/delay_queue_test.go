package queue

import (
	"testing"
	"time"
)

func TestBackoffSchedule(t *testing.T) {
	q := NewDelayQueue(nil, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{10, 5 * time.Minute},
	}

	for _, tt := range tests {
		if got := q.backoffFor(tt.attempt); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestMaxAttemptsDefault(t *testing.T) {
	if q := NewDelayQueue(nil, 0); q.maxAttempts != DefaultMaxAttempts {
		t.Errorf("maxAttempts = %d, want %d", q.maxAttempts, DefaultMaxAttempts)
	}
	if q := NewDelayQueue(nil, 5); q.maxAttempts != 5 {
		t.Errorf("maxAttempts = %d, want 5", q.maxAttempts)
	}
}
