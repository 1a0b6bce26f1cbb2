package client

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1500 * time.Millisecond},
		{2, 2250 * time.Millisecond},
		{3, 3375 * time.Millisecond},
		{9, 30 * time.Second},
		{50, 30 * time.Second},
		{-3, 1 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, max, tc.attempt); got != tc.want {
			t.Errorf("backoffDelay(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}
