package auth

import (
	"testing"
	"time"
)

func TestBackoffGrowsExponentiallyWithCap(t *testing.T) {
	s := &Service{rateBackoffBase: time.Minute}
	cases := map[int]time.Duration{
		0:  time.Minute,
		1:  time.Minute,
		2:  2 * time.Minute,
		4:  8 * time.Minute,
		7:  time.Hour,
		50: time.Hour,
	}
	for overflow, want := range cases {
		if got := s.backoff(overflow); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", overflow, got, want)
		}
	}
}
