package syncclient

import (
	"testing"
	"time"
)

func TestSleeperResolvesOnTimeout(t *testing.T) {
	s := newSleeper(10 * time.Millisecond)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("sleeper did not resolve on timeout")
	}
}

func TestSleeperWakeResolvesEarly(t *testing.T) {
	s := newSleeper(time.Hour)
	start := time.Now()
	s.Wake()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("sleeper did not resolve on wake")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("wake took too long")
	}
}

func TestSleeperWakeIsIdempotent(t *testing.T) {
	s := newSleeper(time.Hour)
	s.Wake()
	s.Wake()
	select {
	case <-s.Done():
	default:
		t.Fatal("sleeper should already be done")
	}
}
