package server

import (
	"testing"
	"time"
)

func TestSegregatorPassesFastTexts(t *testing.T) {
	seg := NewSegregator(&SegregationConf{
		SlowThreshold: 100 * time.Millisecond,
		Burst:         1,
		Increment:     1,
		Period:        time.Second,
	})
	now := time.Now()
	for i := 0; i < 50; i++ {
		if !seg.Allow("k", now) {
			t.Fatalf("fast text throttled on run %d", i)
		}
		seg.Observe("k", time.Millisecond)
	}
}

func TestSegregatorBucketDrainsAndRefills(t *testing.T) {
	seg := NewSegregator(&SegregationConf{
		SlowThreshold: 100 * time.Millisecond,
		Burst:         2,
		Increment:     1,
		Period:        time.Second,
	})
	now := time.Now()
	seg.Observe("k", 150*time.Millisecond)

	if !seg.Allow("k", now) {
		t.Fatal("first token denied")
	}
	if !seg.Allow("k", now) {
		t.Fatal("second token denied")
	}
	if seg.Allow("k", now) {
		t.Fatal("empty bucket allowed")
	}
	// one period restores one token
	later := now.Add(time.Second)
	if !seg.Allow("k", later) {
		t.Fatal("refilled token denied")
	}
	if seg.Allow("k", later) {
		t.Fatal("over-refilled")
	}
	// refill never exceeds the burst capacity
	muchLater := later.Add(time.Hour)
	if !seg.Allow("k", muchLater) || !seg.Allow("k", muchLater) {
		t.Fatal("burst capacity not restored")
	}
	if seg.Allow("k", muchLater) {
		t.Fatal("refill exceeded burst")
	}
}

func TestNilSegregatorAllowsEverything(t *testing.T) {
	var seg *Segregator
	if !seg.Allow("k", time.Now()) {
		t.Fatal("nil segregator must not throttle")
	}
	seg.Observe("k", time.Hour)
}
