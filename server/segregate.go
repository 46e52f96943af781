package server

import (
	"log"
	"sync"
	"time"
)

// SegregationConf tunes slow-query segregation. Statements whose text has
// recently run slower than SlowThreshold draw from a token bucket; when the
// bucket is empty the relay refuses the execution instead of letting slow
// statements starve the pool.
type SegregationConf struct {
	SlowThreshold time.Duration // queries at or above this count as slow
	Burst         int           // bucket capacity per statement text
	Increment     int           // tokens added each period
	Period        time.Duration // refill interval
}

type segBucket struct {
	mu        sync.Mutex
	tokens    int
	lastCheck time.Time
}

// Segregator tracks observed statement durations keyed by statement text
// hash and throttles texts that have gone slow.
type Segregator struct {
	conf    *SegregationConf
	buckets sync.Map // string -> *segBucket
	slow    sync.Map // string -> struct{} set of known-slow texts
}

func NewSegregator(conf *SegregationConf) *Segregator {
	return &Segregator{conf: conf}
}

// refill tokens
// Since this modifies the bucket's state, this should be wrapped by mutex lock/unlock
func (b *segBucket) refill(conf *SegregationConf, now time.Time) {
	elapsed := now.Sub(b.lastCheck)
	if elapsed >= conf.Period { // compare
		times := int(elapsed / conf.Period) // division
		b.tokens += times * conf.Increment
		if b.tokens > conf.Burst {
			b.tokens = conf.Burst
		}
		b.lastCheck = b.lastCheck.Add(time.Duration(times) * conf.Period)
	}
}

// Allow reports whether an execution of key may proceed now. Texts never
// observed slow always pass.
func (s *Segregator) Allow(key string, now time.Time) bool {
	if s == nil || s.conf == nil {
		return true
	}
	if _, slow := s.slow.Load(key); !slow {
		return true
	}
	bAny, loaded := s.buckets.LoadOrStore(key, &segBucket{
		tokens:    s.conf.Burst,
		lastCheck: now,
	})
	b := bAny.(*segBucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if loaded {
		b.refill(s.conf, now)
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Observe records one execution's duration. Crossing the threshold marks the
// text slow; staying fast long enough is handled by bucket refill, not by
// unmarking.
func (s *Segregator) Observe(key string, d time.Duration) {
	if s == nil || s.conf == nil {
		return
	}
	if d >= s.conf.SlowThreshold {
		if _, loaded := s.slow.LoadOrStore(key, struct{}{}); !loaded {
			log.Printf("[WARN][Segregate] statement marked slow after %v", d)
		}
	}
}
