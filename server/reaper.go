package server

import (
	"context"
	"log"
	"time"

	"github.com/zeptools/sqlrelay/svc"
)

// SessionRefresher extends a node's claim on its live sessions. Implemented
// by the cluster registry; nil skips refreshing.
type SessionRefresher interface {
	Refresh(ctx context.Context, sessionIDs []string) error
}

// Reaper periodically closes sessions that have gone idle and refreshes the
// cluster claims of the ones still alive.
type Reaper struct {
	Ctx       context.Context    // Service Context
	cancel    context.CancelFunc // Service Context CancelFunc
	state     int                // internal service state
	done      chan error         // Shutdown Error Channel
	Manager   *Manager
	Refresher SessionRefresher
	Cycle     time.Duration
	MaxIdle   time.Duration
}

var _ svc.Service = (*Reaper)(nil)

func (r *Reaper) Name() string {
	return "SessionReaper"
}

func NewReaper(parentCtx context.Context, m *Manager, refresher SessionRefresher, cycle, maxIdle time.Duration) *Reaper {
	svcCtx, svcCancel := context.WithCancel(parentCtx)
	return &Reaper{
		Ctx:       svcCtx,
		cancel:    svcCancel,
		state:     svc.StateREADY,
		done:      make(chan error, 1),
		Manager:   m,
		Refresher: refresher,
		Cycle:     cycle,
		MaxIdle:   maxIdle,
	}
}

func (r *Reaper) Start() error {
	r.state = svc.StateRUNNING
	go r.run()
	return nil
}

func (r *Reaper) Stop() {
	r.cancel()
	r.state = svc.StateSTOPPED
	log.Println("[INFO][Reaper] service stopped")
}

func (r *Reaper) Done() <-chan error {
	return r.done
}

// run - internal run loop
func (r *Reaper) run() {
	ticker := time.NewTicker(r.Cycle)
	defer ticker.Stop()
	log.Printf("[INFO][Reaper] running cycle=%v maxidle=%v", r.Cycle, r.MaxIdle)
	for {
		select {
		case <-r.Ctx.Done():
			r.done <- nil
			return
		case <-ticker.C:
			if n := r.Manager.ReapIdle(r.MaxIdle); n > 0 {
				log.Printf("[INFO][Reaper] reaped %d idle sessions", n)
			}
			if r.Refresher != nil {
				if err := r.Refresher.Refresh(r.Ctx, r.Manager.SessionIDs()); err != nil {
					log.Printf("[ERROR][Reaper] refreshing session claims: %v", err)
				}
			}
		}
	}
}
