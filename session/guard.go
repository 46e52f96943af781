package session

import (
	"fmt"
	"sync"

	"github.com/zeptools/sqlrelay/errdefs"
)

// opGuard detects two operations entering the same handle at once. Key-only
// locks instead of mutexes: overlap is a caller bug and must surface as an
// error, not as silent serialization.
type opGuard struct {
	locks sync.Map
}

func (g *opGuard) enter(key string) error {
	if _, loaded := g.locks.LoadOrStore(key, struct{}{}); loaded {
		return fmt.Errorf("%w: %s", errdefs.ErrConcurrentAccess, key)
	}
	return nil
}

// exit releases the key. Wrap in a deferred call so panics still release.
func (g *opGuard) exit(key string) {
	g.locks.Delete(key)
}
