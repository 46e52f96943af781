// Package cluster tracks which relay node serves which session, so peers can
// route follow-up traffic and detect orphaned sessions after a node dies.
package cluster

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zeptools/sqlrelay/kvdb"
)

const keyPrefix = "sqlrelay:sess:"

// Registry binds session ids to a node id in a shared kv store. Claims carry
// a TTL; a node that stops refreshing loses its sessions to the reaper of
// whatever node finds them orphaned.
type Registry struct {
	Client kvdb.Client
	NodeID string
	TTL    time.Duration
}

func NewRegistry(client kvdb.Client, nodeID string, ttl time.Duration) *Registry {
	return &Registry{
		Client: client,
		NodeID: nodeID,
		TTL:    ttl,
	}
}

func (r *Registry) key(sessionID string) string {
	return keyPrefix + sessionID
}

// Claim records this node as the owner of sessionID.
func (r *Registry) Claim(ctx context.Context, sessionID string) error {
	if err := r.Client.Set(ctx, r.key(sessionID), r.NodeID, r.TTL); err != nil {
		return fmt.Errorf("claim session %s: %w", sessionID, err)
	}
	return nil
}

// Release drops the claim. Releasing an unclaimed session is not an error.
func (r *Registry) Release(ctx context.Context, sessionID string) error {
	if _, err := r.Client.Delete(ctx, r.key(sessionID)); err != nil {
		return fmt.Errorf("release session %s: %w", sessionID, err)
	}
	return nil
}

// Refresh extends the TTL on every claim this node still holds. Claims that
// already lapsed are re-asserted.
func (r *Registry) Refresh(ctx context.Context, sessionIDs []string) error {
	for _, id := range sessionIDs {
		found, err := r.Client.Expire(ctx, r.key(id), r.TTL)
		if err != nil {
			return fmt.Errorf("refresh session %s: %w", id, err)
		}
		if !found {
			if err := r.Claim(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Owner reports which node currently serves sessionID.
func (r *Registry) Owner(ctx context.Context, sessionID string) (string, bool, error) {
	node, found, err := r.Client.Get(ctx, r.key(sessionID))
	if err != nil {
		return "", false, fmt.Errorf("look up session %s: %w", sessionID, err)
	}
	return node, found, nil
}

// Sessions lists every tracked session and its owning node.
func (r *Registry) Sessions(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	var cursor any
	for {
		keys, next, err := r.Client.ScanKeys(ctx, cursor, 100)
		if err != nil {
			return nil, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			if !strings.HasPrefix(key, keyPrefix) {
				continue
			}
			node, found, err := r.Client.Get(ctx, key)
			if err != nil {
				return nil, err
			}
			if found {
				out[strings.TrimPrefix(key, keyPrefix)] = node
			}
		}
		if next == nil {
			return out, nil
		}
		cursor = next
	}
}
