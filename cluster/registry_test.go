package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/zeptools/sqlrelay/kvdb"
	"github.com/zeptools/sqlrelay/kvdb/impls/memkv"
)

func newTestRegistry(t *testing.T, node string, ttl time.Duration) *Registry {
	t.Helper()
	client := &memkv.Client{Conf: &kvdb.Conf{Type: "memkv"}}
	if err := client.Init(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewRegistry(client, node, ttl)
}

func TestClaimAndOwner(t *testing.T) {
	r := newTestRegistry(t, "node-a", time.Minute)
	ctx := context.Background()

	if err := r.Claim(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	node, found, err := r.Owner(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || node != "node-a" {
		t.Fatalf("expected node-a to own sess-1, got %q found=%v", node, found)
	}

	if err := r.Release(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := r.Owner(ctx, "sess-1"); found {
		t.Fatal("released session still has an owner")
	}
}

func TestClaimExpiresWithoutRefresh(t *testing.T) {
	r := newTestRegistry(t, "node-a", 10*time.Millisecond)
	ctx := context.Background()

	if err := r.Claim(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, found, _ := r.Owner(ctx, "sess-1"); found {
		t.Fatal("claim survived its TTL without refresh")
	}
}

func TestRefreshReassertsLapsedClaim(t *testing.T) {
	r := newTestRegistry(t, "node-a", 10*time.Millisecond)
	ctx := context.Background()

	if err := r.Claim(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := r.Refresh(ctx, []string{"sess-1"}); err != nil {
		t.Fatal(err)
	}
	node, found, err := r.Owner(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found || node != "node-a" {
		t.Fatalf("lapsed claim not re-asserted: %q found=%v", node, found)
	}
}

func TestSessionsListing(t *testing.T) {
	r := newTestRegistry(t, "node-a", time.Minute)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := r.Claim(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	sessions, err := r.Sessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}
	if sessions["s2"] != "node-a" {
		t.Fatalf("unexpected owner for s2: %q", sessions["s2"])
	}
}
