// Package memkv is an in-process kv store for single-node deployments and
// tests. Expiry is enforced lazily on access.
package memkv

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zeptools/sqlrelay/kvdb"
)

func init() {
	kvdb.RegisterFactory("memkv", func(conf *kvdb.Conf) kvdb.Client {
		return &Client{Conf: conf}
	})
}

type item struct {
	val string
	exp time.Time // zero: no expiry
}

type Client struct {
	Conf *kvdb.Conf

	mu    sync.Mutex
	items map[string]item
}

// Ensure memkv.Client implements kvdb.Client interface
var _ kvdb.Client = (*Client)(nil)

func (c *Client) Init() error {
	c.items = map[string]item{}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
	return nil
}

func (c *Client) GetHandle() any { return nil }

func (c *Client) GetConf() *kvdb.Conf { return c.Conf }

// live must be called with mu held.
func (c *Client) live(key string, now time.Time) (item, bool) {
	it, ok := c.items[key]
	if !ok {
		return item{}, false
	}
	if !it.exp.IsZero() && now.After(it.exp) {
		delete(c.items, key)
		return item{}, false
	}
	return it, true
}

//---- Key Ops ----

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live(key, time.Now())
	return ok, nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var n int64
	for _, key := range keys {
		if _, ok := c.live(key, now); ok {
			delete(c.items, key)
			n++
		}
	}
	return n, nil
}

func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key, time.Now())
	if !ok {
		return false, nil
	}
	it.exp = time.Now().Add(expiration)
	c.items[key] = it
	return true, nil
}

func (c *Client) ScanKeys(ctx context.Context, cursor any, scanBatchSize int) ([]string, any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	var keys []string
	for key := range c.items {
		if _, ok := c.live(key, now); ok {
			keys = append(keys, key)
		}
	}
	// the whole store fits in one batch
	return keys, nil, nil
}

//---- Single-value Ops ----

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.live(key, time.Now())
	if !ok {
		return "", false, nil
	}
	return it.val, true, nil
}

func (c *Client) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	it := item{val: fmt.Sprint(value)}
	if expiration > 0 {
		it.exp = time.Now().Add(expiration)
	}
	c.items[key] = it
	return nil
}
