package dip

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
)

// Cache memoizes artifacts for the lifetime of one bundle selection.
// Concurrent identical requests share one upstream call. Failed fetches
// are not cached and never retried automatically.
type Cache struct {
	client *Client
	group  singleflight.Group

	mu      sync.Mutex
	gen     uint64
	listing []string
	items   map[string]*Artifact
}

// NewCache wraps client.
func NewCache(client *Client) *Cache {
	return &Cache{client: client, items: make(map[string]*Artifact)}
}

// Listing returns the bundle listing, fetching it once per generation.
func (c *Cache) Listing(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.listing != nil {
		l := c.listing
		c.mu.Unlock()
		return l, nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.group.Do("listing", func() (any, error) {
		return c.client.ListBundles(ctx)
	})
	if err != nil {
		return nil, err
	}
	listing := v.([]string)

	c.mu.Lock()
	if c.gen == gen {
		c.listing = listing
	}
	c.mu.Unlock()
	return listing, nil
}

// Artifact returns the artifact for (name, t), fetching it at most once.
func (c *Cache) Artifact(ctx context.Context, name string, t catalog.ArtifactType) (*Artifact, error) {
	key := string(t) + ":" + name

	c.mu.Lock()
	if a, ok := c.items[key]; ok {
		c.mu.Unlock()
		return a, nil
	}
	gen := c.gen
	c.mu.Unlock()

	listing, err := c.Listing(ctx)
	if err != nil {
		return nil, err
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.client.Fetch(ctx, listing, name, t)
	})
	if err != nil {
		return nil, err
	}
	a := v.(*Artifact)

	c.mu.Lock()
	if c.gen == gen {
		c.items[key] = a
	}
	c.mu.Unlock()
	return a, nil
}

// Peek returns a cached artifact without fetching. A nil result means the
// artifact is still pending or failed.
func (c *Cache) Peek(name string, t catalog.ArtifactType) *Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[string(t)+":"+name]
}

// Reset drops everything. In-flight fetches finish but are not stored.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.gen++
	c.listing = nil
	c.items = make(map[string]*Artifact)
	c.mu.Unlock()
}
