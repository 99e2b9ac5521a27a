// Package metacache puts a short TTL cache in front of the daemon's
// metadata calls, so directory listings and attribute refreshes do not
// hammer the HTTP API. Concurrent misses for the same key collapse into a
// single upstream call.
package metacache

import (
	"context"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/neonfuz/rqbit-fuse-sub003/pkg/daemon"
)

// DefaultSize bounds the number of cached responses; a handful per
// torrent is plenty.
const DefaultSize = 1024

// Source is the uncached daemon surface.
type Source interface {
	List(ctx context.Context) ([]daemon.Summary, error)
	Details(ctx context.Context, ih metainfo.Hash) (*daemon.Torrent, error)
	Haves(ctx context.Context, ih metainfo.Hash) ([]bool, error)
}

// Cache wraps a Source with TTL caching. Errors are never cached.
type Cache struct {
	src Source
	lru *expirable.LRU[string, interface{}]
	sf  singleflight.Group
}

// New returns a cache over src whose entries expire after ttl.
func New(src Source, ttl time.Duration) *Cache {
	return &Cache{
		src: src,
		lru: expirable.NewLRU[string, interface{}](DefaultSize, nil, ttl),
	}
}

// List is Source.List behind the cache.
func (c *Cache) List(ctx context.Context) ([]daemon.Summary, error) {
	v, err := c.get("list", func() (interface{}, error) {
		return c.src.List(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]daemon.Summary), nil
}

// Details is Source.Details behind the cache.
func (c *Cache) Details(ctx context.Context, ih metainfo.Hash) (*daemon.Torrent, error) {
	v, err := c.get("details/"+ih.HexString(), func() (interface{}, error) {
		return c.src.Details(ctx, ih)
	})
	if err != nil {
		return nil, err
	}
	return v.(*daemon.Torrent), nil
}

// Haves is Source.Haves behind the cache.
func (c *Cache) Haves(ctx context.Context, ih metainfo.Hash) ([]bool, error) {
	v, err := c.get("haves/"+ih.HexString(), func() (interface{}, error) {
		return c.src.Haves(ctx, ih)
	})
	if err != nil {
		return nil, err
	}
	return v.([]bool), nil
}

func (c *Cache) get(key string, fetch func() (interface{}, error)) (interface{}, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check: another flight may have populated the entry between
		// the miss above and winning the singleflight slot.
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	return v, err
}
