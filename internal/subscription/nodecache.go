package subscription

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/vpnpower/server/internal/model"
	"github.com/vpnpower/server/internal/repo"
)

const activeNodesKey = "nodes:active"

// NodeCache serves the active node list from memory for a short TTL.
// Upserts through the cache invalidate it.
type NodeCache struct {
	nodes repo.NodeRepo
	cache *cache.Cache
	ttl   time.Duration
}

// NewNodeCache wraps nodes. A non-positive ttl disables caching.
func NewNodeCache(nodes repo.NodeRepo, ttl time.Duration) *NodeCache {
	return &NodeCache{
		nodes: nodes,
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
	}
}

// ActiveNodes implements NodeSource
func (c *NodeCache) ActiveNodes(ctx context.Context) ([]model.ProxyNode, error) {
	if c.ttl > 0 {
		if cached, ok := c.cache.Get(activeNodesKey); ok {
			return cached.([]model.ProxyNode), nil
		}
	}
	nodes, err := c.nodes.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 {
		c.cache.Set(activeNodesKey, nodes, cache.DefaultExpiration)
	}
	return nodes, nil
}

// Upsert stores a node and drops the cached list
func (c *NodeCache) Upsert(ctx context.Context, node model.ProxyNode) (model.ProxyNode, error) {
	saved, err := c.nodes.Upsert(ctx, node)
	if err != nil {
		return model.ProxyNode{}, err
	}
	c.cache.Delete(activeNodesKey)
	return saved, nil
}
