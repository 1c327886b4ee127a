package orchestrator

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/tallybook/flowengine/core"
)

// definitionCache holds published definitions. Definitions are immutable apart from their
// status, which the orchestrator does not look at.
type definitionCache struct {
	c *ttlcache.Cache[string, *core.Definition]
}

func newDefinitionCache(size int, expiration time.Duration) *definitionCache {
	c := ttlcache.New(
		ttlcache.WithCapacity[string, *core.Definition](uint64(size)),
		ttlcache.WithTTL[string, *core.Definition](expiration),
	)

	return &definitionCache{c: c}
}

func (dc *definitionCache) Get(tenantID, id string) (*core.Definition, bool) {
	if i := dc.c.Get(cacheKey(tenantID, id)); i != nil {
		return i.Value(), true
	}

	return nil, false
}

func (dc *definitionCache) Store(def *core.Definition) {
	dc.c.Set(cacheKey(def.TenantID, def.ID), def, ttlcache.DefaultTTL)
}

func (dc *definitionCache) Len() int {
	return dc.c.Len()
}

// StartEviction removes expired definitions until the context is canceled.
func (dc *definitionCache) StartEviction(ctx context.Context) {
	go dc.c.Start()

	<-ctx.Done()

	dc.c.Stop()
}

func cacheKey(tenantID, id string) string {
	return tenantID + "/" + id
}
