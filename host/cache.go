package host

import (
	"context"
	"time"

	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/core"
	"github.com/cschleiden/go-flows/flow"
	"github.com/cschleiden/go-flows/internal/metrickeys"
	"github.com/jellydator/ttlcache/v3"
)

// instanceCache keeps live flow instances between deliveries, keyed by flow id.
type instanceCache struct {
	mc metrics.Client
	c  *ttlcache.Cache[string, flow.Handler]
}

func newInstanceCache(mc metrics.Client, size int, expiration time.Duration) *instanceCache {
	c := ttlcache.New(
		ttlcache.WithCapacity[string, flow.Handler](uint64(size)),
		ttlcache.WithTTL[string, flow.Handler](expiration),
	)

	c.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, flow.Handler]) {
		reason := ""
		switch er {
		case ttlcache.EvictionReasonExpired:
			reason = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reason = "capacity"
		}

		if reason != "" {
			mc.Counter(metrickeys.FlowInstanceCacheEviction, metrics.Tags{metrickeys.EvictionReason: reason}, 1)
		}
	})

	return &instanceCache{
		mc: mc,
		c:  c,
	}
}

func (ic *instanceCache) Get(id core.FlowID) (flow.Handler, bool) {
	if i := ic.c.Get(id.String()); i != nil {
		return i.Value(), true
	}

	return nil, false
}

func (ic *instanceCache) Store(f flow.Handler) {
	ic.c.Set(f.ID().String(), f, ttlcache.DefaultTTL)

	ic.mc.Gauge(metrickeys.FlowInstanceCacheSize, metrics.Tags{}, int64(ic.c.Len()))
}

func (ic *instanceCache) Evict(id core.FlowID) {
	ic.c.Delete(id.String())

	ic.mc.Gauge(metrickeys.FlowInstanceCacheSize, metrics.Tags{}, int64(ic.c.Len()))
}

func (ic *instanceCache) StartEviction(ctx context.Context) {
	go ic.c.Start()

	<-ctx.Done()

	ic.c.Stop()
}
