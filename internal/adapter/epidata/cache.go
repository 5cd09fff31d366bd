package epidata

import (
	"context"
	"encoding/json"
	"net/url"

	"github.com/couchcryptid/flu-nowcast/internal/cache"
	"github.com/couchcryptid/flu-nowcast/internal/observability"
)

// cachedRequester wraps a requester with an in-memory LRU cache. Sensor
// fitting queries the same training windows over and over; caching by full
// query avoids refetching them within one run.
type cachedRequester struct {
	inner   requester
	cache   *cache.LRU[string, json.RawMessage]
	metrics *observability.Metrics
}

func newCachedRequester(inner requester, maxEntries int, metrics *observability.Metrics) *cachedRequester {
	return &cachedRequester{
		inner:   inner,
		cache:   cache.NewLRU[string, json.RawMessage](maxEntries),
		metrics: metrics,
	}
}

func (c *cachedRequester) fetch(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	key := endpoint + "?" + params.Encode()
	if raw, ok := c.cache.Get(key); ok {
		c.metrics.EpidataCache.WithLabelValues(endpoint, "hit").Inc()
		return raw, nil
	}
	c.metrics.EpidataCache.WithLabelValues(endpoint, "miss").Inc()

	raw, err := c.inner.fetch(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	// Only cache responses with rows so empty frontier weeks can be retried.
	if raw != nil {
		c.cache.Put(key, raw)
	}
	return raw, nil
}
