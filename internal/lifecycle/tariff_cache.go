package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/chargeplatform/control-plane/internal/cache"
	"github.com/chargeplatform/control-plane/internal/domain/billing"
)

// tariffTTL bounds how long a station's resolved tariff is trusted
// before the Engine re-reads it from dataaccess. The cache is keyed by
// station only, so once an entry expires a tariff change also reaches
// OnMeterValues and OnStopTransaction for sessions already running.
const tariffTTL = 30 * time.Second

// tariffCache fronts dataaccess.Gateway.EffectiveTariff with the
// teacher's sharded LRUCache (internal/cache), since the same
// station's tariff is read on every StartCharge, OnMeterValues, and
// OnStopTransaction call during an active session.
type tariffCache struct {
	lru *cache.LRUCache
}

func newTariffCache() *tariffCache {
	cfg := cache.DefaultCacheConfig()
	cfg.DefaultTTL = tariffTTL
	return &tariffCache{lru: cache.NewLRUCache(cfg)}
}

func (t *tariffCache) get(stationID string) (billing.TariffRule, bool) {
	v, ok := t.lru.Get(tariffCacheKey(stationID))
	if !ok {
		return billing.TariffRule{}, false
	}
	rule, ok := v.(billing.TariffRule)
	return rule, ok
}

func (t *tariffCache) set(stationID string, rule billing.TariffRule) {
	_ = t.lru.Set(tariffCacheKey(stationID), rule, tariffTTL)
}

func tariffCacheKey(stationID string) string {
	return fmt.Sprintf("tariff:%s", stationID)
}

// effectiveTariff wraps e.da.EffectiveTariff with the cache. at is
// still passed through on a miss so a cold cache resolves the correct
// tariff for the requested instant; only hits are served from the
// cache, so callers should tolerate up to tariffTTL of staleness on
// the boundary between two tariff windows.
func (e *Engine) effectiveTariff(ctx context.Context, stationID string, at time.Time) (billing.TariffRule, error) {
	if rule, ok := e.tariffs.get(stationID); ok {
		return rule, nil
	}
	rule, err := e.da.EffectiveTariff(ctx, stationID, at, e.cfg.DefaultTariffPricePerKWh, e.cfg.DefaultCurrency)
	if err != nil {
		return billing.TariffRule{}, err
	}
	e.tariffs.set(stationID, rule)
	return rule, nil
}
