// Package offline synthesizes entitlement state from the cached product
// entitlement mapping and the device's active purchases when the backend is
// unreachable. Everything it produces is VERIFIED_ON_DEVICE.
package offline

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/common"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
	"github.com/dmitrijs2005/purchasesync/internal/metrics"
	"github.com/dmitrijs2005/purchasesync/internal/timex"
	"golang.org/x/sync/singleflight"
)

// PurchaseQuerier is implemented by billing adapters.
type PurchaseQuerier interface {
	QueryActivePurchases(ctx context.Context) ([]models.PurchaseRecord, error)
}

// MappingStore persists the product entitlement mapping.
type MappingStore interface {
	CachedProductEntitlementMapping(ctx context.Context) (*models.ProductEntitlementMapping, time.Time, error)
	CacheProductEntitlementMapping(ctx context.Context, m *models.ProductEntitlementMapping) error
	IsProductEntitlementMappingStale(ctx context.Context) (bool, error)
	IsMappingStaleAt(updated time.Time) bool
}

// MappingFetcher loads the mapping from the backend.
type MappingFetcher interface {
	ProductEntitlementMapping(ctx context.Context) (*models.ProductEntitlementMapping, error)
}

type Computer struct {
	purchases PurchaseQuerier
	store     MappingStore
	fetcher   MappingFetcher
	now       timex.Clock
	logger    logging.Logger
	metrics   *metrics.Metrics

	users    singleflight.Group
	mappings singleflight.Group
}

type Option func(*Computer)

func WithClock(now timex.Clock) Option {
	return func(c *Computer) { c.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Computer) { c.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Computer) { c.metrics = m }
}

func NewComputer(purchases PurchaseQuerier, store MappingStore, fetcher MappingFetcher, opts ...Option) *Computer {
	c := &Computer{purchases: purchases, store: store, fetcher: fetcher, logger: logging.NopLogger{}}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compute returns the offline CustomerInfo for appUserID. Callers arriving
// while a computation for the same user runs share its result; the returned
// value must be treated as read-only.
func (c *Computer) Compute(ctx context.Context, appUserID string) (*models.CustomerInfo, error) {
	ch := c.users.DoChan(appUserID, func() (any, error) {
		return c.compute(context.WithoutCancel(ctx), appUserID)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*models.CustomerInfo), nil
	}
}

func (c *Computer) compute(ctx context.Context, appUserID string) (*models.CustomerInfo, error) {
	mapping, updated, err := c.store.CachedProductEntitlementMapping(ctx)
	if err != nil {
		c.metrics.ObserveOffline("error")
		return nil, fmt.Errorf("load entitlement mapping: %w", err)
	}
	if mapping == nil || c.store.IsMappingStaleAt(updated) {
		c.metrics.ObserveOffline("unavailable")
		c.logger.Warn(ctx, "offline entitlements need a fresh mapping", "app_user_id", appUserID)
		return nil, &common.OfflineUnavailableError{Reason: common.OfflineReasonMappingRequired}
	}

	purchases, err := c.purchases.QueryActivePurchases(ctx)
	if err != nil {
		c.metrics.ObserveOffline("error")
		return nil, fmt.Errorf("query active purchases: %w", err)
	}

	info, err := ComputeCustomerInfo(appUserID, mapping, purchases, c.now.Now())
	if err != nil {
		c.metrics.ObserveOffline("unavailable")
		c.logger.Warn(ctx, "offline entitlements unavailable", "app_user_id", appUserID, "error", err)
		return nil, err
	}
	c.metrics.ObserveOffline("ok")
	c.logger.Info(ctx, "computed offline entitlements", "app_user_id", appUserID, "entitlements", len(info.Entitlements))
	return info, nil
}

// RefreshMappingIfStale fetches and stores the mapping when the stored one is
// missing or stale. It reports whether a fetch happened.
func (c *Computer) RefreshMappingIfStale(ctx context.Context) (bool, error) {
	stale, err := c.store.IsProductEntitlementMappingStale(ctx)
	if err != nil {
		return false, err
	}
	if !stale {
		return false, nil
	}
	if c.fetcher == nil {
		return false, fmt.Errorf("refresh entitlement mapping: %w", common.ErrNotConfigured)
	}

	_, err, _ = c.mappings.Do("mapping", func() (any, error) {
		m, err := c.fetcher.ProductEntitlementMapping(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch entitlement mapping: %w", err)
		}
		if err := c.store.CacheProductEntitlementMapping(ctx, m); err != nil {
			return nil, fmt.Errorf("store entitlement mapping: %w", err)
		}
		c.logger.Info(ctx, "entitlement mapping refreshed", "products", len(m.Mappings))
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
