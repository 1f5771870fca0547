package devicecache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/client/repositories/kv"
)

// SetAttributes stores values for appUserID as unsynced, replacing earlier
// values with the same key.
func (c *Cache) SetAttributes(ctx context.Context, appUserID string, values map[string]string) error {
	now := c.now.Now()
	return c.inTx(ctx, func(ctx context.Context, repo kv.Repository) error {
		attrs, err := c.loadAttributes(ctx, repo, appUserID)
		if err != nil {
			return err
		}
		for k, v := range values {
			attrs[k] = models.SubscriberAttribute{Value: v, SetAt: now}
		}
		return c.storeAttributes(ctx, repo, appUserID, attrs)
	})
}

// Attributes returns every stored attribute of appUserID.
func (c *Cache) Attributes(ctx context.Context, appUserID string) (map[string]models.SubscriberAttribute, error) {
	return c.loadAttributes(ctx, c.repo, appUserID)
}

// UnsyncedAttributes returns the attributes still waiting to be sent.
func (c *Cache) UnsyncedAttributes(ctx context.Context, appUserID string) (map[string]models.SubscriberAttribute, error) {
	attrs, err := c.loadAttributes(ctx, c.repo, appUserID)
	if err != nil {
		return nil, err
	}
	for k, a := range attrs {
		if a.Synced {
			delete(attrs, k)
		}
	}
	return attrs, nil
}

// MarkAttributesSynced flags the given attributes as accepted. An attribute
// set again after sent was captured keeps its unsynced state.
func (c *Cache) MarkAttributesSynced(ctx context.Context, appUserID string, sent map[string]models.SubscriberAttribute) error {
	return c.inTx(ctx, func(ctx context.Context, repo kv.Repository) error {
		attrs, err := c.loadAttributes(ctx, repo, appUserID)
		if err != nil {
			return err
		}
		for k, s := range sent {
			if a, ok := attrs[k]; ok && a.SetAt.Equal(s.SetAt) && a.Value == s.Value {
				a.Synced = true
				attrs[k] = a
			}
		}
		return c.storeAttributes(ctx, repo, appUserID, attrs)
	})
}

// ClearSyncedAttributes drops the synced attributes of appUserID; unsynced
// ones stay until they are delivered.
func (c *Cache) ClearSyncedAttributes(ctx context.Context, appUserID string) error {
	return c.inTx(ctx, func(ctx context.Context, repo kv.Repository) error {
		return c.clearSyncedAttributes(ctx, repo, appUserID)
	})
}

func (c *Cache) clearSyncedAttributes(ctx context.Context, repo kv.Repository, appUserID string) error {
	attrs, err := c.loadAttributes(ctx, repo, appUserID)
	if err != nil {
		return err
	}
	for k, a := range attrs {
		if a.Synced {
			delete(attrs, k)
		}
	}
	return c.storeAttributes(ctx, repo, appUserID, attrs)
}

func (c *Cache) loadAttributes(ctx context.Context, repo kv.Repository, appUserID string) (map[string]models.SubscriberAttribute, error) {
	attrs := make(map[string]models.SubscriberAttribute)
	raw, err := repo.Get(ctx, c.keys.attributes(appUserID))
	if err != nil || raw == nil {
		return attrs, err
	}
	plain, err := c.sealer.Open(raw)
	if err != nil {
		c.logger.Warn(ctx, "discarding unreadable subscriber attributes", "app_user_id", appUserID, "error", err)
		return attrs, nil
	}
	if err := json.Unmarshal(plain, &attrs); err != nil {
		return nil, fmt.Errorf("decode subscriber attributes: %w", err)
	}
	return attrs, nil
}

func (c *Cache) storeAttributes(ctx context.Context, repo kv.Repository, appUserID string, attrs map[string]models.SubscriberAttribute) error {
	key := c.keys.attributes(appUserID)
	if len(attrs) == 0 {
		return repo.Delete(ctx, key)
	}
	body, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode subscriber attributes: %w", err)
	}
	blob, err := c.sealer.Seal(body)
	if err != nil {
		return err
	}
	return repo.Set(ctx, key, blob)
}
