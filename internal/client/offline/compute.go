package offline

import (
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/common"
)

// DefaultExpirationGrace is applied to subscriptions whose store record has
// no expiration.
const DefaultExpirationGrace = 24 * time.Hour

// ComputeCustomerInfo derives a CustomerInfo for appUserID from mapping and
// the active purchases. It fails when mapping is nil or any purchase is an
// in-app product; it never returns a partial result. When several purchases
// grant the same entitlement the one expiring last wins.
func ComputeCustomerInfo(appUserID string, mapping *models.ProductEntitlementMapping, purchases []models.PurchaseRecord, now time.Time) (*models.CustomerInfo, error) {
	if mapping == nil {
		return nil, &common.OfflineUnavailableError{Reason: common.OfflineReasonMappingRequired}
	}
	for _, p := range purchases {
		if p.Type == models.PurchaseTypeInApp {
			return nil, &common.OfflineUnavailableError{Reason: common.OfflineReasonInAppPurchases}
		}
	}

	entitlements := make(map[string]models.EntitlementInfo)
	active := make(map[string]struct{})
	all := make(map[string]struct{})

	for _, p := range purchases {
		exp := now.Add(DefaultExpirationGrace)
		if p.ExpirationTime != nil {
			exp = *p.ExpirationTime
		}

		for _, productID := range p.ProductIDs {
			id := productID
			if p.BasePlanID != "" {
				id = productID + ":" + p.BasePlanID
			}
			all[id] = struct{}{}
			if exp.After(now) {
				active[id] = struct{}{}
			}

			m, ok := mapping.Lookup(productID, p.BasePlanID)
			if !ok {
				continue
			}
			for _, name := range m.Entitlements {
				if prev, ok := entitlements[name]; ok && prev.ExpirationDate != nil && !exp.After(*prev.ExpirationDate) {
					continue
				}
				e := exp
				entitlements[name] = models.EntitlementInfo{
					Identifier:            name,
					IsActive:              exp.After(now),
					WillRenew:             p.IsAutoRenewing,
					ProductIdentifier:     productID,
					ProductPlanIdentifier: p.BasePlanID,
					PurchaseDate:          p.PurchaseTime,
					ExpirationDate:        &e,
					Store:                 storeOrUnknown(p.Store),
					IsSandbox:             false,
					PeriodType:            models.PeriodNormal,
					Verification:          models.VerificationVerifiedOnDevice,
				}
			}
		}
	}

	return &models.CustomerInfo{
		OriginalAppUserID:      appUserID,
		RequestDate:            now,
		FirstSeen:              now,
		Entitlements:           entitlements,
		ActiveSubscriptions:    models.SortedKeys(active),
		AllPurchasedProductIDs: models.SortedKeys(all),
		Verification:           models.VerificationVerifiedOnDevice,
	}, nil
}

func storeOrUnknown(s models.Store) models.Store {
	if s == "" {
		return models.StoreUnknown
	}
	return s
}
