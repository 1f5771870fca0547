package models

import (
	"sort"
	"time"
)

// Store is the marketplace a purchase was made in.
type Store string

const (
	StorePlayStore   Store = "play_store"
	StoreAmazon      Store = "amazon"
	StoreAppStore    Store = "app_store"
	StorePromotional Store = "promotional"
	StoreUnknown     Store = "unknown_store"
)

// PeriodType of an entitlement's current billing period.
type PeriodType string

const (
	PeriodNormal PeriodType = "normal"
	PeriodIntro  PeriodType = "intro"
	PeriodTrial  PeriodType = "trial"
)

// EntitlementInfo is one named right-to-access.
type EntitlementInfo struct {
	Identifier            string             `json:"identifier"`
	IsActive              bool               `json:"is_active"`
	WillRenew             bool               `json:"will_renew"`
	ProductIdentifier     string             `json:"product_identifier"`
	ProductPlanIdentifier string             `json:"product_plan_identifier,omitempty"`
	PurchaseDate          time.Time          `json:"purchase_date"`
	ExpirationDate        *time.Time         `json:"expiration_date,omitempty"`
	Store                 Store              `json:"store"`
	IsSandbox             bool               `json:"is_sandbox"`
	PeriodType            PeriodType         `json:"period_type"`
	Verification          VerificationResult `json:"verification"`
}

// CustomerInfo is a point-in-time snapshot of a subscriber's entitlements and
// purchase history.
type CustomerInfo struct {
	OriginalAppUserID      string                     `json:"original_app_user_id"`
	RequestDate            time.Time                  `json:"request_date"`
	FirstSeen              time.Time                  `json:"first_seen"`
	Entitlements           map[string]EntitlementInfo `json:"entitlements"`
	ActiveSubscriptions    []string                   `json:"active_subscriptions"`
	AllPurchasedProductIDs []string                   `json:"all_purchased_product_ids"`
	ManagementURL          string                     `json:"management_url,omitempty"`
	Verification           VerificationResult         `json:"verification"`
}

// ActiveEntitlements returns the active entitlements keyed by identifier.
func (c *CustomerInfo) ActiveEntitlements() map[string]EntitlementInfo {
	active := make(map[string]EntitlementInfo)
	for id, e := range c.Entitlements {
		if e.IsActive {
			active[id] = e
		}
	}
	return active
}

// HasActiveEntitlement reports whether the named entitlement is active.
func (c *CustomerInfo) HasActiveEntitlement(id string) bool {
	e, ok := c.Entitlements[id]
	return ok && e.IsActive
}

// LatestExpirationDate is the furthest expiration among entitlements, or nil
// when none expires.
func (c *CustomerInfo) LatestExpirationDate() *time.Time {
	var latest *time.Time
	for _, e := range c.Entitlements {
		if e.ExpirationDate != nil && (latest == nil || e.ExpirationDate.After(*latest)) {
			d := *e.ExpirationDate
			latest = &d
		}
	}
	return latest
}

// IsActiveAt reports whether an entitlement expiring at exp is active at t.
// A nil expiration never expires.
func IsActiveAt(exp *time.Time, t time.Time) bool {
	return exp == nil || exp.After(t)
}

// SortedKeys returns the keys of set in ascending order.
func SortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
