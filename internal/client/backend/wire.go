package backend

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/models"
)

// SubscriberResponse is the backend's subscriber document.
type SubscriberResponse struct {
	RequestDate   time.Time      `json:"request_date"`
	RequestDateMs int64          `json:"request_date_ms,omitempty"`
	Subscriber    SubscriberWire `json:"subscriber"`
}

type SubscriberWire struct {
	OriginalAppUserID string                           `json:"original_app_user_id"`
	FirstSeen         time.Time                        `json:"first_seen"`
	ManagementURL     *string                          `json:"management_url"`
	Entitlements      map[string]EntitlementWire       `json:"entitlements"`
	Subscriptions     map[string]SubscriptionWire      `json:"subscriptions"`
	NonSubscriptions  map[string][]NonSubscriptionWire `json:"non_subscriptions"`
}

type EntitlementWire struct {
	ProductIdentifier     string     `json:"product_identifier"`
	ProductPlanIdentifier string     `json:"product_plan_identifier,omitempty"`
	PurchaseDate          time.Time  `json:"purchase_date"`
	ExpiresDate           *time.Time `json:"expires_date"`
}

type SubscriptionWire struct {
	PurchaseDate            time.Time  `json:"purchase_date"`
	ExpiresDate             *time.Time `json:"expires_date"`
	Store                   string     `json:"store"`
	IsSandbox               bool       `json:"is_sandbox"`
	PeriodType              string     `json:"period_type"`
	UnsubscribeDetectedAt   *time.Time `json:"unsubscribe_detected_at"`
	BillingIssuesDetectedAt *time.Time `json:"billing_issues_detected_at"`
}

type NonSubscriptionWire struct {
	ID           string    `json:"id"`
	PurchaseDate time.Time `json:"purchase_date"`
	Store        string    `json:"store"`
	IsSandbox    bool      `json:"is_sandbox"`
}

type errorWire struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ParseCustomerInfo decodes a subscriber document and tags it, and every
// entitlement in it, with result.
func ParseCustomerInfo(body []byte, result models.VerificationResult) (*models.CustomerInfo, error) {
	var doc SubscriberResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode subscriber: %w", err)
	}
	return doc.CustomerInfo(result), nil
}

// CustomerInfo converts the document. Activity is judged at the request date.
func (r *SubscriberResponse) CustomerInfo(result models.VerificationResult) *models.CustomerInfo {
	requestDate := r.RequestDate
	if r.RequestDateMs > 0 {
		requestDate = time.UnixMilli(r.RequestDateMs).UTC()
	}
	s := r.Subscriber

	info := &models.CustomerInfo{
		OriginalAppUserID: s.OriginalAppUserID,
		RequestDate:       requestDate,
		FirstSeen:         s.FirstSeen,
		Entitlements:      make(map[string]models.EntitlementInfo, len(s.Entitlements)),
		Verification:      result,
	}
	if s.ManagementURL != nil {
		info.ManagementURL = *s.ManagementURL
	}

	for name, e := range s.Entitlements {
		sub, hasSub := s.Subscriptions[e.ProductIdentifier]
		ent := models.EntitlementInfo{
			Identifier:            name,
			IsActive:              models.IsActiveAt(e.ExpiresDate, requestDate),
			ProductIdentifier:     e.ProductIdentifier,
			ProductPlanIdentifier: e.ProductPlanIdentifier,
			PurchaseDate:          e.PurchaseDate,
			ExpirationDate:        e.ExpiresDate,
			Store:                 models.StoreUnknown,
			PeriodType:            models.PeriodNormal,
			Verification:          result,
		}
		if hasSub {
			ent.Store = parseStore(sub.Store)
			ent.IsSandbox = sub.IsSandbox
			if sub.PeriodType != "" {
				ent.PeriodType = models.PeriodType(sub.PeriodType)
			}
			ent.WillRenew = e.ExpiresDate != nil && sub.UnsubscribeDetectedAt == nil && sub.BillingIssuesDetectedAt == nil
		} else if purchases, ok := s.NonSubscriptions[e.ProductIdentifier]; ok && len(purchases) > 0 {
			ent.Store = parseStore(purchases[0].Store)
			ent.IsSandbox = purchases[0].IsSandbox
		}
		info.Entitlements[name] = ent
	}

	all := make(map[string]struct{})
	for id, sub := range s.Subscriptions {
		all[id] = struct{}{}
		if models.IsActiveAt(sub.ExpiresDate, requestDate) {
			info.ActiveSubscriptions = append(info.ActiveSubscriptions, id)
		}
	}
	for id := range s.NonSubscriptions {
		all[id] = struct{}{}
	}
	sort.Strings(info.ActiveSubscriptions)
	info.AllPurchasedProductIDs = models.SortedKeys(all)
	return info
}

func parseStore(s string) models.Store {
	switch st := models.Store(s); st {
	case models.StorePlayStore, models.StoreAmazon, models.StoreAppStore, models.StorePromotional:
		return st
	default:
		return models.StoreUnknown
	}
}
