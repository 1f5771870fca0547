package models

import "time"

// PurchaseType distinguishes auto-renewing subscriptions from one-off
// in-app products.
type PurchaseType int

const (
	PurchaseTypeSubscription PurchaseType = iota
	PurchaseTypeInApp
)

func (t PurchaseType) String() string {
	if t == PurchaseTypeInApp {
		return "inapp"
	}
	return "subs"
}

// PurchaseRecord is an active device-level purchase as reported by a billing
// adapter.
type PurchaseRecord struct {
	ProductIDs     []string
	BasePlanID     string
	Type           PurchaseType
	PurchaseTime   time.Time
	ExpirationTime *time.Time
	Store          Store
	OrderID        string
	PurchaseToken  string
	IsAutoRenewing bool
}
