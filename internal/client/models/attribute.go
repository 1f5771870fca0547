package models

import "time"

// SubscriberAttribute is a caller-set key/value pushed to the backend
// alongside the subscriber. Synced is set once the backend accepted it.
type SubscriberAttribute struct {
	Value  string    `json:"value"`
	SetAt  time.Time `json:"set_at"`
	Synced bool      `json:"synced"`
}
