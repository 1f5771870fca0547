package devserver

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/backend"
	"github.com/dmitrijs2005/purchasesync/internal/common"
	"github.com/dmitrijs2005/purchasesync/internal/timex"
)

var (
	// ErrAliasTaken is returned when the alias already belongs to another
	// subscriber.
	ErrAliasTaken = errors.New("app user id already belongs to another subscriber")
	ErrBlankID    = errors.New("app user id is blank")
)

// Attribute is a stored subscriber attribute.
type Attribute struct {
	Value     string
	UpdatedAt time.Time
}

// Grant adds a purchase to a subscriber. A zero Duration grants a lifetime
// non-subscription purchase.
type Grant struct {
	Entitlement string         `json:"entitlement"`
	ProductID   string         `json:"product_id"`
	Store       string         `json:"store"`
	Duration    timex.Duration `json:"duration"`
	Sandbox     bool           `json:"sandbox"`
}

type subscriber struct {
	originalID       string
	firstSeen        time.Time
	entitlements     map[string]backend.EntitlementWire
	subscriptions    map[string]backend.SubscriptionWire
	nonSubscriptions map[string][]backend.NonSubscriptionWire
	attributes       map[string]Attribute
}

// Store is an in-memory subscriber database. Aliases resolve to the
// subscriber they were merged into.
type Store struct {
	mu          sync.Mutex
	now         timex.Clock
	subscribers map[string]*subscriber
	aliases     map[string]string
}

func NewStore(now timex.Clock) *Store {
	return &Store{
		now:         now,
		subscribers: make(map[string]*subscriber),
		aliases:     make(map[string]string),
	}
}

func (s *Store) resolve(id string) string {
	if canonical, ok := s.aliases[id]; ok {
		return canonical
	}
	return id
}

func (s *Store) known(id string) bool {
	_, ok := s.subscribers[s.resolve(id)]
	return ok
}

// getOrCreate must be called with mu held.
func (s *Store) getOrCreate(id string) *subscriber {
	id = s.resolve(id)
	sub, ok := s.subscribers[id]
	if !ok {
		sub = &subscriber{
			originalID:       id,
			firstSeen:        s.now.Now().UTC(),
			entitlements:     make(map[string]backend.EntitlementWire),
			subscriptions:    make(map[string]backend.SubscriptionWire),
			nonSubscriptions: make(map[string][]backend.NonSubscriptionWire),
			attributes:       make(map[string]Attribute),
		}
		s.subscribers[id] = sub
	}
	return sub
}

func (sub *subscriber) wire() backend.SubscriberWire {
	w := backend.SubscriberWire{
		OriginalAppUserID: sub.originalID,
		FirstSeen:         sub.firstSeen,
		Entitlements:      make(map[string]backend.EntitlementWire, len(sub.entitlements)),
		Subscriptions:     make(map[string]backend.SubscriptionWire, len(sub.subscriptions)),
		NonSubscriptions:  make(map[string][]backend.NonSubscriptionWire, len(sub.nonSubscriptions)),
	}
	for k, v := range sub.entitlements {
		w.Entitlements[k] = v
	}
	for k, v := range sub.subscriptions {
		w.Subscriptions[k] = v
	}
	for k, v := range sub.nonSubscriptions {
		w.NonSubscriptions[k] = append([]backend.NonSubscriptionWire(nil), v...)
	}
	return w
}

// Subscriber returns the document for id, creating the subscriber on first
// sight.
func (s *Store) Subscriber(id string) (backend.SubscriberWire, error) {
	if strings.TrimSpace(id) == "" {
		return backend.SubscriberWire{}, ErrBlankID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreate(id).wire(), nil
}

// Identify logs currentID in as newID. An anonymous currentID unknown to
// newID is merged into it. created reports that newID was new.
func (s *Store) Identify(currentID, newID string) (backend.SubscriberWire, bool, error) {
	if strings.TrimSpace(currentID) == "" || strings.TrimSpace(newID) == "" {
		return backend.SubscriberWire{}, false, ErrBlankID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known(newID) {
		if strings.HasPrefix(currentID, common.AnonymousIDPrefix) && !s.known(currentID) {
			s.aliases[currentID] = s.resolve(newID)
		}
		return s.getOrCreate(newID).wire(), false, nil
	}

	if s.known(currentID) && strings.HasPrefix(currentID, common.AnonymousIDPrefix) {
		s.aliases[newID] = s.resolve(currentID)
		return s.getOrCreate(newID).wire(), true, nil
	}
	return s.getOrCreate(newID).wire(), true, nil
}

// Alias makes newID another name for currentID's subscriber.
func (s *Store) Alias(currentID, newID string) error {
	if strings.TrimSpace(currentID) == "" || strings.TrimSpace(newID) == "" {
		return ErrBlankID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.getOrCreate(currentID).originalID
	if s.known(newID) && s.resolve(newID) != target {
		return ErrAliasTaken
	}
	if newID != target {
		s.aliases[newID] = target
	}
	return nil
}

// SetAttributes stores attrs; older updates never overwrite newer ones.
func (s *Store) SetAttributes(id string, attrs map[string]Attribute) error {
	if strings.TrimSpace(id) == "" {
		return ErrBlankID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.getOrCreate(id)
	for k, a := range attrs {
		if cur, ok := sub.attributes[k]; ok && cur.UpdatedAt.After(a.UpdatedAt) {
			continue
		}
		sub.attributes[k] = a
	}
	return nil
}

// Attributes returns a copy of id's attributes.
func (s *Store) Attributes(id string) map[string]Attribute {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscribers[s.resolve(id)]
	if !ok {
		return nil
	}
	out := make(map[string]Attribute, len(sub.attributes))
	for k, v := range sub.attributes {
		out[k] = v
	}
	return out
}

// Grant records a purchase and the entitlement it unlocks.
func (s *Store) Grant(id string, g Grant) error {
	if strings.TrimSpace(id) == "" {
		return ErrBlankID
	}
	if g.Entitlement == "" || g.ProductID == "" {
		return errors.New("entitlement and product_id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.getOrCreate(id)
	now := s.now.Now().UTC()
	ent := backend.EntitlementWire{ProductIdentifier: g.ProductID, PurchaseDate: now}

	if g.Duration.Duration > 0 {
		exp := now.Add(g.Duration.Duration)
		ent.ExpiresDate = &exp
		sub.subscriptions[g.ProductID] = backend.SubscriptionWire{
			PurchaseDate: now,
			ExpiresDate:  &exp,
			Store:        g.Store,
			IsSandbox:    g.Sandbox,
			PeriodType:   "normal",
		}
	} else {
		sub.nonSubscriptions[g.ProductID] = append(sub.nonSubscriptions[g.ProductID], backend.NonSubscriptionWire{
			ID:           g.ProductID + "-" + now.Format("20060102150405.000"),
			PurchaseDate: now,
			Store:        g.Store,
			IsSandbox:    g.Sandbox,
		})
	}
	sub.entitlements[g.Entitlement] = ent
	return nil
}

// IDs lists every known app user id, aliases included, sorted.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.subscribers)+len(s.aliases))
	for id := range s.subscribers {
		ids = append(ids, id)
	}
	for id := range s.aliases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
