// Package customerinfo serves CustomerInfo for the current user from memory,
// the device cache or the backend, in that order, and falls back to offline
// entitlements when the backend cannot be reached.
//
// At most one backend fetch per app user id is in flight; concurrent callers
// share its result. A fetch that finishes after the user switched is dropped
// instead of being written into the new user's cache.
package customerinfo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/memcache"
	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/common"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
	"github.com/dmitrijs2005/purchasesync/internal/metrics"
	"github.com/dmitrijs2005/purchasesync/internal/timex"
	"golang.org/x/sync/singleflight"
)

// ErrNoCachedCustomerInfo is returned by FromCacheOnly when nothing is cached.
var ErrNoCachedCustomerInfo = errors.New("no cached customer info")

// FetchPolicy decides between cached data and a backend fetch.
type FetchPolicy int

const (
	// CachedOrFetched returns cached data when present, refreshing it in the
	// background when stale, and fetches only when nothing is cached.
	CachedOrFetched FetchPolicy = iota
	// FetchCurrent always fetches.
	FetchCurrent
	// NotStaleCachedOrFetched returns cached data only while it is fresh.
	NotStaleCachedOrFetched
	// FromCacheOnly never fetches.
	FromCacheOnly
)

func (p FetchPolicy) String() string {
	switch p {
	case FetchCurrent:
		return "fetch_current"
	case NotStaleCachedOrFetched:
		return "not_stale_cached_or_fetched"
	case FromCacheOnly:
		return "from_cache_only"
	default:
		return "cached_or_fetched"
	}
}

// Cache is the part of the device cache the manager uses.
type Cache interface {
	CachedCustomerInfo(ctx context.Context, appUserID string) (*models.CustomerInfo, error)
	CacheCustomerInfo(ctx context.Context, appUserID string, info *models.CustomerInfo) error
	IsCustomerInfoCacheStale(ctx context.Context, appUserID string, appInBackground bool) (bool, error)
	ClearCustomerInfoCacheTimestamp(ctx context.Context, appUserID string) error
	ClearCachesForAppUserID(ctx context.Context, appUserID string) error
}

type Fetcher interface {
	GetCustomerInfo(ctx context.Context, appUserID string) (*models.CustomerInfo, error)
}

type OfflineComputer interface {
	Compute(ctx context.Context, appUserID string) (*models.CustomerInfo, error)
}

// Identity tells whose data may be written.
type Identity interface {
	CurrentAppUserID() string
	CommitIfCurrent(appUserID string, fn func() error) (bool, error)
}

// UpdateListener is called after a new CustomerInfo was committed for the
// current user.
type UpdateListener func(appUserID string, info *models.CustomerInfo)

type entry struct {
	appUserID string
	info      *models.CustomerInfo
}

// DefaultMemoryTTL is how long a fetched value is served from memory without
// touching the device cache.
const DefaultMemoryTTL = 5 * time.Minute

type Manager struct {
	cache    Cache
	fetcher  Fetcher
	identity Identity
	offline  OfflineComputer

	memoryTTL  time.Duration
	memory     *memcache.Object[entry]
	offlineMem *memcache.Object[entry]
	background atomic.Bool
	fetches    singleflight.Group
	refreshes  sync.WaitGroup

	listeners []UpdateListener
	logger    logging.Logger
	metrics   *metrics.Metrics
}

type Option func(*Manager)

// WithOffline enables the offline fallback.
func WithOffline(c OfflineComputer) Option {
	return func(m *Manager) { m.offline = c }
}

func WithMemoryTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.memoryTTL = ttl
		}
	}
}

func WithUpdateListener(fn UpdateListener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, fn) }
}

func WithClock(now timex.Clock) Option {
	return func(m *Manager) {
		m.memory = memcache.New[entry](now)
		m.offlineMem = memcache.New[entry](now)
	}
}

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(cache Cache, fetcher Fetcher, identity Identity, opts ...Option) *Manager {
	m := &Manager{
		cache:      cache,
		fetcher:    fetcher,
		identity:   identity,
		memoryTTL:  DefaultMemoryTTL,
		memory:     memcache.New[entry](nil),
		offlineMem: memcache.New[entry](nil),
		logger:     logging.NopLogger{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetAppInBackground selects the background TTL for staleness checks.
func (m *Manager) SetAppInBackground(v bool) { m.background.Store(v) }

func (m *Manager) currentUser() (string, error) {
	id := m.identity.CurrentAppUserID()
	if id == "" {
		return "", fmt.Errorf("customer info: %w", common.ErrNotConfigured)
	}
	return id, nil
}

// CustomerInfo returns the current user's CustomerInfo under policy.
func (m *Manager) CustomerInfo(ctx context.Context, policy FetchPolicy) (*models.CustomerInfo, error) {
	id, err := m.currentUser()
	if err != nil {
		return nil, err
	}

	if policy == FetchCurrent {
		return m.Fetch(ctx, id)
	}

	info, stale, err := m.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	switch policy {
	case FromCacheOnly:
		if info == nil {
			return nil, ErrNoCachedCustomerInfo
		}
		return info, nil
	case NotStaleCachedOrFetched:
		if info != nil && !stale {
			return info, nil
		}
		return m.Fetch(ctx, id)
	default:
		if info == nil {
			return m.Fetch(ctx, id)
		}
		if stale {
			m.refreshInBackground(ctx, id)
		}
		return info, nil
	}
}

// lookup finds cached data for id. Offline results are always stale so a
// fetch keeps being attempted.
func (m *Manager) lookup(ctx context.Context, id string) (*models.CustomerInfo, bool, error) {
	if e, ok := m.memory.GetFresh(m.memoryTTL); ok && e.appUserID == id {
		m.metrics.ObserveCacheLookup("memory", "hit")
		return e.info, false, nil
	}
	m.metrics.ObserveCacheLookup("memory", "miss")

	if e, ok := m.offlineMem.Get(); ok && e.appUserID == id {
		return e.info, true, nil
	}

	info, err := m.cache.CachedCustomerInfo(ctx, id)
	if err != nil {
		return nil, true, fmt.Errorf("read cached customer info: %w", err)
	}
	if info == nil {
		return nil, true, nil
	}
	stale, err := m.cache.IsCustomerInfoCacheStale(ctx, id, m.background.Load())
	if err != nil {
		return nil, true, fmt.Errorf("check customer info staleness: %w", err)
	}
	return info, stale, nil
}

// Fetch gets id's CustomerInfo from the backend and commits it. Concurrent
// calls for the same id share one fetch. When the backend is down, the
// offline result is returned instead, if one can be computed.
func (m *Manager) Fetch(ctx context.Context, id string) (*models.CustomerInfo, error) {
	ch := m.fetches.DoChan(id, func() (any, error) {
		return m.fetch(context.WithoutCancel(ctx), id)
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

func (m *Manager) fetch(ctx context.Context, id string) (*models.CustomerInfo, error) {
	info, err := m.fetcher.GetCustomerInfo(ctx, id)
	if err == nil {
		if _, err := m.Commit(ctx, id, info); err != nil {
			return nil, err
		}
		return info, nil
	}

	if m.offline == nil || !common.IsServerDown(err) {
		return nil, err
	}

	m.logger.Warn(ctx, "backend unreachable, computing offline entitlements", "app_user_id", id, "error", err)
	offline, oerr := m.offline.Compute(ctx, id)
	if oerr != nil {
		return nil, errors.Join(err, oerr)
	}
	committed, cerr := m.identity.CommitIfCurrent(id, func() error {
		m.offlineMem.CacheInstance(entry{appUserID: id, info: offline})
		return nil
	})
	if cerr != nil {
		return nil, cerr
	}
	if committed {
		m.notify(id, offline)
	}
	return offline, nil
}

// Commit stores info for id if id is still the current user and reports
// whether it did.
func (m *Manager) Commit(ctx context.Context, id string, info *models.CustomerInfo) (bool, error) {
	committed, err := m.identity.CommitIfCurrent(id, func() error {
		if err := m.cache.CacheCustomerInfo(ctx, id, info); err != nil {
			return fmt.Errorf("cache customer info: %w", err)
		}
		m.memory.CacheInstance(entry{appUserID: id, info: info})
		m.offlineMem.ClearCache()
		return nil
	})
	if err != nil {
		return false, err
	}
	if !committed {
		m.logger.Info(ctx, "dropping customer info of a user that is no longer current", "app_user_id", id)
		return false, nil
	}
	m.notify(id, info)
	return true, nil
}

func (m *Manager) notify(id string, info *models.CustomerInfo) {
	for _, fn := range m.listeners {
		fn(id, info)
	}
}

func (m *Manager) refreshInBackground(ctx context.Context, id string) {
	m.refreshes.Add(1)
	go func() {
		defer m.refreshes.Done()
		ctx := context.WithoutCancel(ctx)
		if _, err := m.Fetch(ctx, id); err != nil {
			m.logger.Warn(ctx, "background customer info refresh failed", "app_user_id", id, "error", err)
		}
	}()
}

// Wait blocks until background refreshes started so far have finished.
func (m *Manager) Wait() { m.refreshes.Wait() }

// Invalidate makes the current user's data stale without discarding it.
func (m *Manager) Invalidate(ctx context.Context) error {
	id, err := m.currentUser()
	if err != nil {
		return err
	}
	m.memory.ClearCacheTimestamp()
	if err := m.cache.ClearCustomerInfoCacheTimestamp(ctx, id); err != nil {
		return fmt.Errorf("invalidate customer info: %w", err)
	}
	return nil
}

// DropUnverified deletes id's cached CustomerInfo when it was stored without
// a verification result. Used when verification has been turned on since.
func (m *Manager) DropUnverified(ctx context.Context, id string) (bool, error) {
	info, err := m.cache.CachedCustomerInfo(ctx, id)
	if err != nil {
		return false, err
	}
	if info == nil || info.Verification != models.VerificationNotRequested {
		return false, nil
	}
	m.memory.ClearCache()
	if err := m.cache.ClearCachesForAppUserID(ctx, id); err != nil {
		return false, fmt.Errorf("drop unverified customer info: %w", err)
	}
	m.logger.Info(ctx, "dropped customer info cached without verification", "app_user_id", id)
	return true, nil
}

// UserSwitched forgets in-memory data of the previous user.
func (m *Manager) UserSwitched() {
	m.memory.ClearCache()
	m.offlineMem.ClearCache()
}
