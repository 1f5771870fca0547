// Package devicecache is the durable per-device store: the current app user
// id, per-user CustomerInfo snapshots with their fetch timestamps, the product
// entitlement mapping and subscriber attributes.
//
// Per-user entries live under one key namespace. Every write that touches
// more than one key runs in a single SQLite transaction, so concurrent readers
// observe either the previous or the next state, never a mix.
package devicecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/client/repositories/kv"
	"github.com/dmitrijs2005/purchasesync/internal/cryptox"
	"github.com/dmitrijs2005/purchasesync/internal/dbx"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
	"github.com/dmitrijs2005/purchasesync/internal/metrics"
	"github.com/dmitrijs2005/purchasesync/internal/timex"
)

// SchemaVersion is written with every cached CustomerInfo. Snapshots with a
// different version are treated as absent.
const SchemaVersion = 3

const (
	DefaultForegroundTTL = 5 * time.Minute
	DefaultBackgroundTTL = 24 * time.Hour
	DefaultMappingTTL    = 25 * time.Hour
)

// DB is what the cache needs from the database handle. *sql.DB satisfies it.
type DB interface {
	dbx.DBTX
	dbx.Beginner
}

type Config struct {
	Prefix        string
	ForegroundTTL time.Duration
	BackgroundTTL time.Duration
	MappingTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.ForegroundTTL <= 0 {
		c.ForegroundTTL = DefaultForegroundTTL
	}
	if c.BackgroundTTL <= 0 {
		c.BackgroundTTL = DefaultBackgroundTTL
	}
	if c.MappingTTL <= 0 {
		c.MappingTTL = DefaultMappingTTL
	}
	return c
}

type Cache struct {
	db      DB
	repo    kv.Repository
	keys    keys
	cfg     Config
	sealer  cryptox.Sealer
	now     timex.Clock
	logger  logging.Logger
	metrics *metrics.Metrics
}

type Option func(*Cache)

// WithSealer encrypts CustomerInfo, mapping and attribute blobs at rest.
func WithSealer(s cryptox.Sealer) Option {
	return func(c *Cache) { c.sealer = s }
}

func WithClock(now timex.Clock) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l logging.Logger) Option {
	return func(c *Cache) { c.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

func New(db DB, cfg Config, opts ...Option) *Cache {
	cfg = cfg.withDefaults()
	c := &Cache{
		db:     db,
		repo:   kv.NewSQLiteRepository(db),
		keys:   keys{prefix: cfg.Prefix},
		cfg:    cfg,
		sealer: cryptox.PlainSealer{},
		logger: logging.NopLogger{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Config() Config { return c.cfg }

// Keys lists the stored keys of this cache's namespace in lexical order.
// Rows written by other prefixes sharing the table are left out.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.repo.List(ctx, c.keys.prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for k := range rows {
		if k == c.keys.prefix || strings.HasPrefix(k, c.keys.prefix+".") {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out, nil
}

// inTx runs fn against a repository bound to one transaction.
func (c *Cache) inTx(ctx context.Context, fn func(ctx context.Context, repo kv.Repository) error) error {
	return dbx.WithTx(ctx, c.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, kv.NewSQLiteRepository(tx))
	})
}

// CachedAppUserID returns the current app user id, or "" when none is stored.
func (c *Cache) CachedAppUserID(ctx context.Context) (string, error) {
	return c.getString(ctx, c.repo, c.keys.appUserID())
}

// LegacyCachedAppUserID returns the id stored by older installs under the
// bare prefix key. It is never written.
func (c *Cache) LegacyCachedAppUserID(ctx context.Context) (string, error) {
	return c.getString(ctx, c.repo, c.keys.legacyAppUserID())
}

func (c *Cache) CacheAppUserID(ctx context.Context, appUserID string) error {
	return c.repo.Set(ctx, c.keys.appUserID(), []byte(appUserID))
}

func (c *Cache) getString(ctx context.Context, repo kv.Repository, key string) (string, error) {
	v, err := repo.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

type customerInfoEnvelope struct {
	SchemaVersion      int                       `json:"schema_version"`
	VerificationResult models.VerificationResult `json:"verification_result"`
	CustomerInfo       json.RawMessage           `json:"customer_info"`
}

// CachedCustomerInfo returns the stored snapshot for appUserID, or nil when
// there is none or it cannot be read back (wrong schema, undecodable, sealed
// with another key).
func (c *Cache) CachedCustomerInfo(ctx context.Context, appUserID string) (*models.CustomerInfo, error) {
	raw, err := c.repo.Get(ctx, c.keys.customerInfo(appUserID))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		c.metrics.ObserveCacheLookup("device", "miss")
		return nil, nil
	}

	info, err := c.decodeCustomerInfo(raw)
	if err != nil {
		c.logger.Warn(ctx, "discarding unreadable cached customer info", "app_user_id", appUserID, "error", err)
		c.metrics.ObserveCacheLookup("device", "miss")
		return nil, nil
	}
	c.metrics.ObserveCacheLookup("device", "hit")
	return info, nil
}

func (c *Cache) decodeCustomerInfo(raw []byte) (*models.CustomerInfo, error) {
	plain, err := c.sealer.Open(raw)
	if err != nil {
		return nil, err
	}
	var env customerInfoEnvelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("schema version %d, want %d", env.SchemaVersion, SchemaVersion)
	}
	var info models.CustomerInfo
	if err := json.Unmarshal(env.CustomerInfo, &info); err != nil {
		return nil, fmt.Errorf("decode customer info: %w", err)
	}
	info.Verification = env.VerificationResult
	return &info, nil
}

func (c *Cache) encodeCustomerInfo(info *models.CustomerInfo) ([]byte, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode customer info: %w", err)
	}
	env, err := json.Marshal(customerInfoEnvelope{
		SchemaVersion:      SchemaVersion,
		VerificationResult: info.Verification,
		CustomerInfo:       body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return c.sealer.Seal(env)
}

// CacheCustomerInfo stores info and stamps it with the current time in one
// transaction.
func (c *Cache) CacheCustomerInfo(ctx context.Context, appUserID string, info *models.CustomerInfo) error {
	if info == nil {
		return errors.New("cache customer info: nil info")
	}
	blob, err := c.encodeCustomerInfo(info)
	if err != nil {
		return err
	}
	stamp := encodeTime(c.now.Now())
	return c.inTx(ctx, func(ctx context.Context, repo kv.Repository) error {
		if err := repo.Set(ctx, c.keys.customerInfo(appUserID), blob); err != nil {
			return err
		}
		return repo.Set(ctx, c.keys.customerInfoUpdated(appUserID), stamp)
	})
}

// CustomerInfoLastUpdated returns when appUserID's snapshot was last stored;
// ok is false when no timestamp is set.
func (c *Cache) CustomerInfoLastUpdated(ctx context.Context, appUserID string) (t time.Time, ok bool, err error) {
	return c.getTime(ctx, c.keys.customerInfoUpdated(appUserID))
}

// IsCustomerInfoCacheStale applies the background TTL when appInBackground
// and the foreground TTL otherwise. A missing timestamp is stale.
func (c *Cache) IsCustomerInfoCacheStale(ctx context.Context, appUserID string, appInBackground bool) (bool, error) {
	ttl := c.cfg.ForegroundTTL
	if appInBackground {
		ttl = c.cfg.BackgroundTTL
	}
	updated, ok, err := c.CustomerInfoLastUpdated(ctx, appUserID)
	if err != nil {
		return true, err
	}
	return !ok || c.now.Now().Sub(updated) > ttl, nil
}

// ClearCustomerInfoCacheTimestamp forces the next lookup to refetch while
// keeping the snapshot available.
func (c *Cache) ClearCustomerInfoCacheTimestamp(ctx context.Context, appUserID string) error {
	return c.repo.Delete(ctx, c.keys.customerInfoUpdated(appUserID))
}

// ClearCachesForAppUserID removes every entry in appUserID's namespace.
func (c *Cache) ClearCachesForAppUserID(ctx context.Context, appUserID string) error {
	return c.inTx(ctx, func(ctx context.Context, repo kv.Repository) error {
		return c.clearUser(ctx, repo, appUserID)
	})
}

func (c *Cache) clearUser(ctx context.Context, repo kv.Repository, appUserID string) error {
	n, err := repo.DeletePrefix(ctx, c.keys.userNamespace(appUserID))
	if err != nil {
		return err
	}
	c.logger.Debug(ctx, "cleared user caches", "app_user_id", appUserID, "entries", n)
	return nil
}

// SwitchUser clears oldID's namespace and synced attributes, makes newID
// current and, when info is not nil, stores it as newID's snapshot. All of it
// happens in one transaction. An empty oldID only sets the pointer.
func (c *Cache) SwitchUser(ctx context.Context, oldID, newID string, info *models.CustomerInfo) error {
	var blob []byte
	if info != nil {
		var err error
		if blob, err = c.encodeCustomerInfo(info); err != nil {
			return err
		}
	}
	stamp := encodeTime(c.now.Now())
	return c.inTx(ctx, func(ctx context.Context, repo kv.Repository) error {
		if oldID != "" {
			if err := c.clearUser(ctx, repo, oldID); err != nil {
				return err
			}
			if err := c.clearSyncedAttributes(ctx, repo, oldID); err != nil {
				return err
			}
		}
		if err := repo.Set(ctx, c.keys.appUserID(), []byte(newID)); err != nil {
			return err
		}
		if blob == nil {
			return nil
		}
		if err := repo.Set(ctx, c.keys.customerInfo(newID), blob); err != nil {
			return err
		}
		return repo.Set(ctx, c.keys.customerInfoUpdated(newID), stamp)
	})
}

func (c *Cache) CacheProductEntitlementMapping(ctx context.Context, m *models.ProductEntitlementMapping) error {
	if m == nil {
		return errors.New("cache mapping: nil mapping")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	blob, err := c.sealer.Seal(body)
	if err != nil {
		return err
	}
	stamp := encodeTime(c.now.Now())
	return c.inTx(ctx, func(ctx context.Context, repo kv.Repository) error {
		if err := repo.Set(ctx, c.keys.mapping(), blob); err != nil {
			return err
		}
		return repo.Set(ctx, c.keys.mappingUpdated(), stamp)
	})
}

// CachedProductEntitlementMapping returns the stored mapping and when it was
// stored, or nil when absent or unreadable.
func (c *Cache) CachedProductEntitlementMapping(ctx context.Context) (*models.ProductEntitlementMapping, time.Time, error) {
	raw, err := c.repo.Get(ctx, c.keys.mapping())
	if err != nil || raw == nil {
		return nil, time.Time{}, err
	}
	updated, ok, err := c.getTime(ctx, c.keys.mappingUpdated())
	if err != nil {
		return nil, time.Time{}, err
	}
	if !ok {
		return nil, time.Time{}, nil
	}

	plain, err := c.sealer.Open(raw)
	if err != nil {
		c.logger.Warn(ctx, "discarding unreadable entitlement mapping", "error", err)
		return nil, time.Time{}, nil
	}
	var m models.ProductEntitlementMapping
	if err := json.Unmarshal(plain, &m); err != nil {
		c.logger.Warn(ctx, "discarding undecodable entitlement mapping", "error", err)
		return nil, time.Time{}, nil
	}
	return &m, updated, nil
}

// IsProductEntitlementMappingStale reports true when no mapping timestamp is
// stored or it is older than the mapping TTL.
func (c *Cache) IsProductEntitlementMappingStale(ctx context.Context) (bool, error) {
	updated, ok, err := c.getTime(ctx, c.keys.mappingUpdated())
	if err != nil {
		return true, err
	}
	return !ok || c.IsMappingStaleAt(updated), nil
}

// IsMappingStaleAt applies the mapping TTL to a stored timestamp.
func (c *Cache) IsMappingStaleAt(updated time.Time) bool {
	return c.now.Now().Sub(updated) > c.cfg.MappingTTL
}

func (c *Cache) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	raw, err := c.repo.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, err
	}
	if raw == nil {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		c.logger.Warn(ctx, "ignoring malformed timestamp", "key", key, "error", err)
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func encodeTime(t time.Time) []byte {
	return []byte(strconv.FormatInt(t.UnixMilli(), 10))
}
