// Package sdk wires the client components into one handle per configured
// app. Handles share nothing; two handles over different databases are fully
// independent.
package sdk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/backend"
	"github.com/dmitrijs2005/purchasesync/internal/client/client"
	"github.com/dmitrijs2005/purchasesync/internal/client/customerinfo"
	"github.com/dmitrijs2005/purchasesync/internal/client/devicecache"
	"github.com/dmitrijs2005/purchasesync/internal/client/dispatcher"
	"github.com/dmitrijs2005/purchasesync/internal/client/identity"
	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/client/offline"
	"github.com/dmitrijs2005/purchasesync/internal/client/verification"
	"github.com/dmitrijs2005/purchasesync/internal/cryptox"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
	"github.com/dmitrijs2005/purchasesync/internal/metrics"
	"github.com/dmitrijs2005/purchasesync/internal/timex"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrNoBackend is returned by New when neither Transport nor BackendURL is set.
var ErrNoBackend = errors.New("sdk: no transport or backend url")

// Options configures New. Zero values select defaults; DB or DatabasePath and
// Transport or BackendURL are required.
type Options struct {
	APIKey    string
	AppUserID string

	// DB is used as is and not closed by Close. When nil, DatabasePath is
	// opened and migrated.
	DB           *sql.DB
	DatabasePath string

	Transport  backend.Transport
	BackendURL string
	HTTPClient *http.Client

	VerificationMode verification.Mode
	RootKeys         []string

	// CacheSecret, when set, seals cached values with a key derived from it.
	CacheSecret string
	Cache       devicecache.Config
	Dispatcher  dispatcher.Config
	MemoryTTL   time.Duration

	// Purchases enables the offline fallback.
	Purchases offline.PurchaseQuerier

	Logger     logging.Logger
	Registerer prometheus.Registerer
	Clock      timex.Clock
}

// SDK is a configured handle. All methods are safe for concurrent use.
type SDK struct {
	db       *sql.DB
	ownsDB   bool
	cache    *devicecache.Cache
	backend  *backend.Client
	identity *identity.Manager
	offline  *offline.Computer
	customer *customerinfo.Manager
	metrics  *metrics.Metrics
	logger   logging.Logger

	mu        sync.RWMutex
	listeners []customerinfo.UpdateListener
}

// New builds a handle and resolves the starting app user. A cached
// CustomerInfo stored without verification is dropped when verification is
// enabled now.
func New(ctx context.Context, opts Options) (*SDK, error) {
	logger := logging.OrNop(opts.Logger)
	s := &SDK{logger: logger, metrics: metrics.New(opts.Registerer)}

	keys, err := keyring(opts)
	if err != nil {
		return nil, err
	}
	verifier, err := verification.New(opts.VerificationMode, keys,
		verification.WithClock(opts.Clock), verification.WithLogger(logger), verification.WithMetrics(s.metrics))
	if err != nil {
		return nil, err
	}

	transport, err := transportFor(opts)
	if err != nil {
		return nil, err
	}

	sealer, err := sealerFor(opts)
	if err != nil {
		return nil, err
	}

	if opts.DB != nil {
		s.db = opts.DB
	} else {
		if s.db, err = client.InitDatabase(ctx, opts.DatabasePath); err != nil {
			return nil, err
		}
		s.ownsDB = true
	}

	d := dispatcher.New(dispatcherConfig(opts.Dispatcher), dispatcher.WithLogger(logger), dispatcher.WithMetrics(s.metrics))
	s.backend = backend.NewClient(transport, d, verifier, opts.APIKey, backend.WithLogger(logger))
	s.cache = devicecache.New(s.db, opts.Cache,
		devicecache.WithSealer(sealer), devicecache.WithClock(opts.Clock),
		devicecache.WithLogger(logger), devicecache.WithMetrics(s.metrics))

	s.identity = identity.NewManager(s.cache, s.backend,
		identity.WithLogger(logger),
		identity.WithSwitchListener(func(context.Context, string, string, identity.Transition) {
			s.customer.UserSwitched()
		}))

	managerOpts := []customerinfo.Option{
		customerinfo.WithLogger(logger),
		customerinfo.WithMetrics(s.metrics),
		customerinfo.WithUpdateListener(s.notify),
		customerinfo.WithMemoryTTL(opts.MemoryTTL),
	}
	if opts.Clock != nil {
		managerOpts = append(managerOpts, customerinfo.WithClock(opts.Clock))
	}
	if opts.Purchases != nil {
		s.offline = offline.NewComputer(opts.Purchases, s.cache, s.backend,
			offline.WithClock(opts.Clock), offline.WithLogger(logger), offline.WithMetrics(s.metrics))
		managerOpts = append(managerOpts, customerinfo.WithOffline(s.offline))
	}
	s.customer = customerinfo.NewManager(s.cache, s.backend, s.identity, managerOpts...)

	id, err := s.identity.Configure(ctx, opts.AppUserID)
	if err != nil {
		s.closeDB()
		return nil, err
	}
	if verifier.Enabled() {
		if _, err := s.customer.DropUnverified(ctx, id); err != nil {
			s.closeDB()
			return nil, err
		}
	}
	return s, nil
}

func keyring(opts Options) (*verification.Keyring, error) {
	if len(opts.RootKeys) == 0 {
		return nil, nil
	}
	return verification.ParseKeyring(opts.RootKeys...)
}

func transportFor(opts Options) (backend.Transport, error) {
	if opts.Transport != nil {
		return opts.Transport, nil
	}
	if opts.BackendURL == "" {
		return nil, ErrNoBackend
	}
	t, err := backend.NewHTTPTransport(opts.BackendURL, opts.HTTPClient)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// sealerFor binds sealed values to the API key so a cache copied between apps
// does not open.
func sealerFor(opts Options) (cryptox.Sealer, error) {
	if opts.CacheSecret == "" {
		return cryptox.PlainSealer{}, nil
	}
	prefix := opts.Cache.Prefix
	if prefix == "" {
		prefix = devicecache.DefaultPrefix
	}
	s, err := cryptox.NewAESSealer([]byte(opts.CacheSecret), []byte(prefix), []byte(opts.APIKey))
	if err != nil {
		return nil, fmt.Errorf("cache sealer: %w", err)
	}
	return s, nil
}

func dispatcherConfig(c dispatcher.Config) dispatcher.Config {
	if c == (dispatcher.Config{}) {
		return dispatcher.DefaultConfig()
	}
	return c
}

// AppUserID returns the current user.
func (s *SDK) AppUserID() string { return s.identity.CurrentAppUserID() }

// IsAnonymous reports whether the current user is anonymous.
func (s *SDK) IsAnonymous() bool { return s.identity.CurrentUserIsAnonymous() }

// CustomerInfo returns the current user's CustomerInfo under policy.
func (s *SDK) CustomerInfo(ctx context.Context, policy customerinfo.FetchPolicy) (*models.CustomerInfo, error) {
	return s.customer.CustomerInfo(ctx, policy)
}

// LogIn identifies the current user as appUserID. Pending attributes of the
// previous user are sent first; a failure there is logged and does not block
// the switch. The bool reports whether appUserID is new on the backend.
func (s *SDK) LogIn(ctx context.Context, appUserID string) (*models.CustomerInfo, bool, error) {
	if err := s.SyncAttributes(ctx); err != nil {
		s.logger.Warn(ctx, "attribute sync before log in failed", "error", err)
	}

	res, err := s.identity.Identify(ctx, appUserID)
	if err != nil {
		return nil, false, err
	}
	return s.finishLogIn(ctx, res)
}

// finishLogIn commits the CustomerInfo returned with res under the user res
// switched to. A log in superseded by another switch keeps its result out of
// the new user's caches.
func (s *SDK) finishLogIn(ctx context.Context, res identity.Result) (*models.CustomerInfo, bool, error) {
	if res.CustomerInfo != nil {
		if _, err := s.customer.Commit(ctx, res.AppUserID, res.CustomerInfo); err != nil {
			return nil, false, err
		}
		return res.CustomerInfo, res.Created, nil
	}
	info, err := s.customer.CustomerInfo(ctx, customerinfo.CachedOrFetched)
	return info, res.Created, err
}

// LogOut resets an identified user to a new anonymous one.
func (s *SDK) LogOut(ctx context.Context) (*models.CustomerInfo, error) {
	if err := s.SyncAttributes(ctx); err != nil {
		s.logger.Warn(ctx, "attribute sync before log out failed", "error", err)
	}
	if _, err := s.identity.LogOut(ctx); err != nil {
		return nil, err
	}
	return s.customer.CustomerInfo(ctx, customerinfo.CachedOrFetched)
}

// Reset assigns a new anonymous user regardless of the current one.
func (s *SDK) Reset(ctx context.Context) error {
	_, err := s.identity.Reset(ctx)
	return err
}

// CreateAlias links the current anonymous user to appUserID.
func (s *SDK) CreateAlias(ctx context.Context, appUserID string) error {
	if _, err := s.identity.CreateAlias(ctx, appUserID); err != nil {
		return err
	}
	return s.customer.Invalidate(ctx)
}

// SetAttributes stores attributes for the current user; they are sent on the
// next SyncAttributes.
func (s *SDK) SetAttributes(ctx context.Context, values map[string]string) error {
	return s.cache.SetAttributes(ctx, s.AppUserID(), values)
}

// SyncAttributes sends the current user's unsynced attributes.
func (s *SDK) SyncAttributes(ctx context.Context) error {
	id := s.AppUserID()
	if id == "" {
		return nil
	}
	pending, err := s.cache.UnsyncedAttributes(ctx, id)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	if err := s.backend.PostSubscriberAttributes(ctx, id, pending); err != nil {
		return fmt.Errorf("post attributes: %w", err)
	}
	return s.cache.MarkAttributesSynced(ctx, id, pending)
}

// OnPurchaseCompleted stores the CustomerInfo the backend returned for a
// purchase made by appUserID. It reports false when appUserID is no longer
// current.
func (s *SDK) OnPurchaseCompleted(ctx context.Context, appUserID string, info *models.CustomerInfo) (bool, error) {
	return s.customer.Commit(ctx, appUserID, info)
}

// InvalidateCustomerInfoCache makes the next read fetch.
func (s *SDK) InvalidateCustomerInfoCache(ctx context.Context) error {
	return s.customer.Invalidate(ctx)
}

// OnAppForegrounded refreshes stale CustomerInfo, the product entitlement
// mapping and pending attributes. Every step runs; their errors are joined.
func (s *SDK) OnAppForegrounded(ctx context.Context) error {
	s.customer.SetAppInBackground(false)

	var errs []error
	if _, err := s.customer.CustomerInfo(ctx, customerinfo.NotStaleCachedOrFetched); err != nil {
		errs = append(errs, fmt.Errorf("refresh customer info: %w", err))
	}
	if s.offline != nil {
		if _, err := s.offline.RefreshMappingIfStale(ctx); err != nil {
			errs = append(errs, fmt.Errorf("refresh entitlement mapping: %w", err))
		}
	}
	if err := s.SyncAttributes(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OnAppBackgrounded switches staleness checks to the background TTL.
func (s *SDK) OnAppBackgrounded() { s.customer.SetAppInBackground(true) }

// AddCustomerInfoListener registers fn for every committed CustomerInfo.
func (s *SDK) AddCustomerInfoListener(fn customerinfo.UpdateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *SDK) notify(appUserID string, info *models.CustomerInfo) {
	s.mu.RLock()
	listeners := append([]customerinfo.UpdateListener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(appUserID, info)
	}
}

// CacheKeys lists the device cache keys stored for this handle.
func (s *SDK) CacheKeys(ctx context.Context) ([]string, error) {
	return s.cache.Keys(ctx)
}

// Metrics returns the handle's counters.
func (s *SDK) Metrics() *metrics.Metrics { return s.metrics }

// Close waits for background refreshes and closes a database opened by New.
func (s *SDK) Close() error {
	s.customer.Wait()
	return s.closeDB()
}

func (s *SDK) closeDB() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
