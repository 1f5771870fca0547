package sdk

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/customerinfo"
	"github.com/dmitrijs2005/purchasesync/internal/client/dispatcher"
	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/client/verification"
	"github.com/dmitrijs2005/purchasesync/internal/devserver"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "pk_test"

type env struct {
	store   *devserver.Store
	srv     *httptest.Server
	rootKey string
	dbPath  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	rootPub, root, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, intermediate, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	store := devserver.NewStore(nil)
	mapping := &models.ProductEntitlementMapping{Mappings: map[string]models.EntitlementMapping{
		"monthly": {ProductIdentifier: "monthly", Entitlements: []string{"pro"}},
	}}
	s := devserver.NewServer(store, verification.NewSigner(root, intermediate, time.Now().Add(72*time.Hour)),
		devserver.WithAPIKey(apiKey),
		devserver.WithMapping(mapping),
	)
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	return &env{
		store:   store,
		srv:     srv,
		rootKey: base64.StdEncoding.EncodeToString(rootPub),
		dbPath:  filepath.Join(t.TempDir(), "purchases.db"),
	}
}

func (e *env) options(mode verification.Mode) Options {
	d := dispatcher.DefaultConfig()
	d.MaxAttempts = 1
	opts := Options{
		APIKey:           apiKey,
		DatabasePath:     e.dbPath,
		BackendURL:       e.srv.URL,
		HTTPClient:       e.srv.Client(),
		VerificationMode: mode,
		Dispatcher:       d,
	}
	if mode != verification.ModeDisabled {
		opts.RootKeys = []string{e.rootKey}
	}
	return opts
}

func open(t *testing.T, opts Options) *SDK {
	t.Helper()
	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type purchases struct{ records []models.PurchaseRecord }

func (p purchases) QueryActivePurchases(context.Context) ([]models.PurchaseRecord, error) {
	return p.records, nil
}

func TestNew_AnonymousUserGetsVerifiedInfo(t *testing.T) {
	e := newEnv(t)
	s := open(t, e.options(verification.ModeEnforced))

	assert.True(t, s.IsAnonymous())

	info, err := s.CustomerInfo(context.Background(), customerinfo.CachedOrFetched)
	require.NoError(t, err)
	assert.Equal(t, s.AppUserID(), info.OriginalAppUserID)
	assert.Equal(t, models.VerificationVerified, info.Verification)
}

func TestNew_AppUserIDIsPersisted(t *testing.T) {
	e := newEnv(t)
	opts := e.options(verification.ModeDisabled)
	opts.AppUserID = "alice"

	first, err := New(context.Background(), opts)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	opts.AppUserID = ""
	second := open(t, opts)
	assert.Equal(t, "alice", second.AppUserID())
	assert.False(t, second.IsAnonymous())
}

func TestNew_DropsUnverifiedCacheWhenVerificationTurnsOn(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	plain, err := New(ctx, e.options(verification.ModeDisabled))
	require.NoError(t, err)
	info, err := plain.CustomerInfo(ctx, customerinfo.CachedOrFetched)
	require.NoError(t, err)
	assert.Equal(t, models.VerificationNotRequested, info.Verification)
	require.NoError(t, plain.Close())

	enforced := open(t, e.options(verification.ModeEnforced))
	_, err = enforced.CustomerInfo(ctx, customerinfo.FromCacheOnly)
	assert.ErrorIs(t, err, customerinfo.ErrNoCachedCustomerInfo)
}

func TestNew_Errors(t *testing.T) {
	e := newEnv(t)

	opts := e.options(verification.ModeDisabled)
	opts.BackendURL = ""
	_, err := New(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNoBackend)

	opts = e.options(verification.ModeEnforced)
	opts.RootKeys = nil
	_, err = New(context.Background(), opts)
	assert.Error(t, err)

	opts = e.options(verification.ModeEnforced)
	opts.RootKeys = []string{"not base64!"}
	_, err = New(context.Background(), opts)
	assert.Error(t, err)
}

func TestLogInAndLogOut(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := open(t, e.options(verification.ModeEnforced))
	anon := s.AppUserID()

	_, err := s.CustomerInfo(ctx, customerinfo.CachedOrFetched)
	require.NoError(t, err)
	require.NoError(t, s.SetAttributes(ctx, map[string]string{"$email": "a@example.com"}))

	info, created, err := s.LogIn(ctx, "user_1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, anon, info.OriginalAppUserID)
	assert.Equal(t, "user_1", s.AppUserID())
	assert.False(t, s.IsAnonymous())
	assert.Equal(t, "a@example.com", e.store.Attributes("user_1")["$email"].Value)

	cached, err := s.CustomerInfo(ctx, customerinfo.FromCacheOnly)
	require.NoError(t, err)
	assert.Equal(t, anon, cached.OriginalAppUserID)

	_, err = s.LogOut(ctx)
	require.NoError(t, err)
	assert.True(t, s.IsAnonymous())
	assert.NotEqual(t, anon, s.AppUserID())
}

func TestLogIn_SupersededResultStaysOutOfNewUser(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := open(t, e.options(verification.ModeDisabled))

	res, err := s.identity.Identify(ctx, "user_a")
	require.NoError(t, err)
	require.NotNil(t, res.CustomerInfo)
	require.Equal(t, "user_a", res.AppUserID)

	// another log in wins before the first one commits
	_, err = s.identity.Identify(ctx, "user_b")
	require.NoError(t, err)

	var notified []string
	s.AddCustomerInfoListener(func(id string, _ *models.CustomerInfo) { notified = append(notified, id) })

	info, _, err := s.finishLogIn(ctx, res)
	require.NoError(t, err)
	assert.Same(t, res.CustomerInfo, info)
	assert.Empty(t, notified)
	assert.Equal(t, "user_b", s.AppUserID())

	leaked, err := s.cache.CachedCustomerInfo(ctx, "user_b")
	require.NoError(t, err)
	assert.Nil(t, leaked)
}

func TestSyncAttributes_SendsOnlyPending(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := open(t, e.options(verification.ModeDisabled))

	require.NoError(t, s.SyncAttributes(ctx))
	assert.Nil(t, e.store.Attributes(s.AppUserID()))

	require.NoError(t, s.SetAttributes(ctx, map[string]string{"$displayName": "Ann"}))
	require.NoError(t, s.SyncAttributes(ctx))
	assert.Equal(t, "Ann", e.store.Attributes(s.AppUserID())["$displayName"].Value)

	pending, err := s.cache.UnsyncedAttributes(ctx, s.AppUserID())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListenersAndPurchaseCompletion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	s := open(t, e.options(verification.ModeDisabled))

	var (
		mu   sync.Mutex
		seen []string
	)
	s.AddCustomerInfoListener(func(id string, info *models.CustomerInfo) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id+":"+info.ManagementURL)
	})

	_, err := s.CustomerInfo(ctx, customerinfo.FetchCurrent)
	require.NoError(t, err)

	purchased := &models.CustomerInfo{OriginalAppUserID: s.AppUserID(), ManagementURL: "purchase"}
	ok, err := s.OnPurchaseCompleted(ctx, s.AppUserID(), purchased)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.OnPurchaseCompleted(ctx, "someone_else", purchased)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.CustomerInfo(ctx, customerinfo.CachedOrFetched)
	require.NoError(t, err)
	assert.Equal(t, "purchase", got.ManagementURL)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, s.AppUserID()+":purchase", seen[1])
}

func TestOnAppForegrounded_ThenOfflineFallback(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	opts := e.options(verification.ModeEnforced)
	exp := time.Now().Add(time.Hour)
	opts.Purchases = purchases{records: []models.PurchaseRecord{
		{ProductIDs: []string{"monthly"}, PurchaseTime: time.Now().Add(-time.Hour), ExpirationTime: &exp, IsAutoRenewing: true},
	}}
	s := open(t, opts)

	require.NoError(t, s.OnAppForegrounded(ctx))

	e.srv.Close()
	require.NoError(t, s.InvalidateCustomerInfoCache(ctx))

	info, err := s.CustomerInfo(ctx, customerinfo.FetchCurrent)
	require.NoError(t, err)
	assert.True(t, info.HasActiveEntitlement("pro"))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics().OfflineComputations.WithLabelValues("ok")))

	s.OnAppBackgrounded()
}
