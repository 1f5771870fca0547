// Package identity owns the current app user id: its anonymous lifecycle and
// the alias/switch transitions between users.
//
// Mutating operations are serialized by one mutex per Manager. Reads of the
// current id never block. CommitIfCurrent lets other layers write user scoped
// data without racing a concurrent switch.
package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/common"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
)

// Transition is what an identity operation did.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionAlias
	TransitionSwitch
	TransitionReset
)

func (t Transition) String() string {
	switch t {
	case TransitionAlias:
		return "alias"
	case TransitionSwitch:
		return "switch"
	case TransitionReset:
		return "reset"
	default:
		return "none"
	}
}

// Result describes a completed identity operation. CustomerInfo is set when
// the backend returned one for the new user.
type Result struct {
	// AppUserID is the user the operation left current.
	AppUserID    string
	Transition   Transition
	Created      bool
	CustomerInfo *models.CustomerInfo
}

// Store is the part of the device cache identity needs.
type Store interface {
	CachedAppUserID(ctx context.Context) (string, error)
	LegacyCachedAppUserID(ctx context.Context) (string, error)
	CacheAppUserID(ctx context.Context, appUserID string) error
	SwitchUser(ctx context.Context, oldID, newID string, info *models.CustomerInfo) error
}

// AliasBackend folds one user's history into another on the server.
type AliasBackend interface {
	// LogIn merges currentID into newID and returns newID's CustomerInfo.
	// created is true when newID did not exist before.
	LogIn(ctx context.Context, currentID, newID string) (info *models.CustomerInfo, created bool, err error)
	CreateAlias(ctx context.Context, currentID, newID string) error
}

// SwitchListener is called after the current user changed, still inside the
// manager's critical section.
type SwitchListener func(ctx context.Context, oldID, newID string, t Transition)

type Manager struct {
	store    Store
	backend  AliasBackend
	logger   logging.Logger
	onSwitch []SwitchListener

	mu       sync.Mutex
	switchMu sync.RWMutex
	current  atomic.Pointer[string]
	legacy   atomic.Pointer[string]
}

type Option func(*Manager)

func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(l) }
}

func WithSwitchListener(fn SwitchListener) Option {
	return func(m *Manager) { m.onSwitch = append(m.onSwitch, fn) }
}

func NewManager(store Store, backend AliasBackend, opts ...Option) *Manager {
	m := &Manager{store: store, backend: backend, logger: logging.NopLogger{}}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Configure resolves the starting user: appUserID when not blank, else the
// cached id, else the legacy cached id, else a new anonymous id. The result is
// persisted and returned. Repeated calls without an explicit id return the
// same user.
func (m *Manager) Configure(ctx context.Context, appUserID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	legacy, err := m.store.LegacyCachedAppUserID(ctx)
	if err != nil {
		return "", fmt.Errorf("read legacy app user id: %w", err)
	}
	m.legacy.Store(&legacy)

	cached, err := m.store.CachedAppUserID(ctx)
	if err != nil {
		return "", fmt.Errorf("read cached app user id: %w", err)
	}

	resolved := strings.TrimSpace(appUserID)
	switch {
	case resolved != "":
	case cached != "":
		resolved = cached
	case legacy != "":
		resolved = legacy
	default:
		resolved = GenerateAnonymousID()
	}

	if resolved != cached {
		if err := m.store.CacheAppUserID(ctx, resolved); err != nil {
			return "", fmt.Errorf("store app user id: %w", err)
		}
	}
	m.setCurrent(resolved)
	m.logger.Info(ctx, "identity configured", "app_user_id", resolved, "anonymous", m.isAnonymous(resolved))
	return resolved, nil
}

// CurrentAppUserID returns the current id, or "" before Configure.
func (m *Manager) CurrentAppUserID() string {
	if p := m.current.Load(); p != nil {
		return *p
	}
	return ""
}

// CurrentUserIsAnonymous matches the current id against the generated
// anonymous format or the legacy cached id.
func (m *Manager) CurrentUserIsAnonymous() bool {
	return m.isAnonymous(m.CurrentAppUserID())
}

func (m *Manager) isAnonymous(id string) bool {
	if IsAnonymous(id) {
		return true
	}
	legacy := m.legacy.Load()
	return legacy != nil && *legacy != "" && id == *legacy
}

func (m *Manager) setCurrent(id string) {
	m.current.Store(&id)
}

// Identify makes newID current. An anonymous current user is aliased into
// newID through the backend first; an identified one is switched without a
// backend call. newID equal to the current id does nothing.
func (m *Manager) Identify(ctx context.Context, newID string) (Result, error) {
	newID = strings.TrimSpace(newID)
	if newID == "" {
		return Result{}, common.ErrInvalidAppUserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.requireConfigured()
	if err != nil {
		return Result{}, err
	}
	if cur == newID {
		return Result{AppUserID: cur, Transition: TransitionNone}, nil
	}

	if !m.isAnonymous(cur) {
		if err := m.switchTo(ctx, cur, newID, nil, TransitionSwitch); err != nil {
			return Result{}, err
		}
		return Result{AppUserID: newID, Transition: TransitionSwitch}, nil
	}

	info, created, err := m.backend.LogIn(ctx, cur, newID)
	if err != nil {
		m.logger.Warn(ctx, "log in failed, identity unchanged", "app_user_id", cur, "new_app_user_id", newID, "error", err)
		return Result{}, fmt.Errorf("log in %q: %w", newID, err)
	}
	if err := m.switchTo(ctx, cur, newID, info, TransitionAlias); err != nil {
		return Result{}, err
	}
	return Result{AppUserID: newID, Transition: TransitionAlias, Created: created, CustomerInfo: info}, nil
}

// CreateAlias associates the current anonymous user with newID on the
// backend, then makes newID current. A failed backend call leaves the
// identity untouched.
func (m *Manager) CreateAlias(ctx context.Context, newID string) (Result, error) {
	newID = strings.TrimSpace(newID)
	if newID == "" {
		return Result{}, common.ErrInvalidAppUserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.requireConfigured()
	if err != nil {
		return Result{}, err
	}
	if cur == newID {
		return Result{AppUserID: cur, Transition: TransitionNone}, nil
	}
	if !m.isAnonymous(cur) {
		return Result{}, &common.IdentityConflictError{Op: "create_alias", AppUserID: cur, Reason: "current user is not anonymous"}
	}

	if err := m.backend.CreateAlias(ctx, cur, newID); err != nil {
		return Result{}, fmt.Errorf("create alias %q: %w", newID, err)
	}
	if err := m.switchTo(ctx, cur, newID, nil, TransitionAlias); err != nil {
		return Result{}, err
	}
	return Result{AppUserID: newID, Transition: TransitionAlias}, nil
}

// Reset clears the current user's caches and assigns a new anonymous id.
func (m *Manager) Reset(ctx context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reset(ctx)
}

// LogOut resets an identified user. Logging out an anonymous user is an
// IdentityConflictError.
func (m *Manager) LogOut(ctx context.Context) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.requireConfigured()
	if err != nil {
		return Result{}, err
	}
	if m.isAnonymous(cur) {
		return Result{}, &common.IdentityConflictError{Op: "log_out", AppUserID: cur, Reason: "current user is anonymous"}
	}
	return m.reset(ctx)
}

func (m *Manager) reset(ctx context.Context) (Result, error) {
	cur, err := m.requireConfigured()
	if err != nil {
		return Result{}, err
	}
	anon := GenerateAnonymousID()
	if err := m.switchTo(ctx, cur, anon, nil, TransitionReset); err != nil {
		return Result{}, err
	}
	return Result{AppUserID: anon, Transition: TransitionReset}, nil
}

// CommitIfCurrent runs fn only while appUserID is current and no switch can
// start. It reports whether fn ran.
func (m *Manager) CommitIfCurrent(appUserID string, fn func() error) (bool, error) {
	m.switchMu.RLock()
	defer m.switchMu.RUnlock()
	if m.CurrentAppUserID() != appUserID {
		return false, nil
	}
	return true, fn()
}

func (m *Manager) requireConfigured() (string, error) {
	cur := m.CurrentAppUserID()
	if cur == "" {
		return "", fmt.Errorf("identity: %w", common.ErrNotConfigured)
	}
	return cur, nil
}

// switchTo persists the switch and then publishes the new id. Caller holds mu.
func (m *Manager) switchTo(ctx context.Context, oldID, newID string, info *models.CustomerInfo, t Transition) error {
	m.switchMu.Lock()
	err := m.store.SwitchUser(ctx, oldID, newID, info)
	if err == nil {
		m.setCurrent(newID)
	}
	m.switchMu.Unlock()

	if err != nil {
		return fmt.Errorf("switch user: %w", err)
	}
	m.logger.Info(ctx, "current user changed", "from", oldID, "to", newID, "transition", t.String())
	for _, fn := range m.onSwitch {
		fn(ctx, oldID, newID, t)
	}
	return nil
}
