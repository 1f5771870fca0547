package common

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork marks transient transport failures that survived every retry.
	ErrNetwork = errors.New("network error")
	// ErrVerificationFailed is returned in enforced verification mode when a
	// response signature is rejected.
	ErrVerificationFailed = errors.New("signature verification failed")
	// ErrIdentityConflict marks identity operations that are invalid for the
	// current user, e.g. aliasing an identified user.
	ErrIdentityConflict = errors.New("identity conflict")
	// ErrOfflineUnavailable marks offline entitlement computations that cannot
	// produce a trustworthy result.
	ErrOfflineUnavailable = errors.New("offline entitlements unavailable")
	// ErrInvalidAppUserID is returned for blank app user ids.
	ErrInvalidAppUserID = errors.New("invalid app user id")
	// ErrDecode marks malformed binary input (signatures, cached blobs).
	ErrDecode = errors.New("decode error")
	// ErrNotConfigured is returned when an operation needs a current user
	// before Configure ran.
	ErrNotConfigured = errors.New("not configured")
)

// NetworkError is the terminal failure surfaced by the dispatcher after the
// retry budget is spent.
type NetworkError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// BackendError is a non-2xx answer from the backend.
type BackendError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend error: status %d, code %d: %s", e.StatusCode, e.Code, e.Message)
}

// IsServerError reports a 5xx answer.
func (e *BackendError) IsServerError() bool { return e.StatusCode >= http.StatusInternalServerError }

// IdentityConflictError is a usage error of the identity state machine. It is
// never retried.
type IdentityConflictError struct {
	Op        string
	AppUserID string
	Reason    string
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("%s for %q: %s", e.Op, e.AppUserID, e.Reason)
}

func (e *IdentityConflictError) Is(target error) bool { return target == ErrIdentityConflict }

// OfflineReason says why an offline computation was refused.
type OfflineReason string

const (
	OfflineReasonMappingRequired OfflineReason = "product entitlement mapping missing or stale"
	OfflineReasonInAppPurchases  OfflineReason = "active in-app purchases are not supported offline"
)

// OfflineUnavailableError is returned instead of a best-effort partial result.
type OfflineUnavailableError struct {
	Reason OfflineReason
}

func (e *OfflineUnavailableError) Error() string {
	return "offline entitlements unavailable: " + string(e.Reason)
}

func (e *OfflineUnavailableError) Is(target error) bool { return target == ErrOfflineUnavailable }

// retryable wraps an error the dispatcher may try again.
type retryable struct{ err error }

func (r retryable) Error() string { return r.err.Error() }
func (r retryable) Unwrap() error { return r.err }

// Retryable marks err as transient. A nil err stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return retryable{err: err}
}

// IsRetryable reports whether err, or anything it wraps, is transient:
// explicitly marked errors and 5xx/429 backend answers.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return true
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be.IsServerError() || be.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsServerDown reports whether err means the backend could not be reached or
// answered with a server-side failure, i.e. the network path failed outright.
func IsServerDown(err error) bool {
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var be *BackendError
	return errors.As(err, &be) && be.IsServerError()
}
