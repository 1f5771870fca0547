// Package verification checks backend response signatures against a rotating
// intermediate key scheme anchored in pinned root keys.
//
// The root key signs intermediateKeyExpiration || intermediateKey. The
// intermediate key signs salt || nonce || requestTime || eTag || body. Either
// check failing, an expired intermediate key, or an undecodable signature
// yields FAILED; nothing ambiguous ever yields VERIFIED.
package verification

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/client/signature"
	"github.com/dmitrijs2005/purchasesync/internal/logging"
	"github.com/dmitrijs2005/purchasesync/internal/metrics"
	"github.com/dmitrijs2005/purchasesync/internal/timex"
)

// Mode selects how signature checks affect callers.
type Mode int

const (
	// ModeDisabled skips checks; results are NOT_REQUESTED.
	ModeDisabled Mode = iota
	// ModeInformational attaches the result but never fails a request.
	ModeInformational
	// ModeEnforced turns FAILED into an error for the caller.
	ModeEnforced
)

func (m Mode) String() string {
	switch m {
	case ModeInformational:
		return "informational"
	case ModeEnforced:
		return "enforced"
	default:
		return "disabled"
	}
}

// ParseMode accepts disabled, informational or enforced (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "disabled":
		return ModeDisabled, nil
	case "informational":
		return ModeInformational, nil
	case "enforced":
		return ModeEnforced, nil
	default:
		return ModeDisabled, fmt.Errorf("unknown verification mode %q", s)
	}
}

// Origin says where the payload under verification came from.
type Origin int

const (
	OriginBackend Origin = iota
	OriginDevice
)

// Input is everything needed to verify one response. Verify never modifies it.
type Input struct {
	Body      []byte
	Signature string
	Nonce     []byte
	// RequestTime is the backend request time in Unix milliseconds; zero
	// means absent.
	RequestTime int64
	ETag        string
	Origin      Origin
}

// Verifier produces exactly one VerificationResult per Input.
type Verifier struct {
	mode    Mode
	keys    *Keyring
	now     timex.Clock
	logger  logging.Logger
	metrics *metrics.Metrics
}

type Option func(*Verifier)

func WithClock(c timex.Clock) Option {
	return func(v *Verifier) { v.now = c }
}

func WithLogger(l logging.Logger) Option {
	return func(v *Verifier) { v.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// New returns a Verifier. keys may be nil only in ModeDisabled.
func New(mode Mode, keys *Keyring, opts ...Option) (*Verifier, error) {
	if mode != ModeDisabled && (keys == nil || len(keys.roots) == 0) {
		return nil, fmt.Errorf("verification mode %s requires at least one root key", mode)
	}
	v := &Verifier{mode: mode, keys: keys, logger: logging.NopLogger{}}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Disabled returns a Verifier that checks nothing.
func Disabled() *Verifier {
	return &Verifier{mode: ModeDisabled, logger: logging.NopLogger{}}
}

func (v *Verifier) Mode() Mode { return v.mode }

// Enabled reports whether responses are checked at all.
func (v *Verifier) Enabled() bool { return v.mode != ModeDisabled }

// Enforced reports whether a FAILED result must fail the request.
func (v *Verifier) Enforced() bool { return v.mode == ModeEnforced }

// Verify checks in and returns the result.
func (v *Verifier) Verify(ctx context.Context, in Input) models.VerificationResult {
	result := v.verify(ctx, in)
	v.metrics.ObserveVerification(result.String())
	return result
}

func (v *Verifier) verify(ctx context.Context, in Input) models.VerificationResult {
	if v.mode == ModeDisabled {
		return models.VerificationNotRequested
	}
	if in.Signature == "" {
		v.logger.Warn(ctx, "response signature missing")
		return models.VerificationFailed
	}

	sig, err := signature.Decode(in.Signature)
	if err != nil {
		v.logger.Warn(ctx, "response signature undecodable", "error", err)
		return models.VerificationFailed
	}

	now := v.now.Now()
	if !sig.IntermediateKeyExpiresAt().After(now) {
		v.logger.Warn(ctx, "intermediate key expired", "expired_at", sig.IntermediateKeyExpiresAt())
		return models.VerificationFailed
	}
	if !v.keys.trustIntermediate(sig, now) {
		v.logger.Warn(ctx, "intermediate key not signed by a pinned root key")
		return models.VerificationFailed
	}

	if !ed25519.Verify(ed25519.PublicKey(sig.IntermediateKey[:]), PayloadMessage(sig.Salt[:], in), sig.Payload[:]) {
		v.logger.Warn(ctx, "payload signature invalid")
		return models.VerificationFailed
	}

	if in.Origin == OriginDevice {
		return models.VerificationVerifiedOnDevice
	}
	return models.VerificationVerified
}

// IntermediateMessage is the byte string the root key signs.
func IntermediateMessage(expiration [4]byte, intermediateKey []byte) []byte {
	msg := make([]byte, 0, len(expiration)+len(intermediateKey))
	msg = append(msg, expiration[:]...)
	return append(msg, intermediateKey...)
}

// PayloadMessage is the byte string the intermediate key signs. It is always
// built in a fresh buffer.
func PayloadMessage(salt []byte, in Input) []byte {
	var requestTime string
	if in.RequestTime != 0 {
		requestTime = strconv.FormatInt(in.RequestTime, 10)
	}
	msg := make([]byte, 0, len(salt)+len(in.Nonce)+len(requestTime)+len(in.ETag)+len(in.Body))
	msg = append(msg, salt...)
	msg = append(msg, in.Nonce...)
	msg = append(msg, requestTime...)
	msg = append(msg, in.ETag...)
	return append(msg, in.Body...)
}
