package verification

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/signature"
	"github.com/dmitrijs2005/purchasesync/internal/common"
)

// Signer produces signatures in the backend's format. Local test backends
// and fixtures use it; production clients only verify.
type Signer struct {
	intermediate    ed25519.PrivateKey
	expiration      [4]byte
	intermediateSig [64]byte
}

// NewSigner certifies intermediate with root until expiresAt, rounded up to
// the next UTC midnight as the expiration field counts whole days.
func NewSigner(root, intermediate ed25519.PrivateKey, expiresAt time.Time) *Signer {
	s := &Signer{intermediate: intermediate, expiration: signature.ExpirationBytes(ceilDay(expiresAt))}
	pub := intermediate.Public().(ed25519.PublicKey)
	copy(s.intermediateSig[:], ed25519.Sign(root, IntermediateMessage(s.expiration, pub)))
	return s
}

// Sign returns the base64 signature of in with a random salt.
func (s *Signer) Sign(in Input) (string, error) {
	var sig signature.Signature
	copy(sig.IntermediateKey[:], s.intermediate.Public().(ed25519.PublicKey))
	sig.IntermediateKeyExpiration = s.expiration
	sig.IntermediateKeySignature = s.intermediateSig
	copy(sig.Salt[:], common.GenerateRandByteArray(len(sig.Salt)))

	payload := ed25519.Sign(s.intermediate, PayloadMessage(sig.Salt[:], in))
	if len(payload) != len(sig.Payload) {
		return "", fmt.Errorf("unexpected payload signature size %d", len(payload))
	}
	copy(sig.Payload[:], payload)
	return sig.Encode(), nil
}

func ceilDay(t time.Time) time.Time {
	day := t.UTC().Truncate(24 * time.Hour)
	if day.Before(t) {
		day = day.Add(24 * time.Hour)
	}
	return day
}
