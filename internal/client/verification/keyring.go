package verification

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/signature"
	"github.com/patrickmn/go-cache"
)

// Keyring is the trust store: pinned root keys plus intermediate keys that
// already passed the root check, remembered until they expire.
type Keyring struct {
	roots   []ed25519.PublicKey
	trusted *cache.Cache
}

// NewKeyring pins roots. Every key must be ed25519.PublicKeySize bytes.
func NewKeyring(roots ...ed25519.PublicKey) (*Keyring, error) {
	k := &Keyring{trusted: cache.New(cache.NoExpiration, 10*time.Minute)}
	for i, r := range roots {
		if len(r) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("root key %d: expected %d bytes, got %d", i, ed25519.PublicKeySize, len(r))
		}
		k.roots = append(k.roots, append(ed25519.PublicKey(nil), r...))
	}
	return k, nil
}

// ParseKeyring decodes base64 root keys.
func ParseKeyring(encoded ...string) (*Keyring, error) {
	roots := make([]ed25519.PublicKey, 0, len(encoded))
	for i, e := range encoded {
		b, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, fmt.Errorf("root key %d: %w", i, err)
		}
		roots = append(roots, b)
	}
	return NewKeyring(roots...)
}

// Len is the number of pinned root keys.
func (k *Keyring) Len() int { return len(k.roots) }

func trustKey(sig signature.Signature) string {
	return string(sig.IntermediateKey[:]) + string(sig.IntermediateKeyExpiration[:])
}

// trustIntermediate reports whether sig's intermediate key is signed by a
// pinned root. Expiration against now is checked by the caller.
func (k *Keyring) trustIntermediate(sig signature.Signature, now time.Time) bool {
	key := trustKey(sig)
	if _, ok := k.trusted.Get(key); ok {
		return true
	}

	msg := IntermediateMessage(sig.IntermediateKeyExpiration, sig.IntermediateKey[:])
	for _, root := range k.roots {
		if ed25519.Verify(root, msg, sig.IntermediateKeySignature[:]) {
			if ttl := sig.IntermediateKeyExpiresAt().Sub(now); ttl > 0 {
				k.trusted.Set(key, struct{}{}, ttl)
			}
			return true
		}
	}
	return false
}
