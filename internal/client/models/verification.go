// Package models defines the client-side data model: CustomerInfo snapshots,
// entitlements, verification results, product entitlement mappings and the
// purchase records handed over by billing adapters.
package models

import "fmt"

// VerificationResult records how much trust a CustomerInfo carries.
type VerificationResult int

const (
	// VerificationNotRequested means signature checks were disabled.
	VerificationNotRequested VerificationResult = iota
	// VerificationVerified means the backend response signature was valid.
	VerificationVerified
	// VerificationFailed means the signature or its trust chain was rejected.
	VerificationFailed
	// VerificationVerifiedOnDevice means the data was derived locally.
	VerificationVerifiedOnDevice
)

var verificationNames = map[VerificationResult]string{
	VerificationNotRequested:     "NOT_REQUESTED",
	VerificationVerified:         "VERIFIED",
	VerificationFailed:           "FAILED",
	VerificationVerifiedOnDevice: "VERIFIED_ON_DEVICE",
}

func (v VerificationResult) String() string {
	if s, ok := verificationNames[v]; ok {
		return s
	}
	return fmt.Sprintf("VerificationResult(%d)", int(v))
}

// IsVerified is true for VERIFIED and VERIFIED_ON_DEVICE.
func (v VerificationResult) IsVerified() bool {
	return v == VerificationVerified || v == VerificationVerifiedOnDevice
}

func (v VerificationResult) MarshalText() ([]byte, error) {
	s, ok := verificationNames[v]
	if !ok {
		return nil, fmt.Errorf("unknown verification result %d", int(v))
	}
	return []byte(s), nil
}

func (v *VerificationResult) UnmarshalText(b []byte) error {
	for k, name := range verificationNames {
		if name == string(b) {
			*v = k
			return nil
		}
	}
	return fmt.Errorf("unknown verification result %q", string(b))
}
