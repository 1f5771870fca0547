// Package common contains shared constants and error kinds used across
// the purchasesync client components.
package common

// Header names exchanged with the backend.
const (
	// NonceHeaderName carries the base64 nonce the backend mixes into the
	// response signature.
	NonceHeaderName = "X-Nonce"
	// SignatureHeaderName carries the base64 response signature.
	SignatureHeaderName = "X-Signature"
	// RequestTimeHeaderName carries the backend request time in Unix millis.
	RequestTimeHeaderName = "X-Request-Time"
	// ETagHeaderName is the standard entity tag header.
	ETagHeaderName = "ETag"
	// AuthorizationHeaderName carries the public API key.
	AuthorizationHeaderName = "Authorization"
	// RequestIDHeaderName identifies one attempt in backend logs.
	RequestIDHeaderName = "X-Request-Id"
)

// AnonymousIDPrefix is the reserved prefix of locally generated AppUserIDs.
const AnonymousIDPrefix = "$RCAnonymousID:"
