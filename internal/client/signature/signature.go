// Package signature parses the fixed-layout binary signature attached to
// backend responses.
//
// Layout (180 bytes, in order):
//
//	intermediate public key     32
//	intermediate key expiration  4  little-endian days since the Unix epoch
//	intermediate key signature  64
//	salt                        16
//	payload signature           64
package signature

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/common"
)

// Component identifies one field of the signature.
type Component int

const (
	IntermediateKey Component = iota
	IntermediateKeyExpiration
	IntermediateKeySignature
	Salt
	Payload
	componentCount
)

var componentSizes = [componentCount]int{
	IntermediateKey:           32,
	IntermediateKeyExpiration: 4,
	IntermediateKeySignature:  64,
	Salt:                      16,
	Payload:                   64,
}

// Size is the total encoded length.
const Size = 32 + 4 + 64 + 16 + 64

var (
	startOffsets [componentCount]int
	endOffsets   [componentCount]int
)

func init() {
	offset := 0
	for c := Component(0); c < componentCount; c++ {
		startOffsets[c] = offset
		offset += componentSizes[c]
		endOffsets[c] = offset
	}
	if offset != Size {
		panic(fmt.Sprintf("signature: component sizes sum to %d, want %d", offset, Size))
	}
}

func (c Component) String() string {
	switch c {
	case IntermediateKey:
		return "intermediate_key"
	case IntermediateKeyExpiration:
		return "intermediate_key_expiration"
	case IntermediateKeySignature:
		return "intermediate_key_signature"
	case Salt:
		return "salt"
	case Payload:
		return "payload"
	default:
		return fmt.Sprintf("Component(%d)", int(c))
	}
}

// Size returns the byte length of c.
func (c Component) Size() int { return componentSizes[c] }

// Offsets returns the [start, end) byte range of c.
func (c Component) Offsets() (start, end int) { return startOffsets[c], endOffsets[c] }

// DecodeError is returned for signatures that are not valid base64 or not
// exactly Size bytes long.
type DecodeError struct {
	Expected int
	Actual   int
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid signature encoding: %v", e.Err)
	}
	return fmt.Sprintf("invalid signature size: expected %d bytes, got %d", e.Expected, e.Actual)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == common.ErrDecode }

// Signature is a decoded response signature. Fields are arrays, so == and
// map keys compare by content.
type Signature struct {
	IntermediateKey           [32]byte
	IntermediateKeyExpiration [4]byte
	IntermediateKeySignature  [64]byte
	Salt                      [16]byte
	Payload                   [64]byte
}

// Decode parses a base64 (standard alphabet) signature.
func Decode(encoded string) (Signature, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Signature{}, &DecodeError{Expected: Size, Actual: -1, Err: err}
	}
	return FromBytes(raw)
}

// FromBytes parses raw signature bytes. b is not retained.
func FromBytes(b []byte) (Signature, error) {
	if len(b) != Size {
		return Signature{}, &DecodeError{Expected: Size, Actual: len(b)}
	}
	var s Signature
	copy(s.IntermediateKey[:], slice(b, IntermediateKey))
	copy(s.IntermediateKeyExpiration[:], slice(b, IntermediateKeyExpiration))
	copy(s.IntermediateKeySignature[:], slice(b, IntermediateKeySignature))
	copy(s.Salt[:], slice(b, Salt))
	copy(s.Payload[:], slice(b, Payload))
	return s, nil
}

func slice(b []byte, c Component) []byte {
	return b[startOffsets[c]:endOffsets[c]]
}

// Bytes re-encodes the five components in order.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, Size)
	out = append(out, s.IntermediateKey[:]...)
	out = append(out, s.IntermediateKeyExpiration[:]...)
	out = append(out, s.IntermediateKeySignature[:]...)
	out = append(out, s.Salt[:]...)
	out = append(out, s.Payload[:]...)
	return out
}

// Encode returns the base64 form of Bytes.
func (s Signature) Encode() string {
	return base64.StdEncoding.EncodeToString(s.Bytes())
}

// Component returns a copy of the bytes of c.
func (s Signature) Component(c Component) []byte {
	return bytes.Clone(slice(s.Bytes(), c))
}

// Equal reports whether s and o hold the same bytes.
func (s Signature) Equal(o Signature) bool { return s == o }

// IntermediateKeyExpiresAt converts the expiration field to a time.
func (s Signature) IntermediateKeyExpiresAt() time.Time {
	days := binary.LittleEndian.Uint32(s.IntermediateKeyExpiration[:])
	return time.Unix(int64(days)*24*60*60, 0).UTC()
}

// ExpirationBytes encodes t, truncated to whole days, as the 4-byte
// expiration field.
func ExpirationBytes(t time.Time) [4]byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], uint32(t.Unix()/(24*60*60)))
	return out
}
