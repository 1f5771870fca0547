package verification

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/dmitrijs2005/purchasesync/internal/client/models"
	"github.com/dmitrijs2005/purchasesync/internal/client/signature"
	"github.com/dmitrijs2005/purchasesync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	root         ed25519.PrivateKey
	rootPub      ed25519.PublicKey
	intermediate ed25519.PrivateKey
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	rootPub, root, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, intermediate, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return fixture{root: root, rootPub: rootPub, intermediate: intermediate}
}

func (f fixture) verifier(t *testing.T, mode Mode, opts ...Option) *Verifier {
	t.Helper()
	keys, err := NewKeyring(f.rootPub)
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	v, err := New(mode, keys, opts...)
	require.NoError(t, err)
	return v
}

func sampleInput() Input {
	return Input{
		Body:        []byte(`{"subscriber":{"original_app_user_id":"user_1"}}`),
		Nonce:       []byte("0123456789ab"),
		RequestTime: 1709294400000,
		ETag:        "etag-1",
	}
}

func signed(t *testing.T, s *Signer, in Input) Input {
	t.Helper()
	sig, err := s.Sign(in)
	require.NoError(t, err)
	in.Signature = sig
	return in
}

func TestVerify_ValidSignature(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, ModeInformational)
	s := NewSigner(f.root, f.intermediate, fixedNow.Add(30*24*time.Hour))

	in := signed(t, s, sampleInput())
	assert.Equal(t, models.VerificationVerified, v.Verify(context.Background(), in))

	in.Origin = OriginDevice
	assert.Equal(t, models.VerificationVerifiedOnDevice, v.Verify(context.Background(), in))
}

func TestNewSigner_SubDayValidityRoundsUp(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, ModeEnforced)

	s := NewSigner(f.root, f.intermediate, fixedNow.Add(90*time.Minute))
	in := signed(t, s, sampleInput())
	assert.Equal(t, models.VerificationVerified, v.Verify(context.Background(), in))

	sig, err := signature.Decode(in.Signature)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), sig.IntermediateKeyExpiresAt())

	midnight := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, midnight, ceilDay(midnight))
	assert.Equal(t, midnight, ceilDay(midnight.Add(-time.Second)))
}

func TestVerify_RequestTimeAbsent(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, ModeEnforced)
	s := NewSigner(f.root, f.intermediate, fixedNow.Add(30*24*time.Hour))

	in := sampleInput()
	in.RequestTime = 0
	in = signed(t, s, in)
	assert.Equal(t, models.VerificationVerified, v.Verify(context.Background(), in))

	in.RequestTime = 1
	assert.Equal(t, models.VerificationFailed, v.Verify(context.Background(), in))
}

func TestVerify_Failures(t *testing.T) {
	f := newFixture(t)
	good := NewSigner(f.root, f.intermediate, fixedNow.Add(30*24*time.Hour))

	_, otherRoot, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(t *testing.T) Input
	}{
		{
			name:   "missing signature",
			mutate: func(t *testing.T) Input { return sampleInput() },
		},
		{
			name: "undecodable signature",
			mutate: func(t *testing.T) Input {
				in := sampleInput()
				in.Signature = base64.StdEncoding.EncodeToString(make([]byte, signature.Size-1))
				return in
			},
		},
		{
			name: "not base64",
			mutate: func(t *testing.T) Input {
				in := sampleInput()
				in.Signature = "%%%"
				return in
			},
		},
		{
			name: "tampered body",
			mutate: func(t *testing.T) Input {
				in := signed(t, good, sampleInput())
				in.Body = []byte(`{"subscriber":{"original_app_user_id":"user_2"}}`)
				return in
			},
		},
		{
			name: "different nonce",
			mutate: func(t *testing.T) Input {
				in := signed(t, good, sampleInput())
				in.Nonce = []byte("ba9876543210")
				return in
			},
		},
		{
			name: "different etag",
			mutate: func(t *testing.T) Input {
				in := signed(t, good, sampleInput())
				in.ETag = "etag-2"
				return in
			},
		},
		{
			name: "expired intermediate key",
			mutate: func(t *testing.T) Input {
				s := NewSigner(f.root, f.intermediate, fixedNow.Add(-48*time.Hour))
				return signed(t, s, sampleInput())
			},
		},
		{
			name: "intermediate key signed by unknown root",
			mutate: func(t *testing.T) Input {
				s := NewSigner(otherRoot, f.intermediate, fixedNow.Add(30*24*time.Hour))
				return signed(t, s, sampleInput())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := f.verifier(t, ModeEnforced)
			assert.Equal(t, models.VerificationFailed, v.Verify(context.Background(), tt.mutate(t)))
		})
	}
}

func TestVerify_DisabledIsNotRequested(t *testing.T) {
	v, err := New(ModeDisabled, nil)
	require.NoError(t, err)

	for _, v := range []*Verifier{v, Disabled()} {
		assert.False(t, v.Enabled())
		assert.False(t, v.Enforced())
		assert.Equal(t, ModeDisabled, v.Mode())
		assert.Equal(t, models.VerificationNotRequested, v.Verify(context.Background(), Input{Signature: "garbage"}))
	}
}

func TestVerify_DoesNotMutateInput(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, ModeInformational)
	s := NewSigner(f.root, f.intermediate, fixedNow.Add(30*24*time.Hour))

	in := signed(t, s, sampleInput())
	body := bytes.Clone(in.Body)
	nonce := bytes.Clone(in.Nonce)

	v.Verify(context.Background(), in)
	v.Verify(context.Background(), in)

	assert.Equal(t, body, in.Body)
	assert.Equal(t, nonce, in.Nonce)
}

func TestVerify_TrustedIntermediateStillChecksPayload(t *testing.T) {
	f := newFixture(t)
	v := f.verifier(t, ModeEnforced)
	s := NewSigner(f.root, f.intermediate, fixedNow.Add(30*24*time.Hour))

	in := signed(t, s, sampleInput())
	require.Equal(t, models.VerificationVerified, v.Verify(context.Background(), in))

	in.Body = append(bytes.Clone(in.Body), ' ')
	assert.Equal(t, models.VerificationFailed, v.Verify(context.Background(), in))
}

func TestVerify_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	m := metrics.New(nil)
	v := f.verifier(t, ModeInformational, WithMetrics(m))

	v.Verify(context.Background(), sampleInput())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Verifications.WithLabelValues("FAILED")))
}

func TestNew_RequiresRootsWhenEnabled(t *testing.T) {
	_, err := New(ModeInformational, nil)
	assert.Error(t, err)

	empty, err := NewKeyring()
	require.NoError(t, err)
	_, err = New(ModeEnforced, empty)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeDisabled},
		{in: "disabled", want: ModeDisabled},
		{in: "Informational", want: ModeInformational},
		{in: " ENFORCED ", want: ModeEnforced},
		{in: "strict", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Mode {
	t.Helper()
	m, err := ParseMode(s)
	require.NoError(t, err)
	return m
}

func TestKeyring(t *testing.T) {
	f := newFixture(t)

	_, err := NewKeyring(ed25519.PublicKey(make([]byte, 31)))
	assert.Error(t, err)

	k, err := ParseKeyring(base64.StdEncoding.EncodeToString(f.rootPub))
	require.NoError(t, err)
	assert.Equal(t, 1, k.Len())

	_, err = ParseKeyring("not base64!")
	assert.Error(t, err)
}
