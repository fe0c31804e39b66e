package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

const testKeyARN = "arn:aws:kms:us-east-2:000000000000:key/policy-signing"

type fakeKMS struct {
	der   []byte
	usage kmstypes.KeyUsageType
	err   error
	calls atomic.Int32
}

func (f *fakeKMS) GetPublicKey(_ context.Context, in *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &kms.GetPublicKeyOutput{KeyId: in.KeyId, PublicKey: f.der, KeyUsage: f.usage}, nil
}

func fakeFor(t *testing.T, pub crypto.PublicKey) *fakeKMS {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return &fakeKMS{der: der, usage: kmstypes.KeyUsageTypeSignVerify}
}

func ecKey(t *testing.T, c elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(c, rand.Reader)
	if err != nil {
		t.Fatalf("generate ecdsa key: %v", err)
	}
	return k
}

func TestVerify_ECDSA(t *testing.T) {
	msg := []byte("version: \"2026-10-01\"\n")

	tests := []struct {
		name   string
		curve  elliptic.Curve
		digest func([]byte) []byte
	}{
		{"p256", elliptic.P256(), func(b []byte) []byte { d := sha256.Sum256(b); return d[:] }},
		{"p384", elliptic.P384(), func(b []byte) []byte { d := sha512.Sum384(b); return d[:] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := ecKey(t, tt.curve)
			v := NewKMSVerifier(fakeFor(t, &key.PublicKey), testKeyARN)

			sig, err := ecdsa.SignASN1(rand.Reader, key, tt.digest(msg))
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			if err := v.Verify(t.Context(), msg, sig); err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if err := v.Verify(t.Context(), []byte("tampered"), sig); err == nil {
				t.Fatal("tampered message verified")
			}
			other := ecKey(t, tt.curve)
			otherSig, _ := ecdsa.SignASN1(rand.Reader, other, tt.digest(msg))
			if err := v.Verify(t.Context(), msg, otherSig); err == nil {
				t.Fatal("signature from another key verified")
			}
		})
	}
}

func TestVerify_RSAPSS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	v := NewKMSVerifier(fakeFor(t, &key.PublicKey), testKeyARN)
	msg := []byte("policies: {}")
	digest := sha256.Sum256(msg)

	pss, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	if err != nil {
		t.Fatalf("sign pss: %v", err)
	}
	if err := v.Verify(t.Context(), msg, pss); err != nil {
		t.Fatalf("Verify PSS: %v", err)
	}

	pkcs, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign pkcs1v15: %v", err)
	}
	if err := v.Verify(t.Context(), msg, pkcs); err == nil {
		t.Fatal("PKCS1v15 signature should be rejected")
	}
}

func TestVerify_BadSignatures(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	v := NewKMSVerifier(fakeFor(t, &key.PublicKey), testKeyARN)

	for _, sig := range [][]byte{nil, {}, []byte("not asn1")} {
		if err := v.Verify(t.Context(), []byte("m"), sig); err == nil {
			t.Errorf("signature %q verified", sig)
		}
	}
}

func TestVerify_UnsupportedKeyType(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519: %v", err)
	}
	v := NewKMSVerifier(fakeFor(t, pub), testKeyARN)
	if err := v.Verify(t.Context(), []byte("m"), []byte("s")); err == nil {
		t.Fatal("ed25519 key should be unsupported")
	}
}

func TestPublicKey_FetchedOnce(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	fake := fakeFor(t, &key.PublicKey)
	v := NewKMSVerifier(fake, testKeyARN)

	for i := 0; i < 3; i++ {
		_ = v.Verify(t.Context(), []byte("m"), []byte("s"))
	}
	if fake.calls.Load() != 1 {
		t.Fatalf("GetPublicKey calls = %d, want 1", fake.calls.Load())
	}
}

func TestPublicKey_Errors(t *testing.T) {
	key := ecKey(t, elliptic.P256())

	wrongUsage := fakeFor(t, &key.PublicKey)
	wrongUsage.usage = kmstypes.KeyUsageTypeEncryptDecrypt

	tests := []struct {
		name string
		api  PublicKeyAPI
	}{
		{"nil client", nil},
		{"api error", &fakeKMS{err: errors.New("AccessDenied")}},
		{"wrong usage", wrongUsage},
		{"bad der", &fakeKMS{der: []byte("junk"), usage: kmstypes.KeyUsageTypeSignVerify}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewKMSVerifier(tt.api, testKeyARN)
			if err := v.Verify(t.Context(), []byte("m"), []byte("s")); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPublicKey_ErrorNotCached(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	fake := fakeFor(t, &key.PublicKey)
	fake.err = errors.New("throttled")
	v := NewKMSVerifier(fake, testKeyARN)

	_ = v.Verify(t.Context(), []byte("m"), []byte("s"))
	fake.err = nil

	digest := sha256.Sum256([]byte("m"))
	sig, _ := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err := v.Verify(t.Context(), []byte("m"), sig); err != nil {
		t.Fatalf("Verify after transient error: %v", err)
	}
}
