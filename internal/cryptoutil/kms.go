package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/admissiond/internal/xerrors"
)

// Verifier checks a detached signature over message.
type Verifier interface {
	Verify(ctx context.Context, message, signature []byte) error
}

// PublicKeyAPI is the part of the KMS client the verifier uses.
type PublicKeyAPI interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier verifies locally against the public half of an asymmetric
// KMS signing key. The key is fetched once and cached.
type KMSVerifier struct {
	api    PublicKeyAPI
	keyARN string

	mu  sync.Mutex
	pub crypto.PublicKey
}

func NewKMSVerifier(api PublicKeyAPI, keyARN string) *KMSVerifier {
	return &KMSVerifier{api: api, keyARN: keyARN}
}

func (v *KMSVerifier) KeyARN() string { return v.keyARN }

func (v *KMSVerifier) publicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pub != nil {
		return v.pub, nil
	}
	if v.api == nil {
		return nil, xerrors.New("kms client is not configured")
	}

	out, err := v.api.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyARN)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyARN)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has usage %s, want SIGN_VERIFY", v.keyARN, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key")
	}
	v.pub = pub
	return pub, nil
}

// Verify accepts ECDSA P-256 (SHA-256), ECDSA P-384 (SHA-384) and RSA-PSS
// (SHA-256) signatures.
func (v *KMSVerifier) Verify(ctx context.Context, message, signature []byte) error {
	pub, err := v.publicKey(ctx)
	if err != nil {
		return err
	}
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		digest, err := curveDigest(key.Curve, message)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return xerrors.Newf("ecdsa %s signature mismatch", key.Curve.Params().Name)
		}
		return nil
	case *rsa.PublicKey:
		digest := sha256.Sum256(message)
		if err := rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, nil); err != nil {
			return xerrors.Wrap(err, "rsa-pss signature mismatch")
		}
		return nil
	default:
		return xerrors.Newf("unsupported public key type %T", pub)
	}
}

func curveDigest(c elliptic.Curve, message []byte) ([]byte, error) {
	switch c {
	case elliptic.P256():
		d := sha256.Sum256(message)
		return d[:], nil
	case elliptic.P384():
		d := sha512.Sum384(message)
		return d[:], nil
	default:
		return nil, xerrors.Newf("unsupported ecdsa curve %s", c.Params().Name)
	}
}
