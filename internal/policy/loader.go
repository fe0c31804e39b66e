package policy

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/admissiond/internal/cryptoutil"
	"github.com/keithlinneman/admissiond/internal/log"
	"github.com/keithlinneman/admissiond/internal/xerrors"
)

// ErrIntegrity is returned when a document does not match its published
// digest or signature. Retrying will not help.
var ErrIntegrity = errors.New("policy: integrity check failed")

// DefaultMaxDocumentBytes bounds the size of a downloaded document.
const DefaultMaxDocumentBytes = 1 << 20

type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger

	// SSMParam holds the SHA-256 of the active document.
	SSMParam string

	// Documents live at s3://{S3Bucket}/{S3Prefix}/{sha256}.yaml with an
	// optional detached signature at the same key plus ".sig".
	S3Bucket string
	S3Prefix string

	// SigningKeyARN enables signature verification with that KMS key.
	// When set, unsigned documents are rejected.
	SigningKeyARN string

	MaxDocumentBytes int64

	// Clients default to ones built from AWSConfig, or the default AWS
	// config chain when AWSConfig is nil.
	AWSConfig *aws.Config
	SSM       SSMAPI
	S3        S3API
	Verifier  cryptoutil.Verifier
}

// Loader fetches policy documents published through SSM and S3.
type Loader struct {
	opts     LoaderOptions
	ssm      SSMAPI
	s3       S3API
	verifier cryptoutil.Verifier
	logger   log.Logger
}

func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	var errs []error
	if opts.SSMParam == "" {
		errs = append(errs, errors.New("SSMParam is required"))
	}
	if opts.S3Bucket == "" {
		errs = append(errs, errors.New("S3Bucket is required"))
	}
	if len(errs) > 0 {
		return nil, xerrors.WithStack(errors.Join(errs...))
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.MaxDocumentBytes <= 0 {
		opts.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	opts.S3Prefix = strings.Trim(opts.S3Prefix, "/")

	needAWS := opts.SSM == nil || opts.S3 == nil || (opts.SigningKeyARN != "" && opts.Verifier == nil)
	var awsCfg aws.Config
	if needAWS {
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			var err error
			if awsCfg, err = config.LoadDefaultConfig(ctx); err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
	}

	l := &Loader{opts: opts, ssm: opts.SSM, s3: opts.S3, verifier: opts.Verifier, logger: opts.Logger}
	if l.ssm == nil {
		l.ssm = ssm.NewFromConfig(awsCfg)
	}
	if l.s3 == nil {
		l.s3 = s3.NewFromConfig(awsCfg)
	}
	if l.verifier == nil && opts.SigningKeyARN != "" {
		l.verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), opts.SigningKeyARN)
	}
	return l, nil
}

// CurrentHash reads the published document digest from SSM.
func (l *Loader) CurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssm.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get ssm parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("ssm parameter %s has no value", l.opts.SSMParam)
	}
	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if !cryptoutil.ValidSHA256Hex(hash) {
		return "", xerrors.Newf("ssm parameter %s is not a sha256 digest", l.opts.SSMParam)
	}
	return hash, nil
}

func (l *Loader) objectKey(hash string) string {
	if l.opts.S3Prefix == "" {
		return hash + ".yaml"
	}
	return l.opts.S3Prefix + "/" + hash + ".yaml"
}

// Load fetches the document SSM currently points at.
func (l *Loader) Load(ctx context.Context) (*Table, error) {
	hash, err := l.CurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// LoadHash downloads, checks and parses the document with the given
// digest. With a verifier configured the signature must verify too.
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Table, error) {
	if !cryptoutil.ValidSHA256Hex(hash) {
		return nil, xerrors.Newf("invalid document digest %q", hash)
	}
	key := l.objectKey(hash)

	data, err := l.get(ctx, key)
	if err != nil {
		return nil, err
	}
	if actual := cryptoutil.SHA256Hex(data); !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("%w: s3://%s/%s has sha256 %s", ErrIntegrity, l.opts.S3Bucket, key, actual)
	}

	if l.verifier != nil {
		sig, err := l.get(ctx, key+".sig")
		if err != nil {
			return nil, xerrors.Wrap(err, "fetch policy signature")
		}
		if err := l.verifier.Verify(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(errors.Join(ErrIntegrity, err), "verify signature of s3://%s/%s", l.opts.S3Bucket, key)
		}
	}

	t, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "parse s3://%s/%s", l.opts.S3Bucket, key)
	}
	t.Source = SourceS3
	t.LoadedAt = time.Now().UTC()

	l.logger.Info(ctx, "loaded policy document",
		"key", key,
		"version", t.Version,
		"policies", len(t.policies),
		"lockouts", len(t.lockouts),
		"signed", l.verifier != nil,
	)
	return t, nil
}

func (l *Loader) get(ctx context.Context, key string) ([]byte, error) {
	out, err := l.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get s3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, l.opts.MaxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read s3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	if int64(len(data)) > l.opts.MaxDocumentBytes {
		return nil, xerrors.Newf("s3://%s/%s exceeds %d bytes", l.opts.S3Bucket, key, l.opts.MaxDocumentBytes)
	}
	return data, nil
}
