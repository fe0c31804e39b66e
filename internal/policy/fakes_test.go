package policy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/keithlinneman/admissiond/internal/cryptoutil"
	"github.com/keithlinneman/admissiond/internal/log"
)

const (
	testParam  = "/admissiond/policy/sha256"
	testBucket = "policy-bucket"
	testPrefix = "admissiond/policies"
)

type fakeSSM struct {
	mu    sync.Mutex
	value string
	err   error
	calls int
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: aws.String(f.value)}}, nil
}

func (f *fakeSSM) set(value string, err error) {
	f.mu.Lock()
	f.value, f.err = value, err
	f.mu.Unlock()
}

var errNoSuchKey = errors.New("NoSuchKey")

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    []string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.gets = append(f.gets, key)
	data, ok := f.objects[key]
	if !ok || aws.ToString(in.Bucket) != testBucket {
		return nil, errNoSuchKey
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
}

// publish stores doc under its digest and returns the digest.
func (f *fakeS3) publish(doc string) string {
	hash := cryptoutil.SHA256Hex([]byte(doc))
	f.put(testPrefix+"/"+hash+".yaml", []byte(doc))
	return hash
}

// prefixVerifier accepts signatures equal to "sig:" + sha256(message).
type prefixVerifier struct{}

func (prefixVerifier) Verify(_ context.Context, message, signature []byte) error {
	if string(signature) != "sig:"+cryptoutil.SHA256Hex(message) {
		return errors.New("signature mismatch")
	}
	return nil
}

func newTestLoader(ssmFake *fakeSSM, s3Fake *fakeS3, v cryptoutil.Verifier) *Loader {
	l, err := NewLoader(context.Background(), LoaderOptions{
		Logger:   log.Nop(),
		SSMParam: testParam,
		S3Bucket: testBucket,
		S3Prefix: "/" + testPrefix + "/",
		SSM:      ssmFake,
		S3:       s3Fake,
		Verifier: v,
	})
	if err != nil {
		panic(err)
	}
	return l
}
