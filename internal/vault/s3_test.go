package vault

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"ctsync/internal/config"
)

type fakeObject struct {
	body []byte
	meta map[string]string
}

// fakeS3 is an in-memory bucket satisfying both s3Client and s3Uploader.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	headErr error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{body: body, meta: in.Metadata}
	return &manager.UploadOutput{Key: in.Key}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "no such key"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
	}
	return &s3.HeadObjectOutput{Metadata: obj.meta}, nil
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}

func TestS3Vault_KeysUsePrefix(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	v := newS3Vault("s3", "bucket", "team/archive", fake, fake)

	if err := v.PutContent(ctx, "cafe", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("PutContent() error = %v", err)
	}
	if err := v.PutMetadata(ctx, "host-1", "db", strings.NewReader("y"), 1, 3); err != nil {
		t.Fatalf("PutMetadata() error = %v", err)
	}

	want := map[string]bool{
		"team/archive/snapshots/cafe": true,
		"team/archive/hosts/host-1/db": true,
	}
	for _, k := range fake.keys() {
		if !want[k] {
			t.Errorf("unexpected object key %q", k)
		}
		delete(want, k)
	}
	for k := range want {
		t.Errorf("missing object key %q", k)
	}
}

func TestS3Vault_ValidateSetupReportsBucketError(t *testing.T) {
	fake := newFakeS3()
	fake.headErr = errors.New("access denied")
	v := newS3Vault("s3", "bucket", "", fake, fake)

	if err := v.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error")
	}
}

func TestNewS3Vault_RequiresBucket(t *testing.T) {
	if _, err := NewS3Vault(context.Background(), config.VaultConfig{Type: "s3", Name: "s3"}); err == nil {
		t.Error("NewS3Vault() expected error without bucket")
	}
}
