package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"bsync-go/internal/bsync"
)

type fakeObject struct {
	body     []byte
	metadata map[string]string
}

// fakeS3 is an in-memory S3 client covering what S3Vault and the upload
// manager call for single-part uploads.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]fakeObject
}

func newFakeS3(bucket string) *fakeS3 {
	return &fakeS3{bucket: bucket, objects: make(map[string]fakeObject)}
}

func newFakeS3Vault() *S3Vault {
	client := newFakeS3("backups")
	return NewS3VaultFromClient("test-s3", "backups", "/bsync/", client, manager.NewUploader(client))
}

func (f *fakeS3) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(in.Bucket) != f.bucket {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: obj.metadata, ContentLength: aws.Int64(int64(len(obj.body)))}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.body)), Metadata: obj.metadata}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{body: body, metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) UploadPart(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return nil, fmt.Errorf("multipart upload not supported by fake")
}

func (f *fakeS3) CreateMultipartUpload(context.Context, *s3.CreateMultipartUploadInput, ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return nil, fmt.Errorf("multipart upload not supported by fake")
}

func (f *fakeS3) CompleteMultipartUpload(context.Context, *s3.CompleteMultipartUploadInput, ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return nil, fmt.Errorf("multipart upload not supported by fake")
}

func (f *fakeS3) AbortMultipartUpload(context.Context, *s3.AbortMultipartUploadInput, ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestS3Vault_ObjectLayout(t *testing.T) {
	client := newFakeS3("backups")
	v := NewS3VaultFromClient("test", "backups", "/bsync/", client, manager.NewUploader(client))

	payload := []byte("sealed")
	desc := bsync.Descriptor{ID: "b-1", Date: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), Size: int64(len(payload))}
	if err := v.PutPiece(context.Background(), "alice", bsync.PieceRealEstate, desc, bytes.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("PutPiece() error = %v", err)
	}

	obj, ok := client.objects["bsync/alice/real_estate.age"]
	if !ok {
		t.Fatalf("object not stored at expected key; have %v", keys(client.objects))
	}
	if obj.metadata[metaBackupID] != "b-1" {
		t.Errorf("metadata %s = %q, want %q", metaBackupID, obj.metadata[metaBackupID], "b-1")
	}
	if obj.metadata[metaBackupDate] != "2024-03-01T08:00:00Z" {
		t.Errorf("metadata %s = %q", metaBackupDate, obj.metadata[metaBackupDate])
	}
}

func TestS3Vault_ValidateSetup(t *testing.T) {
	client := newFakeS3("backups")
	good := NewS3VaultFromClient("test", "backups", "", client, manager.NewUploader(client))
	if err := good.ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}

	bad := NewS3VaultFromClient("test", "other", "", client, manager.NewUploader(client))
	if err := bad.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error for missing bucket")
	}
}

func TestDecodeDescriptor(t *testing.T) {
	tests := []struct {
		name    string
		meta    map[string]string
		wantErr bool
	}{
		{
			name: "valid",
			meta: map[string]string{"backup-id": "x", "backup-date": "2024-01-15T10:30:00Z", "backup-size": "12"},
		},
		{
			name: "canonicalized keys",
			meta: map[string]string{"Backup-Id": "x", "Backup-Date": "2024-01-15T10:30:00Z", "Backup-Size": "12"},
		},
		{
			name:    "missing id",
			meta:    map[string]string{"backup-date": "2024-01-15T10:30:00Z", "backup-size": "12"},
			wantErr: true,
		},
		{
			name:    "bad date",
			meta:    map[string]string{"backup-id": "x", "backup-date": "yesterday", "backup-size": "12"},
			wantErr: true,
		},
		{
			name:    "bad size",
			meta:    map[string]string{"backup-id": "x", "backup-date": "2024-01-15T10:30:00Z", "backup-size": "big"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeDescriptor(tt.meta)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeDescriptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (got.ID != "x" || got.Size != 12) {
				t.Errorf("decodeDescriptor() = %+v", got)
			}
		})
	}
}

func keys(m map[string]fakeObject) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
