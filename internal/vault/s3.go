package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"bsync-go/internal/bsync"
	"bsync-go/internal/config"
	"bsync-go/internal/remote"
)

// Object metadata keys carrying the descriptor. S3 lowercases user metadata.
const (
	metaBackupID   = "backup-id"
	metaBackupDate = "backup-date"
	metaBackupSize = "backup-size"
)

// S3API is the subset of the S3 client used by S3Vault.
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Vault stores each piece as one object at <prefix>/<namespace>/<piece>.age,
// with the descriptor in the object's user metadata. Uploads go through the
// multipart upload manager.
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   S3API
	uploader *manager.Uploader
}

var _ remote.Vault = (*S3Vault)(nil)

// NewS3Vault builds an S3 client from the default AWS credential chain.
// BSYNC_S3_ACCESS_KEY_ID and BSYNC_S3_SECRET_ACCESS_KEY, when both set, take
// precedence as static credentials for S3-compatible stores.
func NewS3Vault(ctx context.Context, cfg config.VaultConfig) (*S3Vault, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("s3 vault requires s3_bucket to be set")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if key, secret := os.Getenv("BSYNC_S3_ACCESS_KEY_ID"), os.Getenv("BSYNC_S3_SECRET_ACCESS_KEY"); key != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(key, secret, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return NewS3VaultFromClient(cfg.Name, cfg.S3Bucket, cfg.S3Prefix, client, manager.NewUploader(client)), nil
}

// NewS3VaultFromClient creates an S3Vault over an existing client.
func NewS3VaultFromClient(name, bucket, prefix string, client S3API, uploader *manager.Uploader) *S3Vault {
	return &S3Vault{
		name:     name,
		bucket:   bucket,
		prefix:   strings.Trim(prefix, "/"),
		client:   client,
		uploader: uploader,
	}
}

func (v *S3Vault) key(namespace string, piece bsync.PieceType) string {
	return path.Join(v.prefix, namespace, strings.ToLower(string(piece))+".age")
}

// PutPiece uploads the payload with the descriptor as object metadata.
func (v *S3Vault) PutPiece(ctx context.Context, namespace string, piece bsync.PieceType, desc bsync.Descriptor, r io.Reader, size int64) error {
	_, err := v.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(v.bucket),
		Key:           aws.String(v.key(namespace, piece)),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      encodeDescriptor(desc),
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", piece, err)
	}
	return nil
}

// GetPiece downloads the payload to w.
func (v *S3Vault) GetPiece(ctx context.Context, namespace string, piece bsync.PieceType, w io.Writer) (bsync.Descriptor, error) {
	out, err := v.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(namespace, piece)),
	})
	if err != nil {
		return bsync.Descriptor{}, fmt.Errorf("downloading %s: %w", piece, err)
	}
	defer out.Body.Close()

	desc, err := decodeDescriptor(out.Metadata)
	if err != nil {
		return bsync.Descriptor{}, fmt.Errorf("reading %s metadata: %w", piece, err)
	}
	if _, err := io.Copy(w, out.Body); err != nil {
		return bsync.Descriptor{}, fmt.Errorf("reading %s payload: %w", piece, err)
	}
	return desc, nil
}

// Describe reads the descriptor from the object's metadata, or returns nil
// if the object does not exist.
func (v *S3Vault) Describe(ctx context.Context, namespace string, piece bsync.PieceType) (*bsync.Descriptor, error) {
	out, err := v.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(namespace, piece)),
	})
	if err != nil {
		var notFound *s3types.NotFound
		var noSuchKey *s3types.NoSuchKey
		if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
			return nil, nil
		}
		return nil, fmt.Errorf("describing %s: %w", piece, err)
	}

	desc, err := decodeDescriptor(out.Metadata)
	if err != nil {
		return nil, fmt.Errorf("reading %s metadata: %w", piece, err)
	}
	return &desc, nil
}

// ValidateSetup checks that the bucket exists and is reachable.
func (v *S3Vault) ValidateSetup(ctx context.Context) error {
	if _, err := v.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(v.bucket)}); err != nil {
		return fmt.Errorf("bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

func encodeDescriptor(d bsync.Descriptor) map[string]string {
	return map[string]string{
		metaBackupID:   d.ID,
		metaBackupDate: d.Date.UTC().Format(time.RFC3339Nano),
		metaBackupSize: strconv.FormatInt(d.Size, 10),
	}
}

func decodeDescriptor(meta map[string]string) (bsync.Descriptor, error) {
	lower := make(map[string]string, len(meta))
	for k, val := range meta {
		lower[strings.ToLower(k)] = val
	}

	id := lower[metaBackupID]
	if id == "" {
		return bsync.Descriptor{}, fmt.Errorf("missing %s", metaBackupID)
	}
	date, err := time.Parse(time.RFC3339Nano, lower[metaBackupDate])
	if err != nil {
		return bsync.Descriptor{}, fmt.Errorf("invalid %s: %w", metaBackupDate, err)
	}
	size, err := strconv.ParseInt(lower[metaBackupSize], 10, 64)
	if err != nil {
		return bsync.Descriptor{}, fmt.Errorf("invalid %s: %w", metaBackupSize, err)
	}
	return bsync.Descriptor{ID: id, Date: date, Size: size}, nil
}
