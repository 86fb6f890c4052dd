// Package s3 provides an S3-backed storage backend.
//
// The S3 backend implements the core storage.Backend contract over object
// operations: moves are copy-then-delete, directories are zero-byte marker
// objects, and hashing streams the object body. It does not implement the
// upload-session or archive capabilities; resumable uploads and compress/
// extract require a backend with local-disk semantics, and the engines
// reject those operations with storage.ErrNotSupported.
package s3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/cumulusfs/cumulus/pkg/storage"
)

// dirMarkerSuffix marks directory placeholder objects.
const dirMarkerSuffix = "/.dir"

// Config holds configuration for the S3 backend.
type Config struct {
	// ID is the storage identifier referenced by FileEntry.StorageID.
	ID string

	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region (optional, SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// KeyPrefix is prepended to all storage paths. Should end with "/" if set.
	KeyPrefix string

	// AccessKey/SecretKey configure static credentials. When empty the SDK
	// default credential chain is used.
	AccessKey string
	SecretKey string

	// ForcePathStyle forces path-style addressing (MinIO/Localstack).
	ForcePathStyle bool
}

// Backend is an S3-backed implementation of storage.Backend.
type Backend struct {
	id        string
	client    *awss3.Client
	bucket    string
	keyPrefix string
}

// New creates an S3 backend with an existing client.
func New(client *awss3.Client, cfg Config) *Backend {
	return &Backend{
		id:        cfg.ID,
		client:    client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
	}
}

// NewFromConfig creates an S3 backend, building the client from cfg.
func NewFromConfig(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.ID == "" {
		return nil, errors.New("storage id is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*awss3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(awss3.NewFromConfig(awsCfg, s3Opts...), cfg), nil
}

// ID returns the configured storage identifier.
func (b *Backend) ID() string { return b.id }

func (b *Backend) key(path string) (string, error) {
	// Storage paths are built internally, but reject anything that could
	// address outside the configured prefix.
	if strings.HasPrefix(path, "/") || strings.Contains(path, "..") || strings.ContainsRune(path, '\x00') {
		return "", fmt.Errorf("%w: %q", storage.ErrPathEscapes, path)
	}
	return b.keyPrefix + path, nil
}

// EnsureDir stores a zero-byte directory marker object.
func (b *Backend) EnsureDir(ctx context.Context, path string) error {
	key, err := b.key(path)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key + dirMarkerSuffix),
		Body:   strings.NewReader(""),
	})
	if err != nil {
		return fmt.Errorf("s3 put dir marker: %w", err)
	}
	return nil
}

// Move relocates every object under src to dst via copy-then-delete.
// Object stores have no rename; this is not atomic, which is why the engine
// rejects cross-backend moves and why S3-backed storages are read-mostly.
func (b *Backend) Move(ctx context.Context, src, dst string) error {
	srcKey, err := b.key(src)
	if err != nil {
		return err
	}
	dstKey, err := b.key(dst)
	if err != nil {
		return err
	}

	keys, err := b.listKeys(ctx, srcKey)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, src)
	}

	for _, k := range keys {
		target := dstKey + strings.TrimPrefix(k, srcKey)
		_, err := b.client.CopyObject(ctx, &awss3.CopyObjectInput{
			Bucket:     aws.String(b.bucket),
			CopySource: aws.String(b.bucket + "/" + k),
			Key:        aws.String(target),
		})
		if err != nil {
			return fmt.Errorf("s3 copy object: %w", err)
		}
	}
	for _, k := range keys {
		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(k),
		}); err != nil {
			return fmt.Errorf("s3 delete object: %w", err)
		}
	}
	return nil
}

// CopyFile duplicates a single object.
func (b *Backend) CopyFile(ctx context.Context, src, dst string) error {
	srcKey, err := b.key(src)
	if err != nil {
		return err
	}
	dstKey, err := b.key(dst)
	if err != nil {
		return err
	}
	_, err = b.client.CopyObject(ctx, &awss3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(b.bucket + "/" + srcKey),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		if isNotFoundError(err) {
			return fmt.Errorf("%w: %s", storage.ErrNotFound, src)
		}
		return fmt.Errorf("s3 copy object: %w", err)
	}
	return nil
}

// Delete removes the object, or every object under the path when recursive.
func (b *Backend) Delete(ctx context.Context, path string, recursive bool) error {
	key, err := b.key(path)
	if err != nil {
		return err
	}
	if !recursive {
		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("s3 delete object: %w", err)
		}
		return nil
	}

	keys, err := b.listKeys(ctx, key)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, err := b.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(k),
		}); err != nil {
			return fmt.Errorf("s3 delete object: %w", err)
		}
	}
	return nil
}

// Stat returns object metadata. Directory markers report IsDir.
func (b *Backend) Stat(ctx context.Context, path string) (storage.FileInfo, error) {
	key, err := b.key(path)
	if err != nil {
		return storage.FileInfo{}, err
	}

	head, err := b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		info := storage.FileInfo{Size: aws.ToInt64(head.ContentLength)}
		if head.LastModified != nil {
			info.ModTime = *head.LastModified
		}
		return info, nil
	}
	if !isNotFoundError(err) {
		return storage.FileInfo{}, fmt.Errorf("s3 head object: %w", err)
	}

	// No plain object: probe for the directory marker.
	_, err = b.client.HeadObject(ctx, &awss3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key + dirMarkerSuffix),
	})
	if err != nil {
		if isNotFoundError(err) {
			return storage.FileInfo{}, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return storage.FileInfo{}, fmt.Errorf("s3 head object: %w", err)
	}
	return storage.FileInfo{IsDir: true, ModTime: time.Now()}, nil
}

// Open returns a reader over the object body.
func (b *Backend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	key, err := b.key(path)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, path)
		}
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	return resp.Body, nil
}

// WriteStream uploads r as a single object, hashing while buffering.
// S3 needs a seekable body or known length, so the stream is buffered in
// memory; large-object uploads should use a local backend.
func (b *Backend) WriteStream(ctx context.Context, path string, r io.Reader) (int64, string, error) {
	key, err := b.key(path)
	if err != nil {
		return 0, "", err
	}

	hasher := sha256.New()
	var buf strings.Builder
	n, err := io.Copy(io.MultiWriter(&buf, hasher), r)
	if err != nil {
		return 0, "", err
	}

	_, err = b.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(buf.String()),
		ContentLength: aws.Int64(n),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3 put object: %w", err)
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// HashFile streams the object through SHA-256 and returns the hex digest.
func (b *Backend) HashFile(ctx context.Context, path string) (string, error) {
	rc, err := b.Open(ctx, path)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// listKeys enumerates all object keys under prefix.
func (b *Backend) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := awss3.NewListObjectsV2Paginator(b.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// isNotFoundError checks if an error is an S3 not found error.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "404")
}

var _ storage.Backend = (*Backend)(nil)
