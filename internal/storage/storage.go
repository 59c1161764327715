// Package storage uploads report media to an S3-compatible object store, one
// bucket per media kind.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/edgard/sitelog/internal/config"
	"github.com/edgard/sitelog/internal/database"
)

// Object identifies an uploaded blob.
type Object struct {
	Bucket string
	Key    string
	URL    string
}

// ObjectAPI is the subset of *minio.Client used here.
type ObjectAPI interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// Uploader stores and removes report media.
type Uploader struct {
	client  ObjectAPI
	buckets map[database.MessageKind]string
	baseURL string
	region  string
	logger  *slog.Logger
}

// NewClient creates a MinIO client for the configured endpoint.
func NewClient(cfg config.StorageConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}
	return client, nil
}

// NewUploader wraps an object store client. Public URLs are built from
// cfg.PublicBaseURL, or from the endpoint when it is empty.
func NewUploader(client ObjectAPI, cfg config.StorageConfig, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = scheme + "://" + strings.TrimRight(cfg.Endpoint, "/")
	}
	return &Uploader{
		client: client,
		buckets: map[database.MessageKind]string{
			database.KindImage: cfg.ImageBucket,
			database.KindAudio: cfg.AudioBucket,
			database.KindVideo: cfg.VideoBucket,
		},
		baseURL: baseURL,
		region:  cfg.Region,
		logger:  logger.With("component", "storage"),
	}
}

// EnsureBuckets creates any missing media bucket.
func (u *Uploader) EnsureBuckets(ctx context.Context) error {
	for _, kind := range []database.MessageKind{database.KindImage, database.KindAudio, database.KindVideo} {
		bucket := u.buckets[kind]
		exists, err := u.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
		}
		if exists {
			continue
		}
		if err := u.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: u.region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		u.logger.InfoContext(ctx, "Created bucket", "bucket", bucket, "kind", kind)
	}
	return nil
}

// Upload stores data under <reportID>/<position>.<ext> in the kind's bucket.
func (u *Uploader) Upload(ctx context.Context, kind database.MessageKind, data []byte, mimeType, reportID string, position int) (Object, error) {
	bucket, err := u.bucket(kind)
	if err != nil {
		return Object{}, err
	}
	if len(data) == 0 {
		return Object{}, fmt.Errorf("cannot upload empty %s object", kind)
	}

	key := ObjectKey(kind, mimeType, reportID, position)
	_, err = u.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: mimeType})
	if err != nil {
		u.logger.ErrorContext(ctx, "Failed to upload object", "bucket", bucket, "key", key, "error", err)
		return Object{}, fmt.Errorf("failed to upload %s/%s: %w", bucket, key, err)
	}

	obj := Object{Bucket: bucket, Key: key, URL: u.PublicURL(kind, key)}
	u.logger.DebugContext(ctx, "Uploaded object", "bucket", bucket, "key", key, "size", len(data))
	return obj, nil
}

// Remove deletes a blob. Removing a missing key succeeds.
func (u *Uploader) Remove(ctx context.Context, kind database.MessageKind, key string) error {
	bucket, err := u.bucket(kind)
	if err != nil {
		return err
	}
	if err := u.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove %s/%s: %w", bucket, key, err)
	}
	u.logger.DebugContext(ctx, "Removed object", "bucket", bucket, "key", key)
	return nil
}

// PublicURL returns the URL under which a stored key is served.
func (u *Uploader) PublicURL(kind database.MessageKind, key string) string {
	return u.baseURL + "/" + u.buckets[kind] + "/" + key
}

func (u *Uploader) bucket(kind database.MessageKind) (string, error) {
	bucket, ok := u.buckets[kind]
	if !ok || bucket == "" {
		return "", fmt.Errorf("no bucket configured for kind %q", kind)
	}
	return bucket, nil
}

// ObjectKey builds the storage key for a report's media item.
func ObjectKey(kind database.MessageKind, mimeType, reportID string, position int) string {
	return fmt.Sprintf("%s/%d.%s", reportID, position, Extension(kind, mimeType))
}

// extensionOverrides replaces registry extensions that players handle poorly.
var extensionOverrides = map[string]string{
	"audio/ogg": "ogg",
}

// Extension derives a file extension from the MIME type registry, falling
// back to a per-kind default.
func Extension(kind database.MessageKind, mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		base = mimeType
	}
	base = strings.ToLower(strings.TrimSpace(base))

	if ext, ok := extensionOverrides[base]; ok {
		return ext
	}
	if m := mimetype.Lookup(base); m != nil && m.Extension() != "" {
		return strings.TrimPrefix(m.Extension(), ".")
	}

	switch kind {
	case database.KindImage:
		return "jpg"
	case database.KindAudio:
		return "ogg"
	case database.KindVideo:
		return "mp4"
	case database.KindText:
		return "txt"
	default:
		return "bin"
	}
}
