// Package media moves inline case images out of the case records and into
// S3-compatible object storage.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vigia-civic/vigia-api/internal/config"
	"github.com/vigia-civic/vigia-api/internal/metrics"
	"github.com/vigia-civic/vigia-api/internal/utils"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"
)

// objectStore is the part of *minio.Client the uploader needs
type objectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
}

// Uploader stores case images in a bucket and returns their public URL
type Uploader struct {
	client   objectStore
	bucket   string
	baseURL  string
	maxBytes int64
	ids      utils.IDGenerator
	clock    utils.Clock
	logger   *logrus.Logger
}

// NewMinIOUploader connects to the object store and makes sure the bucket exists
func NewMinIOUploader(ctx context.Context, cfg *config.MediaConfig, logger *logrus.Logger) (*Uploader, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		logger.WithField("bucket", cfg.Bucket).Info("Created media bucket")
	}

	baseURL := cfg.PublicURL
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = scheme + "://" + cfg.Endpoint
	}

	return newUploader(client, cfg.Bucket, baseURL, cfg.MaxBytes, logger), nil
}

func newUploader(client objectStore, bucket, baseURL string, maxBytes int64, logger *logrus.Logger) *Uploader {
	return &Uploader{
		client:   client,
		bucket:   bucket,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		maxBytes: maxBytes,
		ids:      utils.UUIDGenerator{},
		clock:    utils.SystemClock{},
		logger:   logger,
	}
}

// Offload uploads an inline data URL image and returns the object URL.
// Anything that is not a data URL is returned unchanged.
func (u *Uploader) Offload(ctx context.Context, caseID, image string) (string, error) {
	if !IsDataURL(image) {
		return image, nil
	}

	parsed, err := ParseDataURL(image)
	if err != nil {
		metrics.RecordMediaUpload("unknown", "rejected")
		return "", err
	}
	if u.maxBytes > 0 && int64(len(parsed.Data)) > u.maxBytes {
		metrics.RecordMediaUpload(parsed.MediaType, "rejected")
		return "", ErrTooLarge
	}

	// The declared type is not trusted
	detected := mimetype.Detect(parsed.Data)
	if !strings.HasPrefix(detected.String(), "image/") {
		metrics.RecordMediaUpload(detected.String(), "rejected")
		return "", ErrNotImage
	}
	contentType := detected.String()
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}

	now := u.clock.Now().UTC()
	objectName := fmt.Sprintf("cases/%s/%d/%02d/%s%s",
		caseID,
		now.Year(),
		now.Month(),
		u.ids.NewID(),
		detected.Extension())

	_, err = u.client.PutObject(ctx, u.bucket, objectName, bytes.NewReader(parsed.Data), int64(len(parsed.Data)),
		minio.PutObjectOptions{
			ContentType: contentType,
			UserMetadata: map[string]string{
				"case-id":       caseID,
				"declared-type": parsed.MediaType,
				"uploaded-at":   now.Format(time.RFC3339),
			},
		})
	if err != nil {
		metrics.RecordMediaUpload(contentType, "failed")
		return "", fmt.Errorf("failed to upload case image: %w", err)
	}

	metrics.RecordMediaUpload(contentType, "stored")
	u.logger.WithFields(logrus.Fields{
		"case_id": caseID,
		"object":  objectName,
		"bytes":   len(parsed.Data),
	}).Info("Case image stored")

	return fmt.Sprintf("%s/%s/%s", u.baseURL, u.bucket, objectName), nil
}

// Remove deletes an image previously returned by Offload. URLs outside the
// bucket are ignored.
func (u *Uploader) Remove(ctx context.Context, imageURL string) error {
	prefix := fmt.Sprintf("%s/%s/", u.baseURL, u.bucket)
	if !strings.HasPrefix(imageURL, prefix) {
		return nil
	}
	objectName := strings.TrimPrefix(imageURL, prefix)
	if err := u.client.RemoveObject(ctx, u.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove case image: %w", err)
	}
	return nil
}
