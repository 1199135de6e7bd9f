package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gemscan/internal/models"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Minio stores watermarks in an S3-compatible bucket.
type Minio struct {
	client *minio.Client
	bucket string
}

// NewMinio connects and creates the bucket if it does not exist yet.
func NewMinio(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Minio, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect blob store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Minio{client: client, bucket: bucket}, nil
}

func (m *Minio) GetWatermark(ctx context.Context, feed string) (*models.Watermark, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, watermarkKey(feed), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get watermark %s: %w", feed, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		// Missing objects surface on read, not on GetObject.
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("read watermark %s: %w", feed, err)
	}

	var wm models.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("decode watermark %s: %w", feed, err)
	}
	return &wm, nil
}

func (m *Minio) PutWatermark(ctx context.Context, feed string, wm models.Watermark) error {
	data, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("encode watermark %s: %w", feed, err)
	}
	_, err = m.client.PutObject(ctx, m.bucket, watermarkKey(feed),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put watermark %s: %w", feed, err)
	}
	return nil
}
