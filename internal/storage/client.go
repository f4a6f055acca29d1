// Package storage uploads generated cover images to an S3-compatible object
// store (MinIO) and derives the public URL attached to the story job.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	Access    string
	Secret    string
	Bucket    string
	UseSSL    bool
	PublicURL string // optional prefix replacing <scheme>://<endpoint>/<bucket>
}

type Client struct {
	minio     *minio.Client
	bucket    string
	publicURL string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("storage endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{
		minio:     mc,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

func (c *Client) Bucket() string { return c.bucket }

// EnsureBucket creates the bucket if needed. A concurrent creator winning the
// race is not an error.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// CoverKey is the object key of the cover produced by image job requestID
// for story storyID.
func CoverKey(storyID, requestID string) string {
	return path.Join("stories", storyID, "covers", requestID)
}

// PutCover stores a cover image and returns its URL.
func (c *Client) PutCover(ctx context.Context, storyID, requestID string, data []byte, contentType string) (string, error) {
	if storyID == "" || requestID == "" {
		return "", errors.New("story id and request id are required")
	}
	if len(data) == 0 {
		return "", errors.New("cover image is empty")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := CoverKey(storyID, requestID)
	_, err := c.minio.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return c.ObjectURL(key), nil
}

// ObjectURL returns the URL clients use to fetch key.
func (c *Client) ObjectURL(key string) string {
	if c.publicURL != "" {
		return c.publicURL + "/" + key
	}
	u := c.minio.EndpointURL()
	return u.Scheme + "://" + u.Host + "/" + path.Join(c.bucket, key)
}
