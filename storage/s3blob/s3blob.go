// Package s3blob implements storage.BlobStore on S3-compatible object
// storage (AWS S3 or MinIO) for message attachments.
package s3blob

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dmitrykh/whisperline/storage"
)

// Options configures the S3 connection.
type Options struct {
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	BaseEndpoint string // non-empty for MinIO-style deployments
	// PublicBaseURL is prefixed to object paths to build the URL stored in
	// attachment rows. Defaults to BaseEndpoint + "/" + Bucket.
	PublicBaseURL string
}

// Client is the subset of *s3.Client used by the store; a seam for tests.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// BlobStore stores attachment payloads in one S3 bucket.
type BlobStore struct {
	client  Client
	bucket  string
	baseURL string
}

var _ storage.BlobStore = (*BlobStore)(nil)

// New connects to the configured S3 endpoint.
func New(ctx context.Context, opts Options) (*BlobStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey, opts.SecretKey, "",
		)))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return NewWithClient(client, opts), nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client Client, opts Options) *BlobStore {
	baseURL := opts.PublicBaseURL
	if baseURL == "" {
		baseURL = strings.TrimSuffix(opts.BaseEndpoint, "/") + "/" + opts.Bucket
	}
	return &BlobStore{
		client:  client,
		bucket:  opts.Bucket,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (b *BlobStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", path, err)
	}
	return b.baseURL + "/" + path, nil
}

func (b *BlobStore) Remove(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	objects := make([]types.ObjectIdentifier, 0, len(paths))
	for _, p := range paths {
		objects = append(objects, types.ObjectIdentifier{Key: aws.String(p)})
	}
	_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	return nil
}

// PathFromURL extracts the object path from a stored attachment URL. It
// returns false when the URL was not produced by this store.
func (b *BlobStore) PathFromURL(url string) (string, bool) {
	if !strings.HasPrefix(url, b.baseURL+"/") {
		return "", false
	}
	return strings.TrimPrefix(url, b.baseURL+"/"), true
}
