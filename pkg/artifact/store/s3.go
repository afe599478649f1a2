package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Blobs implements Blobs against any S3-compatible object store (AWS S3,
// MinIO, Ceph RGW). Construct with NewS3Blobs, which resolves credentials
// and region through the standard AWS SDK v2 chain (env vars, shared config,
// IAM role) and optionally overrides the endpoint for self-hosted stores.
type S3Blobs struct {
	client     *s3.Client
	presign    *s3.PresignClient
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
}

// S3Config configures NewS3Blobs. Endpoint is left empty to use AWS itself;
// set it to point at a MinIO or Ceph RGW endpoint instead.
type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	// AccessKeyID/SecretAccessKey bypass the SDK's default credential chain
	// when set; self-hosted stores usually hand out static keys.
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Blobs builds an S3Blobs bound to cfg.Bucket.
func NewS3Blobs(ctx context.Context, cfg S3Config) (*S3Blobs, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("artifact store: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Blobs{
		client:     client,
		presign:    s3.NewPresignClient(client),
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     cfg.Bucket,
	}, nil
}

func (b *S3Blobs) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = &contentType
	}
	_, err := b.uploader.Upload(ctx, input)
	if err != nil {
		return fmt.Errorf("artifact store: put %s: %w", key, err)
	}
	return nil
}

func (b *S3Blobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		return nil, fmt.Errorf("artifact store: get %s: %w", key, err)
	}
	return out.Body, nil
}

func (b *S3Blobs) GetSize(ctx context.Context, key string) (int64, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		return 0, fmt.Errorf("artifact store: head %s: %w", key, err)
	}
	if out.ContentLength == nil {
		return 0, nil
	}
	return *out.ContentLength, nil
}

func (b *S3Blobs) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		// The SDK returns a generic API error for 404s; treat any HeadObject
		// failure against an otherwise-reachable bucket as absence.
		return false, nil
	}
	return true, nil
}

func (b *S3Blobs) List(ctx context.Context, prefix, cursor string, maxKeys int) (Page, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  &b.bucket,
		Prefix:  &prefix,
		MaxKeys: int32ptr(int32(maxKeys)),
	}
	if cursor != "" {
		input.ContinuationToken = &cursor
	}
	out, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		return Page{}, fmt.Errorf("artifact store: list %s: %w", prefix, err)
	}

	page := Page{HasMore: out.IsTruncated != nil && *out.IsTruncated}
	if out.NextContinuationToken != nil {
		page.NextCursor = *out.NextContinuationToken
	}
	for _, obj := range out.Contents {
		e := Entry{}
		if obj.Key != nil {
			e.Key = *obj.Key
		}
		if obj.Size != nil {
			e.Size = *obj.Size
		}
		if obj.LastModified != nil {
			e.LastModified = *obj.LastModified
		}
		page.Entries = append(page.Entries, e)
	}
	return page, nil
}

func (b *S3Blobs) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &b.bucket, Key: &key})
	if err != nil {
		return fmt.Errorf("artifact store: delete %s: %w", key, err)
	}
	return nil
}

func (b *S3Blobs) DeleteMany(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := b.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

func (b *S3Blobs) PresignPut(ctx context.Context, key string, ttl time.Duration, contentType string) (string, error) {
	input := &s3.PutObjectInput{Bucket: &b.bucket, Key: &key}
	if contentType != "" {
		input.ContentType = &contentType
	}
	req, err := b.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("artifact store: presign put %s: %w", key, err)
	}
	return req.URL, nil
}

func (b *S3Blobs) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: &b.bucket, Key: &key}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("artifact store: presign get %s: %w", key, err)
	}
	return req.URL, nil
}

func (b *S3Blobs) Copy(ctx context.Context, src, dst string) error {
	source := b.bucket + "/" + src
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     &b.bucket,
		Key:        &dst,
		CopySource: &source,
	})
	if err != nil {
		return fmt.Errorf("artifact store: copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func int32ptr(v int32) *int32 { return &v }
