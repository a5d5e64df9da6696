package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of the S3 API the fetcher uses.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from the ambient AWS configuration
// (environment, shared config, instance role).
func NewS3Client(ctx context.Context) (S3Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// parseS3URL splits s3://bucket/key into bucket and key.
func parseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %s", raw)
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url missing bucket or key: %s", raw)
	}
	return bucket, key, nil
}

// DownloadS3 downloads s3://bucket/key to destPath with progress tracking.
func DownloadS3(ctx context.Context, client S3Client, destPath, rawURL string, progressCb ByteProgressCallback) error {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return err
	}

	obj, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey" {
			return fmt.Errorf("object not found: %s", rawURL)
		}
		return fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer obj.Body.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer out.Close()

	var total int64
	if obj.ContentLength != nil {
		total = *obj.ContentLength
	}
	return copyWithProgress(ctx, out, obj.Body, 0, total, progressCb)
}
