// internal/archive/s3.go
// Package archive provides an optional S3-compatible snapshot store for
// refreshed mock responses. Each successful refresh capture can be written
// as an immutable object, giving an audit trail beyond the single response
// column retained in the database.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Archive wraps the AWS S3 client for snapshot operations.
// It supports both AWS S3 and S3-compatible services like MinIO.
type S3Archive struct {
	client *s3.Client
	bucket string
}

// NewS3Archive creates a new snapshot archive client.
// Parameters:
//   - endpoint: S3 service endpoint URL
//   - region: AWS region (or equivalent for S3-compatible services)
//   - bucket: S3 bucket name for snapshots
//   - accessKey: Access key for authentication
//   - secretKey: Secret key for authentication
// Returns:
//   - *S3Archive: Initialized archive client
//   - error: Any error that occurred during initialization
func NewS3Archive(endpoint, region, bucket, accessKey, secretKey string) (*S3Archive, error) {
	cfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(region),
		config.WithBaseEndpoint(endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true // Required for MinIO and other S3-compatible services
	})

	return &S3Archive{
		client: client,
		bucket: bucket,
	}, nil
}

// StoreSnapshot writes one refreshed response under a key derived from the
// record id, the refresh cycle id, and the capture time. Snapshots are
// write-once; callers treat failures as best-effort and only log them.
// Parameters:
//   - ctx: Context for the operation
//   - recordID: The mock record the snapshot belongs to
//   - cycleID: The refresh cycle that produced it
//   - body: The captured response text
// Returns:
//   - string: The object key the snapshot was stored under
//   - error: Any error that occurred during the write
func (a *S3Archive) StoreSnapshot(ctx context.Context, recordID int64, cycleID, body string) (string, error) {
	key := fmt.Sprintf("snapshots/%d/%s-%s.json", recordID, cycleID, time.Now().UTC().Format("20060102T150405Z"))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(body),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store snapshot: %w", err)
	}

	return key, nil
}
