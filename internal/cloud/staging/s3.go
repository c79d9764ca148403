package staging

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/rescale-assets/internal/models"
)

// S3Backend puts objects into the user's S3 bucket with temporary credentials.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend builds an S3 client from the platform-issued credentials.
func NewS3Backend(ctx context.Context, storage *models.StorageInfo, creds *models.S3Credentials, httpClient *nethttp.Client) (*S3Backend, error) {
	if storage.ConnectionSettings.Container == "" {
		return nil, fmt.Errorf("S3 bucket not found in ConnectionSettings.Container")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(storage.ConnectionSettings.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			creds.AccessKeyID,
			creds.SecretKey,
			creds.SessionToken,
		)),
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Backend{
		client: s3.NewFromConfig(cfg),
		bucket: storage.ConnectionSettings.Container,
	}, nil
}

// Container returns the bucket name.
func (b *S3Backend) Container() string { return b.bucket }

// Put uploads body as a single object.
func (b *S3Backend) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}
