package reliability

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/finledger/finledger/internal/config"
)

// S3Client talks to an S3-compatible bucket. Works against AWS, R2 and
// MinIO; anything path-style with static credentials.
type S3Client struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// StoredObject is one archive in the bucket, key relative to the
// configured prefix.
type StoredObject struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
}

// NewS3Client builds a client for the configured endpoint and verifies
// nothing; the first upload surfaces credential problems.
func NewS3Client(ctx context.Context, cfg config.BackupConfig, log zerolog.Logger) (*S3Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &S3Client{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		log:      log.With().Str("client", "s3").Logger(),
	}, nil
}

func (c *S3Client) objectKey(name string) string {
	if c.prefix == "" {
		return name
	}
	return c.prefix + "/" + name
}

// Upload streams body into the bucket under the prefixed key. The
// manager splits large archives into multipart uploads.
func (c *S3Client) Upload(ctx context.Context, name string, body io.Reader) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(name)),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return nil
}

// List returns the objects whose name starts with namePrefix, keys
// stripped back to bare names.
func (c *S3Client) List(ctx context.Context, namePrefix string) ([]StoredObject, error) {
	keyPrefix := c.objectKey(namePrefix)

	var objects []StoredObject
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket objects: %w", err)
		}
		for _, obj := range page.Contents {
			stored := StoredObject{Key: aws.ToString(obj.Key)}
			if c.prefix != "" {
				stored.Key = strings.TrimPrefix(stored.Key, c.prefix+"/")
			}
			if obj.Size != nil {
				stored.SizeBytes = *obj.Size
			}
			if obj.LastModified != nil {
				stored.LastModified = *obj.LastModified
			}
			objects = append(objects, stored)
		}
	}
	return objects, nil
}

// Delete removes one object by bare name.
func (c *S3Client) Delete(ctx context.Context, name string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(name)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}
