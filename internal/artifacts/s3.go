package artifacts

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3 stores artifacts in a single S3 bucket, keyed by request id. Grounded
// on the AWS SDK v2 client/manager pair core/backend/kss/s3.go already
// wires for the teacher's companion-blob feature; reused here for its
// upload/download idiom rather than its signed-URL machinery.
type S3 struct {
	client *s3.Client
	bucket string
}

// NewS3 builds an S3-backed Store for the given bucket using the default
// AWS credential chain.
func NewS3(ctx context.Context, bucket string) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: load aws config: %w", err)
	}
	return &S3{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Dir implements Store. S3 has no directories; the "path" returned is the
// key prefix the executor should write its output under.
func (s *S3) Dir(_ context.Context, requestID int64) (string, error) {
	return strconv.FormatInt(requestID, 10), nil
}

// Stat implements Store.
func (s *S3) Stat(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("artifacts: stat %s: %w", key, err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Open implements Store.
func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("artifacts: open %s: %w", key, err)
	}
	return out.Body, nil
}

// URI implements Store, returning the s3:// URI for the object.
func (s *S3) URI(_ context.Context, key string) (string, error) {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Uploader exposes the multipart upload manager for executors writing large
// result files directly to S3.
func (s *S3) Uploader() *manager.Uploader {
	return manager.NewUploader(s.client)
}
