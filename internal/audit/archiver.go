package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/acumenpress/commerce/internal/models"
)

// Archiver uploads batches of execution records to object storage before they
// are purged from Postgres.
type Archiver interface {
	ArchiveBatch(ctx context.Context, records []models.ExecutionRecord) (string, error)
}

// S3Archiver writes execution batches to S3 paths like:
//
//	s3://<bucket>/<prefix>/executions/YYYY/MM/DD/<batchID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET etc.).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// ArchiveBatch uploads the records as one JSON document and returns the
// object key.
func (a *S3Archiver) ArchiveBatch(ctx context.Context, records []models.ExecutionRecord) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("empty batch")
	}
	body, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}

	ts := records[0].CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, day := ts.Date()
	key := path.Join(a.prefix, "executions",
		fmt.Sprintf("%04d/%02d/%02d", year, month, day),
		uuid.NewString()+".json")

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("upload batch: %w", err)
	}
	return key, nil
}
