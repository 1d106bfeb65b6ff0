package objstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/basemirror/basemirror-api/internal/models"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"github.com/basemirror/basemirror-api/pkg/metrics"
	"github.com/basemirror/basemirror-api/pkg/retry"
	"go.uber.org/zap"
)

// SnapshotArchiver uploads a gzipped JSON snapshot of the mirrored data set
// to S3-compatible object storage after each successful full rebuild.
// Uploads are best effort; a failed archive never fails the rebuild.
type SnapshotArchiver struct {
	s3Client   *s3.Client
	bucketName string
}

// NewSnapshotArchiver creates an archiver against an S3-compatible endpoint
func NewSnapshotArchiver(accessKeyID, secretAccessKey, bucketName, endpoint, region string) (*SnapshotArchiver, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("empty bucket name provided")
	}
	if region == "" {
		region = "us-east-1"
	}

	s3Client := s3.New(s3.Options{
		Region:       region,
		BaseEndpoint: aws.String(endpoint),
		Credentials: credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"", // session token not needed
		),
	})

	logger.Info("Snapshot archiver initialized",
		zap.String("bucket", bucketName),
		zap.String("endpoint", endpoint),
		zap.String("region", region),
	)

	return &SnapshotArchiver{
		s3Client:   s3Client,
		bucketName: bucketName,
	}, nil
}

// Archive serializes the full data set and uploads it under a key derived
// from the cycle ID and timestamp.
func (a *SnapshotArchiver) Archive(ctx context.Context, cycleID string, data map[string][]*models.Record) error {
	start := time.Now()

	body, err := encodeSnapshot(data)
	if err != nil {
		metrics.SnapshotUploadTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	key := fmt.Sprintf("snapshots/%s/%s.json.gz", time.Now().UTC().Format("2006-01-02"), cycleID)

	_, err = retry.DoWithResult(ctx, retry.SnapshotConfig(), "uploadSnapshot", func() (*s3.PutObjectOutput, error) {
		return a.s3Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:          aws.String(a.bucketName),
			Key:             aws.String(key),
			Body:            bytes.NewReader(body),
			ContentType:     aws.String("application/json"),
			ContentEncoding: aws.String("gzip"),
		})
	})

	duration := metrics.MeasureDuration(start)

	if err != nil {
		metrics.SnapshotUploadTotal.WithLabelValues("error").Inc()
		logger.LogAPICall("objstore", "uploadSnapshot", "error", duration,
			zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to upload snapshot %s: %w", key, err)
	}

	metrics.SnapshotUploadTotal.WithLabelValues("success").Inc()
	logger.LogAPICall("objstore", "uploadSnapshot", "success", duration,
		zap.String("key", key), zap.Int("bytes", len(body)))
	return nil
}

func encodeSnapshot(data map[string][]*models.Record) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(data); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
