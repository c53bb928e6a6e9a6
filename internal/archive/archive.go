// Package archive keeps a copy of every uploaded result sheet, on local disk or in S3.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"exam-results/internal/config"
)

// Archiver stores an uploaded file and returns where it was put.
type Archiver interface {
	Archive(ctx context.Context, jobID, fileName string, data []byte) (string, error)
}

// New picks S3 when a bucket is configured and the local directory otherwise.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	if cfg.ArchiveS3Bucket == "" {
		return &Local{BaseDir: cfg.ArchiveDir}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &S3{client: client, bucket: cfg.ArchiveS3Bucket}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ArchiveS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ArchiveS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ArchiveS3Endpoint)
		}
		o.UsePathStyle = cfg.ArchiveS3PathStyle
	}), nil
}

// Key lays files out by upload day and job: 2024/07/15/<job>/<name>.
func Key(now time.Time, jobID, fileName string) string {
	name := filepath.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return fmt.Sprintf("%s/%s/%s", now.UTC().Format("2006/01/02"), jobID, name)
}

// Local writes files under BaseDir.
type Local struct {
	BaseDir string
	now     func() time.Time
}

func (l *Local) Archive(_ context.Context, jobID, fileName string, data []byte) (string, error) {
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	path := filepath.Join(l.BaseDir, filepath.FromSlash(Key(now(), jobID, fileName)))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3 puts files into a bucket.
type S3 struct {
	client *s3.Client
	bucket string
}

func (s *S3) Archive(ctx context.Context, jobID, fileName string, data []byte) (string, error) {
	key := Key(time.Now(), jobID, fileName)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType(fileName)),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

func contentType(fileName string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		return "text/csv"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".xlsm":
		return "application/vnd.ms-excel.sheet.macroEnabled.12"
	}
	return "application/octet-stream"
}
