// Package archive keeps a copy of every generated explanation outside the
// database, either in a local directory or in an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"insight-job-queue/internal/config"
)

// Uploader writes one object and returns where it was stored.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Record is the archived form of a succeeded job.
type Record struct {
	JobID       string    `json:"job_id"`
	Shop        string    `json:"shop"`
	ProductID   string    `json:"product_id"`
	RunID       *string   `json:"run_id,omitempty"`
	Attempts    int       `json:"attempts"`
	Explanation string    `json:"explanation"`
	ActionType  string    `json:"action_type"`
	NextSteps   []string  `json:"next_steps"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Archiver serializes records and hands them to an uploader.
type Archiver struct {
	uploader Uploader
}

// NewArchiver wraps an existing uploader.
func NewArchiver(u Uploader) *Archiver {
	return &Archiver{uploader: u}
}

// New picks an uploader from cfg: S3 when a bucket is set, else a local
// directory. It returns nil when neither is configured.
func New(ctx context.Context, cfg config.Config) (*Archiver, error) {
	if cfg.ArchiveS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewArchiver(&s3Uploader{client: client, bucket: cfg.ArchiveS3Bucket}), nil
	}
	if cfg.ArchiveDir != "" {
		return NewArchiver(&localUploader{baseDir: cfg.ArchiveDir}), nil
	}
	return nil, nil
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

// Store writes rec under shop/product/job.json and returns its location.
func (a *Archiver) Store(ctx context.Context, rec Record) (string, error) {
	if a == nil || a.uploader == nil {
		return "", errors.New("no uploader configured")
	}
	if rec.NextSteps == nil {
		rec.NextSteps = []string{}
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	loc, err := a.uploader.Upload(ctx, Key(rec), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return loc, nil
}

// Key is the object key for rec. Every segment is reduced to a safe character set
// so ids such as "gid://shop/Product/1" cannot escape the archive root.
func Key(rec Record) string {
	return safeSegment(rec.Shop) + "/" + safeSegment(rec.ProductID) + "/" + safeSegment(rec.JobID) + ".json"
}

func safeSegment(s string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	if strings.Trim(out, ".") == "" {
		return "_"
	}
	return out
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
