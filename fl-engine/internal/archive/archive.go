package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/canonical"
)

// Document is a training result ready for storage.
type Document struct {
	ModelID string
	TS      time.Time
	Body    interface{}
}

// Archiver stores a document and returns where it lives.
type Archiver interface {
	Archive(ctx context.Context, doc Document) (string, error)
}

// LocalPaths is the archiver used without object storage: nothing is written and
// the document is reported under /tmp.
type LocalPaths struct{}

func (LocalPaths) Archive(ctx context.Context, doc Document) (string, error) {
	return LocalPath(doc.ModelID), nil
}

func LocalPath(modelID string) string {
	return "/tmp/" + modelID
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes canonical JSON documents to
//
//	s3://<bucket>/<prefix>/training/YYYY/MM/DD/<modelId>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver loads AWS configuration from the environment (AWS_REGION,
// AWS_PROFILE, static keys) the usual SDK way.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return newS3Archiver(manager.NewUploader(client), bucket, prefix), nil
}

func newS3Archiver(up uploader, bucket, prefix string) *S3Archiver {
	return &S3Archiver{bucket: bucket, prefix: prefix, uploader: up}
}

func (s *S3Archiver) ObjectKey(doc Document) string {
	ts := doc.TS
	if ts.IsZero() {
		ts = time.Now()
	}
	year, month, day := ts.UTC().Date()
	return path.Join(s.prefix, "training",
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%02d", day),
		doc.ModelID+".json",
	)
}

func (s *S3Archiver) Archive(ctx context.Context, doc Document) (string, error) {
	if doc.ModelID == "" {
		return "", fmt.Errorf("model id required")
	}
	body, err := canonical.Marshal(doc.Body)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	key := s.ObjectKey(doc)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
