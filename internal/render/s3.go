package render

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used to read attachments.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Attachments reads attachments from one bucket and keeps them in memory,
// since every recipient of a campaign carries the same files.
type S3Attachments struct {
	client   S3API
	bucket   string
	maxBytes int64

	mu    sync.Mutex
	cache map[string][]byte
	size  int64
}

// NewS3Attachments wraps an S3 client. maxBytes bounds the in-memory cache;
// zero means 64 MiB.
func NewS3Attachments(client S3API, bucket string, maxBytes int64) *S3Attachments {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &S3Attachments{
		client:   client,
		bucket:   bucket,
		maxBytes: maxBytes,
		cache:    make(map[string][]byte),
	}
}

// NewS3AttachmentsFromConfig loads the default AWS config for region.
// endpoint overrides the S3 URL for local stacks.
func NewS3AttachmentsFromConfig(ctx context.Context, bucket, region, endpoint string) (*S3Attachments, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for attachments: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Attachments(client, bucket, 0), nil
}

// Get returns the object body for key.
func (s *S3Attachments) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	if data, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return data, nil
	}
	s.mu.Unlock()

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject %s/%s: %w", s.bucket, key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 object body: %w", err)
	}

	s.mu.Lock()
	if s.size+int64(len(data)) <= s.maxBytes {
		s.cache[key] = data
		s.size += int64(len(data))
	}
	s.mu.Unlock()
	return data, nil
}
