package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Config points at an S3 compatible store. Endpoint and PathStyle are for
// MinIO or localstack.
type S3Config struct {
	Region    string
	Endpoint  string
	PathStyle bool
}

type objectAPI interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 reads recordings stored as s3://bucket/key.
type S3 struct {
	client objectAPI
}

// NewS3 loads the default AWS credential chain and builds an S3 source.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3{client: client}, nil
}

// Size implements Source.
func (s *S3) Size(ctx context.Context, p string) (int64, error) {
	bucket, key, err := splitS3(p)
	if err != nil {
		return 0, err
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return 0, objectErr(p, "head", err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Open implements Source.
func (s *S3) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	bucket, key, err := splitS3(p)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, objectErr(p, "get", err)
	}
	return out.Body, nil
}

func splitS3(p string) (string, string, error) {
	rest := strings.TrimPrefix(p, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 audio path %q", p)
	}
	return bucket, key, nil
}

func objectErr(p, op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "NoSuchBucket":
			return fmt.Errorf("%w: %s", ErrNotFound, p)
		}
	}
	return fmt.Errorf("%s audio %s: %w", op, p, err)
}
