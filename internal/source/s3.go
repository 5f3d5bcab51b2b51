package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/xela07ax/skillgate/internal/domain"
)

// ObjectGetter: часть S3 клиента, которой пользуется источник.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config описывает бакет с архивами <prefix><id>/<version>.zip.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

type S3Source struct {
	client ObjectGetter
	bucket string
	prefix string
	limits Limits
}

// throttleDelay: пауза, если S3 ответил SlowDown без Retry-After.
const throttleDelay = time.Second

func NewS3Source(ctx context.Context, cfg S3Config, lim Limits) (*S3Source, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SourceWithClient(client, cfg.Bucket, cfg.Prefix, lim), nil
}

func NewS3SourceWithClient(client ObjectGetter, bucket, prefix string, lim Limits) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix, limits: lim}
}

func (s *S3Source) Key(id, version string) string {
	return s.prefix + id + "/" + version + ".zip"
}

func (s *S3Source) Fetch(ctx context.Context, id, version string) (domain.Bundle, error) {
	if err := checkRef(id, version); err != nil {
		return domain.Bundle{}, err
	}
	key := s.Key(id, version)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return domain.Bundle{}, classifyS3(key, err)
	}
	defer func() { _ = out.Body.Close() }()

	if out.ContentLength != nil && *out.ContentLength > s.limits.MaxArchiveBytes {
		return domain.Bundle{}, fmt.Errorf("%w: archive is %d bytes, limit %d", ErrBundleTooLarge, *out.ContentLength, s.limits.MaxArchiveBytes)
	}
	data, err := io.ReadAll(io.LimitReader(out.Body, s.limits.MaxArchiveBytes+1))
	if err != nil {
		return domain.Bundle{}, fmt.Errorf("s3 read failed for %s: %w", key, err)
	}
	return Unzip(data, s.limits)
}

func classifyS3(key string, err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%w: s3 object %s", domain.ErrNotFound, key)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: s3 object %s", domain.ErrNotFound, key)
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return &ThrottleError{RetryAfter: throttleDelay, Cause: err}
		}
	}
	return fmt.Errorf("s3 get failed for %s: %w", key, err)
}
