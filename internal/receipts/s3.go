package receipts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type s3Store struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Store(cfg Config) (*s3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}
	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}
	return &s3Store{
		client:     cfg.S3Client,
		bucket:     bucket,
		prefix:     normalizePrefix(cfg.Prefix),
		maxGetSize: maxGet,
	}, nil
}

// Put uses a conditional write so the first receipt for a prime wins.
func (s *s3Store) Put(ctx context.Context, r Receipt) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	key := objectKey(s.prefix, r.Prime)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
		Metadata: map[string]string{
			"prime":  strconv.FormatUint(r.Prime, 10),
			"method": r.Method,
		},
	})
	if err != nil {
		if hasErrorCode(err, "PreconditionFailed", "412") {
			return nil
		}
		return fmt.Errorf("receipts/s3: put %q: %w", key, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, prime uint64) (Receipt, error) {
	key := objectKey(s.prefix, prime)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if hasErrorCode(err, "NoSuchKey", "NotFound", "404") {
			return Receipt{}, fmt.Errorf("%w: %d", ErrNotFound, prime)
		}
		return Receipt{}, fmt.Errorf("receipts/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return Receipt{}, fmt.Errorf("receipts/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return Receipt{}, fmt.Errorf("%w: %q exceeds %d bytes", ErrTooLarge, key, s.maxGetSize)
	}
	return decode(prime, data)
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}
