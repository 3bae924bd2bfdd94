package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-receipt-pipeline/internal/config"
)

// S3API is the subset of *s3.Client the store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 stores files in a bucket. References look like "s3://bucket/key".
// Fetch downloads into a temp file that release removes.
type S3 struct {
	Client S3API
	Bucket string
	Prefix string
	TmpDir string
	now    func() time.Time
}

// NewS3 wraps an existing client.
func NewS3(client S3API, bucket, prefix string) *S3 {
	return &S3{Client: client, Bucket: bucket, Prefix: strings.Trim(prefix, "/"), now: time.Now}
}

// NewS3FromConfig loads AWS settings from the environment, with static
// credentials and a custom endpoint when configured.
func NewS3FromConfig(ctx context.Context, cfg config.StorageConfig) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: S3 bucket not set")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3(client, cfg.Bucket, cfg.Prefix), nil
}

func (s *S3) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	key := objectKey(s.now(), name)
	if s.Prefix != "" {
		key = path.Join(s.Prefix, key)
	}
	// signing needs a seekable body
	body, ok := r.(io.ReadSeeker)
	if !ok {
		b, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("storage: read upload: %w", err)
		}
		body = bytes.NewReader(b)
	}
	_, err := s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return "", fmt.Errorf("storage: put %s: %w", key, err)
	}
	return "s3://" + s.Bucket + "/" + key, nil
}

func (s *S3) Fetch(ctx context.Context, ref string) (string, func(), error) {
	key, err := s.key(ref)
	if err != nil {
		return "", nil, err
	}
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.Bucket), Key: aws.String(key)})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return "", nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", nil, fmt.Errorf("storage: get %s: %w", key, err)
	}
	defer out.Body.Close()

	f, err := os.CreateTemp(s.TmpDir, "receipt-*"+path.Ext(key))
	if err != nil {
		return "", nil, err
	}
	release := func() {
		if err := os.Remove(f.Name()); err != nil {
			log.Warn().Err(err).Str("path", f.Name()).Msg("storage: remove temp file")
		}
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		release()
		return "", nil, fmt.Errorf("storage: download %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		release()
		return "", nil, err
	}
	return f.Name(), release, nil
}

func (s *S3) Delete(ctx context.Context, ref string) error {
	key, err := s.key(ref)
	if err != nil {
		return err
	}
	_, err = s.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.Bucket), Key: aws.String(key)})
	return err
}

func (s *S3) key(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, "s3://"+s.Bucket+"/")
	if !ok || rest == "" {
		return "", fmt.Errorf("%w: %q", ErrBadRef, ref)
	}
	return rest, nil
}
