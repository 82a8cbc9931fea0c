// Package artifacts removes generated scene media kept outside Supabase storage.
package artifacts

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"
)

// S3Config configures the S3 remover.
type S3Config struct {
	Bucket string
	Prefix string
	Region string
}

type objectDeleter interface {
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Remover deletes media objects the engine wrote to S3.
type S3Remover struct {
	client objectDeleter
	bucket string
	prefix string
}

// NewS3Remover loads AWS config and prepares a remover.
func NewS3Remover(ctx context.Context, cfg S3Config) (*S3Remover, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return newS3Remover(s3.NewFromConfig(awsCfg), cfg), nil
}

func newS3Remover(client objectDeleter, cfg S3Config) *S3Remover {
	return &S3Remover{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

// Remove deletes every URL that points into the bucket, in parallel.
// URLs elsewhere are skipped.
func (r *S3Remover) Remove(ctx context.Context, urls ...string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, u := range urls {
		key, ok := r.objectKey(u)
		if !ok {
			continue
		}
		g.Go(func() error {
			_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(r.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("delete s3://%s/%s: %w", r.bucket, key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// objectKey accepts s3://bucket/key and virtual-hosted https URLs.
func (r *S3Remover) objectKey(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}

	var key string
	switch u.Scheme {
	case "s3":
		if u.Host != r.bucket {
			return "", false
		}
		key = strings.TrimPrefix(u.Path, "/")
	case "https", "http":
		if !strings.HasPrefix(u.Host, r.bucket+".s3.") || !strings.HasSuffix(u.Host, ".amazonaws.com") {
			return "", false
		}
		key = strings.TrimPrefix(u.Path, "/")
	default:
		return "", false
	}

	if key == "" {
		return "", false
	}
	if r.prefix != "" && !strings.HasPrefix(key, r.prefix+"/") {
		return "", false
	}
	return key, true
}
