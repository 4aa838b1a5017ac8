package delivery

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"video-pipeline/internal/config"
)

// Uploader publishes a finished output file under a key and returns a URL
// (or path) the caller can hand out.
type Uploader interface {
	Publish(ctx context.Context, key, srcPath, contentType string) (string, error)
}

// FromConfig picks an uploader: S3 when a bucket is configured, a local
// directory when DELIVERY_DIR is set, nil otherwise (outputs stay in the
// storage area until released).
func FromConfig(ctx context.Context, cfg config.Config) (Uploader, error) {
	if cfg.S3Bucket != "" {
		return NewS3(ctx, cfg)
	}
	if cfg.DeliveryDir != "" {
		return NewLocal(cfg.DeliveryDir), nil
	}
	return nil, nil
}

// Local copies outputs into a flat directory, typically one served by a
// reverse proxy.
type Local struct {
	baseDir string
}

func NewLocal(baseDir string) *Local {
	return &Local{baseDir: baseDir}
}

func (l *Local) Publish(_ context.Context, key, srcPath, _ string) (string, error) {
	dst := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create delivery file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dst)
		return "", fmt.Errorf("copy output: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close delivery file: %w", err)
	}
	return dst, nil
}

// S3 streams outputs to an object store bucket.
type S3 struct {
	client    *s3.Client
	bucket    string
	region    string
	endpoint  string
	pathStyle bool
}

func NewS3(ctx context.Context, cfg config.Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3{
		client:    client,
		bucket:    cfg.S3Bucket,
		region:    cfg.S3Region,
		endpoint:  cfg.S3Endpoint,
		pathStyle: cfg.S3PathStyle,
	}, nil
}

func (s *S3) Publish(ctx context.Context, key, srcPath, contentType string) (string, error) {
	key = sanitizeKey(key)
	src, err := os.Open(srcPath)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("stat output: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          src,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return s.objectURL(key), nil
}

func (s *S3) objectURL(key string) string {
	if s.endpoint != "" {
		base := strings.TrimSuffix(s.endpoint, "/")
		if s.pathStyle {
			return fmt.Sprintf("%s/%s/%s", base, s.bucket, key)
		}
		return fmt.Sprintf("%s/%s", base, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	if key == ".." || key == "." {
		key = "output"
	}
	return filepath.FromSlash(key)
}
