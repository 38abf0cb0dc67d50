// Package cos publishes staged artifacts to a Tencent COS bucket through the
// bucket's S3-compatible API.
//
// Uploads go to the regional service endpoint and the returned public URL is
// virtual-hosted style, https://<bucket>.cos.<region>.myqcloud.com/<key>. An
// upload only counts as published when the bucket confirms it with an ETag.
package cos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrUploadUnconfirmed reports a put the bucket accepted without returning an
// ETag.
var ErrUploadUnconfirmed = errors.New("storage upload not confirmed")

// Config identifies the destination bucket and its credentials.
type Config struct {
	Region    string
	SecretID  string
	SecretKey string
	Bucket    string
	// Endpoint overrides the regional COS endpoint; tests point it at a stub.
	Endpoint string
	// UsePathStyle forces path-style addressing, needed with stub endpoints.
	UsePathStyle bool
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	missing := make([]string, 0, 4)
	if c.Region == "" {
		missing = append(missing, "region")
	}
	if c.SecretID == "" {
		missing = append(missing, "secret ID")
	}
	if c.SecretKey == "" {
		missing = append(missing, "secret key")
	}
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing storage configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// PublicURL returns the virtual-hosted URL the uploaded key is served from.
func (c Config) PublicURL(key string) string {
	return fmt.Sprintf("https://%s.cos.%s.myqcloud.com/%s", c.Bucket, c.Region, key)
}

func (c Config) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return fmt.Sprintf("https://cos.%s.myqcloud.com", c.Region)
}

// Publisher uploads artifacts to the configured bucket.
type Publisher struct {
	config Config
	client *s3.Client
}

// NewPublisher builds the S3-compatible client for the configured bucket.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.SecretID, cfg.SecretKey, "")),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("load storage config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.endpoint())
		o.UsePathStyle = cfg.UsePathStyle
	})
	return &Publisher{config: cfg, client: client}, nil
}

// Publish uploads the file at path under key and returns its public URL.
func (p *Publisher) Publish(ctx context.Context, path, key, contentType string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer file.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(p.config.Bucket),
		Key:    aws.String(key),
		Body:   file,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	out, err := p.client.PutObject(ctx, input)
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	if out.ETag == nil || *out.ETag == "" {
		return "", ErrUploadUnconfirmed
	}
	return p.config.PublicURL(key), nil
}
