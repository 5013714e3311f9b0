package spool

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var _ ObjectFetcher = (*S3Fetcher)(nil)

// S3Options configures access to the bucket Trino spools into.
type S3Options struct {
	Region       string
	Endpoint     string // optional, e.g. https://minio:9000 for S3-compatible stores
	KeyID        string
	Secret       string
	UsePathStyle bool
}

// S3Fetcher reads s3:// segments with the AWS SDK v2.
type S3Fetcher struct {
	client *s3.Client
}

// NewS3Fetcher creates an S3Fetcher. Without a key ID requests are unsigned.
func NewS3Fetcher(opts S3Options) *S3Fetcher {
	s3Opts := s3.Options{
		Region:       opts.Region,
		UsePathStyle: opts.UsePathStyle,
		Credentials:  aws.AnonymousCredentials{},
	}
	if opts.KeyID != "" {
		s3Opts.Credentials = credentials.NewStaticCredentialsProvider(opts.KeyID, opts.Secret, "")
	}
	if opts.Endpoint != "" {
		endpoint := opts.Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		s3Opts.BaseEndpoint = aws.String(endpoint)
	}
	return &S3Fetcher{client: s3.New(s3Opts)}
}

// GetObject streams the object body. The caller must close it.
func (f *S3Fetcher) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

// ParseS3URI splits "s3://bucket/path/to/key" into bucket and key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 uri %q: %w", uri, err)
	}
	if !strings.EqualFold(u.Scheme, "s3") {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri %q must name a bucket and key", uri)
	}
	return u.Host, key, nil
}
