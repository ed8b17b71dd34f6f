// Package objects issues presigned upload URLs for project images. The
// ledger only ever stores the resulting object URL.
package objects

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"batipay/internal/config"
)

// Upload is a presigned PUT the client performs directly against storage.
type Upload struct {
	Key       string
	URL       string
	ObjectURL string
	ExpiresIn int
	Headers   map[string]string
}

// Store issues upload slots for project images.
type Store interface {
	PresignImageUpload(ctx context.Context, projectID, contentType string) (Upload, error)
}

// S3Store presigns PUTs against an S3 bucket.
type S3Store struct {
	Bucket        string
	PublicBaseURL string
	Presigner     Presigner
	TTL           time.Duration
}

// Presigner is the slice of *s3.PresignClient the store needs.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// NewS3Store builds a store from config. AWS_ENDPOINT_URL switches the
// client to path-style for local stacks.
func NewS3Store(ctx context.Context, cfg *config.Config) (*S3Store, error) {
	if cfg == nil || cfg.Objects.Bucket == "" {
		return nil, fmt.Errorf("objects: bucket not configured")
	}
	endpoint := os.Getenv("AWS_ENDPOINT_URL")
	var opts []func(*awscfg.LoadOptions) error
	if cfg.Objects.Region != "" {
		opts = append(opts, awscfg.WithRegion(cfg.Objects.Region))
	}
	if endpoint != "" {
		opts = append(opts, awscfg.WithBaseEndpoint(endpoint))
	}
	awsConf, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("objects: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsConf, func(o *s3.Options) {
		if endpoint != "" {
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		Bucket:        cfg.Objects.Bucket,
		PublicBaseURL: strings.TrimRight(cfg.Objects.PublicBaseURL, "/"),
		Presigner:     s3.NewPresignClient(client),
		TTL:           15 * time.Minute,
	}, nil
}

// ImageKey builds the object key for a project image.
func ImageKey(projectID string) string {
	return fmt.Sprintf("projects/%s/image.jpg", projectID)
}

func (s *S3Store) objectURL(key string) string {
	if s.PublicBaseURL != "" {
		return s.PublicBaseURL + "/" + key
	}
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", s.Bucket, key)
}

func (s *S3Store) PresignImageUpload(ctx context.Context, projectID, contentType string) (Upload, error) {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	key := ImageKey(projectID)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"project_id": projectID},
	}
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	req, err := s.Presigner.PresignPutObject(ctx, input, func(o *s3.PresignOptions) { o.Expires = ttl })
	if err != nil {
		return Upload{}, fmt.Errorf("presign put: %w", err)
	}
	return Upload{
		Key:       key,
		URL:       req.URL,
		ObjectURL: s.objectURL(key),
		ExpiresIn: int(ttl.Seconds()),
		Headers:   map[string]string{"Content-Type": contentType},
	}, nil
}
