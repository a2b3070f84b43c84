package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var mediaExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/heic": ".heic",
	"video/mp4":  ".mp4",
}

type putPresigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// MediaService issues pre-signed uploads for nearby message attachments
type MediaService struct {
	presigner putPresigner
	bucket    string
	expiry    time.Duration
}

// MediaUploadResponse represents the response with a pre-signed URL
type MediaUploadResponse struct {
	UploadURL string `json:"upload_url"`
	MediaRef  string `json:"media_ref"`
	ExpiresIn int    `json:"expires_in"`
}

// S3Options configures the S3 client used for media
type S3Options struct {
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Endpoint  string
}

// NewMediaService creates a media service backed by S3
func NewMediaService(ctx context.Context, opts S3Options, expiry time.Duration) (*MediaService, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &MediaService{
		presigner: s3.NewPresignClient(client),
		bucket:    opts.Bucket,
		expiry:    expiry,
	}, nil
}

func mediaPrefix(senderID string) string {
	return "nearby/" + senderID + "/"
}

// PresignUpload returns a pre-signed PUT for a new attachment of senderID
func (s *MediaService) PresignUpload(ctx context.Context, senderID, contentType string) (*MediaUploadResponse, error) {
	ext, ok := mediaExtensions[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported content type %q", ErrInvalidMessage, contentType)
	}

	key := mediaPrefix(senderID) + uuid.New().String() + ext

	request, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.expiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate pre-signed URL: %w", err)
	}

	return &MediaUploadResponse{
		UploadURL: request.URL,
		MediaRef:  key,
		ExpiresIn: int(s.expiry.Seconds()),
	}, nil
}

// OwnsMediaRef reports whether ref was issued to senderID
func (s *MediaService) OwnsMediaRef(senderID, ref string) bool {
	return strings.HasPrefix(ref, mediaPrefix(senderID)) && len(ref) > len(mediaPrefix(senderID))
}
