package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"podster/internal/domain/session"
	podster_errors "podster/pkg/errors"
	"podster/pkg/logger"
)

type S3Config struct {
	Provider     session.StorageProvider
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Endpoint     string
	UploadURLTTL time.Duration
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type presignAPI interface {
	PresignUploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Client struct {
	cfg     S3Config
	s3      s3API
	presign presignAPI
	logger  *logger.Logger
}

// MultipartUpload is a freshly created upload with one presigned PUT URL per
// part, in part number order.
type MultipartUpload struct {
	UploadID string
	Key      string
	URLs     []string
}

func NewClient(ctx context.Context, cfg S3Config, l *logger.Logger) (*Client, error) {
	if cfg.Region == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 region and bucket are required")
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newClient(cfg, s3Client, s3.NewPresignClient(s3Client), l), nil
}

func newClient(cfg S3Config, api s3API, presign presignAPI, l *logger.Logger) *Client {
	if cfg.UploadURLTTL <= 0 {
		cfg.UploadURLTTL = time.Hour
	}
	if cfg.Provider == "" {
		cfg.Provider = session.ProviderS3
	}
	return &Client{
		cfg:     cfg,
		s3:      api,
		presign: presign,
		logger:  l.Named("storage"),
	}
}

func (c *Client) Bucket() string {
	return c.cfg.Bucket
}

func (c *Client) Provider() session.StorageProvider {
	return c.cfg.Provider
}

func (c *Client) UploadURLTTL() time.Duration {
	return c.cfg.UploadURLTTL
}

func (c *Client) CreateMultipartUpload(ctx context.Context, key string, partCount int) (MultipartUpload, error) {
	if !session.ValidPartCount(partCount) {
		return MultipartUpload{}, fmt.Errorf("%w: %d", podster_errors.ErrInvalidPartCount, partCount)
	}
	if key == "" {
		return MultipartUpload{}, fmt.Errorf("%w: object key is required", podster_errors.ErrInvalidInput)
	}

	out, err := c.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String("video/webm"),
	})
	if err != nil {
		return MultipartUpload{}, c.classify("create multipart upload", key, err)
	}
	uploadID := aws.ToString(out.UploadId)
	if uploadID == "" {
		return MultipartUpload{}, fmt.Errorf("create multipart upload: %w: empty upload id", podster_errors.ErrStorageProvider)
	}

	urls, err := c.PresignParts(ctx, key, uploadID, partCount)
	if err != nil {
		return MultipartUpload{}, err
	}
	return MultipartUpload{UploadID: uploadID, Key: key, URLs: urls}, nil
}

// PresignParts issues fresh part URLs for an existing multipart upload.
func (c *Client) PresignParts(ctx context.Context, key, uploadID string, partCount int) ([]string, error) {
	if !session.ValidPartCount(partCount) {
		return nil, fmt.Errorf("%w: %d", podster_errors.ErrInvalidPartCount, partCount)
	}
	urls := make([]string, 0, partCount)
	for i := 1; i <= partCount; i++ {
		req, err := c.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(c.cfg.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(i)),
		}, s3.WithPresignExpires(c.cfg.UploadURLTTL))
		if err != nil {
			return nil, c.classify("presign upload part", key, err)
		}
		urls = append(urls, req.URL)
	}
	return urls, nil
}

// CompleteMultipartUpload finalizes the upload. Parts may arrive in any order;
// they are sorted by part number before being sent to the backend.
func (c *Client) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []session.Part) error {
	if len(parts) == 0 {
		return podster_errors.ErrInvalidPartCount
	}
	sorted := SortParts(parts)

	completed := make([]types.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(p.PartNumber),
		})
	}

	start := time.Now()
	_, err := c.s3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(c.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		c.logger.Error("complete multipart upload failed",
			zap.String("key", key), zap.String("upload_id", uploadID), zap.Int("parts", len(parts)), zap.Error(err))
		return fmt.Errorf("complete multipart upload: %w: %v", podster_errors.ErrStorageProvider, err)
	}
	c.logger.Info("multipart upload completed",
		zap.String("key", key), zap.String("upload_id", uploadID), zap.Int("parts", len(parts)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (c *Client) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := c.s3.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(c.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload" {
			return nil
		}
		return c.classify("abort multipart upload", key, err)
	}
	return nil
}

func (c *Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	err = c.classify("head object", key, err)
	if errors.Is(err, podster_errors.ErrStorageObjectNotFound) {
		return false, nil
	}
	return false, err
}

// GetSignedDownloadURL probes the object before signing since presigning
// succeeds for keys that do not exist.
func (c *Client) GetSignedDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	exists, err := c.ObjectExists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %s", podster_errors.ErrStorageObjectNotFound, key)
	}

	req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign get object: %w: %v", podster_errors.ErrStorageProvider, err)
	}
	return req.URL, nil
}

func (c *Client) classify(op, key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%s: %w: %s", op, podster_errors.ErrStorageObjectNotFound, key)
		}
	}
	c.logger.Warn("storage request failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	return fmt.Errorf("%s: %w: %v", op, podster_errors.ErrStorageProvider, err)
}

// SortParts returns a copy of parts in ascending part number order.
func SortParts(parts []session.Part) []session.Part {
	sorted := append([]session.Part(nil), parts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })
	return sorted
}
