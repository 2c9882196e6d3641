package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/configuration"
	"crosspost/infrastructure/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var errStorageDisabled = errors.New("object storage backend is not configured; set S3_* to enable uploads")

// S3Store implements the chunked upload contract on S3 multipart uploads.
// Session ids carry the upload id and the object key.
type S3Store struct {
	bucket   string
	client   *s3.Client
	presign  *s3.PresignClient
	disabled bool
}

func NewS3Store(ctx context.Context, cfg configuration.ObjectStore) (*S3Store, error) {
	store := &S3Store{bucket: strings.TrimSpace(cfg.Bucket)}

	accessKey := strings.TrimSpace(cfg.AccessKey)
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if store.bucket == "" || accessKey == "" || secretKey == "" {
		logger.GetLogger().Warn("S3_BUCKET or credentials are not set; object uploads will be disabled until configured")
		store.disabled = true
		return store, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	store.client = client
	store.presign = s3.NewPresignClient(client)
	return store, nil
}

func (s *S3Store) Name() string { return "s3" }

func (s *S3Store) ensureEnabled() error {
	if s.disabled {
		return apperror.Wrap(errStorageDisabled, apperror.KindInternal, "storage_disabled")
	}
	return nil
}

func encodeSession(uploadID, key string) string { return uploadID + ":" + key }

func decodeSession(sessionID string) (string, string, error) {
	uploadID, key, ok := strings.Cut(sessionID, ":")
	if !ok || uploadID == "" || key == "" {
		return "", "", apperror.New(apperror.KindInternal, "bad_session", "malformed upload session id")
	}
	return uploadID, key, nil
}

func (s *S3Store) Initiate(ctx context.Context, objectKey, contentType string, _ int64) (string, error) {
	if err := s.ensureEnabled(); err != nil {
		return "", err
	}
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindTransientNetwork, "s3_initiate")
	}
	return encodeSession(aws.ToString(out.UploadId), objectKey), nil
}

func (s *S3Store) UploadPart(ctx context.Context, sessionID string, partNumber int, body io.Reader, size int64) (string, error) {
	if err := s.ensureEnabled(); err != nil {
		return "", err
	}
	uploadID, key, err := decodeSession(sessionID)
	if err != nil {
		return "", err
	}
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          body,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindTransientNetwork, "s3_upload_part")
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) Complete(ctx context.Context, sessionID string, parts []model.PartDescriptor) (*model.ObjectRef, error) {
	if err := s.ensureEnabled(); err != nil {
		return nil, err
	}
	if err := model.ValidateCompleteParts(parts); err != nil {
		return nil, apperror.Wrap(err, apperror.KindTransferIncomplete, "invalid_parts")
	}
	uploadID, key, err := decodeSession(sessionID)
	if err != nil {
		return nil, err
	}
	completed := make([]types.CompletedPart, 0, len(parts))
	var total int64
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.Tag),
			PartNumber: aws.Int32(int32(p.Number)),
		})
		total += p.Size
	}
	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindTransferIncomplete, "s3_complete")
	}
	return &model.ObjectRef{Key: key, Size: total, ETag: aws.ToString(out.ETag)}, nil
}

func (s *S3Store) Abort(ctx context.Context, sessionID string) error {
	if err := s.ensureEnabled(); err != nil {
		return err
	}
	uploadID, key, err := decodeSession(sessionID)
	if err != nil {
		return err
	}
	_, err = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}

func (s *S3Store) PutObject(ctx context.Context, objectKey, contentType string, body io.Reader, size int64) (*model.ObjectRef, error) {
	if err := s.ensureEnabled(); err != nil {
		return nil, err
	}
	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindTransientNetwork, "s3_put")
	}
	return &model.ObjectRef{Key: objectKey, Size: size, ETag: aws.ToString(out.ETag), ContentType: contentType}, nil
}

func (s *S3Store) Open(ctx context.Context, objectKey string) (io.ReadCloser, *model.ObjectRef, error) {
	if err := s.ensureEnabled(); err != nil {
		return nil, nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, nil, fmt.Errorf("get %s: %w", objectKey, repository.ErrNotFound)
		}
		return nil, nil, apperror.Wrap(err, apperror.KindTransientNetwork, "s3_get")
	}
	ref := &model.ObjectRef{
		Key:         objectKey,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        aws.ToString(out.ETag),
		ContentType: aws.ToString(out.ContentType),
	}
	return out.Body, ref, nil
}

func (s *S3Store) PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, error) {
	if err := s.ensureEnabled(); err != nil {
		return "", err
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectKey, err)
	}
	return req.URL, nil
}

// Health performs a simple HeadBucket request.
func (s *S3Store) Health(ctx context.Context) error {
	if s.disabled {
		return nil
	}
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
