package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

var ErrStorageDisabled = errors.New("attachment storage not configured")

// S3API is the subset of the S3 client used by AttachmentStore.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client loads the default AWS config. A non-empty endpoint points the
// client at LocalStack/MinIO with path-style addressing.
func NewS3Client(ctx context.Context, region, endpoint string) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// AttachmentStore uploads care session report attachments. The report only
// keeps the returned metadata.
type AttachmentStore struct {
	bucket string
	client S3API
	log    zerolog.Logger
}

// NewAttachmentStore returns a store; with an empty bucket every upload fails
// with ErrStorageDisabled.
func NewAttachmentStore(client S3API, bucket string, log zerolog.Logger) *AttachmentStore {
	return &AttachmentStore{bucket: bucket, client: client, log: log}
}

func (s *AttachmentStore) Enabled() bool {
	return s != nil && s.bucket != "" && s.client != nil
}

type Upload struct {
	AppointmentID uuid.UUID
	FileName      string
	ContentType   string
	Size          int64
	Body          io.Reader
}

func (s *AttachmentStore) Put(ctx context.Context, up Upload) (appointment.Attachment, error) {
	if !s.Enabled() {
		return appointment.Attachment{}, ErrStorageDisabled
	}

	name := sanitizeFileName(up.FileName)
	key := fmt.Sprintf("appointments/%s/attachments/%s-%s", up.AppointmentID, uuid.NewString(), name)
	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        up.Body,
		ContentType: aws.String(contentType),
	}
	if up.Size > 0 {
		input.ContentLength = aws.Int64(up.Size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return appointment.Attachment{}, fmt.Errorf("storage: s3 put %s: %w", key, err)
	}

	s.log.Info().
		Str("appointment_id", up.AppointmentID.String()).
		Str("key", key).
		Int64("size", up.Size).
		Msg("attachment uploaded")

	return appointment.Attachment{
		Key:         key,
		FileName:    name,
		ContentType: contentType,
		Size:        up.Size,
	}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Trim(unsafeChars.ReplaceAllString(name, "_"), "._")
	if name == "" {
		return "file"
	}
	if len(name) > 100 {
		name = name[len(name)-100:]
	}
	return name
}
