package s3util

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// UploadImage uploads image bytes to S3 under the given key with the Project
// cost-allocation tag applied at creation time.
func UploadImage(ctx context.Context, client *s3.Client, bucket, key string, data []byte, contentType string) error {
	log.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Str("content_type", contentType).
		Msg("Uploading image to S3")

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: &contentType,
		Tagging:     ProjectTagging(),
	})
	if err != nil {
		return fmt.Errorf("failed to upload image to S3: %w", err)
	}

	log.Info().Str("key", key).Msg("Image uploaded to S3")
	return nil
}

// GeneratePresignedURL creates a pre-signed GET URL for an S3 object.
func GeneratePresignedURL(ctx context.Context, presignClient *s3.PresignClient, bucket, key string, expiry time.Duration) (string, error) {
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}
