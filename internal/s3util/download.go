// Package s3util provides shared S3 helper functions for listing photo
// storage: byte download/upload, presigned GET URLs, and object tagging.
package s3util

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// DownloadBytes downloads an S3 object into memory and returns its bytes
// plus the stored Content-Type. Listing photos are a few MB at most, so
// buffering in memory is fine.
func DownloadBytes(ctx context.Context, client *s3.Client, bucket, key string) ([]byte, string, error) {
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Downloading from S3")
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	})
	if err != nil {
		return nil, "", fmt.Errorf("S3 GetObject: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read object body: %w", err)
	}

	contentType := "application/octet-stream"
	if result.ContentType != nil {
		contentType = *result.ContentType
	}
	return data, contentType, nil
}
