package s3util

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// presignExpiry is how long presigned GET URLs for transform outputs stay
// valid. Long enough for a full editing session.
const presignExpiry = 24 * time.Hour

// ObjectStore fetches source photos and stores transform outputs for one
// batch. Outputs land under "<batchID>/edited/" and are returned as
// presigned GET URLs so the browser can display them directly.
type ObjectStore struct {
	client        *s3.Client
	presignClient *s3.PresignClient
	httpClient    *http.Client
	bucket        string
	batchID       string
}

// NewObjectStore creates an ObjectStore for a batch.
func NewObjectStore(client *s3.Client, bucket, batchID string) *ObjectStore {
	return &ObjectStore{
		client:        client,
		presignClient: s3.NewPresignClient(client),
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		bucket:        bucket,
		batchID:       batchID,
	}
}

// Fetch downloads the image at url. "s3://bucket/key" URLs go through
// GetObject; anything else (presigned or external URLs) is a plain HTTP GET.
func (o *ObjectStore) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if bucket, key, ok := parseS3URL(url); ok {
		return DownloadBytes(ctx, o.client, bucket, key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build fetch request: %w", err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read image body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// Store uploads data under the batch's edited/ prefix and returns a
// presigned GET URL for it.
func (o *ObjectStore) Store(ctx context.Context, name string, data []byte, mimeType string) (string, error) {
	key := fmt.Sprintf("%s/edited/%s", o.batchID, name)
	if err := UploadImage(ctx, o.client, o.bucket, key, data, mimeType); err != nil {
		return "", err
	}
	return GeneratePresignedURL(ctx, o.presignClient, o.bucket, key, presignExpiry)
}

// parseS3URL splits "s3://bucket/key" into bucket and key.
func parseS3URL(url string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(url, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
