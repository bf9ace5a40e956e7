package s3util

import "testing"

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		url        string
		bucket     string
		key        string
		ok         bool
	}{
		{"s3://photos/batch-1/raw/a.jpg", "photos", "batch-1/raw/a.jpg", true},
		{"s3://photos/", "", "", false},
		{"s3://", "", "", false},
		{"https://cdn.example.com/a.jpg", "", "", false},
		{"batch-1/raw/a.jpg", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := parseS3URL(tt.url)
		if ok != tt.ok || bucket != tt.bucket || key != tt.key {
			t.Errorf("parseS3URL(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.url, bucket, key, ok, tt.bucket, tt.key, tt.ok)
		}
	}
}
