package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/cloudcode/cloudcode/internal/storage"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		endpoint string
		useSSL   bool
		want     string
		wantErr  bool
	}{
		{"", true, "", false},
		{"localhost:9000", false, "http://localhost:9000", false},
		{"minio.internal:9000", true, "https://minio.internal:9000", false},
		{"http://127.0.0.1:9000", true, "http://127.0.0.1:9000", false},
		{"http://", false, "", true},
	}

	for _, tt := range tests {
		got, err := endpointURL(tt.endpoint, tt.useSSL)
		if (err != nil) != tt.wantErr {
			t.Errorf("endpointURL(%q) err=%v, wantErr %v", tt.endpoint, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("endpointURL(%q) = %q, want %q", tt.endpoint, got, tt.want)
		}
	}
}

func TestCopySource(t *testing.T) {
	tests := []struct {
		key, want string
	}{
		{"templates/node-js/index.js", "bucket/templates/node-js/index.js"},
		{"templates/python/my file.py", "bucket/templates/python/my%20file.py"},
		{"a/b?c", "bucket/a/b%3Fc"},
	}
	for _, tt := range tests {
		if got := copySource("bucket", tt.key); got != tt.want {
			t.Errorf("copySource(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

// TestBackendIntegration runs against a real S3-compatible endpoint.
//
//	TEST_S3_ENDPOINT=http://localhost:9000 TEST_S3_BUCKET=cloudcode-test go test ./internal/storage/s3/
func TestBackendIntegration(t *testing.T) {
	endpoint := os.Getenv("TEST_S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("TEST_S3_ENDPOINT not set")
	}
	bucket := os.Getenv("TEST_S3_BUCKET")
	if bucket == "" {
		bucket = "cloudcode-test"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := New(ctx, Config{
		Endpoint:  endpoint,
		Bucket:    bucket,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Ping(ctx); err != nil {
		t.Skipf("bucket not reachable: %v", err)
	}

	prefix := fmt.Sprintf("it-%d/", time.Now().UnixNano())
	for i := 0; i < 3; i++ {
		body := []byte(fmt.Sprintf("object %d", i))
		key := fmt.Sprintf("%sf%d.txt", prefix, i)
		if err := b.PutObject(ctx, key, bytes.NewReader(body), int64(len(body))); err != nil {
			t.Fatalf("PutObject: %v", err)
		}
		defer b.DeleteObject(context.Background(), key)
	}

	page, err := b.ListPage(ctx, storage.ListInput{Prefix: prefix, MaxKeys: 2})
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if len(page.Objects) != 2 || !page.Truncated || page.NextToken == "" {
		t.Fatalf("first page = %d objects, truncated=%v", len(page.Objects), page.Truncated)
	}
	page, err = b.ListPage(ctx, storage.ListInput{Prefix: prefix, Token: page.NextToken, MaxKeys: 2})
	if err != nil {
		t.Fatalf("ListPage 2: %v", err)
	}
	if len(page.Objects) != 1 || page.Truncated {
		t.Fatalf("second page = %d objects, truncated=%v", len(page.Objects), page.Truncated)
	}

	dst := prefix + "copy/f0.txt"
	if err := b.CopyObject(ctx, prefix+"f0.txt", dst); err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	defer b.DeleteObject(context.Background(), dst)

	rc, _, err := b.GetObject(ctx, dst)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "object 0" {
		t.Errorf("copied content = %q", data)
	}

	if _, _, err := b.GetObject(ctx, prefix+"missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetObject(missing) err = %v, want ErrNotFound", err)
	}
}
