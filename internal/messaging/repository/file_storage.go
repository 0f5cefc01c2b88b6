package repository

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"campus_connect/pkg/database"
)

// FileStorage upload a file and get back its public url
type FileStorage interface {
	Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) (string, error)
}

type minioFileStorage struct {
	client    *database.MinIOClient
	publicURL string
}

// presignExpiry lifetime of a presigned url when the bucket has no public base
const presignExpiry = 7 * 24 * time.Hour

// NewMinIOFileStorage publicURL is the base the bucket is served under (CDN or
// minio itself). Without one, uploads answer with a presigned url.
func NewMinIOFileStorage(client *database.MinIOClient, publicURL string) FileStorage {
	return &minioFileStorage{client: client, publicURL: publicURL}
}

func (s *minioFileStorage) Upload(ctx context.Context, path string, r io.Reader, size int64, contentType string) (string, error) {
	if err := validateObjectPath(path); err != nil {
		return "", err
	}
	if err := s.client.PutObject(ctx, path, r, size, contentType); err != nil {
		return "", err
	}
	if s.publicURL == "" {
		return s.client.PresignGetURL(ctx, path, presignExpiry)
	}
	return objectURL(s.publicURL, s.client.BucketName, path), nil
}

// memoryFileStorage keeps uploads in process, for local mode and tests
type memoryFileStorage struct {
	mu      sync.Mutex
	baseURL string
	objects map[string][]byte
}

// NewMemoryFileStorage create an in-process FileStorage
func NewMemoryFileStorage(baseURL string) FileStorage {
	return &memoryFileStorage{baseURL: baseURL, objects: make(map[string][]byte)}
}

func (s *memoryFileStorage) Upload(_ context.Context, path string, r io.Reader, _ int64, _ string) (string, error) {
	if err := validateObjectPath(path); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	s.mu.Lock()
	s.objects[path] = buf.Bytes()
	s.mu.Unlock()
	return objectURL(s.baseURL, "uploads", path), nil
}

func validateObjectPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") {
		return fmt.Errorf("invalid object path %q", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("invalid object path %q", path)
		}
	}
	return nil
}

func objectURL(base, bucket, path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + strings.Join(segs, "/")
}
