package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFileStorageUpload(t *testing.T) {
	fs := NewMemoryFileStorage("http://localhost:8080/files/")

	url, err := fs.Upload(context.Background(), "listings/item 42/photo.png", strings.NewReader("png"), 3, "image/png")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/files/uploads/listings/item%2042/photo.png", url)

	for _, bad := range []string{"", "/abs.png", "a/../b.png", "a//b.png"} {
		_, err := fs.Upload(context.Background(), bad, strings.NewReader("x"), 1, "text/plain")
		assert.Error(t, err, bad)
	}
}

func TestObjectURL(t *testing.T) {
	assert.Equal(t, "https://cdn.campus.edu/campus-uploads/a/b.jpg", objectURL("https://cdn.campus.edu", "campus-uploads", "a/b.jpg"))
}
