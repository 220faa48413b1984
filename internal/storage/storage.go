// Package storage holds artifact objects keyed by deployment id and relative path.
package storage

import (
	"context"
	"errors"
	"io"
	"mime"
	"path"
	"strings"
)

// ErrObjectNotFound indicates no object exists under the key.
var ErrObjectNotFound = errors.New("storage: object not found")

// Store is the durable object store artifacts are uploaded to.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Key returns the object key for a file of a deployment: {id}/{relativePath}.
func Key(id, relativePath string) string {
	rel := strings.TrimPrefix(path.Clean("/"+strings.ReplaceAll(relativePath, `\`, "/")), "/")
	return id + "/" + rel
}

// Prefix returns the key prefix holding every object of a deployment.
func Prefix(id string) string {
	return id + "/"
}

// ContentType guesses a MIME type from the file extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
