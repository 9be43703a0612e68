// Package storage defines the Backend interface for the object store
// that holds language templates and provisioned workspace files.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ListInput selects one page of a prefix listing.
type ListInput struct {
	Prefix string
	// Token is the continuation token from a previous page; empty starts the listing.
	Token string
	// MaxKeys bounds the page size. Zero uses the backend default.
	MaxKeys int32
}

// ListPage is one page of a prefix listing.
type ListPage struct {
	Objects []ObjectInfo
	// Truncated reports whether more objects remain after this page.
	Truncated bool
	// NextToken continues the listing when Truncated is set.
	NextToken string
}

// Backend is the interface for object store backends.
// Keys are slash-delimited paths inside one bucket-scoped namespace.
type Backend interface {
	// ListPage returns one page of objects whose keys start with in.Prefix,
	// in lexical key order.
	ListPage(ctx context.Context, in ListInput) (*ListPage, error)

	// GetObject retrieves an object by key. Missing keys return an error
	// matching ErrNotFound.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key, overwriting it.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// CopyObject copies an object from srcKey to dstKey, overwriting dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// DeleteObject removes an object by key.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
