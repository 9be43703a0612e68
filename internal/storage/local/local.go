// Package local provides a local filesystem object store backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudcode/cloudcode/internal/metrics"
	"github.com/cloudcode/cloudcode/internal/storage"
)

const (
	backendType = "local"
	// defaultMaxKeys mirrors the S3 listing page cap.
	defaultMaxKeys = 1000
	tempPattern    = ".cloudcode-*.tmp"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Backend implements storage.Backend using the local filesystem.
// Object keys map to files below the root path.
type Backend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{rootPath: cfg.RootPath}, nil
}

func (b *Backend) fullPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(b.rootPath, clean), nil
}

// ListPage walks the root and returns keys under the prefix in lexical order.
// The continuation token is the last key of the previous page.
func (b *Backend) ListPage(_ context.Context, in storage.ListInput) (*storage.ListPage, error) {
	start := time.Now()
	page, err := b.listPage(in)
	metrics.RecordStoreOperation(backendType, "list_objects", time.Since(start), err == nil)
	return page, err
}

func (b *Backend) listPage(in storage.ListInput) (*storage.ListPage, error) {
	maxKeys := int(in.MaxKeys)
	if maxKeys <= 0 {
		maxKeys = defaultMaxKeys
	}

	var keys []storage.ObjectInfo
	err := filepath.WalkDir(b.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if matched, _ := filepath.Match(tempPattern, d.Name()); matched {
			return nil
		}
		rel, err := filepath.Rel(b.rootPath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, in.Prefix) || key <= in.Token {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		keys = append(keys, storage.ObjectInfo{Key: key, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", in.Prefix, err)
	}

	// WalkDir order is per-directory, not a flat lexical key order.
	sort.Slice(keys, func(i, j int) bool { return keys[i].Key < keys[j].Key })

	page := &storage.ListPage{Objects: keys}
	if len(keys) > maxKeys {
		page.Objects = keys[:maxKeys]
		page.Truncated = true
		page.NextToken = keys[maxKeys-1].Key
	}
	return page, nil
}

// GetObject opens a file from the local filesystem.
func (b *Backend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	rc, size, err := b.getObject(key)
	metrics.RecordStoreOperation(backendType, "get_object", time.Since(start), err == nil)
	return rc, size, err
}

func (b *Backend) getObject(key string) (io.ReadCloser, int64, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, fmt.Errorf("open %s: %w", key, storage.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, fmt.Errorf("open %s: %w", key, storage.ErrNotFound)
	}
	return f, info.Size(), nil
}

// PutObject writes content to the local filesystem atomically.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	start := time.Now()
	err := b.writeAtomic(key, body)
	metrics.RecordStoreOperation(backendType, "put_object", time.Since(start), err == nil)
	return err
}

// CopyObject copies a file on the local filesystem.
func (b *Backend) CopyObject(_ context.Context, srcKey, dstKey string) error {
	start := time.Now()
	err := b.copyObject(srcKey, dstKey)
	metrics.RecordStoreOperation(backendType, "copy_object", time.Since(start), err == nil)
	return err
}

func (b *Backend) copyObject(srcKey, dstKey string) error {
	src, _, err := b.getObject(srcKey)
	if err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	defer src.Close()
	return b.writeAtomic(dstKey, src)
}

// writeAtomic writes to a temp file then renames it over the key.
func (b *Backend) writeAtomic(key string, body io.Reader) error {
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes a file from the local filesystem.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	start := time.Now()
	path, err := b.fullPath(key)
	if err == nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = fmt.Errorf("delete %s: %w", key, rmErr)
		}
	}
	metrics.RecordStoreOperation(backendType, "delete_object", time.Since(start), err == nil)
	return err
}

// ObjectExists checks if a file exists on the local filesystem.
func (b *Backend) ObjectExists(_ context.Context, key string) (bool, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Type returns "local".
func (b *Backend) Type() string { return backendType }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

// String describes the backend for logs.
func (b *Backend) String() string {
	return backendType + ":" + strconv.Quote(b.rootPath)
}
