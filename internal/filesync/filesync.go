// Package filesync serves directory listings and file contents from a
// workspace root and mirrors saved files back to the object store.
package filesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/retry"
	"github.com/cloudcode/cloudcode/internal/storage"
	"github.com/cloudcode/cloudcode/pkg/models"
	"github.com/cloudcode/cloudcode/pkg/tree"
)

var (
	ErrInvalidPath  = errors.New("path escapes workspace root")
	ErrNotFound     = errors.New("file not found")
	ErrIsDirectory  = errors.New("path is a directory")
	ErrNotDirectory = errors.New("path is not a directory")
	ErrTooLarge     = errors.New("file exceeds maximum content size")
)

// DefaultMaxContentSize caps FetchContent and UpdateContent.
const DefaultMaxContentSize = 10 << 20

const hydrateConcurrency = 8

// Options configures an FS.
type Options struct {
	// Root is the on-disk workspace directory.
	Root string
	// MaxContentSize bounds a single file transfer. Zero uses the default.
	MaxContentSize int64
	// Store and Prefix receive saved files. Store may be nil, in which case
	// saves stay local.
	Store  storage.Backend
	Prefix string
	// Retry applies to store calls made by Hydrate.
	Retry retry.Policy
}

// FS is a workspace root. It is safe for concurrent use; concurrent writes to
// the same file resolve to whichever rename lands last.
type FS struct {
	root    string
	maxSize int64
	store   storage.Backend
	prefix  string
	retry   retry.Policy
}

// New creates an FS, creating the root directory if needed.
func New(opts Options) (*FS, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", opts.Root, err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create root %s: %w", root, err)
	}
	// Compare against the real path so that a symlinked root still works.
	if real, err := filepath.EvalSymlinks(root); err == nil {
		root = real
	}

	maxSize := opts.MaxContentSize
	if maxSize <= 0 {
		maxSize = DefaultMaxContentSize
	}
	return &FS{root: root, maxSize: maxSize, store: opts.Store, prefix: opts.Prefix, retry: opts.Retry}, nil
}

// Root returns the absolute workspace directory.
func (f *FS) Root() string { return f.root }

// resolve maps a slash-rooted workspace path to an absolute file path.
// It returns the cleaned workspace path alongside.
func (f *FS) resolve(p string) (string, string, error) {
	if strings.ContainsRune(p, 0) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	clean := tree.Clean(p)
	full := filepath.Join(f.root, filepath.FromSlash(clean))

	// A symlink inside the workspace must not lead outside it. Check the
	// deepest existing ancestor so that new files under a link are caught too.
	for cur := full; ; {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if !f.contains(real) {
				return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
			}
			break
		}
		parent := filepath.Dir(cur)
		if !errors.Is(err, fs.ErrNotExist) || parent == cur {
			break
		}
		cur = parent
	}
	return full, clean, nil
}

func (f *FS) contains(abs string) bool {
	return abs == f.root || strings.HasPrefix(abs, f.root+string(filepath.Separator))
}

// FetchDir lists the immediate children of a directory, directories first.
// A directory that does not exist yields an empty listing.
func (f *FS) FetchDir(ctx context.Context, p string) ([]models.Node, error) {
	full, clean, err := f.resolve(p)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []models.Node{}, nil
		}
		if info, statErr := os.Stat(full); statErr == nil && !info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrNotDirectory, clean)
		}
		return nil, fmt.Errorf("read dir %s: %w", clean, err)
	}

	nodes := make([]models.Node, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		typ := models.TypeFile
		if isDir(full, e) {
			typ = models.TypeDir
		}
		nodes = append(nodes, models.Node{
			Path: tree.BuildChildPath(clean, e.Name()),
			Type: typ,
		})
	}
	tree.Sort(nodes)
	return nodes, nil
}

func isDir(parent string, e fs.DirEntry) bool {
	if e.Type()&fs.ModeSymlink == 0 {
		return e.IsDir()
	}
	info, err := os.Stat(filepath.Join(parent, e.Name()))
	return err == nil && info.IsDir()
}

// FetchContent returns the whole content of a file.
func (f *FS) FetchContent(ctx context.Context, p string) ([]byte, error) {
	full, clean, err := f.resolve(p)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
		}
		return nil, fmt.Errorf("stat %s: %w", clean, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, clean)
	}
	if info.Size() > f.maxSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, clean, info.Size())
	}

	file, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", clean, err)
	}
	defer file.Close()

	// The file may have grown since Stat.
	data, err := io.ReadAll(io.LimitReader(file, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", clean, err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, clean)
	}
	return data, nil
}

// UpdateContent writes a file under the root and saves it to the object store.
// It returns the cleaned workspace path.
func (f *FS) UpdateContent(ctx context.Context, p string, content []byte) (string, error) {
	full, clean, err := f.resolve(p)
	if err != nil {
		return "", err
	}
	if clean == tree.Root {
		return "", fmt.Errorf("%w: %s", ErrIsDirectory, clean)
	}
	if int64(len(content)) > f.maxSize {
		return "", fmt.Errorf("%w: %d bytes", ErrTooLarge, len(content))
	}
	if info, err := os.Stat(full); err == nil && info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrIsDirectory, clean)
	}

	if err := writeAtomic(full, content); err != nil {
		return "", fmt.Errorf("write %s: %w", clean, err)
	}

	if f.store != nil {
		key := f.objectKey(clean)
		if err := f.store.PutObject(ctx, key, bytes.NewReader(content), int64(len(content))); err != nil {
			return "", fmt.Errorf("save %s: %w", clean, err)
		}
		logging.Debug("file saved", zap.String("path", clean), zap.String("key", key))
	}
	return clean, nil
}

func (f *FS) objectKey(clean string) string {
	return f.prefix + strings.TrimPrefix(clean, "/")
}

func writeAtomic(full string, content []byte) error {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".cloudcode-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Empty reports whether the root has no entries.
func (f *FS) Empty() (bool, error) {
	dir, err := os.Open(f.root)
	if err != nil {
		return false, err
	}
	defer dir.Close()
	_, err = dir.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// Hydrate fills an empty root with every object under the store prefix and
// returns the number of files written. Objects are downloaded into a staging
// directory next to the root, which replaces the root only once every object
// has been written, so a failed Hydrate leaves the root empty rather than
// partially filled. Keys that would land outside the root are skipped.
func (f *FS) Hydrate(ctx context.Context) (int, error) {
	if f.store == nil {
		return 0, nil
	}

	staging, err := os.MkdirTemp(filepath.Dir(f.root), "."+filepath.Base(f.root)+"-hydrate-*")
	if err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	n, err := f.fill(ctx, staging)
	if err != nil {
		return 0, err
	}

	if err := os.Chmod(staging, 0755); err != nil {
		return 0, err
	}
	// The root must be empty; Remove refuses otherwise.
	if err := os.Remove(f.root); err != nil {
		return 0, fmt.Errorf("replace root %s: %w", f.root, err)
	}
	if err := os.Rename(staging, f.root); err != nil {
		os.MkdirAll(f.root, 0755)
		return 0, fmt.Errorf("replace root %s: %w", f.root, err)
	}

	logging.Info("workspace hydrated",
		zap.String("prefix", f.prefix),
		zap.String("root", f.root),
		zap.Int("files", n))
	return n, nil
}

// fill downloads the prefix into dir, one listing page at a time.
func (f *FS) fill(ctx context.Context, dir string) (int, error) {
	var written atomic.Int64
	token := ""
	for {
		page, err := retry.Value(ctx, f.retry, func() (*storage.ListPage, error) {
			return f.store.ListPage(ctx, storage.ListInput{Prefix: f.prefix, Token: token})
		})
		if err != nil {
			return 0, fmt.Errorf("list %s: %w", f.prefix, err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(hydrateConcurrency)
		for _, obj := range page.Objects {
			rel, ok := objectPath(strings.TrimPrefix(obj.Key, f.prefix))
			if !ok {
				if rel != "" {
					logging.Warn("skipping object outside workspace",
						zap.String("prefix", f.prefix),
						zap.String("key", obj.Key))
				}
				continue
			}
			key := obj.Key
			full := filepath.Join(dir, filepath.FromSlash(rel))
			g.Go(func() error {
				err := retry.Do(gctx, f.retry, func() error {
					return f.download(gctx, key, full)
				})
				if err != nil {
					return err
				}
				written.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return 0, err
		}

		if !page.Truncated || page.NextToken == "" {
			return int(written.Load()), nil
		}
		token = page.NextToken
	}
}

// objectPath maps the part of an object key below the workspace prefix to a
// slash-rooted file path. It reports false for directory markers and for keys
// that would leave the root; rel is returned unchanged in the latter case.
func objectPath(rel string) (string, bool) {
	if rel == "" || strings.HasSuffix(rel, "/") {
		return "", false
	}
	if strings.ContainsRune(rel, 0) {
		return rel, false
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return rel, false
		}
	}
	return path.Clean("/" + rel), true
}

func (f *FS) download(ctx context.Context, key, full string) error {
	rc, _, err := f.store.GetObject(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read object %s: %w", key, err)
	}
	if err := writeAtomic(full, data); err != nil {
		return fmt.Errorf("write %s: %w", full, err)
	}
	return nil
}
