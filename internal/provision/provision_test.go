package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/retry"
	"github.com/cloudcode/cloudcode/internal/storage"
	"github.com/cloudcode/cloudcode/internal/storage/local"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	goleak.VerifyTestMain(m)
}

// memStore is an in-memory bucket that paginates like S3 and records
// how it was called.
type memStore struct {
	mu      sync.Mutex
	objects map[string]string

	listCalls   atomic.Int32
	inflight    atomic.Int32
	maxInflight atomic.Int32
	// listDuringCopy is set if a page was requested while copies were running.
	listDuringCopy atomic.Bool

	copyDelay time.Duration
	// failCopy returns an error for the given source key.
	failCopy func(key string, attempt int) error
	attempts map[string]int
}

func newMemStore(objects map[string]string) *memStore {
	if objects == nil {
		objects = map[string]string{}
	}
	return &memStore{objects: objects, attempts: map[string]int{}}
}

func (s *memStore) ListPage(ctx context.Context, in storage.ListInput) (*storage.ListPage, error) {
	s.listCalls.Add(1)
	if s.inflight.Load() != 0 {
		s.listDuringCopy.Store(true)
	}

	s.mu.Lock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, in.Prefix) && k > in.Token {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()
	sort.Strings(keys)

	limit := int(in.MaxKeys)
	if limit <= 0 {
		limit = 1000
	}
	page := &storage.ListPage{}
	if len(keys) > limit {
		keys = keys[:limit]
		page.Truncated = true
		page.NextToken = keys[len(keys)-1]
	}
	for _, k := range keys {
		page.Objects = append(page.Objects, storage.ObjectInfo{Key: k})
	}
	return page, nil
}

func (s *memStore) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.objects[key]
	if !ok {
		return nil, 0, storage.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(v)), int64(len(v)), nil
}

func (s *memStore) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.objects[key] = string(data)
	s.mu.Unlock()
	return nil
}

func (s *memStore) CopyObject(ctx context.Context, src, dst string) error {
	n := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		cur := s.maxInflight.Load()
		if n <= cur || s.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.copyDelay > 0 {
		time.Sleep(s.copyDelay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[src]++
	if s.failCopy != nil {
		if err := s.failCopy(src, s.attempts[src]); err != nil {
			return err
		}
	}
	v, ok := s.objects[src]
	if !ok {
		return storage.ErrNotFound
	}
	s.objects[dst] = v
	return nil
}

func (s *memStore) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.objects, key)
	s.mu.Unlock()
	return nil
}

func (s *memStore) ObjectExists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStore) Type() string { return "memory" }
func (s *memStore) Close() error { return nil }

func (s *memStore) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.objects))
	for k, v := range s.objects {
		out[k] = v
	}
	return out
}

func testConfig(pageSize int32, concurrency int) Config {
	return Config{
		PageSize:    pageSize,
		Concurrency: concurrency,
		Retry: retry.Policy{
			Attempts:  3,
			BaseDelay: time.Millisecond,
			MaxDelay:  2 * time.Millisecond,
		},
	}
}

func TestCopyTreeNodeTemplate(t *testing.T) {
	store := newMemStore(map[string]string{
		"templates/node-js/index.js":     "console.log('hello')",
		"templates/node-js/package.json": "{}",
		"templates/node-js/src/app.js":   "module.exports = {}",
		"templates/python/main.py":       "print('hello')",
	})
	p := New(store, testConfig(1000, 4))

	res, err := p.CopyTree(context.Background(), "templates/node-js/", "workspaces/abc123/")
	if err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	if res.Copied != 3 {
		t.Errorf("Copied = %d, want 3", res.Copied)
	}

	got := store.snapshot()
	want := map[string]string{
		"workspaces/abc123/index.js":     "console.log('hello')",
		"workspaces/abc123/package.json": "{}",
		"workspaces/abc123/src/app.js":   "module.exports = {}",
	}
	var dst int
	for k := range got {
		if strings.HasPrefix(k, "workspaces/abc123/") {
			dst++
		}
	}
	if dst != len(want) {
		t.Errorf("destination has %d objects, want %d: %v", dst, len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if got["templates/node-js/index.js"] != "console.log('hello')" {
		t.Error("source object was modified")
	}
}

func TestCopyTreeEmptySource(t *testing.T) {
	store := newMemStore(map[string]string{"base/python/main.py": "x"})
	p := New(store, testConfig(10, 2))

	res, err := p.CopyTree(context.Background(), "base/ruby/", "code/abc/")
	if err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	if res.Copied != 0 {
		t.Errorf("Copied = %d, want 0", res.Copied)
	}
	if n := len(store.snapshot()); n != 1 {
		t.Errorf("store has %d objects, want 1", n)
	}
}

func TestCopyTreePagination(t *testing.T) {
	tests := []struct {
		name      string
		objects   int
		pageSize  int32
		wantPages int32
	}{
		{"single page", 5, 10, 1},
		{"exact multiple", 6, 3, 2},
		{"remainder", 7, 3, 3},
		{"page of one", 4, 1, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects := make(map[string]string, tt.objects)
			for i := 0; i < tt.objects; i++ {
				objects[fmt.Sprintf("base/python/f%02d.py", i)] = fmt.Sprint(i)
			}
			store := newMemStore(objects)
			p := New(store, testConfig(tt.pageSize, 2))

			res, err := p.CopyTree(context.Background(), "base/python/", "code/w1/")
			if err != nil {
				t.Fatalf("CopyTree: %v", err)
			}
			if res.Copied != tt.objects {
				t.Errorf("Copied = %d, want %d", res.Copied, tt.objects)
			}
			if got := store.listCalls.Load(); got != tt.wantPages {
				t.Errorf("list calls = %d, want %d", got, tt.wantPages)
			}
			if store.listDuringCopy.Load() {
				t.Error("next page was listed before the previous page settled")
			}
			for i := 0; i < tt.objects; i++ {
				key := fmt.Sprintf("code/w1/f%02d.py", i)
				if store.snapshot()[key] != fmt.Sprint(i) {
					t.Errorf("missing %s", key)
				}
			}
		})
	}
}

func TestCopyTreeBoundedConcurrency(t *testing.T) {
	objects := make(map[string]string, 40)
	for i := 0; i < 40; i++ {
		objects[fmt.Sprintf("base/node-js/src/m%02d.js", i)] = "x"
	}
	store := newMemStore(objects)
	store.copyDelay = 2 * time.Millisecond
	p := New(store, testConfig(20, 3))

	if _, err := p.CopyTree(context.Background(), "base/node-js/", "code/w2/"); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	if got := store.maxInflight.Load(); got > 3 {
		t.Errorf("max in-flight copies = %d, want <= 3", got)
	}
	if got := store.maxInflight.Load(); got < 2 {
		t.Errorf("max in-flight copies = %d, copies did not overlap", got)
	}
}

func TestCopyTreeIdempotent(t *testing.T) {
	store := newMemStore(map[string]string{
		"base/python/main.py":     "print(1)",
		"base/python/lib/util.py": "pass",
	})
	p := New(store, testConfig(1, 2))
	ctx := context.Background()

	if _, err := p.CopyTree(ctx, "base/python/", "code/w3/"); err != nil {
		t.Fatalf("first CopyTree: %v", err)
	}
	first := store.snapshot()
	if _, err := p.CopyTree(ctx, "base/python/", "code/w3/"); err != nil {
		t.Fatalf("second CopyTree: %v", err)
	}
	second := store.snapshot()

	if len(first) != len(second) {
		t.Fatalf("object count changed: %d -> %d", len(first), len(second))
	}
	for k, v := range first {
		if second[k] != v {
			t.Errorf("%s changed: %q -> %q", k, v, second[k])
		}
	}
}

func TestCopyTreeRetriesTransientErrors(t *testing.T) {
	store := newMemStore(map[string]string{"base/python/main.py": "x"})
	store.failCopy = func(key string, attempt int) error {
		if attempt < 3 {
			return retry.Transient(errors.New("SlowDown"))
		}
		return nil
	}
	p := New(store, testConfig(10, 1))

	if _, err := p.CopyTree(context.Background(), "base/python/", "code/w4/"); err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	if store.snapshot()["code/w4/main.py"] != "x" {
		t.Error("object not copied after retries")
	}
}

func TestCopyTreePartialFailure(t *testing.T) {
	objects := map[string]string{}
	for i := 0; i < 6; i++ {
		objects[fmt.Sprintf("base/node-js/f%d.js", i)] = "x"
	}
	store := newMemStore(objects)
	denied := errors.New("AccessDenied")
	store.failCopy = func(key string, attempt int) error {
		if key == "base/node-js/f4.js" {
			return denied
		}
		return nil
	}
	p := New(store, testConfig(2, 2))

	res, err := p.CopyTree(context.Background(), "base/node-js/", "code/w5/")
	if err == nil {
		t.Fatal("expected error")
	}
	var pf *PartialFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("err = %T, want *PartialFailureError", err)
	}
	if !errors.Is(err, denied) {
		t.Errorf("errors.Is(err, denied) = false: %v", err)
	}
	if len(pf.Failed) != 1 || pf.Failed[0].Key != "base/node-js/f4.js" {
		t.Errorf("Failed = %v", pf.Failed)
	}
	// Pages: [f0 f1] [f2 f3] [f4 f5]; the third page starts after f3.
	if pf.Job.Cursor != "base/node-js/f3.js" {
		t.Errorf("Cursor = %q, want base/node-js/f3.js", pf.Job.Cursor)
	}
	if res.Copied != 5 || pf.Copied != 5 {
		t.Errorf("Copied = %d/%d, want 5", res.Copied, pf.Copied)
	}
	if store.listCalls.Load() != 3 {
		t.Errorf("list calls = %d, want 3", store.listCalls.Load())
	}

	// Resume from the reported cursor once the fault clears.
	store.failCopy = nil
	store.listCalls.Store(0)
	res, err = p.Resume(context.Background(), pf.Job)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if res.Copied != 2 {
		t.Errorf("resumed Copied = %d, want 2", res.Copied)
	}
	if store.listCalls.Load() != 1 {
		t.Errorf("resumed list calls = %d, want 1", store.listCalls.Load())
	}
	if store.snapshot()["code/w5/f4.js"] != "x" {
		t.Error("f4.js missing after resume")
	}
}

func TestCopyTreeCancelled(t *testing.T) {
	store := newMemStore(map[string]string{"base/python/main.py": "x"})
	p := New(store, testConfig(10, 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.CopyTree(ctx, "base/python/", "code/w6/")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if store.listCalls.Load() != 0 {
		t.Errorf("list calls = %d, want 0", store.listCalls.Load())
	}
}

func TestCopyTreeInvalidJob(t *testing.T) {
	p := New(newMemStore(nil), testConfig(10, 1))
	tests := []struct {
		src, dst string
	}{
		{"", "code/w/"},
		{"base/python/", ""},
		{"base/python", "code/w/"},
		{"base/", "base/python/"},
		{"code/w/a/", "code/w/"},
	}
	for _, tt := range tests {
		_, err := p.CopyTree(context.Background(), tt.src, tt.dst)
		if !errors.Is(err, ErrInvalidJob) {
			t.Errorf("CopyTree(%q, %q) = %v, want ErrInvalidJob", tt.src, tt.dst, err)
		}
	}
}

func TestCopyTreeLocalBackend(t *testing.T) {
	store, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "bucket"), CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	ctx := context.Background()
	files := map[string]string{
		"base/python/main.py":         "print('hi')",
		"base/python/pkg/__init__.py": "",
		"base/python/pkg/mod.py":      "X = 1",
	}
	for k, v := range files {
		if err := store.PutObject(ctx, k, bytes.NewReader([]byte(v)), int64(len(v))); err != nil {
			t.Fatalf("PutObject: %v", err)
		}
	}

	p := New(store, testConfig(2, 2))
	res, err := p.CopyTree(ctx, "base/python/", "code/py1/")
	if err != nil {
		t.Fatalf("CopyTree: %v", err)
	}
	if res.Copied != 3 || res.Pages != 2 {
		t.Errorf("Result = %+v, want 3 objects over 2 pages", res)
	}
	for k, v := range files {
		dst := "code/py1/" + strings.TrimPrefix(k, "base/python/")
		rc, _, err := store.GetObject(ctx, dst)
		if err != nil {
			t.Errorf("GetObject(%s): %v", dst, err)
			continue
		}
		data, _ := io.ReadAll(rc)
		rc.Close()
		if string(data) != v {
			t.Errorf("%s = %q, want %q", dst, data, v)
		}
	}
}
