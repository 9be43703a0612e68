// Package provision copies language templates into fresh workspace prefixes.
//
// A copy job lists the source prefix one page at a time and copies every
// object of a page concurrently, bounded by Config.Concurrency. The next page
// is only requested after every copy of the current page has settled, because
// a continuation token cannot be replayed once consumed. Copies overwrite, so
// re-running a job is safe; a failed job reports the cursor of the page that
// did not complete so the caller can Resume from there.
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/metrics"
	"github.com/cloudcode/cloudcode/internal/retry"
	"github.com/cloudcode/cloudcode/internal/storage"
)

// ErrInvalidJob is returned for prefixes that cannot form a safe copy.
var ErrInvalidJob = errors.New("invalid copy job")

// Config tunes a Provisioner.
type Config struct {
	// PageSize bounds each listing page. Zero uses the store default.
	PageSize int32
	// Concurrency bounds in-flight object copies within a page.
	Concurrency int
	// Retry applies to list calls and to each object copy.
	Retry retry.Policy
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{
		PageSize:    1000,
		Concurrency: 16,
		Retry:       retry.DefaultPolicy(),
	}
}

// Job identifies a template copy. Cursor is the continuation token of the
// next page to copy; empty means start from the beginning.
type Job struct {
	SourcePrefix      string
	DestinationPrefix string
	Cursor            string
}

// Result summarizes a finished job.
type Result struct {
	Copied int
	Pages  int
}

// KeyError records the failure of one object copy.
type KeyError struct {
	Key string
	Err error
}

func (e KeyError) Error() string {
	return e.Key + ": " + e.Err.Error()
}

func (e KeyError) Unwrap() error { return e.Err }

// PartialFailureError reports a job that stopped before the listing was
// exhausted. Objects of earlier pages are fully copied; Job.Cursor points at
// the page that failed, so Resume(Job) continues from there.
type PartialFailureError struct {
	Job    Job
	Copied int
	// Failed lists the object copies that failed within the page.
	Failed []KeyError
	// Err is set when the listing itself failed or the job was cancelled.
	Err error
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "copy %s -> %s stopped after %d objects",
		e.Job.SourcePrefix, e.Job.DestinationPrefix, e.Copied)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if n := len(e.Failed); n > 0 {
		fmt.Fprintf(&b, ": %d object copies failed (first: %v)", n, e.Failed[0])
	}
	return b.String()
}

// Unwrap exposes the listing error and every object copy error to errors.Is.
func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, f := range e.Failed {
		errs = append(errs, f)
	}
	return errs
}

// Provisioner copies object trees within one store.
type Provisioner struct {
	store storage.Backend
	cfg   Config
}

// New creates a Provisioner.
func New(store storage.Backend, cfg Config) *Provisioner {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			logging.Warn("object store call failed, retrying",
				zap.String("store", store.Type()),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
		}
	}
	return &Provisioner{store: store, cfg: cfg}
}

// CopyTree copies every object under sourcePrefix to the same relative key
// under destinationPrefix. An empty source is a successful zero-object copy.
func (p *Provisioner) CopyTree(ctx context.Context, sourcePrefix, destinationPrefix string) (*Result, error) {
	return p.Resume(ctx, Job{SourcePrefix: sourcePrefix, DestinationPrefix: destinationPrefix})
}

// Resume runs a job starting at job.Cursor.
func (p *Provisioner) Resume(ctx context.Context, job Job) (*Result, error) {
	if err := validate(job); err != nil {
		return nil, err
	}

	start := time.Now()
	log := logging.WithContext(ctx).With(
		zap.String("source", job.SourcePrefix),
		zap.String("destination", job.DestinationPrefix))
	log.Info("template copy started", zap.Bool("resumed", job.Cursor != ""))

	res, err := p.run(ctx, job)

	metrics.RecordProvisionJob(time.Since(start), err == nil)
	if err != nil {
		log.Error("template copy failed",
			zap.Int("copied", res.Copied),
			zap.Int("pages", res.Pages),
			zap.Error(err))
		return res, err
	}
	log.Info("template copy completed",
		zap.Int("copied", res.Copied),
		zap.Int("pages", res.Pages),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

func (p *Provisioner) run(ctx context.Context, job Job) (*Result, error) {
	res := &Result{}
	cursor := job.Cursor

	fail := func(failed []KeyError, err error) (*Result, error) {
		stopped := job
		stopped.Cursor = cursor
		return res, &PartialFailureError{Job: stopped, Copied: res.Copied, Failed: failed, Err: err}
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(nil, err)
		}

		page, err := retry.Value(ctx, p.cfg.Retry, func() (*storage.ListPage, error) {
			return p.store.ListPage(ctx, storage.ListInput{
				Prefix:  job.SourcePrefix,
				Token:   cursor,
				MaxKeys: p.cfg.PageSize,
			})
		})
		if err != nil {
			return fail(nil, err)
		}
		res.Pages++

		failed := p.copyPage(ctx, job, page.Objects)
		res.Copied += len(page.Objects) - len(failed)
		if len(failed) > 0 {
			return fail(failed, nil)
		}

		if !page.Truncated {
			return res, nil
		}
		if page.NextToken == "" {
			return fail(nil, fmt.Errorf("listing of %s truncated without a continuation token", job.SourcePrefix))
		}
		cursor = page.NextToken
	}
}

// copyPage copies one page of objects and waits for every copy to settle.
// A failed copy does not cancel its siblings.
func (p *Provisioner) copyPage(ctx context.Context, job Job, objects []storage.ObjectInfo) []KeyError {
	var (
		mu     sync.Mutex
		failed []KeyError
	)

	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)

	for _, obj := range objects {
		src := obj.Key
		dst := destinationKey(job, src)
		g.Go(func() error {
			err := retry.Do(ctx, p.cfg.Retry, func() error {
				return p.store.CopyObject(ctx, src, dst)
			})
			metrics.RecordProvisionObject(err == nil)
			if err != nil {
				mu.Lock()
				failed = append(failed, KeyError{Key: src, Err: err})
				mu.Unlock()
				return nil
			}
			logging.Debug("copied object", zap.String("src", src), zap.String("dst", dst))
			return nil
		})
	}
	_ = g.Wait()

	return failed
}

// destinationKey maps a source key under SourcePrefix to the destination prefix.
func destinationKey(job Job, key string) string {
	return job.DestinationPrefix + strings.TrimPrefix(key, job.SourcePrefix)
}

func validate(job Job) error {
	switch {
	case job.SourcePrefix == "" || job.DestinationPrefix == "":
		return fmt.Errorf("%w: source and destination prefixes are required", ErrInvalidJob)
	case !strings.HasSuffix(job.SourcePrefix, "/") || !strings.HasSuffix(job.DestinationPrefix, "/"):
		return fmt.Errorf("%w: prefixes must end with /", ErrInvalidJob)
	case strings.HasPrefix(job.DestinationPrefix, job.SourcePrefix),
		strings.HasPrefix(job.SourcePrefix, job.DestinationPrefix):
		// Overlapping prefixes would re-list freshly copied objects.
		return fmt.Errorf("%w: %s and %s overlap", ErrInvalidJob, job.SourcePrefix, job.DestinationPrefix)
	}
	return nil
}
