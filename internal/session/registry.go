package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cloudcode/cloudcode/internal/filesync"
	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/metrics"
	"github.com/cloudcode/cloudcode/internal/retry"
	"github.com/cloudcode/cloudcode/internal/storage"
	"github.com/cloudcode/cloudcode/pkg/models"
)

var (
	ErrInvalidWorkspace = errors.New("invalid workspace id")
	ErrClosed           = errors.New("registry closed")
)

// Config describes where sessions keep their files.
type Config struct {
	// WorkspaceRoot holds one directory per workspace id.
	WorkspaceRoot string
	// WorkspacePrefix is the object key prefix of saved workspaces.
	WorkspacePrefix string
	MaxContentSize  int64
	// Store hydrates empty workspace directories and receives saves.
	// It may be nil for purely local sessions.
	Store storage.Backend
	// Retry applies to the store calls made while hydrating.
	Retry retry.Policy
}

type entry struct {
	sess *Session
	refs int
}

// Registry maps workspace ids to live sessions. Bind and Release for one id
// are serialized; different ids never wait on each other.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool

	keys keyedMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		sessions: make(map[string]*entry),
		keys:     keyedMutex{locks: make(map[string]*refMutex)},
	}
}

// Bind attaches a channel to the session of workspaceID, opening the session
// if this is the first channel. Opening hydrates an empty workspace directory
// from the object store.
func (r *Registry) Bind(ctx context.Context, workspaceID string, c *Conn) (*Session, error) {
	if !models.ValidWorkspaceID(workspaceID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWorkspace, workspaceID)
	}

	unlock := r.keys.Lock(workspaceID)
	defer unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := r.sessions[workspaceID]
	r.mu.Unlock()

	if !ok {
		fs, err := r.open(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
		e = &entry{sess: newSession(workspaceID, fs)}

		r.mu.Lock()
		r.sessions[workspaceID] = e
		count := len(r.sessions)
		r.mu.Unlock()

		metrics.SetSessionsActive(count)
		logging.Info("session opened", zap.String("workspace", workspaceID), zap.String("root", fs.Root()))
	}

	e.refs++
	e.sess.attach(c)
	logging.Debug("channel bound",
		zap.String("workspace", workspaceID),
		zap.String("conn_id", c.ID),
		zap.Int("channels", e.refs))
	return e.sess, nil
}

func (r *Registry) open(ctx context.Context, workspaceID string) (*filesync.FS, error) {
	fs, err := filesync.New(filesync.Options{
		Root:           filepath.Join(r.cfg.WorkspaceRoot, workspaceID),
		MaxContentSize: r.cfg.MaxContentSize,
		Store:          r.cfg.Store,
		Prefix:         r.cfg.WorkspacePrefix + workspaceID + "/",
		Retry:          r.cfg.Retry,
	})
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", workspaceID, err)
	}

	empty, err := fs.Empty()
	if err != nil {
		return nil, fmt.Errorf("inspect workspace %s: %w", workspaceID, err)
	}
	// Hydrate only replaces the root once every object is down, so a root
	// left empty by a failed attempt is hydrated again here.
	if empty {
		if _, err := fs.Hydrate(ctx); err != nil {
			return nil, fmt.Errorf("hydrate workspace %s: %w", workspaceID, err)
		}
	}
	return fs, nil
}

// Release detaches a channel and kills its terminal. The session is torn
// down when its last channel leaves.
func (r *Registry) Release(workspaceID string, c *Conn) error {
	unlock := r.keys.Lock(workspaceID)
	defer unlock()

	err := closeTerminal(c)

	r.mu.Lock()
	e, ok := r.sessions[workspaceID]
	r.mu.Unlock()
	if !ok || !e.sess.detach(c) {
		return err
	}

	e.refs--
	logging.Debug("channel released",
		zap.String("workspace", workspaceID),
		zap.String("conn_id", c.ID),
		zap.Int("channels", e.refs))
	if e.refs > 0 {
		return err
	}

	r.mu.Lock()
	delete(r.sessions, workspaceID)
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.SetSessionsActive(count)
	logging.Info("session closed", zap.String("workspace", workspaceID))
	return err
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Get returns the live session for workspaceID.
func (r *Registry) Get(workspaceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[workspaceID]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// Close releases every channel of every session and rejects further binds.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	type bound struct {
		workspaceID string
		conn        *Conn
	}
	var conns []bound
	for id, e := range r.sessions {
		e.sess.mu.RLock()
		for _, c := range e.sess.conns {
			conns = append(conns, bound{id, c})
		}
		e.sess.mu.RUnlock()
	}
	r.mu.Unlock()

	var err error
	for _, b := range conns {
		err = multierr.Append(err, r.Release(b.workspaceID, b.conn))
	}
	return err
}

func closeTerminal(c *Conn) error {
	t := c.SetTerminal(nil)
	if t == nil {
		return nil
	}
	if err := t.Close(); err != nil {
		return fmt.Errorf("close terminal for %s: %w", c.ID, err)
	}
	return nil
}

// keyedMutex hands out one mutex per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
