// Package workspace creates workspaces: it validates requests, records their
// status and runs the template copy that seeds them.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/provision"
	"github.com/cloudcode/cloudcode/pkg/models"
)

var (
	ErrExists              = errors.New("workspace already exists")
	ErrNotFound            = errors.New("workspace not found")
	ErrInvalidID           = errors.New("invalid workspace id")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Store persists workspace records.
type Store interface {
	// Claim records a new workspace in the provisioning state. A failed
	// workspace may be claimed again; any other existing record yields
	// ErrExists.
	Claim(ctx context.Context, id, language string) (*models.Workspace, error)
	// SetStatus updates the status and error message of a workspace.
	SetStatus(ctx context.Context, id string, status models.WorkspaceStatus, errMsg string) error
	// Get returns a workspace record or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Workspace, error)
}

// Copier copies a template tree into a workspace prefix.
type Copier interface {
	CopyTree(ctx context.Context, sourcePrefix, destinationPrefix string) (*provision.Result, error)
}

// Config describes the template and workspace key layout.
type Config struct {
	TemplatePrefix  string
	WorkspacePrefix string
	Languages       []string
}

// Service runs workspace provisioning.
type Service struct {
	store  Store
	copier Copier
	cfg    Config

	wg sync.WaitGroup
}

// NewService creates a Service.
func NewService(store Store, copier Copier, cfg Config) *Service {
	return &Service{store: store, copier: copier, cfg: cfg}
}

// Validate checks a creation request without side effects.
func (s *Service) Validate(id, language string) error {
	if !models.ValidWorkspaceID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if !slices.Contains(s.cfg.Languages, language) {
		return fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	return nil
}

// Create records a workspace and starts provisioning it in the background.
// The returned record is in the provisioning state. The copy is detached
// from ctx's cancellation so that it outlives the request that started it.
func (s *Service) Create(ctx context.Context, id, language string) (*models.Workspace, error) {
	if err := s.Validate(id, language); err != nil {
		return nil, err
	}
	ws, err := s.store.Claim(ctx, id, language)
	if err != nil {
		return nil, err
	}

	jobCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.run(jobCtx, id, language)
	}()
	return ws, nil
}

// Provision records a workspace and copies its template synchronously.
func (s *Service) Provision(ctx context.Context, id, language string) error {
	if err := s.Validate(id, language); err != nil {
		return err
	}
	if _, err := s.store.Claim(ctx, id, language); err != nil {
		return err
	}
	return s.run(ctx, id, language)
}

func (s *Service) run(ctx context.Context, id, language string) error {
	src := s.cfg.TemplatePrefix + language + "/"
	dst := s.cfg.WorkspacePrefix + id + "/"
	log := logging.WithContext(ctx).With(zap.String("workspace", id), zap.String("language", language))

	start := time.Now()
	res, err := s.copier.CopyTree(ctx, src, dst)

	// The status update must land even if ctx was cancelled mid-copy.
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err != nil {
		log.Error("workspace provisioning failed", zap.Error(err))
		if serr := s.store.SetStatus(updateCtx, id, models.StatusFailed, err.Error()); serr != nil {
			log.Error("failed to record provisioning failure", zap.Error(serr))
		}
		return err
	}

	if err := s.store.SetStatus(updateCtx, id, models.StatusReady, ""); err != nil {
		log.Error("failed to record provisioning success", zap.Error(err))
		return fmt.Errorf("record status: %w", err)
	}
	log.Info("workspace ready",
		zap.Int("objects", res.Copied),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Get returns a workspace record.
func (s *Service) Get(ctx context.Context, id string) (*models.Workspace, error) {
	return s.store.Get(ctx, id)
}

// Wait blocks until every background provisioning job has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}
