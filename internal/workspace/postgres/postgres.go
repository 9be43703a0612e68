// Package postgres provides a PostgreSQL-backed workspace record store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/workspace"
	"github.com/cloudcode/cloudcode/pkg/models"
)

// Store is a PostgreSQL workspace store.
type Store struct {
	db *sql.DB
}

// New opens and pings the database.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs the *.up.sql files of a directory in name order.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

const columns = `id, language, status, error, created_at, updated_at`

// Claim inserts a provisioning record. A failed record is reset in place;
// any other existing record leaves the row untouched and yields ErrExists.
func (s *Store) Claim(ctx context.Context, id, language string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workspaces (id, language, status, error, created_at, updated_at)
		VALUES ($1, $2, 'provisioning', '', now(), now())
		ON CONFLICT (id) DO UPDATE
			SET language = EXCLUDED.language,
			    status = 'provisioning',
			    error = '',
			    updated_at = now()
			WHERE workspaces.status = 'failed'
		RETURNING `+columns, id, language)

	ws, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", workspace.ErrExists, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim workspace %s: %w", id, err)
	}
	return ws, nil
}

// SetStatus updates the status and error message of a workspace.
func (s *Store) SetStatus(ctx context.Context, id string, status models.WorkspaceStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workspaces SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update workspace %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workspace %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", workspace.ErrNotFound, id)
	}
	return nil
}

// Get returns a workspace record.
func (s *Store) Get(ctx context.Context, id string) (*models.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM workspaces WHERE id = $1`, id)
	ws, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", workspace.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace %s: %w", id, err)
	}
	return ws, nil
}

func scan(row *sql.Row) (*models.Workspace, error) {
	var ws models.Workspace
	var status string
	if err := row.Scan(&ws.ID, &ws.Language, &status, &ws.Error, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
		return nil, err
	}
	ws.Status = models.WorkspaceStatus(status)
	return &ws, nil
}
