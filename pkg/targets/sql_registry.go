package targets

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

// SQLRegistry resolves targets from the media_sources table. Dashboard
// capability and credentials belong to the source, so every ad group on a
// registered source resolves.
type SQLRegistry struct {
	db *sql.DB
}

func NewSQLRegistry(db *sql.DB) *SQLRegistry {
	return &SQLRegistry{db: db}
}

const registrySchema = `
CREATE TABLE IF NOT EXISTS media_sources (
	id BIGINT PRIMARY KEY,
	source_type TEXT NOT NULL,
	credentials_ref TEXT NOT NULL DEFAULT '',
	has_dashboard BOOLEAN NOT NULL DEFAULT FALSE
)`

// Init creates the media_sources table if needed.
func (r *SQLRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, registrySchema)
	return err
}

// Source is one registered media source.
type Source struct {
	ID             int64  `yaml:"id" json:"id"`
	Type           string `yaml:"type" json:"type"`
	CredentialsRef string `yaml:"credentials_ref,omitempty" json:"credentials_ref,omitempty"`
	HasDashboard   bool   `yaml:"has_dashboard" json:"has_dashboard"`
}

// PutSource registers or replaces a source.
func (r *SQLRegistry) PutSource(ctx context.Context, s Source) error {
	query := `
		INSERT INTO media_sources (id, source_type, credentials_ref, has_dashboard)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			source_type = EXCLUDED.source_type,
			credentials_ref = EXCLUDED.credentials_ref,
			has_dashboard = EXCLUDED.has_dashboard
	`
	if _, err := r.db.ExecContext(ctx, query, s.ID, s.Type, s.CredentialsRef, s.HasDashboard); err != nil {
		return fmt.Errorf("targets: put source %d: %w", s.ID, err)
	}
	return nil
}

// Resolve implements Resolver.
func (r *SQLRegistry) Resolve(ctx context.Context, ref actionlog.TargetRef) (*Target, error) {
	query := `SELECT source_type, credentials_ref, has_dashboard FROM media_sources WHERE id = $1`
	t := Target{Ref: ref}
	err := r.db.QueryRowContext(ctx, query, ref.SourceID).Scan(&t.SourceType, &t.CredentialsRef, &t.HasDashboard)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: source %d", ErrUnknownTarget, ref.SourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("targets: resolve source %d: %w", ref.SourceID, err)
	}
	return &t, nil
}
