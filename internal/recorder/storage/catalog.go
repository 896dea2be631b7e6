// storage/catalog.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq" // PostgreSQL driver

	"github.com/mikeyg42/motioncam/internal/recorder/pipeline"
	"github.com/mikeyg42/motioncam/internal/recorder/recorderlog"
)

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ClipRecord is one row of the clips table.
type ClipRecord struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	Path           string    `db:"path"`
	SizeBytes      int64     `db:"size_bytes"`
	PreEventBytes  int64     `db:"pre_event_bytes"`
	PostEventBytes int64     `db:"post_event_bytes"`
	Checksum       string    `db:"checksum"`
	TriggeredAt    time.Time `db:"triggered_at"`
	EndedAt        time.Time `db:"ended_at"`
	WrittenAt      time.Time `db:"written_at"`
}

// NewClipRecord converts a saved clip into a catalog row.
func NewClipRecord(clip pipeline.SavedClip) ClipRecord {
	return ClipRecord{
		ID:             clip.ID,
		Name:           clip.Name(),
		Path:           clip.Path,
		SizeBytes:      clip.Size,
		PreEventBytes:  clip.PreEventBytes,
		PostEventBytes: clip.PostEventBytes,
		Checksum:       clip.Checksum,
		TriggeredAt:    clip.TriggeredAt,
		EndedAt:        clip.EndedAt,
		WrittenAt:      clip.WrittenAt,
	}
}

const clipSchema = `
	CREATE TABLE IF NOT EXISTS clips (
		id UUID PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		path TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		pre_event_bytes BIGINT NOT NULL,
		post_event_bytes BIGINT NOT NULL,
		checksum VARCHAR(64) NOT NULL,
		triggered_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		written_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_clips_triggered_at ON clips(triggered_at DESC);
	`

const insertClip = `
	INSERT INTO clips (
		id, name, path, size_bytes, pre_event_bytes, post_event_bytes,
		checksum, triggered_at, ended_at, written_at
	) VALUES (
		:id, :name, :path, :size_bytes, :pre_event_bytes, :post_event_bytes,
		:checksum, :triggered_at, :ended_at, :written_at
	)`

// ClipCatalog records saved clips in PostgreSQL.
type ClipCatalog struct {
	db     *sqlx.DB
	logger recorderlog.Logger
}

// NewClipCatalog wraps an open database handle.
func NewClipCatalog(db *sqlx.DB, logger recorderlog.Logger) *ClipCatalog {
	if logger == nil {
		logger = recorderlog.L()
	}
	return &ClipCatalog{db: db, logger: logger.Named("clip-catalog")}
}

// OpenClipCatalog connects to PostgreSQL and creates the schema.
func OpenClipCatalog(ctx context.Context, config PostgresConfig, logger recorderlog.Logger) (*ClipCatalog, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 5
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	catalog := NewClipCatalog(db, logger)
	if err := catalog.InitSchema(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return catalog, nil
}

// InitSchema creates the clips table if it doesn't exist
func (c *ClipCatalog) InitSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, clipSchema)
	return err
}

// Publish implements pipeline.Publisher. A clip that is already catalogued
// is not an error.
func (c *ClipCatalog) Publish(ctx context.Context, clip pipeline.SavedClip) error {
	rec := NewClipRecord(clip)
	if _, err := c.db.NamedExecContext(ctx, insertClip, rec); err != nil {
		if isUniqueViolation(err) {
			c.logger.Debug("Clip already catalogued", recorderlog.String("id", rec.ID))
			return nil
		}
		return fmt.Errorf("failed to save clip %s: %w", rec.ID, err)
	}

	c.logger.Info("Clip catalogued",
		recorderlog.String("id", rec.ID),
		recorderlog.String("name", rec.Name))
	return nil
}

// Recent returns the newest clips by trigger time.
func (c *ClipCatalog) Recent(ctx context.Context, limit int) ([]ClipRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var clips []ClipRecord
	err := c.db.SelectContext(ctx, &clips, `
		SELECT id, name, path, size_bytes, pre_event_bytes, post_event_bytes,
		       checksum, triggered_at, ended_at, written_at
		FROM clips
		ORDER BY triggered_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query clips: %w", err)
	}
	return clips, nil
}

// HealthCheck verifies database connectivity
func (c *ClipCatalog) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *ClipCatalog) Close() error {
	return c.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

var _ pipeline.Publisher = (*ClipCatalog)(nil)
