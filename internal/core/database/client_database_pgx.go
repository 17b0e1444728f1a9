package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/papyrix/papyrix/internal/config"
	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for worker processes; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for collaborators that share the same
// database, such as the pgvector engine backend.
func (c *DatabaseClient) DB() *sql.DB {
	return c.db
}

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO source_meta
			(id, owner_id, storage_key, format, original_name, state, added_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, COALESCE($7, now()), now())
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.OwnerID, doc.StorageKey, string(doc.Format), doc.OriginalName, string(doc.State), nullableTime(doc.AddedAt))
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	const q = `
		SELECT id, owner_id, storage_key, format, original_name, state,
		       COALESCE(failure_reason, ''), added_at, extracted_at, updated_at
		FROM source_meta
		WHERE id = $1
	`
	var (
		d      models.Document
		format string
		state  string
	)
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&d.ID, &d.OwnerID, &d.StorageKey, &format, &d.OriginalName, &state,
		&d.FailureReason, &d.AddedAt, &d.ExtractedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Format = models.Format(format)
	d.State = models.State(state)
	return &d, nil
}

// DeleteDocument removes the metadata row and its stage progress in one
// transaction. Engine and blob cleanup is the caller's best-effort job.
func (c *DatabaseClient) DeleteDocument(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_progress WHERE document_id = $1`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM source_meta WHERE id = $1`, id); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// CompareAndSetState is the row-level arbiter for every transition: the
// update applies only while the persisted state still matches expected.
// extracted_at and failure_reason are written only when provided.
func (c *DatabaseClient) CompareAndSetState(ctx context.Context, id string, expected, next models.State, extra *core.TransitionExtra) (bool, error) {
	var (
		extractedAt   *time.Time
		failureReason *string
	)
	if extra != nil {
		extractedAt = extra.ExtractedAt
		failureReason = extra.FailureReason
	}
	const q = `
		UPDATE source_meta
		SET state = $3,
		    extracted_at = COALESCE($4, extracted_at),
		    failure_reason = COALESCE($5, failure_reason),
		    updated_at = now()
		WHERE id = $1 AND state = $2
	`
	res, err := c.db.ExecContext(ctx, q, id, string(expected), string(next), extractedAt, failureReason)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordStageCompletion is idempotent under duplicate completion reports.
func (c *DatabaseClient) RecordStageCompletion(ctx context.Context, id, stage string) error {
	const q = `
		INSERT INTO index_progress (document_id, stage, completed_at)
		VALUES ($1, $2, now())
		ON CONFLICT (document_id, stage) DO NOTHING
	`
	_, err := c.db.ExecContext(ctx, q, id, stage)
	return err
}

func (c *DatabaseClient) CompletedStages(ctx context.Context, id string) ([]string, error) {
	const q = `SELECT stage FROM index_progress WHERE document_id = $1`
	rows, err := c.db.QueryContext(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListStalled returns documents parked in a working state (including
// Extracted, in case the index fan-out was lost) whose last transition
// predates the cutoff; the sweeper fails them.
func (c *DatabaseClient) ListStalled(ctx context.Context, cutoff time.Time) ([]models.Document, error) {
	const q = `
		SELECT id, owner_id, storage_key, format, original_name, state,
		       COALESCE(failure_reason, ''), added_at, extracted_at, updated_at
		FROM source_meta
		WHERE state IN ($1, $2, $3) AND updated_at < $4
		ORDER BY updated_at ASC
	`
	rows, err := c.db.QueryContext(ctx, q,
		string(models.StateExtractionInProgress), string(models.StateExtracted),
		string(models.StateIndexingInProgress), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var (
			d      models.Document
			format string
			state  string
		)
		if err := rows.Scan(
			&d.ID, &d.OwnerID, &d.StorageKey, &format, &d.OriginalName, &state,
			&d.FailureReason, &d.AddedAt, &d.ExtractedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		d.Format = models.Format(format)
		d.State = models.State(state)
		out = append(out, d)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ core.DocumentStore = (*DatabaseClient)(nil)
