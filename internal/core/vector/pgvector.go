package vector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/papyrix/papyrix/internal/core"
)

// PgvectorEngine implements core.VectorEngine on a pgvector table in the
// same Postgres that holds document metadata. Selected with
// VECTOR_BACKEND=pgvector for single-database deployments.
type PgvectorEngine struct {
	db *sql.DB
}

func NewPgvectorEngine(db *sql.DB) *PgvectorEngine {
	return &PgvectorEngine{db: db}
}

// EnsureCollection creates the extension and points table for the given
// vector size.
func (e *PgvectorEngine) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	if _, err := e.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS content_points (
			id             UUID PRIMARY KEY,
			document_id    UUID NOT NULL,
			sequence_index INTEGER NOT NULL,
			text           TEXT NOT NULL,
			embedding      vector(%d) NOT NULL
		)`, dimension)
	if _, err := e.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create content_points table: %w", err)
	}
	_, err := e.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS content_points_document_idx ON content_points (document_id)`)
	if err != nil {
		return fmt.Errorf("create content_points index: %w", err)
	}
	return nil
}

func (e *PgvectorEngine) UpsertPoints(ctx context.Context, points []core.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO content_points (id, document_id, sequence_index, text, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET document_id = EXCLUDED.document_id,
		    sequence_index = EXCLUDED.sequence_index,
		    text = EXCLUDED.text,
		    embedding = EXCLUDED.embedding
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		docID, _ := p.Payload["document_id"].(string)
		seq, _ := p.Payload["sequence_index"].(int)
		text, _ := p.Payload["text"].(string)
		if _, err := stmt.ExecContext(ctx, p.ID, docID, seq, text, pgvector.NewVector(p.Vector)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("upsert point %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (e *PgvectorEngine) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := e.db.ExecContext(ctx, `DELETE FROM content_points WHERE document_id = $1`, documentID)
	return err
}

var _ core.VectorEngine = (*PgvectorEngine)(nil)
