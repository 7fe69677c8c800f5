package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gcse-quizgen/internal/models"
)

// IndexRepo mirrors index manifest entries into quiz_index.
type IndexRepo struct {
	pool *pgxpool.Pool
}

func NewIndexRepo(pool *pgxpool.Pool) *IndexRepo {
	return &IndexRepo{pool: pool}
}

const upsertIndexQuery = `INSERT INTO quiz_index
	(job_id, run_id, label, category, mode, subject, board, question_count, generated_at, files, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
	ON CONFLICT (job_id) DO UPDATE SET
		run_id = EXCLUDED.run_id,
		label = EXCLUDED.label,
		category = EXCLUDED.category,
		mode = EXCLUDED.mode,
		subject = EXCLUDED.subject,
		board = EXCLUDED.board,
		question_count = EXCLUDED.question_count,
		generated_at = EXCLUDED.generated_at,
		files = EXCLUDED.files,
		updated_at = NOW()`

// UpsertIndex writes all entries in one transaction.
func (r *IndexRepo) UpsertIndex(ctx context.Context, runID string, entries []models.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		files, err := json.Marshal(e.Files)
		if err != nil {
			return fmt.Errorf("encode files for %s: %w", e.ID, err)
		}
		batch.Queue(upsertIndexQuery,
			e.ID, runID, e.Label, e.Category, e.Mode, nullable(e.Subject), nullable(e.Board), e.QuestionCount, e.GeneratedAt, files,
		)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	br := tx.SendBatch(ctx, batch)
	for _, e := range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("upsert %s: %w", e.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
