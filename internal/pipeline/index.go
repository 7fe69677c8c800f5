package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"gcse-quizgen/internal/models"
	"gcse-quizgen/internal/storage"
)

// IndexSink receives the manifest entries after each build, for example a
// database mirror.
type IndexSink interface {
	UpsertIndex(ctx context.Context, runID string, entries []models.IndexEntry) error
}

// BuildIndex assembles the manifest from the committed artifacts of jobs.
// Jobs without a quiz are left out.
func BuildIndex(ctx context.Context, store storage.Store, jobs []models.SampleJob, runID string, now time.Time) (models.IndexManifest, error) {
	manifest := models.IndexManifest{RunID: runID, GeneratedAt: now.UTC(), Jobs: []models.IndexEntry{}}
	for _, job := range jobs {
		var quiz models.QuizGeneration
		art, err := ReadArtifact(ctx, store, ArtifactKey(job.ID, models.KindQuiz), &quiz)
		if errors.Is(err, storage.ErrNotExist) {
			continue
		}
		if err != nil {
			return manifest, err
		}

		files := make(map[string]string, len(artifactKinds))
		for _, kind := range artifactKinds {
			key := ArtifactKey(job.ID, kind)
			ok, err := store.Exists(ctx, key)
			if err != nil {
				return manifest, err
			}
			if ok {
				files[kind] = key
			}
		}

		subject, board := quiz.Subject, quiz.Board
		if subject == "" {
			subject = job.Subject
		}
		if board == "" {
			board = job.Board
		}
		manifest.Jobs = append(manifest.Jobs, models.IndexEntry{
			ID:            job.ID,
			Label:         job.Label(),
			Category:      job.Category,
			Mode:          quiz.Mode,
			Subject:       subject,
			Board:         board,
			QuestionCount: quiz.QuestionCount,
			GeneratedAt:   art.GeneratedAt,
			Files:         files,
		})
	}
	return manifest, nil
}

func WriteIndex(ctx context.Context, store storage.Store, m models.IndexManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := store.WriteFile(ctx, IndexFile, data); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// LoadIndex reads index.json.
func LoadIndex(ctx context.Context, store storage.Store) (models.IndexManifest, error) {
	var m models.IndexManifest
	data, err := store.ReadFile(ctx, IndexFile)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode index: %w", err)
	}
	return m, nil
}

// RenderIndexTable prints a per-job summary of a manifest.
func RenderIndexTable(w io.Writer, m models.IndexManifest) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Job", "Mode", "Subject", "Board", "Questions", "Artifacts", "Generated"})
	total := 0
	for _, e := range m.Jobs {
		total += e.QuestionCount
		t.AppendRow(table.Row{e.Label, e.Mode, e.Subject, e.Board, e.QuestionCount, len(e.Files), humanize.Time(e.GeneratedAt)})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d jobs", len(m.Jobs)), "", "", "", total, "", ""})
	t.Render()
}
