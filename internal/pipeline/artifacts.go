package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gcse-quizgen/internal/models"
	"gcse-quizgen/internal/storage"
)

const (
	IndexFile     = "index.json"
	FailuresFile  = "failures.json"
	CheckpointDir = ".checkpoints"
	rawDir        = "raw"
	slopDir       = "slop"
)

// artifactKinds lists per-job artifacts in the order they appear in the
// index. The quiz itself is the commit marker and is written last.
var artifactKinds = []string{
	models.KindQuiz,
	models.KindQuizJudgement,
	models.KindQuizAudit,
	models.KindSlopSignals,
	models.KindExtension,
	models.KindExtensionJudgement,
	models.KindExtensionAudit,
}

// JobDir is the output directory of one job.
func JobDir(jobID string) string { return jobID }

// ArtifactKey is the store key for a job artifact kind.
func ArtifactKey(jobID, kind string) string {
	return storage.Join(JobDir(jobID), kind+".json")
}

// RawDir holds the per-attempt model dumps of a job.
func RawDir(jobID string) string {
	return storage.Join(JobDir(jobID), rawDir)
}

func writeArtifact(ctx context.Context, store storage.Store, a models.Artifact, key string) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", a.Kind, err)
	}
	if err := store.WriteFile(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func newArtifact(jobID, kind, model string, at time.Time, v any) (models.Artifact, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("encode %s data: %w", kind, err)
	}
	return models.Artifact{JobID: jobID, Kind: kind, GeneratedAt: at, Model: model, Data: data}, nil
}

// ReadArtifact loads an artifact envelope and decodes its data into v.
func ReadArtifact(ctx context.Context, store storage.Store, key string, v any) (models.Artifact, error) {
	var a models.Artifact
	raw, err := store.ReadFile(ctx, key)
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("decode %s: %w", key, err)
	}
	if v != nil {
		if err := json.Unmarshal(a.Data, v); err != nil {
			return a, fmt.Errorf("decode %s data: %w", key, err)
		}
	}
	return a, nil
}

// jobArtifactsPresent reports whether the artifacts a completed job must have
// exist. A missing quiz means the job never committed.
func jobArtifactsPresent(ctx context.Context, store storage.Store, jobID string, extend bool) (bool, error) {
	need := []string{models.KindQuiz, models.KindQuizJudgement, models.KindQuizAudit}
	if extend {
		need = append(need, models.KindExtension)
	}
	for _, kind := range need {
		ok, err := store.Exists(ctx, ArtifactKey(jobID, kind))
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// WriteFailures replaces the failure ledger.
func WriteFailures(ctx context.Context, store storage.Store, failures []models.FailureRecord) error {
	if failures == nil {
		failures = []models.FailureRecord{}
	}
	data, err := json.MarshalIndent(failures, "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFile(ctx, FailuresFile, data)
}

// LoadFailures reads the failure ledger. A missing ledger is empty.
func LoadFailures(ctx context.Context, store storage.Store) ([]models.FailureRecord, error) {
	data, err := store.ReadFile(ctx, FailuresFile)
	if errors.Is(err, storage.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []models.FailureRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", FailuresFile, err)
	}
	return out, nil
}
