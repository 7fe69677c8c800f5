package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFile = ".quizgen.lock"

// ErrRunLocked means another run holds the output directory.
var ErrRunLocked = errors.New("output directory is locked by another run")

// RunLock is an exclusive advisory lock on an output directory.
type RunLock struct {
	fl *flock.Flock
}

// AcquireRunLock takes the lock without blocking.
func AcquireRunLock(outputDir string) (*RunLock, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	fl := flock.New(filepath.Join(outputDir, lockFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", outputDir, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunLocked, outputDir)
	}
	return &RunLock{fl: fl}, nil
}

func (l *RunLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}
