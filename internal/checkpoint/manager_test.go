package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"gcse-quizgen/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory SnapshotStore, newest last.
type memStore struct {
	mu       sync.Mutex
	snaps    [][]byte
	writeErr error
	writes   int
}

func (s *memStore) LoadLatest(_ context.Context, accept func(string, []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for i := len(s.snaps) - 1; i >= 0; i-- {
		if err := accept("mem", s.snaps[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return ErrNoSnapshot
	}
	return errors.Join(append([]error{ErrNoSnapshot}, errs...)...)
}

func (s *memStore) WriteSnapshot(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return "", s.writeErr
	}
	s.writes++
	s.snaps = append(s.snaps, append([]byte(nil), data...))
	return "mem", nil
}

func (s *memStore) PruneOld(_ context.Context, keep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) > keep {
		s.snaps = s.snaps[len(s.snaps)-keep:]
	}
	return nil
}

func (s *memStore) latest(t *testing.T) State {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snaps) == 0 {
		t.Fatal("no snapshot written")
	}
	var st State
	if err := json.Unmarshal(s.snaps[len(s.snaps)-1], &st); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return st
}

func seedPtr(v uint64) *uint64 { return &v }

func TestLoadFreshWhenEmpty(t *testing.T) {
	m := NewManager(&memStore{}, Options{Logger: quietLogger()})
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(m.Completed()) != 0 || m.Seed() != nil {
		t.Errorf("fresh state not empty: %v seed=%v", m.Completed(), m.Seed())
	}
}

func TestLoadSkipsIncompatibleSnapshots(t *testing.T) {
	good, _ := json.Marshal(State{Version: Version, Completed: map[string]time.Time{"a": time.Now()}})
	store := &memStore{snaps: [][]byte{
		good,
		[]byte(`{"version":99,"completed":{"x":"2024-01-01T00:00:00Z"}}`),
		[]byte(`not json`),
	}}
	m := NewManager(store, Options{Logger: quietLogger()})
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := m.Completed(); len(got) != 1 || got[0] != "a" {
		t.Errorf("Completed() = %v, want [a] from the older valid snapshot", got)
	}
}

func TestLoadAllInvalidStartsFresh(t *testing.T) {
	store := &memStore{snaps: [][]byte{[]byte(`{"version":0}`)}}
	m := NewManager(store, Options{Logger: quietLogger()})
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(m.Completed()) != 0 {
		t.Errorf("Completed() = %v, want empty", m.Completed())
	}
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	m := NewManager(&memStore{}, Options{Logger: quietLogger()})
	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return first }
	m.MarkCompleted("a")
	m.now = func() time.Time { return first.Add(time.Hour) }
	m.MarkCompleted("a")

	if !m.IsCompleted("a") || m.IsCompleted("b") {
		t.Fatal("IsCompleted mismatch")
	}
	if got := m.state.Completed["a"]; !got.Equal(first) {
		t.Errorf("second mark overwrote timestamp: %v", got)
	}
}

func TestEnsureSeed(t *testing.T) {
	tests := []struct {
		name      string
		stored    *uint64
		completed bool
		requested *uint64
		wantErr   bool
	}{
		{"fresh adopts seed", nil, false, seedPtr(1), false},
		{"same seed resumes", seedPtr(2), true, seedPtr(2), false},
		{"different seed rejected", seedPtr(2), true, seedPtr(1), true},
		{"seed dropped rejected", seedPtr(2), true, nil, true},
		{"seed added rejected", nil, true, seedPtr(1), true},
		{"no completions allows change", seedPtr(2), false, seedPtr(1), false},
		{"unseeded resumes", nil, true, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(&memStore{}, Options{Logger: quietLogger()})
			m.state.Seed = tt.stored
			if tt.completed {
				m.MarkCompleted("job")
			}
			err := m.EnsureSeed(tt.requested)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EnsureSeed() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrSeedMismatch) {
					t.Errorf("error %v is not ErrSeedMismatch", err)
				}
				return
			}
			if !sameSeed(m.Seed(), tt.requested) {
				t.Errorf("Seed() = %v, want %v", m.Seed(), tt.requested)
			}
		})
	}
}

func TestPruneToFlushes(t *testing.T) {
	store := &memStore{}
	m := NewManager(store, Options{Logger: quietLogger()})
	for _, id := range []string{"a", "b", "c"} {
		m.MarkCompleted(id)
	}
	removed, err := m.PruneTo(context.Background(), []string{"b", "d"})
	if err != nil {
		t.Fatalf("PruneTo() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	st := store.latest(t)
	if len(st.Completed) != 1 {
		t.Errorf("persisted completed = %v, want only b", st.Completed)
	}
	if _, ok := st.Completed["b"]; !ok {
		t.Errorf("b missing from %v", st.Completed)
	}
}

func TestFlushThrottle(t *testing.T) {
	store := &memStore{}
	m := NewManager(store, Options{Logger: quietLogger(), FlushInterval: time.Minute})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Flush(ctx, false); err != nil || store.writes != 0 {
		t.Fatalf("clean state flushed: writes=%d err=%v", store.writes, err)
	}
	m.MarkCompleted("a")
	if err := m.Flush(ctx, false); err != nil || store.writes != 1 {
		t.Fatalf("first dirty flush: writes=%d err=%v", store.writes, err)
	}
	m.MarkCompleted("b")
	if err := m.Flush(ctx, false); err != nil || store.writes != 1 {
		t.Fatalf("throttled flush wrote: writes=%d err=%v", store.writes, err)
	}
	now = now.Add(2 * time.Minute)
	if err := m.Flush(ctx, false); err != nil || store.writes != 2 {
		t.Fatalf("flush after interval: writes=%d err=%v", store.writes, err)
	}
	if err := m.Flush(ctx, true); err != nil || store.writes != 3 {
		t.Fatalf("forced flush: writes=%d err=%v", store.writes, err)
	}
}

func TestFlushFailureKeepsDirty(t *testing.T) {
	store := &memStore{writeErr: errors.New("disk full")}
	m := NewManager(store, Options{Logger: quietLogger()})
	m.MarkCompleted("a")
	if err := m.Flush(context.Background(), true); err == nil {
		t.Fatal("expected write error")
	}
	store.writeErr = nil
	if err := m.Flush(context.Background(), false); err != nil {
		t.Fatalf("retry flush error = %v", err)
	}
	if st := store.latest(t); len(st.Completed) != 1 {
		t.Errorf("retry did not persist: %+v", st)
	}
}

func TestCloseFlushesAfterCancel(t *testing.T) {
	store := &memStore{}
	m := NewManager(store, Options{Logger: quietLogger(), FlushInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	m.MarkCompleted("a")
	cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := store.latest(t).Completed["a"]; !ok {
		t.Error("a not persisted on close")
	}
}

func TestFileStoreRotation(t *testing.T) {
	dir := storage.NewDir(t.TempDir())
	fs := NewFileStore(dir, ".checkpoints")
	ctx := context.Background()

	m := NewManager(fs, Options{Logger: quietLogger(), Keep: 2})
	for _, id := range []string{"a", "b", "c", "d"} {
		m.MarkCompleted(id)
		if err := m.Flush(ctx, true); err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
	}

	names, err := dir.List(ctx, ".checkpoints")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("snapshots kept = %v, want 2", names)
	}
	for _, n := range names {
		if !strings.HasPrefix(n, "checkpoint-") {
			t.Errorf("unexpected snapshot name %q", n)
		}
	}

	resumed := NewManager(fs, Options{Logger: quietLogger()})
	if err := resumed.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if got := resumed.Completed(); len(got) != 4 {
		t.Errorf("resumed Completed() = %v, want all four", got)
	}
}
