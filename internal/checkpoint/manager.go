// Package checkpoint records which jobs of a batch have completed so an
// interrupted run can resume.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"
)

// Version is the snapshot format this package reads and writes.
const Version = 1

const (
	DefaultKeep          = 5
	DefaultFlushInterval = 10 * time.Second
)

// ErrSeedMismatch means a run tried to resume a checkpoint created with a
// different shuffle seed.
var ErrSeedMismatch = errors.New("checkpoint seed mismatch")

// State is the persisted snapshot.
type State struct {
	Version   int                  `json:"version"`
	UpdatedAt time.Time            `json:"updatedAt"`
	Seed      *uint64              `json:"seed,omitempty"`
	Completed map[string]time.Time `json:"completed"`
}

func newState() State {
	return State{Version: Version, Completed: make(map[string]time.Time)}
}

func (s State) clone() State {
	out := s
	out.Completed = make(map[string]time.Time, len(s.Completed))
	for k, v := range s.Completed {
		out.Completed[k] = v
	}
	if s.Seed != nil {
		seed := *s.Seed
		out.Seed = &seed
	}
	return out
}

type Options struct {
	// Keep is how many snapshots survive pruning.
	Keep int
	// FlushInterval is the minimum time between unforced writes.
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Manager owns the in-memory checkpoint state and its periodic flushing.
type Manager struct {
	store    SnapshotStore
	keep     int
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     State
	dirty     bool
	lastFlush time.Time

	flushMu  sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

func NewManager(store SnapshotStore, opts Options) *Manager {
	if opts.Keep <= 0 {
		opts.Keep = DefaultKeep
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:    store,
		keep:     opts.Keep,
		interval: opts.FlushInterval,
		logger:   opts.Logger,
		now:      time.Now,
		state:    newState(),
	}
}

// Load replaces the in-memory state with the newest readable snapshot. An
// unreadable or incompatible history starts a fresh checkpoint.
func (m *Manager) Load(ctx context.Context) error {
	var loaded State
	var from string
	err := m.store.LoadLatest(ctx, func(name string, data []byte) error {
		var s State
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		if s.Version != Version {
			return fmt.Errorf("version %d, want %d", s.Version, Version)
		}
		if s.Completed == nil {
			s.Completed = make(map[string]time.Time)
		}
		loaded, from = s, name
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = false
	if err != nil {
		m.state = newState()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err == ErrNoSnapshot {
			m.logger.Info("no checkpoint found, starting fresh")
		} else {
			m.logger.Warn("no usable checkpoint, starting fresh", "error", err)
		}
		return nil
	}
	m.state = loaded
	m.logger.Info("checkpoint loaded", "snapshot", from, "completed", len(loaded.Completed))
	return nil
}

// EnsureSeed adopts seed for a fresh checkpoint and rejects a different seed
// once any job has completed.
func (m *Manager) EnsureSeed(seed *uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.state.Completed) > 0 && !sameSeed(m.state.Seed, seed) {
		return fmt.Errorf("%w: checkpoint was created with seed %s but this run uses %s (%d jobs already completed)",
			ErrSeedMismatch, formatSeed(m.state.Seed), formatSeed(seed), len(m.state.Completed))
	}
	if !sameSeed(m.state.Seed, seed) {
		if seed == nil {
			m.state.Seed = nil
		} else {
			v := *seed
			m.state.Seed = &v
		}
		m.dirty = true
	}
	return nil
}

func sameSeed(a, b *uint64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func formatSeed(s *uint64) string {
	if s == nil {
		return "none"
	}
	return strconv.FormatUint(*s, 10)
}

// PruneTo drops entries for jobs outside ids and writes the result.
func (m *Manager) PruneTo(ctx context.Context, ids []string) (int, error) {
	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	m.mu.Lock()
	removed := 0
	for id := range m.state.Completed {
		if !keep[id] {
			delete(m.state.Completed, id)
			removed++
		}
	}
	if removed > 0 {
		m.dirty = true
	}
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info("pruned stale checkpoint entries", "removed", removed)
		return removed, m.Flush(ctx, true)
	}
	return 0, nil
}

func (m *Manager) IsCompleted(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.Completed[id]
	return ok
}

// MarkCompleted records id as done. Marking twice keeps the first time.
func (m *Manager) MarkCompleted(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.Completed[id]; ok {
		return
	}
	m.state.Completed[id] = m.now().UTC()
	m.dirty = true
}

// Completed returns the completed ids in sorted order.
func (m *Manager) Completed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.state.Completed))
	for id := range m.state.Completed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Seed returns the recorded shuffle seed, if any.
func (m *Manager) Seed() *uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Seed == nil {
		return nil
	}
	v := *m.state.Seed
	return &v
}

// Start begins periodic flushing. Close stops it.
func (m *Manager) Start(ctx context.Context) {
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopChan:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.flush(ctx, false, false); err != nil {
					m.logger.Warn("checkpoint flush failed", "error", err)
				}
			}
		}
	}()
}

// Flush writes the state when it changed and the flush interval has passed,
// or unconditionally when force is set.
func (m *Manager) Flush(ctx context.Context, force bool) error {
	return m.flush(ctx, force, true)
}

func (m *Manager) flush(ctx context.Context, force, throttle bool) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.Lock()
	now := m.now()
	if !force && (!m.dirty || (throttle && now.Sub(m.lastFlush) < m.interval)) {
		m.mu.Unlock()
		return nil
	}
	m.state.UpdatedAt = now.UTC()
	snap := m.state.clone()
	m.dirty = false
	m.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	name, err := m.store.WriteSnapshot(ctx, data)
	if err != nil {
		m.mu.Lock()
		m.dirty = true
		m.mu.Unlock()
		return fmt.Errorf("write checkpoint: %w", err)
	}

	m.mu.Lock()
	m.lastFlush = now
	m.mu.Unlock()

	if err := m.store.PruneOld(ctx, m.keep); err != nil {
		m.logger.Warn("checkpoint pruning failed", "error", err)
	}
	m.logger.Debug("checkpoint flushed", "snapshot", name, "completed", len(snap.Completed))
	return nil
}

// Close stops the flush timer and writes a final snapshot. It uses a context
// detached from ctx's cancellation so shutdown still persists progress.
func (m *Manager) Close(ctx context.Context) error {
	if m.stopChan != nil {
		close(m.stopChan)
		<-m.done
		m.stopChan = nil
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return m.Flush(fctx, true)
}
