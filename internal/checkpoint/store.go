package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"gcse-quizgen/internal/storage"
)

// ErrNoSnapshot is returned by LoadLatest when no snapshot was accepted.
var ErrNoSnapshot = errors.New("no checkpoint snapshot")

// SnapshotStore is an append-only log of immutable snapshots.
type SnapshotStore interface {
	// LoadLatest offers snapshots newest first to accept until it returns nil.
	LoadLatest(ctx context.Context, accept func(name string, data []byte) error) error
	WriteSnapshot(ctx context.Context, data []byte) (string, error)
	// PruneOld deletes all but the newest keep snapshots.
	PruneOld(ctx context.Context, keep int) error
}

const snapshotPrefix = "checkpoint-"

// FileStore keeps snapshots as files under one directory of a storage.Store.
// Names sort lexicographically in write order.
type FileStore struct {
	store storage.Store
	dir   string
	seq   atomic.Uint64
	now   func() time.Time
}

func NewFileStore(store storage.Store, dir string) *FileStore {
	return &FileStore{store: store, dir: dir, now: time.Now}
}

func (s *FileStore) names(ctx context.Context) ([]string, error) {
	files, err := s.store.List(ctx, s.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		if strings.HasPrefix(f, snapshotPrefix) && strings.HasSuffix(f, ".json") {
			out = append(out, storage.Join(s.dir, f))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

func (s *FileStore) LoadLatest(ctx context.Context, accept func(string, []byte) error) error {
	names, err := s.names(ctx)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	var errs []error
	for _, name := range names {
		data, err := s.store.ReadFile(ctx, name)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if err := accept(name, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return ErrNoSnapshot
	}
	return errors.Join(append([]error{ErrNoSnapshot}, errs...)...)
}

func (s *FileStore) WriteSnapshot(ctx context.Context, data []byte) (string, error) {
	name := storage.Join(s.dir, fmt.Sprintf("%s%s-%06d.json",
		snapshotPrefix, s.now().UTC().Format("20060102T150405.000000000Z"), s.seq.Add(1)))
	if err := s.store.WriteFile(ctx, name, data); err != nil {
		return "", err
	}
	return name, nil
}

func (s *FileStore) PruneOld(ctx context.Context, keep int) error {
	names, err := s.names(ctx)
	if err != nil {
		return err
	}
	if keep < 1 {
		keep = 1
	}
	var errs []error
	for _, name := range names[min(keep, len(names)):] {
		if err := s.store.Remove(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisStore keeps snapshots in a Redis list, newest at the head.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// RedisKey is the list key used for an output directory's checkpoints.
func RedisKey(outputDir string) string {
	return "quizgen:checkpoint:" + outputDir
}

func (s *RedisStore) LoadLatest(ctx context.Context, accept func(string, []byte) error) error {
	items, err := s.client.LRange(ctx, s.key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read snapshots: %w", err)
	}
	var errs []error
	for i, item := range items {
		name := fmt.Sprintf("%s[%d]", s.key, i)
		if err := accept(name, []byte(item)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		return nil
	}
	if len(errs) == 0 {
		return ErrNoSnapshot
	}
	return errors.Join(append([]error{ErrNoSnapshot}, errs...)...)
}

func (s *RedisStore) WriteSnapshot(ctx context.Context, data []byte) (string, error) {
	if err := s.client.LPush(ctx, s.key, string(data)).Err(); err != nil {
		return "", err
	}
	return s.key + "[0]", nil
}

func (s *RedisStore) PruneOld(ctx context.Context, keep int) error {
	if keep < 1 {
		keep = 1
	}
	return s.client.LTrim(ctx, s.key, 0, int64(keep-1)).Err()
}
