package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNoArtifact is returned by ArtifactStore.Load when nothing is persisted.
var ErrNoArtifact = errors.New("no model artifact")

// ArtifactStore persists trained models between restarts.
type ArtifactStore interface {
	Load(ctx context.Context) (*Model, error)
	Save(ctx context.Context, m *Model) error
}

// FileStore keeps the model as a JSON file.
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed artifact store at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load(ctx context.Context) (*Model, error) {
	b, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoArtifact
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}
	return decodeModel(b)
}

// Save writes through a temp file and renames it so readers never see a
// partial artifact.
func (f *FileStore) Save(ctx context.Context, m *Model) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create model directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".model-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write model artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write model artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to install model artifact: %w", err)
	}
	return nil
}

// DefaultRedisKey is where RedisStore keeps the artifact.
const DefaultRedisKey = "riskledger:model:iforest"

// RedisStore shares one artifact between scoring instances.
type RedisStore struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed artifact store. A zero ttl keeps the
// artifact until overwritten.
func NewRedisStore(rdb *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{rdb: rdb, key: key, ttl: ttl}
}

func (r *RedisStore) Load(ctx context.Context) (*Model, error) {
	b, err := r.rdb.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoArtifact
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model artifact: %w", err)
	}
	return decodeModel(b)
}

func (r *RedisStore) Save(ctx context.Context, m *Model) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set model artifact: %w", err)
	}
	return nil
}

func decodeModel(b []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to decode model artifact: %w", err)
	}
	if len(m.Trees) == 0 || m.Dimensions == 0 || m.SampleSize == 0 {
		return nil, errors.New("failed to decode model artifact: incomplete model")
	}
	for i := range m.Trees {
		if err := m.Trees[i].check(m.Dimensions); err != nil {
			return nil, fmt.Errorf("failed to decode model artifact: tree %d: %w", i, err)
		}
	}
	return &m, nil
}
