package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/developer-mesh/collabcore/pkg/models"
)

// DefaultSnapshotTTL is how long an idle session snapshot is cached
const DefaultSnapshotTTL = time.Hour

// RedisSnapshotStore caches session snapshots under the document's cache
// key. Each save refreshes the TTL.
type RedisSnapshotStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisSnapshotStore creates a snapshot store on client
func NewRedisSnapshotStore(client redis.UniversalClient, ttl time.Duration) *RedisSnapshotStore {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &RedisSnapshotStore{client: client, ttl: ttl}
}

// Load returns the cached snapshot of doc, or nil when none is cached
func (s *RedisSnapshotStore) Load(ctx context.Context, doc models.DocumentRef) (*models.SessionSnapshot, error) {
	data, err := s.client.Get(ctx, doc.CacheKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load snapshot of %s", doc)
	}

	var snap models.SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "decode snapshot of %s", doc)
	}
	for i := range snap.Changes {
		snap.Changes[i].Doc = snap.Doc
	}
	return &snap, nil
}

// Save caches snap
func (s *RedisSnapshotStore) Save(ctx context.Context, snap *models.SessionSnapshot) error {
	if snap == nil {
		return errors.New("snapshot is nil")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrapf(err, "encode snapshot of %s", snap.Doc)
	}
	if err := s.client.Set(ctx, snap.Doc.CacheKey(), data, s.ttl).Err(); err != nil {
		return errors.Wrapf(err, "save snapshot of %s", snap.Doc)
	}
	return nil
}

// Delete drops the cached snapshot of doc
func (s *RedisSnapshotStore) Delete(ctx context.Context, doc models.DocumentRef) error {
	if err := s.client.Del(ctx, doc.CacheKey()).Err(); err != nil {
		return errors.Wrapf(err, "delete snapshot of %s", doc)
	}
	return nil
}
