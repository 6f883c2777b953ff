package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"collabhub/logger"
)

// Snapshot is the last known document content, kept under
// doc:content:{documentId} for warm reads and no-op write detection.
type Snapshot struct {
	Body     string `json:"body"`
	Title    string `json:"title"`
	CachedAt int64  `json:"cachedAt"` // epoch ms
	Version  int64  `json:"version"`  // monotonic, non-decreasing
}

// ChangeResult is what HasChanged reports to the update intake.
type ChangeResult struct {
	Changed     bool
	CachedBody  string
	CachedTitle string
}

type ContentCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

func NewContentCache(rdb redis.UniversalClient, ttl time.Duration) *ContentCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ContentCache{rdb: rdb, ttl: ttl, now: time.Now}
}

func contentKey(documentID string) string { return "doc:content:" + documentID }

// Get returns the cached snapshot, or nil on a miss.
func (c *ContentCache) Get(ctx context.Context, documentID string) (*Snapshot, error) {
	raw, err := c.rdb.Get(ctx, contentKey(documentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get snapshot")
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}
	return &s, nil
}

// Put stores a new snapshot and resets the TTL. The version is wall-clock ms,
// bumped past the previous version if the clock has not moved.
func (c *ContentCache) Put(ctx context.Context, documentID, body, title string) error {
	version := c.now().UnixMilli()
	if prev, err := c.Get(ctx, documentID); err == nil && prev != nil && prev.Version >= version {
		version = prev.Version + 1
	}
	s := Snapshot{
		Body:     body,
		Title:    title,
		CachedAt: c.now().UnixMilli(),
		Version:  version,
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	return errors.Wrap(c.rdb.Set(ctx, contentKey(documentID), raw, c.ttl).Err(), "set snapshot")
}

// HasChanged compares the incoming write against the cached snapshot.
// A miss or a cache error reports changed=true: failing safe means persisting.
func (c *ContentCache) HasChanged(ctx context.Context, documentID, newBody string, newTitle *string) ChangeResult {
	s, err := c.Get(ctx, documentID)
	if err != nil {
		logger.Warnf("[content-cache] read failed doc=%s, treating as changed: %v", documentID, err)
		return ChangeResult{Changed: true}
	}
	if s == nil {
		return ChangeResult{Changed: true}
	}
	changed := newBody != s.Body
	if newTitle != nil && *newTitle != s.Title {
		changed = true
	}
	return ChangeResult{Changed: changed, CachedBody: s.Body, CachedTitle: s.Title}
}

// Invalidate drops the cached snapshot.
func (c *ContentCache) Invalidate(ctx context.Context, documentID string) error {
	return errors.Wrap(c.rdb.Del(ctx, contentKey(documentID)).Err(), "invalidate snapshot")
}
