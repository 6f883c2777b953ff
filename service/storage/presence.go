package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"collabhub/logger"
)

// Session is one principal's live attachment to one document through one
// connection. Stored as a JSON hash field under session:{documentId}, keyed
// by principal id, so a re-join from the same principal overwrites the prior
// session (last writer wins on socket id).
type Session struct {
	PrincipalID string          `json:"principalId"`
	DisplayName string          `json:"displayName"`
	SocketID    string          `json:"socketId"`
	LastActive  int64           `json:"lastActive"` // epoch ms
	Cursor      json.RawMessage `json:"cursor,omitempty"`
}

// Presence is the cluster-wide registry of who is editing what.
// The per-document hash carries a TTL refreshed on every mutation, so an
// instance crash leaves at worst one TTL window of ghost sessions (swept
// earlier by SweepStale).
type Presence struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

func NewPresence(rdb redis.UniversalClient, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Presence{rdb: rdb, ttl: ttl, now: time.Now}
}

func sessionKey(documentID string) string { return "session:" + documentID }

// AddSession creates or overwrites the principal's session and refreshes the
// hash TTL.
func (p *Presence) AddSession(ctx context.Context, documentID string, s Session) error {
	if s.LastActive == 0 {
		s.LastActive = p.now().UnixMilli()
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}
	key := sessionKey(documentID)
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, key, s.PrincipalID, raw)
	pipe.Expire(ctx, key, p.ttl)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "add session")
}

// RemoveSession deletes the principal's field; an emptied hash is deleted.
func (p *Presence) RemoveSession(ctx context.Context, documentID, principalID string) error {
	key := sessionKey(documentID)
	if err := p.rdb.HDel(ctx, key, principalID).Err(); err != nil {
		return errors.Wrap(err, "remove session")
	}
	n, err := p.rdb.HLen(ctx, key).Result()
	if err != nil {
		return errors.Wrap(err, "hlen")
	}
	if n == 0 {
		return errors.Wrap(p.rdb.Del(ctx, key).Err(), "del empty hash")
	}
	return errors.Wrap(p.rdb.Expire(ctx, key, p.ttl).Err(), "refresh ttl")
}

// RemoveSessionOwned removes the principal's session only while socketID
// still owns it. A disconnect of a superseded socket is a no-op: the hash
// field already belongs to the newer connection. Reports whether a field was
// removed.
func (p *Presence) RemoveSessionOwned(ctx context.Context, documentID, principalID, socketID string) (bool, error) {
	raw, err := p.rdb.HGet(ctx, sessionKey(documentID), principalID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "hget session")
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return false, errors.Wrap(err, "unmarshal session")
	}
	if s.SocketID != socketID {
		return false, nil
	}
	return true, p.RemoveSession(ctx, documentID, principalID)
}

// Touch updates lastActive and refreshes the TTL. A touch for a session that
// no longer exists (superseded or swept) is a no-op.
func (p *Presence) Touch(ctx context.Context, documentID, principalID string) error {
	return p.mutate(ctx, documentID, principalID, func(s *Session) {
		s.LastActive = p.now().UnixMilli()
	})
}

// UpdateCursor replaces the opaque cursor blob and refreshes activity.
func (p *Presence) UpdateCursor(ctx context.Context, documentID, principalID string, cursor json.RawMessage) error {
	return p.mutate(ctx, documentID, principalID, func(s *Session) {
		s.Cursor = cursor
		s.LastActive = p.now().UnixMilli()
	})
}

func (p *Presence) mutate(ctx context.Context, documentID, principalID string, fn func(*Session)) error {
	key := sessionKey(documentID)
	raw, err := p.rdb.HGet(ctx, key, principalID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "hget session")
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return errors.Wrap(err, "unmarshal session")
	}
	fn(&s)
	out, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}
	pipe := p.rdb.TxPipeline()
	pipe.HSet(ctx, key, principalID, out)
	pipe.Expire(ctx, key, p.ttl)
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "touch session")
}

// ListSessions returns every session in the document.
func (p *Presence) ListSessions(ctx context.Context, documentID string) ([]Session, error) {
	fields, err := p.rdb.HGetAll(ctx, sessionKey(documentID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "hgetall sessions")
	}
	out := make([]Session, 0, len(fields))
	for principal, raw := range fields {
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			logger.Warnf("[presence] bad session record doc=%s principal=%s: %v", documentID, principal, err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// CountSessions returns the number of sessions in the document.
func (p *Presence) CountSessions(ctx context.Context, documentID string) (int64, error) {
	n, err := p.rdb.HLen(ctx, sessionKey(documentID)).Result()
	return n, errors.Wrap(err, "hlen sessions")
}

// ListActiveDocuments scans the session key prefix.
func (p *Presence) ListActiveDocuments(ctx context.Context) ([]string, error) {
	var docs []string
	iter := p.rdb.Scan(ctx, 0, sessionKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		docs = append(docs, iter.Val()[len("session:"):])
	}
	return docs, errors.Wrap(iter.Err(), "scan session keys")
}

// SweepStale removes sessions whose lastActive is older than the TTL
// threshold and deletes emptied hashes. Returns the number of removed fields.
func (p *Presence) SweepStale(ctx context.Context) (int, error) {
	docs, err := p.ListActiveDocuments(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := p.now().Add(-p.ttl).UnixMilli()
	removed := 0
	for _, doc := range docs {
		sessions, err := p.ListSessions(ctx, doc)
		if err != nil {
			logger.Warnf("[presence] sweep list doc=%s: %v", doc, err)
			continue
		}
		for _, s := range sessions {
			if s.LastActive >= cutoff {
				continue
			}
			if err := p.RemoveSession(ctx, doc, s.PrincipalID); err != nil {
				logger.Warnf("[presence] sweep remove doc=%s principal=%s: %v", doc, s.PrincipalID, err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}
