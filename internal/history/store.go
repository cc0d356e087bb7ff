// Package history implements the History Store & Retrieval (spec §4.8):
// durable append keyed by (chatId, publishTimestamp) with a 30-day TTL,
// and paginated, time-range-filtered reverse-chronological reads. It
// generalizes src/replay_buffer.go's sequence-keyed ring buffer into a
// wall-clock-TTL, cursor-paginated index; unlike the replay buffer this
// store never silently evicts a message before its TTL elapses (spec
// invariant 4), only a background sweep or explicit pruning does.
package history

import (
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"chatbroker/internal/brokererr"
	"chatbroker/internal/types"
)

// specDefaultLimit and specMaxLimit are the spec §6 configurable defaults; a
// Store is constructed with its own values so tests and production can
// differ without touching the type.
const (
	specDefaultLimit = 50
	specMaxLimit     = 100
)

// Query describes a history read (spec §4.8, §6 GET /messages).
type Query struct {
	ChatID        string
	Limit         int
	StartCursor   string
	FromTimestamp *time.Time
	ToTimestamp   *time.Time
}

// Page is one page of history results.
type Page struct {
	Items      []types.Persisted
	NextCursor string
}

// Store is an in-memory, TTL-indexed history of persisted envelopes,
// keyed by chat and ordered by publish time. Appends are idempotent by
// MessageID; readers never block on writers (spec §5).
type Store struct {
	mu           sync.RWMutex
	byChat       map[string][]types.Persisted // ascending by PublishTimestamp
	seenByChat   map[string]map[string]struct{}
	retention    time.Duration
	defaultLimit int
	maxLimit     int
}

// New builds a Store. retentionDays <= 0 disables TTL expiry (useful
// for tests); defaultLimit/maxLimit <= 0 fall back to the spec's 50/100.
func New(retentionDays, defaultLimit, maxLimit int) *Store {
	if defaultLimit <= 0 {
		defaultLimit = specDefaultLimit
	}
	if maxLimit <= 0 {
		maxLimit = specMaxLimit
	}
	var retention time.Duration
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	return &Store{
		byChat:       make(map[string][]types.Persisted),
		seenByChat:   make(map[string]map[string]struct{}),
		retention:    retention,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// Put appends env, stamping its TTL. Idempotent by MessageID: a
// redelivered envelope that was already persisted is a silent no-op
// (spec §4.8: "appends are idempotent by messageId").
func (s *Store) Put(env types.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.seenByChat[env.ChatID]
	if !ok {
		seen = make(map[string]struct{})
		s.seenByChat[env.ChatID] = seen
	}
	if _, dup := seen[env.MessageID]; dup {
		return nil
	}
	seen[env.MessageID] = struct{}{}

	ttl := env.PublishTimestamp.Add(30 * 24 * time.Hour)
	if s.retention > 0 {
		ttl = env.PublishTimestamp.Add(s.retention)
	}

	persisted := types.Persisted{Envelope: env, TTL: ttl}
	items := s.byChat[env.ChatID]
	idx := sort.Search(len(items), func(i int) bool {
		return items[i].PublishTimestamp.After(env.PublishTimestamp)
	})
	items = append(items, types.Persisted{})
	copy(items[idx+1:], items[idx:])
	items[idx] = persisted
	s.byChat[env.ChatID] = items
	return nil
}

// cursor is the opaque, single-use token encoding an index position
// into one chat's ascending item slice.
type cursor struct {
	index int
}

func encodeCursor(c cursor) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d", c.index)))
}

func decodeCursor(s string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return cursor{}, fmt.Errorf("%w: malformed cursor", brokererr.ErrValidation)
	}
	var idx int
	if _, err := fmt.Sscanf(string(raw), "%d", &idx); err != nil {
		return cursor{}, fmt.Errorf("%w: malformed cursor", brokererr.ErrValidation)
	}
	return cursor{index: idx}, nil
}

// List returns a page of history for q.ChatID in reverse chronological
// order (newest first), per spec §4.8. limit defaults to the store's
// default and is capped at its max; limit == 0 returns an empty page
// with no cursor (spec §8 boundary behavior).
func (s *Store) List(q Query) (Page, error) {
	limit := q.Limit
	if limit == 0 {
		return Page{Items: []types.Persisted{}}, nil
	}
	if limit < 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	startIdx := -1 // exclusive upper bound into the ascending slice, in reverse-walk terms
	if q.StartCursor != "" {
		c, err := decodeCursor(q.StartCursor)
		if err != nil {
			return Page{}, err
		}
		startIdx = c.index
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.byChat[q.ChatID]
	now := time.Now()

	// Walk newest-to-oldest starting just before startIdx (or from the
	// very end on the first page), skipping expired and out-of-range
	// entries.
	from := len(items) - 1
	if startIdx >= 0 {
		from = startIdx - 1
	}

	out := make([]types.Persisted, 0, limit)
	i := from
	for ; i >= 0 && len(out) < limit; i-- {
		item := items[i]
		if s.retention > 0 && now.After(item.TTL) {
			continue
		}
		if q.FromTimestamp != nil && item.PublishTimestamp.Before(*q.FromTimestamp) {
			continue
		}
		if q.ToTimestamp != nil && item.PublishTimestamp.After(*q.ToTimestamp) {
			continue
		}
		out = append(out, item)
	}

	page := Page{Items: out}
	if i >= 0 && len(out) == limit {
		page.NextCursor = encodeCursor(cursor{index: i + 1})
	}
	return page, nil
}

// Sweep removes entries past their TTL across all chats. Intended to be
// called periodically (see sweepLoop in cmd/brokerd/main.go),
// mirroring the teacher hub's cleanupNonces ticker loop.
func (s *Store) Sweep(now time.Time) {
	if s.retention <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for chatID, items := range s.byChat {
		kept := items[:0:0]
		for _, item := range items {
			if now.Before(item.TTL) {
				kept = append(kept, item)
			} else {
				delete(s.seenByChat[chatID], item.MessageID)
			}
		}
		if len(kept) == 0 {
			delete(s.byChat, chatID)
		} else {
			s.byChat[chatID] = kept
		}
	}
}
