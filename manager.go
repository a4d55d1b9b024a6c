package rtfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tidbyt.dev/rtfeed/delayindex"
	"tidbyt.dev/rtfeed/model"
	"tidbyt.dev/rtfeed/storage"
)

// Freshness of a feed as seen through the store, without the
// payload.
type CacheMeta struct {
	FeedKey      string       `json:"feedKey"`
	FetchedAt    time.Time    `json:"fetchedAt,omitempty"`
	ContentAgeMs int64        `json:"contentAgeMs"`
	HasPayload   bool         `json:"hasPayload"`
	PayloadBytes int          `json:"payloadBytes"`
	LastStatus   int          `json:"lastStatus,omitempty"`
	LastError    string       `json:"lastError,omitempty"`
	ETag         string       `json:"etag,omitempty"`
	Fingerprint  string       `json:"fingerprint,omitempty"`
	Reason       ScopedReason `json:"reason"`
	ReadSource   ReadSource   `json:"readSource,omitempty"`
	CacheHit     bool         `json:"cacheHit"`
	Error        string       `json:"error,omitempty"`
}

type ManagerConfig struct {
	StaleThreshold time.Duration
	Cache          FeedCacheConfig
	Index          MergedIndexConfig
	Scoped         ScopedConfig
}

// Manager is what a serving process holds: one decoded feed cache,
// one merged delay index per feed and a scoped loader, all on top of
// the shared store. Its read methods report failures in the returned
// meta instead of returning errors.
type Manager struct {
	store   storage.Storage
	cfg     ManagerConfig
	builder IndexBuilder
	now     func() time.Time

	cache  *FeedCache
	scoped *ScopedLoader

	mutex   sync.Mutex
	indexes map[string]*MergedIndex
}

func NewManager(store storage.Storage, cfg ManagerConfig, builder IndexBuilder, clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.Scoped.StaleThreshold <= 0 {
		cfg.Scoped.StaleThreshold = cfg.StaleThreshold
	}

	cache := NewFeedCache(store, cfg.Cache, clock)
	return &Manager{
		store:   store,
		cfg:     cfg,
		builder: builder,
		now:     clock,
		cache:   cache,
		scoped:  NewScopedLoader(cache, store, cfg.Scoped, clock),
		indexes: map[string]*MergedIndex{},
	}
}

func (m *Manager) Cache() *FeedCache { return m.cache }

// Reads metadata straight from the store. Cheap, and always current.
func (m *Manager) CacheMeta(ctx context.Context, feedKey string) CacheMeta {
	meta := CacheMeta{FeedKey: feedKey, ReadSource: ReadSourceStore}

	fm, err := m.store.GetMeta(ctx, feedKey)
	if errors.Is(err, storage.ErrFeedNotFound) {
		meta.Reason = ReasonMissingCache
		return meta
	}
	if err != nil {
		meta.Reason = ReasonStoreError
		meta.Error = fmt.Sprintf("reading meta: %v", err)
		return meta
	}

	meta.FetchedAt = fm.FetchedAt
	meta.HasPayload = fm.HasPayload()
	meta.PayloadBytes = fm.PayloadBytes
	meta.LastStatus = fm.LastStatus
	meta.LastError = fm.LastError
	meta.ETag = fm.ETag
	meta.Fingerprint = fm.Fingerprint
	if !fm.FetchedAt.IsZero() {
		meta.ContentAgeMs = m.now().Sub(fm.FetchedAt).Milliseconds()
	}
	meta.Reason = m.verdict(meta.HasPayload, time.Duration(meta.ContentAgeMs)*time.Millisecond)

	return meta
}

func (m *Manager) verdict(hasPayload bool, age time.Duration) ScopedReason {
	if !hasPayload {
		return ReasonMissingCache
	}
	if age > m.cfg.StaleThreshold {
		return ReasonStaleCache
	}
	return ReasonApplied
}

// Reads the decoded trip updates feed through the cache.
func (m *Manager) ReadTripUpdates(ctx context.Context, feedKey string) (DecodedFeed, CacheMeta) {
	if feedKey == "" {
		feedKey = model.FeedKeyTripUpdates
	}
	meta := CacheMeta{FeedKey: feedKey}

	decoded, err := m.cache.ReadDecoded(ctx, feedKey)
	if err != nil {
		meta.Reason = ReasonStoreError
		meta.Error = err.Error()
		return DecodedFeed{FeedKey: feedKey}, meta
	}

	meta.FetchedAt = decoded.FetchedAt
	meta.HasPayload = decoded.HasPayload
	meta.LastStatus = decoded.LastStatus
	meta.LastError = decoded.LastError
	meta.Fingerprint = decoded.Fingerprint
	meta.ReadSource = decoded.ReadSource
	meta.CacheHit = decoded.CacheHit
	meta.ContentAgeMs = decoded.ContentAge(m.now()).Milliseconds()
	meta.Reason = m.verdict(decoded.HasPayload, decoded.ContentAge(m.now()))
	if decoded.DecodeError != nil && meta.Reason == ReasonApplied {
		meta.Reason = ReasonDecodeError
		meta.Error = decoded.DecodeError.Error()
	}

	return decoded, meta
}

func (m *Manager) LoadScoped(ctx context.Context, req ScopedRequest) ScopedResult {
	return m.scoped.LoadScoped(ctx, req)
}

func (m *Manager) index(feedKey string) *MergedIndex {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	idx, found := m.indexes[feedKey]
	if !found {
		idx = NewMergedIndex(m.cache, feedKey, m.cfg.Index, m.builder, m.now)
		m.indexes[feedKey] = idx
	}
	return idx
}

// The merged delay index of a feed.
func (m *Manager) DelayIndex(ctx context.Context, feedKey string) (*delayindex.Index, IndexMeta, error) {
	if feedKey == "" {
		feedKey = model.FeedKeyTripUpdates
	}
	return m.index(feedKey).Get(ctx)
}

// Applies realtime to scheduled departures. When the index can't be
// had, the schedule is returned as is, with the error in the meta.
func (m *Manager) Departures(
	ctx context.Context,
	feedKey string,
	stopID string,
	scheduled []Departure,
	windowStart time.Time,
	windowLength time.Duration,
) ([]Departure, IndexMeta) {
	idx, meta, err := m.DelayIndex(ctx, feedKey)
	if err != nil {
		meta.Error = err.Error()
		return ApplyRealtime(nil, stopID, scheduled, windowStart, windowLength), meta
	}
	return ApplyRealtime(idx, stopID, scheduled, windowStart, windowLength), meta
}
