package rtfeed

import (
	"context"
	"fmt"
	"sync"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"tidbyt.dev/rtfeed/delayindex"
	"tidbyt.dev/rtfeed/metrics"
)

const (
	DefaultIndexTTL            = 10 * time.Second
	DefaultMergeMaxAge         = 30 * time.Minute
	DefaultMergeDepartureGrace = 10 * time.Minute
	DefaultIndexRefreshTimeout = 10 * time.Second
)

type IndexBuilder interface {
	Build(feed *gtfsproto.FeedMessage) *delayindex.Index
}

type MergedIndexConfig struct {
	TTL            time.Duration
	MaxAge         time.Duration
	RefreshTimeout time.Duration

	// How long entries outlive their departure. Zero evicts them
	// once they depart.
	DepartureGrace time.Duration
	Metrics        *metrics.Collector
}

// Describes the index returned by Get.
type IndexMeta struct {
	FeedKey     string
	CachedAt    time.Time
	FetchedAt   time.Time
	Fingerprint string
	Entries     int

	// Set when the returned index is past its TTL and a refresh
	// is running in the background.
	Stale bool

	// Set when the last refresh found no usable feed, and only
	// evicted.
	DecodeError error

	// Set by callers that could not get an index at all.
	Error string
}

// Process wide accumulated delay index for one feed. Readers are
// served the current value while at most one refresh runs at a time.
type MergedIndex struct {
	cache   DecodedReader
	feedKey string
	cfg     MergedIndexConfig
	builder IndexBuilder
	now     func() time.Time

	mutex       sync.RWMutex
	index       *delayindex.Index
	meta        IndexMeta
	fingerprint string

	group singleflight.Group
}

func NewMergedIndex(cache DecodedReader, feedKey string, cfg MergedIndexConfig, builder IndexBuilder, clock func() time.Time) *MergedIndex {
	if clock == nil {
		clock = time.Now
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultIndexTTL
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMergeMaxAge
	}
	if cfg.DepartureGrace < 0 {
		cfg.DepartureGrace = 0
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultIndexRefreshTimeout
	}
	if builder == nil {
		builder = delayindex.NewBuilder(nil, nil)
	}
	return &MergedIndex{
		cache:   cache,
		feedKey: feedKey,
		cfg:     cfg,
		builder: builder,
		now:     clock,
	}
}

// Returns the serving index. A stale index is returned right away
// while a refresh runs in the background. On a cold start, callers
// wait for the first refresh.
func (m *MergedIndex) Get(ctx context.Context) (*delayindex.Index, IndexMeta, error) {
	m.mutex.RLock()
	index, meta := m.index, m.meta
	m.mutex.RUnlock()

	if index != nil {
		if m.now().Sub(meta.CachedAt) < m.cfg.TTL {
			return index, meta, nil
		}
		m.startRefresh(ctx)
		meta.Stale = true
		return index, meta, nil
	}

	select {
	case res := <-m.startRefresh(ctx):
		if res.Err != nil {
			return nil, IndexMeta{FeedKey: m.feedKey}, res.Err
		}
		m.mutex.RLock()
		defer m.mutex.RUnlock()
		return m.index, m.meta, nil
	case <-ctx.Done():
		return nil, IndexMeta{FeedKey: m.feedKey}, ctx.Err()
	}
}

// Joins the in-flight refresh, or starts one. The result channel is
// buffered, so it's fine to never read it.
func (m *MergedIndex) startRefresh(ctx context.Context) <-chan singleflight.Result {
	return m.group.DoChan(m.feedKey, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()
		err := m.refresh(refreshCtx)
		if err != nil {
			log.Warn().Err(err).Str("feed", m.feedKey).Msg("refreshing delay index")
		}
		return nil, err
	})
}

func (m *MergedIndex) refresh(ctx context.Context) error {
	m.mutex.RLock()
	prev, prevMeta, prevFingerprint := m.index, m.meta, m.fingerprint
	m.mutex.RUnlock()

	now := m.now()
	opts := delayindex.MergeOptions{
		NowMs:          now.UnixMilli(),
		MaxAge:         m.cfg.MaxAge,
		DepartureGrace: m.cfg.DepartureGrace,
	}
	if prev != nil {
		opts.PrevSeenAtMs = prev.BuiltAtMs
	}

	decoded, err := m.cache.ReadDecoded(ctx, m.feedKey)
	if err != nil && prev == nil {
		return fmt.Errorf("reading decoded feed: %w", err)
	}

	meta := IndexMeta{
		FeedKey:     m.feedKey,
		CachedAt:    now,
		FetchedAt:   prevMeta.FetchedAt,
		Fingerprint: prevFingerprint,
	}

	var next *delayindex.Index
	kind := "evict"
	switch {
	case err != nil:
		// Keep serving what we have, but let entries expire
		next = delayindex.Merge(prev, nil, opts)

	case decoded.Feed == nil:
		meta.FetchedAt = decoded.FetchedAt
		meta.DecodeError = decoded.DecodeError
		next = delayindex.Merge(prev, nil, opts)

	case prev != nil && decoded.Fingerprint != "" && decoded.Fingerprint == prevFingerprint:
		meta.FetchedAt = decoded.FetchedAt
		next = delayindex.Merge(prev, nil, opts)

	default:
		meta.FetchedAt = decoded.FetchedAt
		meta.Fingerprint = decoded.Fingerprint
		incoming := m.builder.Build(decoded.Feed)
		next = delayindex.Merge(prev, incoming, opts)
		kind = "rebuild"
	}

	meta.Entries = next.Size()
	m.cfg.Metrics.ObserveIndexRefresh(kind, meta.Entries)

	m.mutex.Lock()
	m.index = next
	m.meta = meta
	m.fingerprint = meta.Fingerprint
	m.mutex.Unlock()

	return nil
}
