package rtfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"tidbyt.dev/rtfeed/metrics"
	"tidbyt.dev/rtfeed/parse"
	"tidbyt.dev/rtfeed/storage"
)

const (
	DefaultCacheTTL = 10 * time.Second
	MinCacheTTL     = 250 * time.Millisecond
	MaxCacheTTL     = 15 * time.Second

	DefaultCacheRefreshTimeout = 5 * time.Second
)

type ReadSource string

const (
	ReadSourceMemory ReadSource = "memory"
	ReadSourceStore  ReadSource = "store"
)

// A feed as held by the cache. Feed is nil when there's no payload, or
// when it failed to decode, in which case DecodeError is set.
type DecodedFeed struct {
	FeedKey     string
	Feed        *gtfsproto.FeedMessage
	FetchedAt   time.Time
	HasPayload  bool
	DecodeError error

	// Memory when the decoded feed was served without reading
	// the payload from the store.
	ReadSource ReadSource

	// True when served within the TTL, without touching the
	// store at all.
	CacheHit bool

	Fingerprint string
	LastStatus  int
	LastError   string
}

// Age of the content relative to now. Zero if never fetched.
func (d DecodedFeed) ContentAge(now time.Time) time.Duration {
	if d.FetchedAt.IsZero() {
		return 0
	}
	return now.Sub(d.FetchedAt)
}

type DecodedReader interface {
	ReadDecoded(ctx context.Context, feedKey string) (DecodedFeed, error)
}

type FeedCacheConfig struct {
	TTL time.Duration

	// Bounds the store reads of a refresh. Callers that give up
	// earlier don't cancel the refresh for others.
	RefreshTimeout time.Duration

	Metrics *metrics.Collector
}

// Clamps a configured TTL to the supported range. Zero means default.
func ClampCacheTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultCacheTTL
	}
	if ttl < MinCacheTTL {
		return MinCacheTTL
	}
	if ttl > MaxCacheTTL {
		return MaxCacheTTL
	}
	return ttl
}

type cacheEntry struct {
	feed     DecodedFeed
	cachedAt time.Time
}

// Process wide cache of decoded feeds, keyed by feed key. Concurrent
// misses on one key share a single store read and decode.
type FeedCache struct {
	store   storage.Storage
	ttl     time.Duration
	timeout time.Duration
	metrics *metrics.Collector
	now     func() time.Time

	mutex   sync.Mutex
	entries map[string]*cacheEntry
	group   singleflight.Group
}

func NewFeedCache(store storage.Storage, cfg FeedCacheConfig, clock func() time.Time) *FeedCache {
	if clock == nil {
		clock = time.Now
	}
	timeout := cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = DefaultCacheRefreshTimeout
	}
	return &FeedCache{
		store:   store,
		ttl:     ClampCacheTTL(cfg.TTL),
		timeout: timeout,
		metrics: cfg.Metrics,
		now:     clock,
		entries: map[string]*cacheEntry{},
	}
}

func (c *FeedCache) TTL() time.Duration { return c.ttl }

func (c *FeedCache) lookup(feedKey string) (*cacheEntry, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	entry, found := c.entries[feedKey]
	if !found {
		return nil, false
	}
	return entry, c.now().Sub(entry.cachedAt) < c.ttl
}

// Returns the decoded feed. Expected degraded states (no payload,
// undecodable payload) are reported in the result. An error is only
// returned when the store fails and nothing was cached before.
func (c *FeedCache) ReadDecoded(ctx context.Context, feedKey string) (DecodedFeed, error) {
	entry, fresh := c.lookup(feedKey)
	if fresh {
		out := entry.feed
		out.ReadSource = ReadSourceMemory
		out.CacheHit = true
		c.metrics.ObserveCacheRead(feedKey, string(out.ReadSource), true)
		return out, nil
	}

	ch := c.group.DoChan(feedKey, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.refresh(refreshCtx, feedKey)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return DecodedFeed{}, res.Err
		}
		out := res.Val.(DecodedFeed)
		c.metrics.ObserveCacheRead(feedKey, string(out.ReadSource), false)
		return out, nil

	case <-ctx.Done():
		// Caller gave up. Serve stale if possible, the refresh
		// carries on for others.
		if entry != nil {
			out := entry.feed
			out.ReadSource = ReadSourceMemory
			out.CacheHit = false
			c.metrics.ObserveCacheRead(feedKey, string(out.ReadSource), false)
			return out, nil
		}
		return DecodedFeed{}, ctx.Err()
	}
}

func (c *FeedCache) refresh(ctx context.Context, feedKey string) (DecodedFeed, error) {
	c.mutex.Lock()
	prev := c.entries[feedKey]
	c.mutex.Unlock()

	meta, err := c.store.GetMeta(ctx, feedKey)
	if errors.Is(err, storage.ErrFeedNotFound) {
		return c.put(feedKey, DecodedFeed{
			FeedKey:    feedKey,
			ReadSource: ReadSourceStore,
		}), nil
	}
	if err != nil {
		return c.fallback(feedKey, prev, fmt.Errorf("reading meta: %w", err))
	}

	next := DecodedFeed{
		FeedKey:     feedKey,
		FetchedAt:   meta.FetchedAt,
		HasPayload:  meta.HasPayload(),
		Fingerprint: meta.Fingerprint,
		LastStatus:  meta.LastStatus,
		LastError:   meta.LastError,
	}

	if !next.HasPayload {
		next.ReadSource = ReadSourceStore
		return c.put(feedKey, next), nil
	}

	// Decoding is the expensive part. Same content, same feed.
	if prev != nil && prev.feed.HasPayload && meta.Fingerprint != "" && prev.feed.Fingerprint == meta.Fingerprint {
		next.Feed = prev.feed.Feed
		next.DecodeError = prev.feed.DecodeError
		next.ReadSource = ReadSourceMemory
		return c.put(feedKey, next), nil
	}

	record, err := c.store.Get(ctx, feedKey)
	if err != nil {
		return c.fallback(feedKey, prev, fmt.Errorf("reading payload: %w", err))
	}

	// The record may be newer than the meta read above
	next.FetchedAt = record.FetchedAt
	next.Fingerprint = record.Fingerprint
	next.LastStatus = record.LastStatus
	next.LastError = record.LastError
	next.HasPayload = record.HasPayload()
	next.ReadSource = ReadSourceStore

	decoded := parse.Decode(record.Payload)
	if decoded.OK() {
		next.Feed = decoded.Feed
	} else if next.HasPayload {
		next.DecodeError = decoded.Err
		c.metrics.IncDecodeError(feedKey)
		log.Warn().Err(decoded.Err).Str("feed", feedKey).Msg("cached payload failed to decode")
	}

	return c.put(feedKey, next), nil
}

func (c *FeedCache) put(feedKey string, feed DecodedFeed) DecodedFeed {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[feedKey] = &cacheEntry{feed: feed, cachedAt: c.now()}
	return feed
}

// Store trouble. The last good value is better than nothing, and is
// left stale so the next read tries again.
func (c *FeedCache) fallback(feedKey string, prev *cacheEntry, err error) (DecodedFeed, error) {
	if prev == nil {
		return DecodedFeed{}, err
	}
	log.Warn().Err(err).Str("feed", feedKey).Msg("serving stale decoded feed")
	out := prev.feed
	out.ReadSource = ReadSourceMemory
	return out, nil
}
