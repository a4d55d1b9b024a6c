package rtfeed

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"tidbyt.dev/rtfeed/downloader"
	"tidbyt.dev/rtfeed/heartbeat"
	"tidbyt.dev/rtfeed/metrics"
	"tidbyt.dev/rtfeed/parse"
	"tidbyt.dev/rtfeed/storage"
)

const (
	DefaultPollInterval       = 15 * time.Second
	DefaultFetchTimeout       = 10 * time.Second
	DefaultMinWriteInterval   = 60 * time.Second
	DefaultLockSkipWarnStreak = 10
	DefaultLockSkipWarnAge    = 3 * time.Minute

	// Upper bound for any single store operation of a poll cycle.
	storeTimeout = 30 * time.Second
)

type OutcomeKind string

const (
	OutcomeUpdated            OutcomeKind = "updated"
	OutcomeUnchanged          OutcomeKind = "unchanged"
	OutcomeNotModified        OutcomeKind = "not_modified"
	OutcomeRateLimited        OutcomeKind = "rate_limited"
	OutcomeError              OutcomeKind = "error"
	OutcomeWriteSkippedByLock OutcomeKind = "write_skipped_by_lock"
)

// Result of one poll cycle.
type Outcome struct {
	Kind       OutcomeKind
	FeedKey    string
	HTTPStatus int
	Err        error
	Class      ErrorClass

	// Time until the next cycle.
	Wait time.Duration

	// Set when the cycle wrote anything.
	Wrote       bool
	Entities    int
	RowsWritten int
	Fingerprint string
}

type BackoffPolicy struct {
	Base             time.Duration
	Max              time.Duration
	RateLimitBase    time.Duration
	RateLimitMax     time.Duration
	NonTransientBase time.Duration
	NonTransientMax  time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:             2 * time.Second,
		Max:              2 * time.Minute,
		RateLimitBase:    30 * time.Second,
		RateLimitMax:     10 * time.Minute,
		NonTransientBase: time.Minute,
		NonTransientMax:  15 * time.Minute,
	}
}

type PollerConfig struct {
	FeedKey string
	URL     string
	Token   string
	Headers map[string]string

	Interval         time.Duration
	FetchTimeout     time.Duration
	MaxSize          int
	MinWriteInterval time.Duration

	WriteMode storage.WriteMode
	Retention time.Duration

	Backoff BackoffPolicy

	LockSkipWarnStreak int
	LockSkipWarnAge    time.Duration

	// Identifies this poller in heartbeats.
	HolderID string
}

// Owns the fetch, decode and persist cycle of one feed.
type Poller struct {
	cfg     PollerConfig
	store   storage.Storage
	fetcher downloader.Fetcher
	sink    heartbeat.Sink
	metrics *metrics.Collector

	TimeNow func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error

	transient    *backoff.ExponentialBackOff
	nonTransient *backoff.ExponentialBackOff
	rateLimited  *backoff.ExponentialBackOff

	lockSkipStreak int
	lockSkipSince  time.Time
}

type PollerOption func(*Poller)

func WithHeartbeat(sink heartbeat.Sink) PollerOption {
	return func(p *Poller) { p.sink = sink }
}

func WithPollerMetrics(c *metrics.Collector) PollerOption {
	return func(p *Poller) { p.metrics = c }
}

func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) { p.TimeNow = now }
}

func newBackoffTrack(base time.Duration, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Creates a new Poller. Zero config values get defaults.
func NewPoller(cfg PollerConfig, store storage.Storage, fetcher downloader.Fetcher, opts ...PollerOption) *Poller {
	if cfg.FeedKey == "" {
		cfg.FeedKey = "trip-updates"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MinWriteInterval < 0 {
		cfg.MinWriteInterval = 0
	}
	if cfg.LockSkipWarnStreak <= 0 {
		cfg.LockSkipWarnStreak = DefaultLockSkipWarnStreak
	}
	if cfg.LockSkipWarnAge <= 0 {
		cfg.LockSkipWarnAge = DefaultLockSkipWarnAge
	}
	def := DefaultBackoffPolicy()
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = def.Base
	}
	if cfg.Backoff.Max < cfg.Backoff.Base {
		cfg.Backoff.Max = max(def.Max, cfg.Backoff.Base)
	}
	if cfg.Backoff.RateLimitBase <= 0 {
		cfg.Backoff.RateLimitBase = def.RateLimitBase
	}
	if cfg.Backoff.RateLimitMax < cfg.Backoff.RateLimitBase {
		cfg.Backoff.RateLimitMax = max(def.RateLimitMax, cfg.Backoff.RateLimitBase)
	}
	if cfg.Backoff.NonTransientBase <= 0 {
		cfg.Backoff.NonTransientBase = def.NonTransientBase
	}
	if cfg.Backoff.NonTransientMax < cfg.Backoff.NonTransientBase {
		cfg.Backoff.NonTransientMax = max(def.NonTransientMax, cfg.Backoff.NonTransientBase)
	}

	p := &Poller{
		cfg:          cfg,
		store:        store,
		fetcher:      fetcher,
		sink:         heartbeat.Nop{},
		TimeNow:      time.Now,
		Sleep:        sleepContext,
		transient:    newBackoffTrack(cfg.Backoff.Base, cfg.Backoff.Max),
		nonTransient: newBackoffTrack(cfg.Backoff.NonTransientBase, cfg.Backoff.NonTransientMax),
		rateLimited:  newBackoffTrack(cfg.Backoff.RateLimitBase, cfg.Backoff.RateLimitMax),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) FeedKey() string { return p.cfg.FeedKey }

// Polls until ctx is done. Each cycle's outcome decides the wait
// before the next.
func (p *Poller) Run(ctx context.Context) error {
	for {
		outcome := p.PollOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.Sleep(ctx, outcome.Wait); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Runs a single fetch, decode and persist cycle. Never panics on
// upstream or store failures; they end up in the Outcome.
func (p *Poller) PollOnce(ctx context.Context) Outcome {
	start := p.TimeNow()
	outcome := p.poll(ctx)
	outcome.FeedKey = p.cfg.FeedKey
	p.metrics.ObservePoll(p.cfg.FeedKey, string(outcome.Kind), p.TimeNow().Sub(start))
	return outcome
}

func (p *Poller) poll(ctx context.Context) Outcome {
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	meta, err := p.store.GetMeta(storeCtx, p.cfg.FeedKey)
	cancel()
	if errors.Is(err, storage.ErrFeedNotFound) {
		meta, err = nil, nil
	}
	if err != nil {
		return p.fail(ctx, nil, 0, fmt.Errorf("reading feed meta: %w", err))
	}

	req := downloader.Request{
		URL:     p.cfg.URL,
		Token:   p.cfg.Token,
		Timeout: p.cfg.FetchTimeout,
		MaxSize: p.cfg.MaxSize,
		Headers: p.cfg.Headers,
	}
	if meta.HasPayload() {
		req.ETag = meta.ETag
	}

	resp, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return p.fail(ctx, meta, 0, fmt.Errorf("fetching %s: %w", p.cfg.FeedKey, err))
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return p.handleOK(ctx, meta, resp)
	case http.StatusNotModified:
		return p.handleNotModified(ctx, meta, resp)
	case http.StatusTooManyRequests:
		return p.fail(ctx, meta, resp.StatusCode, &HTTPStatusError{StatusCode: resp.StatusCode, RetryAfter: resp.RetryAfter})
	default:
		return p.fail(ctx, meta, resp.StatusCode, &HTTPStatusError{StatusCode: resp.StatusCode, RetryAfter: resp.RetryAfter})
	}
}

// A metadata refresh is due when the last one is older than the
// minimum write interval, or when the record still shows an error.
func (p *Poller) metadataDue(meta *storage.FeedMeta, now time.Time) bool {
	if meta == nil {
		return true
	}
	if meta.LastError != "" || (meta.LastStatus != http.StatusOK && meta.LastStatus != http.StatusNotModified) {
		return true
	}
	return now.Sub(meta.FetchedAt) >= p.cfg.MinWriteInterval
}

func (p *Poller) handleOK(ctx context.Context, meta *storage.FeedMeta, resp *downloader.Response) Outcome {
	fingerprint := fmt.Sprintf("%x", sha256.Sum256(resp.Body))
	fetchedAt := resp.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = p.TimeNow()
	}

	// Same bytes as last time. Upstream may hand out a new ETag
	// on every request, so this is checked independently.
	if meta.HasPayload() && meta.Fingerprint == fingerprint {
		if !p.metadataDue(meta, fetchedAt) {
			return p.succeed(ctx, Outcome{Kind: OutcomeUnchanged, HTTPStatus: resp.StatusCode, Fingerprint: fingerprint}, nil)
		}
		result, err := p.upsert(ctx, storage.FeedUpsert{
			FeedKey:   p.cfg.FeedKey,
			FetchedAt: fetchedAt,
			ETag:      resp.ETag,
			Status:    resp.StatusCode,
		})
		if err != nil {
			return p.fail(ctx, meta, resp.StatusCode, fmt.Errorf("refreshing metadata: %w", err))
		}
		if result.WriteSkippedByLock {
			return p.lockSkipped(meta, resp.StatusCode)
		}
		return p.succeed(ctx, Outcome{Kind: OutcomeUnchanged, HTTPStatus: resp.StatusCode, Fingerprint: fingerprint, Wrote: true}, nil)
	}

	decoded := parse.Decode(resp.Body)
	if !decoded.OK() {
		return p.fail(ctx, meta, resp.StatusCode, &DecodeError{Err: decoded.Err})
	}

	rows := parse.DeriveRows(p.cfg.FeedKey, decoded.Feed, fetchedAt)

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	result, err := p.store.WriteSnapshot(storeCtx, storage.FeedUpsert{
		FeedKey:     p.cfg.FeedKey,
		Payload:     resp.Body,
		FetchedAt:   fetchedAt,
		ETag:        resp.ETag,
		Status:      resp.StatusCode,
		Fingerprint: fingerprint,
	}, rows, storage.WriteOptions{
		Mode:      p.cfg.WriteMode,
		Retention: p.cfg.Retention,
	})
	cancel()
	if err != nil {
		return p.fail(ctx, meta, resp.StatusCode, fmt.Errorf("writing snapshot: %w", err))
	}
	if result.WriteSkippedByLock {
		return p.lockSkipped(meta, resp.StatusCode)
	}

	p.pruneObservations(ctx, fetchedAt)

	return p.succeed(ctx, Outcome{
		Kind:        OutcomeUpdated,
		HTTPStatus:  resp.StatusCode,
		Wrote:       true,
		Entities:    len(decoded.Feed.GetEntity()),
		RowsWritten: result.RowsWritten,
		Fingerprint: fingerprint,
	}, &heartbeat.Heartbeat{Outcome: string(OutcomeUpdated), Entities: len(decoded.Feed.GetEntity())})
}

func (p *Poller) handleNotModified(ctx context.Context, meta *storage.FeedMeta, resp *downloader.Response) Outcome {
	fetchedAt := resp.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = p.TimeNow()
	}

	if !meta.HasPayload() || !p.metadataDue(meta, fetchedAt) {
		return p.succeed(ctx, Outcome{Kind: OutcomeNotModified, HTTPStatus: resp.StatusCode}, nil)
	}

	etag := resp.ETag
	if etag == "" {
		etag = meta.ETag
	}
	result, err := p.upsert(ctx, storage.FeedUpsert{
		FeedKey:   p.cfg.FeedKey,
		FetchedAt: fetchedAt,
		ETag:      etag,
		Status:    resp.StatusCode,
	})
	if err != nil {
		return p.fail(ctx, meta, resp.StatusCode, fmt.Errorf("refreshing metadata: %w", err))
	}
	if result.WriteSkippedByLock {
		return p.lockSkipped(meta, resp.StatusCode)
	}
	return p.succeed(ctx, Outcome{Kind: OutcomeNotModified, HTTPStatus: resp.StatusCode, Wrote: true}, nil)
}

func (p *Poller) upsert(ctx context.Context, u storage.FeedUpsert) (storage.WriteResult, error) {
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return p.store.UpsertFeed(storeCtx, u)
}

func (p *Poller) resetBackoff() {
	p.transient.Reset()
	p.nonTransient.Reset()
	p.rateLimited.Reset()
}

func (p *Poller) succeed(ctx context.Context, outcome Outcome, hb *heartbeat.Heartbeat) Outcome {
	p.resetBackoff()
	p.lockSkipStreak = 0
	p.lockSkipSince = time.Time{}
	p.metrics.SetLockSkipStreak(p.cfg.FeedKey, 0)

	outcome.Wait = p.cfg.Interval

	if outcome.Wrote {
		if hb == nil {
			hb = &heartbeat.Heartbeat{Outcome: string(outcome.Kind)}
		}
		hb.Status = heartbeat.StatusOK
		hb.HTTPStatus = outcome.HTTPStatus
		p.emit(ctx, *hb)
	}

	return outcome
}

// Another poller holds the write lock, and is presumably
// succeeding. Not an error.
func (p *Poller) lockSkipped(meta *storage.FeedMeta, status int) Outcome {
	p.resetBackoff()

	now := p.TimeNow()
	if p.lockSkipStreak == 0 {
		p.lockSkipSince = now
	}
	p.lockSkipStreak++
	p.metrics.SetLockSkipStreak(p.cfg.FeedKey, p.lockSkipStreak)

	age := time.Duration(0)
	if meta != nil && !meta.FetchedAt.IsZero() {
		age = now.Sub(meta.FetchedAt)
	}

	if p.lockSkipStreak >= p.cfg.LockSkipWarnStreak && (meta == nil || age > p.cfg.LockSkipWarnAge) {
		log.Warn().
			Str("feed", p.cfg.FeedKey).
			Int("streak", p.lockSkipStreak).
			Dur("content_age", age).
			Time("skipping_since", p.lockSkipSince).
			Msg("write lock held elsewhere while feed is stale")
	} else {
		log.Debug().
			Str("feed", p.cfg.FeedKey).
			Int("streak", p.lockSkipStreak).
			Msg("write skipped, lock held elsewhere")
	}

	return Outcome{
		Kind:       OutcomeWriteSkippedByLock,
		HTTPStatus: status,
		Wait:       p.cfg.Interval,
	}
}

func (p *Poller) fail(ctx context.Context, meta *storage.FeedMeta, status int, err error) Outcome {
	class := Classify(err)

	var wait time.Duration
	switch class {
	case ClassRateLimited:
		wait = p.rateLimited.NextBackOff()
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > wait {
			wait = statusErr.RetryAfter
		}
		// Retry-After is upstream controlled
		if wait > p.cfg.Backoff.RateLimitMax {
			wait = p.cfg.Backoff.RateLimitMax
		}
	case ClassNonTransient:
		wait = p.nonTransient.NextBackOff()
	default:
		wait = p.transient.NextBackOff()
	}
	if wait < p.cfg.Interval {
		wait = p.cfg.Interval
	}

	kind := OutcomeError
	if class == ClassRateLimited {
		kind = OutcomeRateLimited
	}

	ev := log.Warn()
	if IsConnectionError(err) {
		ev = log.Info()
	}
	ev.Err(err).
		Str("feed", p.cfg.FeedKey).
		Int("status", status).
		Str("class", class.String()).
		Dur("wait", wait).
		Msg("poll failed")

	p.persistError(ctx, meta, status, err)
	p.emit(ctx, heartbeat.Heartbeat{
		Status:     heartbeat.StatusError,
		Outcome:    string(kind),
		HTTPStatus: status,
		Error:      err.Error(),
	})

	return Outcome{
		Kind:       kind,
		HTTPStatus: status,
		Err:        err,
		Class:      class,
		Wait:       wait,
	}
}

// Records the error on the feed record. Best effort: the stored
// payload, fetch time and ETag are kept, and failures are only
// logged.
func (p *Poller) persistError(ctx context.Context, meta *storage.FeedMeta, status int, cause error) {
	u := storage.FeedUpsert{
		FeedKey: p.cfg.FeedKey,
		Status:  status,
		Error:   cause.Error(),
	}
	if meta != nil {
		u.FetchedAt = meta.FetchedAt
		u.ETag = meta.ETag
	}

	result, err := p.upsert(ctx, u)
	if err != nil {
		log.Error().Err(err).Str("feed", p.cfg.FeedKey).Msg("persisting poll error")
		return
	}
	if result.WriteSkippedByLock {
		log.Debug().Str("feed", p.cfg.FeedKey).Msg("error not persisted, lock held elsewhere")
	}
}

func (p *Poller) pruneObservations(ctx context.Context, now time.Time) {
	if p.cfg.Retention <= 0 {
		return
	}
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if _, err := p.store.PruneDelayObservations(storeCtx, now.Add(-p.cfg.Retention)); err != nil {
		log.Warn().Err(err).Str("feed", p.cfg.FeedKey).Msg("pruning delay observations")
	}
}

func (p *Poller) emit(ctx context.Context, hb heartbeat.Heartbeat) {
	hb.FeedKey = p.cfg.FeedKey
	hb.HolderID = p.cfg.HolderID
	if hb.At.IsZero() {
		hb.At = p.TimeNow()
	}

	// Heartbeats must never take the poll loop down
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("feed", p.cfg.FeedKey).Msg("heartbeat sink panicked")
		}
	}()
	if err := p.sink.Emit(ctx, hb); err != nil {
		log.Warn().Err(err).Str("feed", p.cfg.FeedKey).Msg("emitting heartbeat")
	}
}
