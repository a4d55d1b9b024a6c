package rtfeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog/log"

	"tidbyt.dev/rtfeed/delayindex"
	"tidbyt.dev/rtfeed/metrics"
	"tidbyt.dev/rtfeed/model"
	"tidbyt.dev/rtfeed/parse"
	"tidbyt.dev/rtfeed/storage"
)

type ScopedReason string

const (
	ReasonApplied      ScopedReason = "applied"
	ReasonStaleCache   ScopedReason = "stale_cache"
	ReasonMissingCache ScopedReason = "missing_cache"
	ReasonGuardTripped ScopedReason = "guard_tripped"
	ReasonDecodeError  ScopedReason = "decode_error"
	ReasonStoreError   ScopedReason = "store_error"
)

type ScopedSource string

const (
	ScopedSourceMemory ScopedSource = "memory"
	ScopedSourceTable  ScopedSource = "table"
)

// Names the guard that aborted a scan.
type Guard string

const (
	GuardProcessTime Guard = "process_time"
	GuardScanned     Guard = "scanned"
	GuardMatched     Guard = "matched"
	GuardStopUpdates Guard = "stop_updates"
)

const (
	DefaultStaleThreshold   = 2 * time.Minute
	DefaultGuardMaxProcess  = 250 * time.Millisecond
	DefaultGuardMaxScanned  = 50000
	DefaultGuardMaxMatched  = 2000
	DefaultGuardMaxStopUpds = 20000
	DefaultTableLookback    = 30 * time.Minute
	DefaultScopedTimeout    = 5 * time.Second
)

type ScopedConfig struct {
	FeedKey        string
	StaleThreshold time.Duration

	MaxProcess     time.Duration
	MaxScanned     int
	MaxMatched     int
	MaxStopUpdates int

	Source        ScopedSource
	TableFallback bool

	// How far back the table route looks for rows.
	TableLookback time.Duration

	// Bounds store reads on the table route.
	Timeout time.Duration

	Resolver delayindex.Resolver
	Metrics  *metrics.Collector
}

func (c ScopedConfig) withDefaults() ScopedConfig {
	if c.FeedKey == "" {
		c.FeedKey = model.FeedKeyTripUpdates
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	if c.MaxProcess <= 0 {
		c.MaxProcess = DefaultGuardMaxProcess
	}
	if c.MaxScanned <= 0 {
		c.MaxScanned = DefaultGuardMaxScanned
	}
	if c.MaxMatched <= 0 {
		c.MaxMatched = DefaultGuardMaxMatched
	}
	if c.MaxStopUpdates <= 0 {
		c.MaxStopUpdates = DefaultGuardMaxStopUpds
	}
	if c.Source == "" {
		c.Source = ScopedSourceMemory
	}
	if c.TableLookback <= 0 {
		c.TableLookback = DefaultTableLookback
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultScopedTimeout
	}
	return c
}

type ScopedRequest struct {
	// Zero means the loader's clock.
	Now time.Time

	// Departure window for ADDED trips. Zero bounds are open.
	WindowStart time.Time
	WindowEnd   time.Time

	TripIDs []string
	StopIDs []string

	// Overrides the configured processing budget when positive.
	MaxProcess time.Duration

	// Overrides the configured feed key when set.
	FeedKey string
}

// Describes how a scoped result came to be. Always set, including on
// failure.
type ScopedMeta struct {
	Reason       ScopedReason `json:"reason"`
	Source       ScopedSource `json:"source"`
	FeedKey      string       `json:"feedKey"`
	FetchedAt    time.Time    `json:"fetchedAt,omitempty"`
	ContentAgeMs int64        `json:"contentAgeMs"`
	CacheHit     bool         `json:"cacheHit"`
	HasPayload   bool         `json:"hasPayload"`

	Scanned            int   `json:"scanned"`
	Matched            int   `json:"matched"`
	StopUpdatesMatched int   `json:"stopUpdatesMatched"`
	Guard              Guard `json:"guard,omitempty"`

	// Set when the table route ran after a memory guard trip.
	FellBack bool `json:"fellBack,omitempty"`

	ElapsedMs int64  `json:"elapsedMs"`
	Error     string `json:"error,omitempty"`
}

type ScopedResult struct {
	Entities []*gtfsproto.FeedEntity
	Meta     ScopedMeta
}

// Pulls the realtime entities relevant to a set of trips and stops,
// from the decoded feed cache or from the derived tables.
type ScopedLoader struct {
	cache DecodedReader
	store storage.Storage
	cfg   ScopedConfig
	now   func() time.Time
}

func NewScopedLoader(cache DecodedReader, store storage.Storage, cfg ScopedConfig, clock func() time.Time) *ScopedLoader {
	if clock == nil {
		clock = time.Now
	}
	return &ScopedLoader{
		cache: cache,
		store: store,
		cfg:   cfg.withDefaults(),
		now:   clock,
	}
}

// Never returns an error. Degraded outcomes come back empty, with a
// reason in the meta.
func (l *ScopedLoader) LoadScoped(ctx context.Context, req ScopedRequest) ScopedResult {
	start := l.now()
	if req.Now.IsZero() {
		req.Now = start
	}
	if req.FeedKey == "" {
		req.FeedKey = l.cfg.FeedKey
	}
	budget := l.cfg.MaxProcess
	if req.MaxProcess > 0 {
		budget = req.MaxProcess
	}

	scope := newScope(req, l.cfg.Resolver)
	g := &guard{
		start:          start,
		now:            l.now,
		maxProcess:     budget,
		maxScanned:     l.cfg.MaxScanned,
		maxMatched:     l.cfg.MaxMatched,
		maxStopUpdates: l.cfg.MaxStopUpdates,
	}

	var result ScopedResult
	if l.cfg.Source == ScopedSourceTable || l.cache == nil {
		result = l.loadFromTable(ctx, req, scope, g)
	} else {
		result = l.loadFromMemory(ctx, req, scope, g)
		if result.Meta.Reason == ReasonGuardTripped && result.Meta.Guard != GuardProcessTime && l.cfg.TableFallback && l.store != nil {
			log.Debug().
				Str("feed", req.FeedKey).
				Str("guard", string(result.Meta.Guard)).
				Msg("scoped memory scan tripped a guard, trying tables")
			g.reset()
			result = l.loadFromTable(ctx, req, scope, g)
			result.Meta.FellBack = true
		}
	}

	elapsed := l.now().Sub(start)
	result.Meta.ElapsedMs = elapsed.Milliseconds()
	result.Meta.FeedKey = req.FeedKey
	if result.Entities == nil {
		result.Entities = []*gtfsproto.FeedEntity{}
	}
	l.cfg.Metrics.ObserveScoped(string(result.Meta.Reason), string(result.Meta.Source), elapsed)

	return result
}

func (l *ScopedLoader) loadFromMemory(ctx context.Context, req ScopedRequest, scope *scope, g *guard) ScopedResult {
	meta := ScopedMeta{Source: ScopedSourceMemory}

	decoded, err := l.cache.ReadDecoded(ctx, req.FeedKey)
	if err != nil {
		meta.Reason = ReasonStoreError
		meta.Error = err.Error()
		return ScopedResult{Meta: meta}
	}

	meta.FetchedAt = decoded.FetchedAt
	meta.HasPayload = decoded.HasPayload
	meta.CacheHit = decoded.CacheHit
	meta.ContentAgeMs = decoded.ContentAge(req.Now).Milliseconds()

	if reason, done := l.freshness(decoded.HasPayload, decoded.ContentAge(req.Now)); done {
		meta.Reason = reason
		return ScopedResult{Meta: meta}
	}
	if decoded.DecodeError != nil {
		meta.Reason = ReasonDecodeError
		meta.Error = decoded.DecodeError.Error()
		return ScopedResult{Meta: meta}
	}

	return scan(decoded.Feed.GetEntity(), scope, g, meta)
}

func (l *ScopedLoader) loadFromTable(ctx context.Context, req ScopedRequest, scope *scope, g *guard) ScopedResult {
	meta := ScopedMeta{Source: ScopedSourceTable}
	if l.store == nil {
		meta.Reason = ReasonStoreError
		meta.Error = "no store configured"
		return ScopedResult{Meta: meta}
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	feedMeta, err := l.store.GetMeta(ctx, req.FeedKey)
	if errors.Is(err, storage.ErrFeedNotFound) {
		meta.Reason = ReasonMissingCache
		return ScopedResult{Meta: meta}
	}
	if err != nil {
		meta.Reason = ReasonStoreError
		meta.Error = fmt.Sprintf("reading meta: %v", err)
		return ScopedResult{Meta: meta}
	}

	age := time.Duration(0)
	if !feedMeta.FetchedAt.IsZero() {
		age = req.Now.Sub(feedMeta.FetchedAt)
	}
	meta.FetchedAt = feedMeta.FetchedAt
	meta.HasPayload = feedMeta.HasPayload()
	meta.ContentAgeMs = age.Milliseconds()

	if reason, done := l.freshness(feedMeta.HasPayload(), age); done {
		meta.Reason = reason
		return ScopedResult{Meta: meta}
	}

	rows, err := l.store.ScopedRows(ctx, storage.RowFilter{
		FeedKey:   req.FeedKey,
		TripIDs:   req.TripIDs,
		StopRoots: scope.roots(),
		Since:     req.Now.Add(-l.cfg.TableLookback),
	})
	if err != nil {
		meta.Reason = ReasonStoreError
		meta.Error = fmt.Sprintf("reading rows: %v", err)
		return ScopedResult{Meta: meta}
	}

	return scan(parse.EntitiesFromRows(rows), scope, g, meta)
}

// The one freshness policy. Returns done when nothing should be
// applied.
func (l *ScopedLoader) freshness(hasPayload bool, age time.Duration) (ScopedReason, bool) {
	if !hasPayload {
		return ReasonMissingCache, true
	}
	if age > l.cfg.StaleThreshold {
		return ReasonStaleCache, true
	}
	return ReasonApplied, false
}

func scan(entities []*gtfsproto.FeedEntity, scope *scope, g *guard, meta ScopedMeta) ScopedResult {
	out := []*gtfsproto.FeedEntity{}
	for _, entity := range entities {
		g.scanned++
		if tripped := g.check(); tripped != "" {
			return g.trip(tripped, meta)
		}

		matched, stopUpdates := scope.match(entity)
		if !matched {
			continue
		}
		g.matched++
		g.stopUpdates += stopUpdates
		if tripped := g.check(); tripped != "" {
			return g.trip(tripped, meta)
		}
		out = append(out, entity)
	}

	meta.Reason = ReasonApplied
	meta.Scanned = g.scanned
	meta.Matched = g.matched
	meta.StopUpdatesMatched = g.stopUpdates
	return ScopedResult{Entities: out, Meta: meta}
}

// Cooperative budget for a scan, checked once per entity.
type guard struct {
	start          time.Time
	now            func() time.Time
	maxProcess     time.Duration
	maxScanned     int
	maxMatched     int
	maxStopUpdates int

	scanned     int
	matched     int
	stopUpdates int
}

func (g *guard) check() Guard {
	switch {
	case g.scanned > g.maxScanned:
		return GuardScanned
	case g.matched > g.maxMatched:
		return GuardMatched
	case g.stopUpdates > g.maxStopUpdates:
		return GuardStopUpdates
	case g.now().Sub(g.start) > g.maxProcess:
		return GuardProcessTime
	}
	return ""
}

// Partial results are worse than none: everything matched so far is
// dropped.
func (g *guard) trip(which Guard, meta ScopedMeta) ScopedResult {
	meta.Reason = ReasonGuardTripped
	meta.Guard = which
	meta.Scanned = g.scanned
	meta.Matched = g.matched
	meta.StopUpdatesMatched = g.stopUpdates
	return ScopedResult{Meta: meta}
}

// Counters start over, the clock doesn't.
func (g *guard) reset() {
	g.scanned = 0
	g.matched = 0
	g.stopUpdates = 0
}

type scope struct {
	trips map[string]bool

	// Requested stop ids and their aliases. Matched against every
	// variant of a feed stop id.
	stops map[string]bool

	// Every variant of the requested stop ids. A feed stop id
	// equal to one of these is less specific than what was asked
	// for, e.g. a station when a platform was requested.
	variants map[string]bool

	resolver    delayindex.Resolver
	windowStart int64
	windowEnd   int64
}

func newScope(req ScopedRequest, resolver delayindex.Resolver) *scope {
	s := &scope{
		trips:    map[string]bool{},
		stops:    map[string]bool{},
		variants: map[string]bool{},
		resolver: resolver,
	}
	for _, id := range req.TripIDs {
		if id != "" {
			s.trips[id] = true
		}
	}
	for _, id := range req.StopIDs {
		if id == "" {
			continue
		}
		s.stops[id] = true
		if resolver != nil {
			for _, alias := range resolver.Aliases(id) {
				s.stops[alias] = true
			}
		}
		for _, v := range delayindex.Variants(id, resolver) {
			s.variants[v] = true
		}
	}
	if !req.WindowStart.IsZero() {
		s.windowStart = req.WindowStart.Unix()
	}
	if !req.WindowEnd.IsZero() {
		s.windowEnd = req.WindowEnd.Unix()
	}
	return s
}

// Stop roots for the table query. A superset of what matches, the
// scan narrows it down.
func (s *scope) roots() []string {
	seen := map[string]bool{}
	roots := []string{}
	for v := range s.variants {
		root := model.StopRoot(v)
		if root != "" && !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	return roots
}

func (s *scope) matchStop(stopID string) bool {
	if stopID == "" {
		return false
	}
	if s.variants[stopID] {
		return true
	}
	for _, v := range delayindex.Variants(stopID, s.resolver) {
		if s.stops[v] {
			return true
		}
	}
	return false
}

func (s *scope) inWindow(epoch int64) bool {
	if epoch <= 0 {
		return false
	}
	if s.windowStart != 0 && epoch < s.windowStart {
		return false
	}
	if s.windowEnd != 0 && epoch > s.windowEnd {
		return false
	}
	return true
}

// Reports whether an entity is in scope, and how many stop updates
// it brings along.
func (s *scope) match(entity *gtfsproto.FeedEntity) (bool, int) {
	if entity.GetIsDeleted() {
		return false, 0
	}

	if alert := entity.GetAlert(); alert != nil {
		for _, ie := range alert.GetInformedEntity() {
			if s.trips[ie.GetTrip().GetTripId()] || s.matchStop(ie.GetStopId()) {
				return true, 0
			}
		}
		return false, 0
	}

	tu := entity.GetTripUpdate()
	if tu == nil {
		return false, 0
	}

	updates := tu.GetStopTimeUpdate()
	matched := s.trips[tu.GetTrip().GetTripId()]
	if !matched {
		for _, stu := range updates {
			if s.matchStop(stu.GetStopId()) {
				matched = true
				break
			}
		}
	}
	if !matched {
		return false, 0
	}

	// Added trips have no schedule to anchor them, so they need
	// a departure inside the requested window.
	relationship := model.ParseTripRelationship(tu.GetTrip().GetScheduleRelationship().String())
	if relationship == model.TripAdded && (s.windowStart != 0 || s.windowEnd != 0) {
		inside := false
		for _, stu := range updates {
			if stu.GetScheduleRelationship() == gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED {
				continue
			}
			epoch := stu.GetDeparture().GetTime()
			if epoch == 0 {
				epoch = stu.GetArrival().GetTime()
			}
			if s.inWindow(epoch) {
				inside = true
				break
			}
		}
		if !inside {
			return false, 0
		}
	}

	return true, len(updates)
}
