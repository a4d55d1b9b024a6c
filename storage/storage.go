package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tidbyt.dev/rtfeed/model"
)

const DefaultLeaseTTL = 30 * time.Second

var ErrFeedNotFound = errors.New("feed not found")

// Storage is the shared, durable home of realtime feed data. Any
// number of processes may read it concurrently. Writes go through a
// per-feed lock, so that several pollers can run against the same
// feed without clobbering each other.
type Storage interface {
	// Retrieves metadata for a feed, without the payload. Returns
	// ErrFeedNotFound if the feed has never been written.
	GetMeta(ctx context.Context, feedKey string) (*FeedMeta, error)

	// Retrieves the full record, payload included.
	Get(ctx context.Context, feedKey string) (*FeedRecord, error)

	GetContentFingerprint(ctx context.Context, feedKey string) (string, error)

	// Writes a feed record while holding the feed's write
	// lock. A nil Payload leaves any stored payload in place.
	UpsertFeed(ctx context.Context, u FeedUpsert) (WriteResult, error)

	// Sets the fingerprint without touching anything else. Also
	// goes through the write lock.
	SetContentFingerprint(ctx context.Context, feedKey string, fingerprint string) (WriteResult, error)

	// Writes a feed record and its derived rows in a single
	// transaction, under the feed's write lock.
	WriteSnapshot(ctx context.Context, u FeedUpsert, rows *model.Rows, opts WriteOptions) (WriteResult, error)

	// Retrieves derived rows matching the filter.
	ScopedRows(ctx context.Context, filter RowFilter) (*model.Rows, error)

	// Deletes derived rows last seen before the given time.
	PruneRows(ctx context.Context, feedKey string, before time.Time) (int64, error)

	WriteDelayObservations(ctx context.Context, obs []model.DelayObservation) error
	DelayObservations(ctx context.Context, filter ObservationFilter) ([]model.DelayObservation, error)
	PruneDelayObservations(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Feed record metadata. Cheap to read, as it excludes the payload.
type FeedMeta struct {
	FeedKey      string
	FetchedAt    time.Time
	ETag         string
	LastStatus   int
	LastError    string
	Fingerprint  string
	PayloadBytes int
	UpdatedAt    time.Time
}

// HasPayload is true iff a successful fetch has ever been stored.
func (m *FeedMeta) HasPayload() bool {
	return m != nil && m.PayloadBytes > 0
}

type FeedRecord struct {
	FeedMeta
	Payload []byte
}

type FeedUpsert struct {
	FeedKey   string
	Payload   []byte
	FetchedAt time.Time
	ETag      string
	Status    int
	Error     string

	// Left unchanged when empty.
	Fingerprint string
}

type WriteResult struct {
	Updated            bool
	WriteSkippedByLock bool
	RowsWritten        int
	RowsDeleted        int64
}

type WriteMode int

const (
	// Deletes all rows of the feed and inserts the new snapshot.
	WriteModeReplace WriteMode = iota

	// Inserts or updates rows of the new snapshot, then deletes
	// rows not seen within the retention window.
	WriteModeUpsert
)

func (m WriteMode) String() string {
	if m == WriteModeUpsert {
		return "upsert"
	}
	return "replace"
}

func ParseWriteMode(s string) WriteMode {
	if s == "upsert" {
		return WriteModeUpsert
	}
	return WriteModeReplace
}

type WriteOptions struct {
	Mode WriteMode

	// In upsert mode, rows last seen more than this long before
	// the snapshot's FetchedAt are deleted. Zero keeps them.
	Retention time.Duration
}

// Filter for ScopedRows. Trip and stop conditions are OR'ed. StopRoots
// are matched against model.StopRoot() of each stop row.
type RowFilter struct {
	FeedKey   string
	TripIDs   []string
	StopRoots []string

	// Only include rows seen at or after this time. Zero means
	// no limit.
	Since time.Time

	// Cap on the number of trip rows returned. Zero means no
	// limit.
	Limit int
}

type ObservationFilter struct {
	TripID string
	StopID string
	Since  time.Time
	Limit  int
}

// Locker provides mutual exclusion for writes to a feed, across
// processes. TryAcquire never blocks waiting for another holder.
type Locker interface {
	TryAcquire(ctx context.Context, scopeKey string) (release func(), acquired bool, err error)
}

// The scope key guarding writes to a feed.
func LockScope(feedKey string) string {
	return "rtfeed:write:" + feedKey
}

type options struct {
	locker   Locker
	holderID string
	leaseTTL time.Duration
}

type Option func(*options)

// Replaces the backend's own write lock with an external one, e.g. a
// RedisLocker shared by pollers on different databases replicas.
func WithLocker(l Locker) Option {
	return func(o *options) {
		o.locker = l
	}
}

// Identifies this process as a lock holder. Defaults to a random
// UUID.
func WithHolderID(id string) Option {
	return func(o *options) {
		o.holderID = id
	}
}

// How long a lease based lock stays valid if its holder never
// releases it.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.leaseTTL = ttl
	}
}

func buildOptions(opts []Option) options {
	o := options{leaseTTL: DefaultLeaseTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.holderID == "" {
		o.holderID = uuid.NewString()
	}
	if o.leaseTTL <= 0 {
		o.leaseTTL = DefaultLeaseTTL
	}
	return o
}

// Returns rows of trips referenced by id, or passing through one of
// the stop roots, along with all their stop time rows. Alerts are
// included when an informed entity matches. Shared by backends that
// can't express this as a single query.
func filterRows(rows *model.Rows, filter RowFilter) *model.Rows {
	tripSet := map[string]bool{}
	for _, id := range filter.TripIDs {
		tripSet[id] = true
	}
	rootSet := map[string]bool{}
	for _, root := range filter.StopRoots {
		rootSet[root] = true
	}

	type tripKey struct{ tripID, startDate string }
	matched := map[tripKey]bool{}
	for _, st := range rows.StopTimes {
		if !filter.Since.IsZero() && st.SeenAt.Before(filter.Since) {
			continue
		}
		if rootSet[st.StopRoot] {
			matched[tripKey{st.TripID, st.StartDate}] = true
		}
	}

	out := &model.Rows{}
	for _, trip := range rows.Trips {
		if !filter.Since.IsZero() && trip.SeenAt.Before(filter.Since) {
			continue
		}
		key := tripKey{trip.TripID, trip.StartDate}
		if !tripSet[trip.TripID] && !matched[key] {
			continue
		}
		if filter.Limit > 0 && len(out.Trips) >= filter.Limit {
			break
		}
		matched[key] = true
		out.Trips = append(out.Trips, trip)
	}

	included := map[tripKey]bool{}
	for _, trip := range out.Trips {
		included[tripKey{trip.TripID, trip.StartDate}] = true
	}
	for _, st := range rows.StopTimes {
		if !filter.Since.IsZero() && st.SeenAt.Before(filter.Since) {
			continue
		}
		if included[tripKey{st.TripID, st.StartDate}] {
			out.StopTimes = append(out.StopTimes, st)
		}
	}

	for _, alert := range rows.Alerts {
		if !filter.Since.IsZero() && alert.SeenAt.Before(filter.Since) {
			continue
		}
		if alertMatches(alert, tripSet, rootSet) {
			out.Alerts = append(out.Alerts, alert)
		}
	}

	return out
}

func alertMatches(alert model.AlertRow, tripSet map[string]bool, rootSet map[string]bool) bool {
	for _, id := range alert.TripIDs {
		if tripSet[id] {
			return true
		}
	}
	for _, id := range alert.StopIDs {
		if rootSet[model.StopRoot(id)] {
			return true
		}
	}
	return false
}
