package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"tidbyt.dev/rtfeed/model"
)

// In memory implementation of Storage below

type memoryTripKey struct {
	TripID    string
	StartDate string
}

type memoryStopTimeKey struct {
	TripID       string
	StartDate    string
	StopID       string
	StopSequence int64
}

type MemoryStorage struct {
	mutex sync.RWMutex

	Records      map[string]*FeedRecord
	Trips        map[string]map[memoryTripKey]model.TripRow
	StopTimes    map[string]map[memoryStopTimeKey]model.StopTimeRow
	Alerts       map[string]map[string]model.AlertRow
	Observations []model.DelayObservation

	locker Locker
}

func NewMemoryStorage(opts ...Option) *MemoryStorage {
	o := buildOptions(opts)

	locker := o.locker
	if locker == nil {
		locker = NewMemoryLocker()
	}

	return &MemoryStorage{
		Records:   map[string]*FeedRecord{},
		Trips:     map[string]map[memoryTripKey]model.TripRow{},
		StopTimes: map[string]map[memoryStopTimeKey]model.StopTimeRow{},
		Alerts:    map[string]map[string]model.AlertRow{},
		locker:    locker,
	}
}

func (s *MemoryStorage) GetMeta(ctx context.Context, feedKey string) (*FeedMeta, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	r, found := s.Records[feedKey]
	if !found {
		return nil, ErrFeedNotFound
	}

	meta := r.FeedMeta
	return &meta, nil
}

func (s *MemoryStorage) Get(ctx context.Context, feedKey string) (*FeedRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	r, found := s.Records[feedKey]
	if !found {
		return nil, ErrFeedNotFound
	}

	record := &FeedRecord{FeedMeta: r.FeedMeta}
	if r.Payload != nil {
		record.Payload = append([]byte(nil), r.Payload...)
	}
	return record, nil
}

func (s *MemoryStorage) GetContentFingerprint(ctx context.Context, feedKey string) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	r, found := s.Records[feedKey]
	if !found {
		return "", ErrFeedNotFound
	}
	return r.Fingerprint, nil
}

func (s *MemoryStorage) UpsertFeed(ctx context.Context, u FeedUpsert) (WriteResult, error) {
	return s.locked(ctx, u.FeedKey, func() WriteResult {
		s.upsertRecord(u)
		return WriteResult{Updated: true}
	})
}

func (s *MemoryStorage) SetContentFingerprint(ctx context.Context, feedKey string, fingerprint string) (WriteResult, error) {
	return s.locked(ctx, feedKey, func() WriteResult {
		r, found := s.Records[feedKey]
		if !found {
			r = &FeedRecord{FeedMeta: FeedMeta{FeedKey: feedKey}}
			s.Records[feedKey] = r
		}
		r.Fingerprint = fingerprint
		r.UpdatedAt = time.Now()
		return WriteResult{Updated: true}
	})
}

func (s *MemoryStorage) WriteSnapshot(ctx context.Context, u FeedUpsert, rows *model.Rows, opts WriteOptions) (WriteResult, error) {
	return s.locked(ctx, u.FeedKey, func() WriteResult {
		s.upsertRecord(u)

		result := WriteResult{Updated: true}
		if rows == nil {
			return result
		}

		// Table keys must be unique within a snapshot
		rows = rows.Deduplicated()

		if opts.Mode == WriteModeReplace {
			result.RowsDeleted = int64(len(s.Trips[u.FeedKey]) + len(s.StopTimes[u.FeedKey]) + len(s.Alerts[u.FeedKey]))
			delete(s.Trips, u.FeedKey)
			delete(s.StopTimes, u.FeedKey)
			delete(s.Alerts, u.FeedKey)
		}

		trips := s.Trips[u.FeedKey]
		if trips == nil {
			trips = map[memoryTripKey]model.TripRow{}
			s.Trips[u.FeedKey] = trips
		}
		for _, trip := range rows.Trips {
			trips[memoryTripKey{trip.TripID, trip.StartDate}] = trip
		}

		stopTimes := s.StopTimes[u.FeedKey]
		if stopTimes == nil {
			stopTimes = map[memoryStopTimeKey]model.StopTimeRow{}
			s.StopTimes[u.FeedKey] = stopTimes
		}
		for _, st := range rows.StopTimes {
			stopTimes[stopTimeKey(st)] = st
		}

		alerts := s.Alerts[u.FeedKey]
		if alerts == nil {
			alerts = map[string]model.AlertRow{}
			s.Alerts[u.FeedKey] = alerts
		}
		for _, alert := range rows.Alerts {
			alerts[alert.EntityID] = alert
		}

		result.RowsWritten = rows.Len()

		if opts.Mode == WriteModeUpsert && opts.Retention > 0 {
			result.RowsDeleted = s.pruneRows(u.FeedKey, u.FetchedAt.Add(-opts.Retention))
		}

		return result
	})
}

func (s *MemoryStorage) ScopedRows(ctx context.Context, filter RowFilter) (*model.Rows, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	all := &model.Rows{}
	for _, trip := range s.Trips[filter.FeedKey] {
		all.Trips = append(all.Trips, trip)
	}
	for _, st := range s.StopTimes[filter.FeedKey] {
		all.StopTimes = append(all.StopTimes, st)
	}
	for _, alert := range s.Alerts[filter.FeedKey] {
		all.Alerts = append(all.Alerts, alert)
	}

	// Sorted so that Limit cuts deterministically
	sort.Slice(all.Trips, func(i, j int) bool {
		if all.Trips[i].TripID != all.Trips[j].TripID {
			return all.Trips[i].TripID < all.Trips[j].TripID
		}
		return all.Trips[i].StartDate < all.Trips[j].StartDate
	})
	sort.Slice(all.StopTimes, func(i, j int) bool {
		a, b := all.StopTimes[i], all.StopTimes[j]
		if a.TripID != b.TripID {
			return a.TripID < b.TripID
		}
		if a.StartDate != b.StartDate {
			return a.StartDate < b.StartDate
		}
		return stopSeqOrder(a) < stopSeqOrder(b)
	})
	sort.Slice(all.Alerts, func(i, j int) bool {
		return all.Alerts[i].EntityID < all.Alerts[j].EntityID
	})

	return filterRows(all, filter), nil
}

func (s *MemoryStorage) PruneRows(ctx context.Context, feedKey string, before time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.pruneRows(feedKey, before), nil
}

func (s *MemoryStorage) WriteDelayObservations(ctx context.Context, obs []model.DelayObservation) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Observations = append(s.Observations, obs...)
	return nil
}

func (s *MemoryStorage) DelayObservations(ctx context.Context, filter ObservationFilter) ([]model.DelayObservation, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	obs := []model.DelayObservation{}
	for _, o := range s.Observations {
		if filter.TripID != "" && o.TripID != filter.TripID {
			continue
		}
		if filter.StopID != "" && o.StopID != filter.StopID {
			continue
		}
		if !filter.Since.IsZero() && o.ObservedAt.Before(filter.Since) {
			continue
		}
		obs = append(obs, o)
	}

	sort.SliceStable(obs, func(i, j int) bool {
		return obs[i].ObservedAt.Before(obs[j].ObservedAt)
	})

	if filter.Limit > 0 && len(obs) > filter.Limit {
		obs = obs[:filter.Limit]
	}

	return obs, nil
}

func (s *MemoryStorage) PruneDelayObservations(ctx context.Context, before time.Time) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	kept := s.Observations[:0]
	for _, o := range s.Observations {
		if o.ObservedAt.Before(before) {
			continue
		}
		kept = append(kept, o)
	}
	deleted := int64(len(s.Observations) - len(kept))
	s.Observations = kept

	return deleted, nil
}

func (s *MemoryStorage) Close() error {
	return nil
}

// Runs write while holding both the feed's write lock and the
// storage mutex.
func (s *MemoryStorage) locked(ctx context.Context, feedKey string, write func() WriteResult) (WriteResult, error) {
	release, acquired, err := s.locker.TryAcquire(ctx, LockScope(feedKey))
	if err != nil {
		return WriteResult{}, err
	}
	if !acquired {
		return WriteResult{WriteSkippedByLock: true}, nil
	}
	defer release()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return write(), nil
}

func (s *MemoryStorage) upsertRecord(u FeedUpsert) {
	r, found := s.Records[u.FeedKey]
	if !found {
		r = &FeedRecord{FeedMeta: FeedMeta{FeedKey: u.FeedKey}}
		s.Records[u.FeedKey] = r
	}

	r.FetchedAt = u.FetchedAt
	r.ETag = u.ETag
	r.LastStatus = u.Status
	r.LastError = u.Error
	if u.Fingerprint != "" {
		r.Fingerprint = u.Fingerprint
	}
	if u.Payload != nil {
		r.Payload = append([]byte(nil), u.Payload...)
		r.PayloadBytes = len(r.Payload)
	}
	r.UpdatedAt = time.Now()
}

func (s *MemoryStorage) pruneRows(feedKey string, before time.Time) int64 {
	deleted := int64(0)
	for key, trip := range s.Trips[feedKey] {
		if trip.SeenAt.Before(before) {
			delete(s.Trips[feedKey], key)
			deleted++
		}
	}
	for key, st := range s.StopTimes[feedKey] {
		if st.SeenAt.Before(before) {
			delete(s.StopTimes[feedKey], key)
			deleted++
		}
	}
	for key, alert := range s.Alerts[feedKey] {
		if alert.SeenAt.Before(before) {
			delete(s.Alerts[feedKey], key)
			deleted++
		}
	}
	return deleted
}

func stopTimeKey(st model.StopTimeRow) memoryStopTimeKey {
	return memoryStopTimeKey{
		TripID:       st.TripID,
		StartDate:    st.StartDate,
		StopID:       st.StopID,
		StopSequence: stopSeqOrder(st),
	}
}

func stopSeqOrder(st model.StopTimeRow) int64 {
	if st.StopSequence == nil {
		return -1
	}
	return int64(*st.StopSequence)
}

// MemoryLocker serializes writers within a single process.
type MemoryLocker struct {
	mutex sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: map[string]*sync.Mutex{}}
}

func (l *MemoryLocker) TryAcquire(ctx context.Context, scopeKey string) (func(), bool, error) {
	l.mutex.Lock()
	lock, found := l.locks[scopeKey]
	if !found {
		lock = &sync.Mutex{}
		l.locks[scopeKey] = lock
	}
	l.mutex.Unlock()

	if !lock.TryLock() {
		return nil, false, nil
	}

	return lock.Unlock, true, nil
}
