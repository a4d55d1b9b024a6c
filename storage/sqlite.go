package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"tidbyt.dev/rtfeed/model"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

type SQLiteStorage struct {
	SQLiteConfig

	db     *sql.DB
	locker Locker
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS feed_record (
    feed_key TEXT PRIMARY KEY,
    payload BLOB,
    payload_bytes INTEGER NOT NULL DEFAULT 0,
    fetched_at TIMESTAMP NOT NULL,
    etag TEXT NOT NULL DEFAULT '',
    last_status INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    fingerprint TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS feed_lock (
    scope_key TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rt_trips (
    feed_key TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    route_id TEXT NOT NULL,
    direction_id INTEGER NOT NULL,
    start_time TEXT NOT NULL,
    relationship TEXT NOT NULL,
    vehicle_id TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    delay INTEGER,
    seen_at INTEGER NOT NULL,
PRIMARY KEY (feed_key, trip_id, start_date)
);
CREATE INDEX IF NOT EXISTS rt_trips_seen_at ON rt_trips (feed_key, seen_at);

CREATE TABLE IF NOT EXISTS rt_stop_times (
    feed_key TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    entity_id TEXT NOT NULL,
    stop_root TEXT NOT NULL,
    arrival_time INTEGER NOT NULL,
    arrival_delay INTEGER,
    departure_time INTEGER NOT NULL,
    departure_delay INTEGER,
    relationship TEXT NOT NULL,
    seen_at INTEGER NOT NULL,
PRIMARY KEY (feed_key, trip_id, start_date, stop_id, stop_sequence)
);
CREATE INDEX IF NOT EXISTS rt_stop_times_stop_root ON rt_stop_times (feed_key, stop_root);
CREATE INDEX IF NOT EXISTS rt_stop_times_seen_at ON rt_stop_times (feed_key, seen_at);

CREATE TABLE IF NOT EXISTS rt_alerts (
    feed_key TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    cause TEXT NOT NULL,
    effect TEXT NOT NULL,
    header TEXT NOT NULL,
    description TEXT NOT NULL,
    active_start INTEGER NOT NULL,
    active_end INTEGER NOT NULL,
    trip_ids TEXT NOT NULL,
    stop_ids TEXT NOT NULL,
    route_ids TEXT NOT NULL,
    seen_at INTEGER NOT NULL,
PRIMARY KEY (feed_key, entity_id)
);

CREATE TABLE IF NOT EXISTS delay_observations (
    trip_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    delay_seconds INTEGER NOT NULL,
    departure_time INTEGER NOT NULL,
    observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS delay_observations_observed_at ON delay_observations (observed_at);
CREATE INDEX IF NOT EXISTS delay_observations_trip_id ON delay_observations (trip_id);
`

func NewSQLiteStorage(cfg ...SQLiteConfig) (*SQLiteStorage, error) {
	return NewSQLiteStorageWithOptions(cfg, nil)
}

func NewSQLiteStorageWithOptions(cfg []SQLiteConfig, opts []Option) (*SQLiteStorage, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		sourceName = directory + "/rtfeed.db?_busy_timeout=5000&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to :memory: is a separate database
	if !onDisk {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(sqliteSchema)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	o := buildOptions(opts)
	locker := o.locker
	if locker == nil {
		locker = &sqliteLeaseLocker{db: db, holderID: o.holderID, ttl: o.leaseTTL}
	}

	return &SQLiteStorage{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		db:     db,
		locker: locker,
	}, nil
}

func (s *SQLiteStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("closing db: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetMeta(ctx context.Context, feedKey string) (*FeedMeta, error) {
	meta := &FeedMeta{}
	err := s.db.QueryRowContext(ctx, `
SELECT
    feed_key,
    fetched_at,
    etag,
    last_status,
    last_error,
    fingerprint,
    payload_bytes,
    updated_at
FROM feed_record
WHERE feed_key = ?`, feedKey).Scan(
		&meta.FeedKey,
		&meta.FetchedAt,
		&meta.ETag,
		&meta.LastStatus,
		&meta.LastError,
		&meta.Fingerprint,
		&meta.PayloadBytes,
		&meta.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeedNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying feed meta: %w", err)
	}
	return meta, nil
}

func (s *SQLiteStorage) Get(ctx context.Context, feedKey string) (*FeedRecord, error) {
	record := &FeedRecord{}
	err := s.db.QueryRowContext(ctx, `
SELECT
    feed_key,
    fetched_at,
    etag,
    last_status,
    last_error,
    fingerprint,
    payload_bytes,
    updated_at,
    payload
FROM feed_record
WHERE feed_key = ?`, feedKey).Scan(
		&record.FeedKey,
		&record.FetchedAt,
		&record.ETag,
		&record.LastStatus,
		&record.LastError,
		&record.Fingerprint,
		&record.PayloadBytes,
		&record.UpdatedAt,
		&record.Payload,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeedNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying feed record: %w", err)
	}
	return record, nil
}

func (s *SQLiteStorage) GetContentFingerprint(ctx context.Context, feedKey string) (string, error) {
	var fingerprint string
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM feed_record WHERE feed_key = ?`, feedKey).Scan(&fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrFeedNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying fingerprint: %w", err)
	}
	return fingerprint, nil
}

func (s *SQLiteStorage) UpsertFeed(ctx context.Context, u FeedUpsert) (WriteResult, error) {
	return s.write(ctx, u.FeedKey, func(tx *sql.Tx) (WriteResult, error) {
		err := sqliteUpsertRecord(ctx, tx, u)
		if err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Updated: true}, nil
	})
}

func (s *SQLiteStorage) SetContentFingerprint(ctx context.Context, feedKey string, fingerprint string) (WriteResult, error) {
	return s.write(ctx, feedKey, func(tx *sql.Tx) (WriteResult, error) {
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
INSERT INTO feed_record (feed_key, fetched_at, fingerprint, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (feed_key) DO UPDATE SET
    fingerprint = excluded.fingerprint,
    updated_at = excluded.updated_at`,
			feedKey, time.Time{}, fingerprint, now)
		if err != nil {
			return WriteResult{}, fmt.Errorf("setting fingerprint: %w", err)
		}
		return WriteResult{Updated: true}, nil
	})
}

func (s *SQLiteStorage) WriteSnapshot(ctx context.Context, u FeedUpsert, rows *model.Rows, opts WriteOptions) (WriteResult, error) {
	return s.write(ctx, u.FeedKey, func(tx *sql.Tx) (WriteResult, error) {
		err := sqliteUpsertRecord(ctx, tx, u)
		if err != nil {
			return WriteResult{}, err
		}

		result := WriteResult{Updated: true}
		if rows == nil {
			return result, nil
		}

		// Table keys must be unique within a snapshot
		rows = rows.Deduplicated()

		if opts.Mode == WriteModeReplace {
			for _, table := range []string{"rt_trips", "rt_stop_times", "rt_alerts"} {
				res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE feed_key = ?", u.FeedKey)
				if err != nil {
					return WriteResult{}, fmt.Errorf("clearing %s: %w", table, err)
				}
				n, _ := res.RowsAffected()
				result.RowsDeleted += n
			}
		}

		err = sqliteWriteRows(ctx, tx, u.FeedKey, rows)
		if err != nil {
			return WriteResult{}, err
		}
		result.RowsWritten = rows.Len()

		if opts.Mode == WriteModeUpsert && opts.Retention > 0 {
			n, err := sqlitePruneRows(ctx, tx, u.FeedKey, u.FetchedAt.Add(-opts.Retention))
			if err != nil {
				return WriteResult{}, err
			}
			result.RowsDeleted = n
		}

		return result, nil
	})
}

func (s *SQLiteStorage) ScopedRows(ctx context.Context, filter RowFilter) (*model.Rows, error) {
	since := filter.Since.UnixMilli()
	if filter.Since.IsZero() {
		since = 0
	}

	// Trip ids either requested directly or passing through a
	// requested stop.
	tripIDs := map[string]bool{}
	for _, id := range filter.TripIDs {
		tripIDs[id] = true
	}
	if len(filter.StopRoots) > 0 {
		query := `
SELECT DISTINCT trip_id FROM rt_stop_times
WHERE feed_key = ? AND seen_at >= ? AND stop_root IN (` + placeholders(len(filter.StopRoots)) + `)`
		params := []interface{}{filter.FeedKey, since}
		for _, root := range filter.StopRoots {
			params = append(params, root)
		}
		rows, err := s.db.QueryContext(ctx, query, params...)
		if err != nil {
			return nil, fmt.Errorf("querying stop roots: %w", err)
		}
		for rows.Next() {
			var tripID string
			if err := rows.Scan(&tripID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning trip id: %w", err)
			}
			tripIDs[tripID] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating stop roots: %w", err)
		}
	}

	candidates := &model.Rows{}
	if len(tripIDs) > 0 {
		ids := make([]interface{}, 0, len(tripIDs))
		for id := range tripIDs {
			ids = append(ids, id)
		}

		trips, err := s.queryTrips(ctx, filter.FeedKey, since, ids)
		if err != nil {
			return nil, err
		}
		candidates.Trips = trips

		stopTimes, err := s.queryStopTimes(ctx, filter.FeedKey, since, ids)
		if err != nil {
			return nil, err
		}
		candidates.StopTimes = stopTimes
	}

	alerts, err := s.queryAlerts(ctx, filter.FeedKey, since)
	if err != nil {
		return nil, err
	}
	candidates.Alerts = alerts

	return filterRows(candidates, filter), nil
}

func (s *SQLiteStorage) queryTrips(ctx context.Context, feedKey string, since int64, tripIDs []interface{}) ([]model.TripRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
    entity_id,
    trip_id,
    route_id,
    direction_id,
    start_date,
    start_time,
    relationship,
    vehicle_id,
    timestamp,
    delay,
    seen_at
FROM rt_trips
WHERE feed_key = ? AND seen_at >= ? AND trip_id IN (`+placeholders(len(tripIDs))+`)
ORDER BY trip_id, start_date`, append([]interface{}{feedKey, since}, tripIDs...)...)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}
	defer rows.Close()

	trips := []model.TripRow{}
	for rows.Next() {
		trip := model.TripRow{FeedKey: feedKey}
		var relationship string
		var delay sql.NullInt32
		var seenAt int64
		err := rows.Scan(
			&trip.EntityID,
			&trip.TripID,
			&trip.RouteID,
			&trip.DirectionID,
			&trip.StartDate,
			&trip.StartTime,
			&relationship,
			&trip.VehicleID,
			&trip.Timestamp,
			&delay,
			&seenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trip.Relationship = model.TripRelationship(relationship)
		trip.Delay = nullInt32Ptr(delay)
		trip.SeenAt = time.UnixMilli(seenAt).UTC()
		trips = append(trips, trip)
	}

	return trips, rows.Err()
}

func (s *SQLiteStorage) queryStopTimes(ctx context.Context, feedKey string, since int64, tripIDs []interface{}) ([]model.StopTimeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
    entity_id,
    trip_id,
    start_date,
    stop_sequence,
    stop_id,
    stop_root,
    arrival_time,
    arrival_delay,
    departure_time,
    departure_delay,
    relationship,
    seen_at
FROM rt_stop_times
WHERE feed_key = ? AND seen_at >= ? AND trip_id IN (`+placeholders(len(tripIDs))+`)
ORDER BY trip_id, start_date, stop_sequence`, append([]interface{}{feedKey, since}, tripIDs...)...)
	if err != nil {
		return nil, fmt.Errorf("querying stop times: %w", err)
	}
	defer rows.Close()

	stopTimes := []model.StopTimeRow{}
	for rows.Next() {
		st := model.StopTimeRow{FeedKey: feedKey}
		var seq int64
		var arrivalDelay, departureDelay sql.NullInt32
		var relationship string
		var seenAt int64
		err := rows.Scan(
			&st.EntityID,
			&st.TripID,
			&st.StartDate,
			&seq,
			&st.StopID,
			&st.StopRoot,
			&st.ArrivalTime,
			&arrivalDelay,
			&st.DepartureTime,
			&departureDelay,
			&relationship,
			&seenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning stop time: %w", err)
		}
		st.StopSequence = seqPtr(seq)
		st.ArrivalDelay = nullInt32Ptr(arrivalDelay)
		st.DepartureDelay = nullInt32Ptr(departureDelay)
		st.Relationship = model.StopRelationship(relationship)
		st.SeenAt = time.UnixMilli(seenAt).UTC()
		stopTimes = append(stopTimes, st)
	}

	return stopTimes, rows.Err()
}

func (s *SQLiteStorage) queryAlerts(ctx context.Context, feedKey string, since int64) ([]model.AlertRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT
    entity_id,
    cause,
    effect,
    header,
    description,
    active_start,
    active_end,
    trip_ids,
    stop_ids,
    route_ids,
    seen_at
FROM rt_alerts
WHERE feed_key = ? AND seen_at >= ?
ORDER BY entity_id`, feedKey, since)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	alerts := []model.AlertRow{}
	for rows.Next() {
		alert := model.AlertRow{FeedKey: feedKey}
		var tripIDs, stopIDs, routeIDs string
		var seenAt int64
		err := rows.Scan(
			&alert.EntityID,
			&alert.Cause,
			&alert.Effect,
			&alert.Header,
			&alert.Description,
			&alert.ActiveStart,
			&alert.ActiveEnd,
			&tripIDs,
			&stopIDs,
			&routeIDs,
			&seenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		for _, field := range []struct {
			raw string
			dst *[]string
		}{
			{tripIDs, &alert.TripIDs},
			{stopIDs, &alert.StopIDs},
			{routeIDs, &alert.RouteIDs},
		} {
			if err := json.Unmarshal([]byte(field.raw), field.dst); err != nil {
				return nil, fmt.Errorf("decoding alert %s ids: %w", alert.EntityID, err)
			}
		}
		alert.SeenAt = time.UnixMilli(seenAt).UTC()
		alerts = append(alerts, alert)
	}

	return alerts, rows.Err()
}

func (s *SQLiteStorage) PruneRows(ctx context.Context, feedKey string, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := sqlitePruneRows(ctx, tx, feedKey, before)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return n, nil
}

func (s *SQLiteStorage) WriteDelayObservations(ctx context.Context, obs []model.DelayObservation) error {
	if len(obs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO delay_observations (trip_id, start_date, stop_id, stop_sequence, delay_seconds, departure_time, observed_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		_, err = stmt.ExecContext(ctx,
			o.TripID,
			o.StartDate,
			o.StopID,
			o.StopSequence,
			o.DelaySeconds,
			o.DepartureTime,
			o.ObservedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("inserting observation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DelayObservations(ctx context.Context, filter ObservationFilter) ([]model.DelayObservation, error) {
	query := `
SELECT
    trip_id,
    start_date,
    stop_id,
    stop_sequence,
    delay_seconds,
    departure_time,
    observed_at
FROM delay_observations`

	conditions := []string{}
	params := []interface{}{}
	if filter.TripID != "" {
		conditions = append(conditions, "trip_id = ?")
		params = append(params, filter.TripID)
	}
	if filter.StopID != "" {
		conditions = append(conditions, "stop_id = ?")
		params = append(params, filter.StopID)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "observed_at >= ?")
		params = append(params, filter.Since.UnixMilli())
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY observed_at, rowid"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("querying observations: %w", err)
	}
	defer rows.Close()

	obs := []model.DelayObservation{}
	for rows.Next() {
		var o model.DelayObservation
		var observedAt int64
		err := rows.Scan(
			&o.TripID,
			&o.StartDate,
			&o.StopID,
			&o.StopSequence,
			&o.DelaySeconds,
			&o.DepartureTime,
			&observedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning observation: %w", err)
		}
		o.ObservedAt = time.UnixMilli(observedAt).UTC()
		obs = append(obs, o)
	}

	return obs, rows.Err()
}

func (s *SQLiteStorage) PruneDelayObservations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delay_observations WHERE observed_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning observations: %w", err)
	}
	return res.RowsAffected()
}

// Runs fn in a transaction while holding the feed's write lock. The
// lease is taken outside the transaction, so that a losing writer
// never opens one.
func (s *SQLiteStorage) write(ctx context.Context, feedKey string, fn func(tx *sql.Tx) (WriteResult, error)) (WriteResult, error) {
	release, acquired, err := s.locker.TryAcquire(ctx, LockScope(feedKey))
	if err != nil {
		return WriteResult{}, fmt.Errorf("acquiring write lock: %w", err)
	}
	if !acquired {
		return WriteResult{WriteSkippedByLock: true}, nil
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := fn(tx)
	if err != nil {
		return WriteResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("committing: %w", err)
	}

	return result, nil
}

func sqliteUpsertRecord(ctx context.Context, tx *sql.Tx, u FeedUpsert) error {
	var payload interface{}
	if u.Payload != nil {
		payload = u.Payload
	}

	_, err := tx.ExecContext(ctx, `
INSERT INTO feed_record (
    feed_key,
    payload,
    payload_bytes,
    fetched_at,
    etag,
    last_status,
    last_error,
    fingerprint,
    updated_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (feed_key) DO UPDATE SET
    payload = COALESCE(excluded.payload, feed_record.payload),
    payload_bytes = CASE
        WHEN excluded.payload IS NULL THEN feed_record.payload_bytes
        ELSE excluded.payload_bytes
    END,
    fetched_at = excluded.fetched_at,
    etag = excluded.etag,
    last_status = excluded.last_status,
    last_error = excluded.last_error,
    fingerprint = CASE
        WHEN excluded.fingerprint = '' THEN feed_record.fingerprint
        ELSE excluded.fingerprint
    END,
    updated_at = excluded.updated_at`,
		u.FeedKey,
		payload,
		len(u.Payload),
		u.FetchedAt.UTC(),
		u.ETag,
		u.Status,
		u.Error,
		u.Fingerprint,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upserting feed record: %w", err)
	}
	return nil
}

func sqliteWriteRows(ctx context.Context, tx *sql.Tx, feedKey string, rows *model.Rows) error {
	tripStmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO rt_trips (
    feed_key, trip_id, start_date, entity_id, route_id, direction_id,
    start_time, relationship, vehicle_id, timestamp, delay, seen_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing trip statement: %w", err)
	}
	defer tripStmt.Close()

	for _, trip := range rows.Trips {
		_, err := tripStmt.ExecContext(ctx,
			feedKey,
			trip.TripID,
			trip.StartDate,
			trip.EntityID,
			trip.RouteID,
			trip.DirectionID,
			trip.StartTime,
			string(trip.Relationship),
			trip.VehicleID,
			trip.Timestamp,
			int32PtrValue(trip.Delay),
			trip.SeenAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("inserting trip %s: %w", trip.TripID, err)
		}
	}

	stopStmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO rt_stop_times (
    feed_key, trip_id, start_date, stop_id, stop_sequence, entity_id, stop_root,
    arrival_time, arrival_delay, departure_time, departure_delay, relationship, seen_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing stop time statement: %w", err)
	}
	defer stopStmt.Close()

	for _, st := range rows.StopTimes {
		_, err := stopStmt.ExecContext(ctx,
			feedKey,
			st.TripID,
			st.StartDate,
			st.StopID,
			stopSeqOrder(st),
			st.EntityID,
			st.StopRoot,
			st.ArrivalTime,
			int32PtrValue(st.ArrivalDelay),
			st.DepartureTime,
			int32PtrValue(st.DepartureDelay),
			string(st.Relationship),
			st.SeenAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("inserting stop time %s/%s: %w", st.TripID, st.StopID, err)
		}
	}

	alertStmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO rt_alerts (
    feed_key, entity_id, cause, effect, header, description,
    active_start, active_end, trip_ids, stop_ids, route_ids, seen_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing alert statement: %w", err)
	}
	defer alertStmt.Close()

	for _, alert := range rows.Alerts {
		ids := make([]string, 3)
		for i, list := range [][]string{alert.TripIDs, alert.StopIDs, alert.RouteIDs} {
			if list == nil {
				list = []string{}
			}
			buf, err := json.Marshal(list)
			if err != nil {
				return fmt.Errorf("encoding alert ids: %w", err)
			}
			ids[i] = string(buf)
		}

		_, err := alertStmt.ExecContext(ctx,
			feedKey,
			alert.EntityID,
			alert.Cause,
			alert.Effect,
			alert.Header,
			alert.Description,
			alert.ActiveStart,
			alert.ActiveEnd,
			ids[0],
			ids[1],
			ids[2],
			alert.SeenAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("inserting alert %s: %w", alert.EntityID, err)
		}
	}

	return nil
}

func sqlitePruneRows(ctx context.Context, tx *sql.Tx, feedKey string, before time.Time) (int64, error) {
	deleted := int64(0)
	for _, table := range []string{"rt_trips", "rt_stop_times", "rt_alerts"} {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE feed_key = ? AND seen_at < ?", feedKey, before.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

// Lease based write lock on the feed_lock table. A lease that isn't
// released (say, because the holder crashed) expires after ttl.
type sqliteLeaseLocker struct {
	db       *sql.DB
	holderID string
	ttl      time.Duration
}

func (l *sqliteLeaseLocker) TryAcquire(ctx context.Context, scopeKey string) (func(), bool, error) {
	now := time.Now()

	// Unique per acquisition, so that goroutines sharing a holder
	// id still exclude each other.
	token := l.holderID + "/" + uuid.NewString()

	res, err := l.db.ExecContext(ctx, `
INSERT INTO feed_lock (scope_key, holder, expires_at)
VALUES (?, ?, ?)
ON CONFLICT (scope_key) DO UPDATE SET
    holder = excluded.holder,
    expires_at = excluded.expires_at
WHERE feed_lock.expires_at <= ?`,
		scopeKey, token, now.Add(l.ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("taking lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("taking lease: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}

	release := func() {
		// Background context, the caller's may be done by now
		_, _ = l.db.ExecContext(
			context.Background(),
			`DELETE FROM feed_lock WHERE scope_key = ? AND holder = ?`,
			scopeKey, token,
		)
	}

	return release, true, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func int32PtrValue(v *int32) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt32Ptr(v sql.NullInt32) *int32 {
	if !v.Valid {
		return nil
	}
	i := v.Int32
	return &i
}

func seqPtr(seq int64) *uint32 {
	if seq < 0 {
		return nil
	}
	s := uint32(seq)
	return &s
}
