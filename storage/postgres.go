package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"tidbyt.dev/rtfeed/model"
)

type PSQLStorage struct {
	db *sql.DB

	// Optional. When nil, writes are serialized with a transaction
	// scoped advisory lock.
	locker Locker
}

const psqlSchema = `
CREATE TABLE IF NOT EXISTS feed_record (
    feed_key TEXT PRIMARY KEY,
    payload BYTEA,
    payload_bytes INTEGER NOT NULL DEFAULT 0,
    fetched_at TIMESTAMPTZ NOT NULL,
    etag TEXT NOT NULL DEFAULT '',
    last_status INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    fingerprint TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL
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
    timestamp BIGINT NOT NULL,
    delay INTEGER,
    seen_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (feed_key, trip_id, start_date)
);
CREATE INDEX IF NOT EXISTS rt_trips_seen_at ON rt_trips (feed_key, seen_at);

CREATE TABLE IF NOT EXISTS rt_stop_times (
    feed_key TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence BIGINT NOT NULL,
    entity_id TEXT NOT NULL,
    stop_root TEXT NOT NULL,
    arrival_time BIGINT NOT NULL,
    arrival_delay INTEGER,
    departure_time BIGINT NOT NULL,
    departure_delay INTEGER,
    relationship TEXT NOT NULL,
    seen_at TIMESTAMPTZ NOT NULL,
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
    active_start BIGINT NOT NULL,
    active_end BIGINT NOT NULL,
    trip_ids TEXT[] NOT NULL,
    stop_ids TEXT[] NOT NULL,
    stop_roots TEXT[] NOT NULL,
    route_ids TEXT[] NOT NULL,
    seen_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (feed_key, entity_id)
);

CREATE TABLE IF NOT EXISTS delay_observations (
    trip_id TEXT NOT NULL,
    start_date TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence BIGINT NOT NULL,
    delay_seconds INTEGER NOT NULL,
    departure_time BIGINT NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS delay_observations_observed_at ON delay_observations (observed_at);
CREATE INDEX IF NOT EXISTS delay_observations_trip_id ON delay_observations (trip_id);
`

// Creates a new Postgres Storage using the provided connection string.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLStorage(connStr string, clearDB bool, opts ...Option) (*PSQLStorage, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS feed_record;
DROP TABLE IF EXISTS rt_trips;
DROP TABLE IF EXISTS rt_stop_times;
DROP TABLE IF EXISTS rt_alerts;
DROP TABLE IF EXISTS delay_observations;
`)
		if err != nil {
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(psqlSchema)
	if err != nil {
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &PSQLStorage{
		db:     db,
		locker: buildOptions(opts).locker,
	}, nil
}

func (s *PSQLStorage) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (s *PSQLStorage) GetMeta(ctx context.Context, feedKey string) (*FeedMeta, error) {
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
WHERE feed_key = $1`, feedKey).Scan(
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

func (s *PSQLStorage) Get(ctx context.Context, feedKey string) (*FeedRecord, error) {
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
WHERE feed_key = $1`, feedKey).Scan(
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

func (s *PSQLStorage) GetContentFingerprint(ctx context.Context, feedKey string) (string, error) {
	var fingerprint string
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM feed_record WHERE feed_key = $1`, feedKey).Scan(&fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrFeedNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying fingerprint: %w", err)
	}
	return fingerprint, nil
}

func (s *PSQLStorage) UpsertFeed(ctx context.Context, u FeedUpsert) (WriteResult, error) {
	return s.write(ctx, u.FeedKey, func(tx *sql.Tx) (WriteResult, error) {
		if err := psqlUpsertRecord(ctx, tx, u); err != nil {
			return WriteResult{}, err
		}
		return WriteResult{Updated: true}, nil
	})
}

func (s *PSQLStorage) SetContentFingerprint(ctx context.Context, feedKey string, fingerprint string) (WriteResult, error) {
	return s.write(ctx, feedKey, func(tx *sql.Tx) (WriteResult, error) {
		_, err := tx.ExecContext(ctx, `
INSERT INTO feed_record (feed_key, fetched_at, fingerprint, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (feed_key) DO UPDATE SET
    fingerprint = excluded.fingerprint,
    updated_at = excluded.updated_at`,
			feedKey, time.Time{}, fingerprint)
		if err != nil {
			return WriteResult{}, fmt.Errorf("setting fingerprint: %w", err)
		}
		return WriteResult{Updated: true}, nil
	})
}

func (s *PSQLStorage) WriteSnapshot(ctx context.Context, u FeedUpsert, rows *model.Rows, opts WriteOptions) (WriteResult, error) {
	return s.write(ctx, u.FeedKey, func(tx *sql.Tx) (WriteResult, error) {
		if err := psqlUpsertRecord(ctx, tx, u); err != nil {
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
				res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE feed_key = $1", u.FeedKey)
				if err != nil {
					return WriteResult{}, fmt.Errorf("clearing %s: %w", table, err)
				}
				n, _ := res.RowsAffected()
				result.RowsDeleted += n
			}

			// Tables are empty for this feed, so COPY is safe
			if err := psqlCopyRows(ctx, tx, u.FeedKey, rows); err != nil {
				return WriteResult{}, err
			}
		} else {
			if err := psqlUpsertRows(ctx, tx, u.FeedKey, rows); err != nil {
				return WriteResult{}, err
			}
		}
		result.RowsWritten = rows.Len()

		if opts.Mode == WriteModeUpsert && opts.Retention > 0 {
			n, err := psqlPruneRows(ctx, tx, u.FeedKey, u.FetchedAt.Add(-opts.Retention))
			if err != nil {
				return WriteResult{}, err
			}
			result.RowsDeleted = n
		}

		return result, nil
	})
}

func (s *PSQLStorage) ScopedRows(ctx context.Context, filter RowFilter) (*model.Rows, error) {
	tripIDs := filter.TripIDs
	if tripIDs == nil {
		tripIDs = []string{}
	}
	stopRoots := filter.StopRoots
	if stopRoots == nil {
		stopRoots = []string{}
	}
	limit := sql.NullInt64{Int64: int64(filter.Limit), Valid: filter.Limit > 0}

	out := &model.Rows{}

	rows, err := s.db.QueryContext(ctx, `
SELECT
    t.entity_id,
    t.trip_id,
    t.route_id,
    t.direction_id,
    t.start_date,
    t.start_time,
    t.relationship,
    t.vehicle_id,
    t.timestamp,
    t.delay,
    t.seen_at
FROM rt_trips t
WHERE t.feed_key = $1 AND t.seen_at >= $2 AND (
    t.trip_id = ANY($3) OR EXISTS (
        SELECT 1 FROM rt_stop_times s
        WHERE s.feed_key = t.feed_key
          AND s.trip_id = t.trip_id
          AND s.start_date = t.start_date
          AND s.seen_at >= $2
          AND s.stop_root = ANY($4)
    )
)
ORDER BY t.trip_id, t.start_date
LIMIT $5`,
		filter.FeedKey, filter.Since, pq.Array(tripIDs), pq.Array(stopRoots), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying trips: %w", err)
	}

	type tripKey struct{ tripID, startDate string }
	included := map[tripKey]bool{}
	matchedTripIDs := []string{}
	for rows.Next() {
		trip := model.TripRow{FeedKey: filter.FeedKey}
		var relationship string
		var delay sql.NullInt32
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
			&trip.SeenAt,
		)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning trip: %w", err)
		}
		trip.Relationship = model.TripRelationship(relationship)
		trip.Delay = nullInt32Ptr(delay)
		out.Trips = append(out.Trips, trip)
		included[tripKey{trip.TripID, trip.StartDate}] = true
		matchedTripIDs = append(matchedTripIDs, trip.TripID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trips: %w", err)
	}

	if len(matchedTripIDs) > 0 {
		rows, err = s.db.QueryContext(ctx, `
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
WHERE feed_key = $1 AND seen_at >= $2 AND trip_id = ANY($3)
ORDER BY trip_id, start_date, stop_sequence`,
			filter.FeedKey, filter.Since, pq.Array(matchedTripIDs),
		)
		if err != nil {
			return nil, fmt.Errorf("querying stop times: %w", err)
		}
		for rows.Next() {
			st := model.StopTimeRow{FeedKey: filter.FeedKey}
			var seq int64
			var arrivalDelay, departureDelay sql.NullInt32
			var relationship string
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
				&st.SeenAt,
			)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scanning stop time: %w", err)
			}
			if !included[tripKey{st.TripID, st.StartDate}] {
				continue
			}
			st.StopSequence = seqPtr(seq)
			st.ArrivalDelay = nullInt32Ptr(arrivalDelay)
			st.DepartureDelay = nullInt32Ptr(departureDelay)
			st.Relationship = model.StopRelationship(relationship)
			out.StopTimes = append(out.StopTimes, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterating stop times: %w", err)
		}
	}

	rows, err = s.db.QueryContext(ctx, `
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
WHERE feed_key = $1 AND seen_at >= $2 AND (trip_ids && $3 OR stop_roots && $4)
ORDER BY entity_id`,
		filter.FeedKey, filter.Since, pq.Array(tripIDs), pq.Array(stopRoots),
	)
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		alert := model.AlertRow{FeedKey: filter.FeedKey}
		err := rows.Scan(
			&alert.EntityID,
			&alert.Cause,
			&alert.Effect,
			&alert.Header,
			&alert.Description,
			&alert.ActiveStart,
			&alert.ActiveEnd,
			pq.Array(&alert.TripIDs),
			pq.Array(&alert.StopIDs),
			pq.Array(&alert.RouteIDs),
			&alert.SeenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning alert: %w", err)
		}
		out.Alerts = append(out.Alerts, alert)
	}

	return out, rows.Err()
}

func (s *PSQLStorage) PruneRows(ctx context.Context, feedKey string, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := psqlPruneRows(ctx, tx, feedKey, before)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing: %w", err)
	}
	return n, nil
}

func (s *PSQLStorage) WriteDelayObservations(ctx context.Context, obs []model.DelayObservation) error {
	if len(obs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"delay_observations", "trip_id", "start_date", "stop_id", "stop_sequence", "delay_seconds", "departure_time", "observed_at",
	))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, o := range obs {
		_, err = stmt.ExecContext(ctx,
			o.TripID, o.StartDate, o.StopID, o.StopSequence, o.DelaySeconds, o.DepartureTime, o.ObservedAt,
		)
		if err != nil {
			return fmt.Errorf("COPY observation: %w", err)
		}
	}

	if _, err = stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (s *PSQLStorage) DelayObservations(ctx context.Context, filter ObservationFilter) ([]model.DelayObservation, error) {
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
	paramCount := 1

	if filter.TripID != "" {
		conditions = append(conditions, fmt.Sprintf("trip_id = $%d", paramCount))
		params = append(params, filter.TripID)
		paramCount++
	}
	if filter.StopID != "" {
		conditions = append(conditions, fmt.Sprintf("stop_id = $%d", paramCount))
		params = append(params, filter.StopID)
		paramCount++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("observed_at >= $%d", paramCount))
		params = append(params, filter.Since)
		paramCount++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY observed_at"
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
		err := rows.Scan(
			&o.TripID,
			&o.StartDate,
			&o.StopID,
			&o.StopSequence,
			&o.DelaySeconds,
			&o.DepartureTime,
			&o.ObservedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning observation: %w", err)
		}
		obs = append(obs, o)
	}

	return obs, rows.Err()
}

func (s *PSQLStorage) PruneDelayObservations(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delay_observations WHERE observed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning observations: %w", err)
	}
	return res.RowsAffected()
}

// Runs fn in a transaction holding the feed's write lock. Without an
// external Locker, the lock is pg_try_advisory_xact_lock, released
// when the transaction ends.
func (s *PSQLStorage) write(ctx context.Context, feedKey string, fn func(tx *sql.Tx) (WriteResult, error)) (WriteResult, error) {
	scope := LockScope(feedKey)

	if s.locker != nil {
		release, acquired, err := s.locker.TryAcquire(ctx, scope)
		if err != nil {
			return WriteResult{}, fmt.Errorf("acquiring write lock: %w", err)
		}
		if !acquired {
			return WriteResult{WriteSkippedByLock: true}, nil
		}
		defer release()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WriteResult{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if s.locker == nil {
		var acquired bool
		err = tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock(hashtext($1))`, scope).Scan(&acquired)
		if err != nil {
			return WriteResult{}, fmt.Errorf("taking advisory lock: %w", err)
		}
		if !acquired {
			return WriteResult{WriteSkippedByLock: true}, nil
		}
	}

	result, err := fn(tx)
	if err != nil {
		return WriteResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return WriteResult{}, fmt.Errorf("committing: %w", err)
	}

	return result, nil
}

func psqlUpsertRecord(ctx context.Context, tx *sql.Tx, u FeedUpsert) error {
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
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
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
		u.FetchedAt,
		u.ETag,
		u.Status,
		u.Error,
		u.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("upserting feed record: %w", err)
	}
	return nil
}

func psqlCopyRows(ctx context.Context, tx *sql.Tx, feedKey string, rows *model.Rows) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(
		"rt_trips", "feed_key", "trip_id", "start_date", "entity_id", "route_id", "direction_id",
		"start_time", "relationship", "vehicle_id", "timestamp", "delay", "seen_at",
	))
	if err != nil {
		return fmt.Errorf("preparing trip statement: %w", err)
	}
	for _, trip := range rows.Trips {
		_, err = stmt.ExecContext(ctx, tripValues(feedKey, trip)...)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("COPY trip: %w", err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("executing trip statement: %w", err)
	}
	stmt.Close()

	stmt, err = tx.PrepareContext(ctx, pq.CopyIn(
		"rt_stop_times", "feed_key", "trip_id", "start_date", "stop_id", "stop_sequence", "entity_id", "stop_root",
		"arrival_time", "arrival_delay", "departure_time", "departure_delay", "relationship", "seen_at",
	))
	if err != nil {
		return fmt.Errorf("preparing stop time statement: %w", err)
	}
	for _, st := range rows.StopTimes {
		_, err = stmt.ExecContext(ctx, stopTimeValues(feedKey, st)...)
		if err != nil {
			stmt.Close()
			return fmt.Errorf("COPY stop_time: %w", err)
		}
	}
	if _, err = stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("executing stop time statement: %w", err)
	}
	stmt.Close()

	// Alerts are few, and COPY doesn't take array parameters
	return psqlUpsertAlerts(ctx, tx, feedKey, rows.Alerts)
}

func psqlUpsertRows(ctx context.Context, tx *sql.Tx, feedKey string, rows *model.Rows) error {
	for _, trip := range rows.Trips {
		_, err := tx.ExecContext(ctx, `
INSERT INTO rt_trips (
    feed_key, trip_id, start_date, entity_id, route_id, direction_id,
    start_time, relationship, vehicle_id, timestamp, delay, seen_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (feed_key, trip_id, start_date) DO UPDATE SET
    entity_id = excluded.entity_id,
    route_id = excluded.route_id,
    direction_id = excluded.direction_id,
    start_time = excluded.start_time,
    relationship = excluded.relationship,
    vehicle_id = excluded.vehicle_id,
    timestamp = excluded.timestamp,
    delay = excluded.delay,
    seen_at = excluded.seen_at`, tripValues(feedKey, trip)...)
		if err != nil {
			return fmt.Errorf("upserting trip %s: %w", trip.TripID, err)
		}
	}

	for _, st := range rows.StopTimes {
		_, err := tx.ExecContext(ctx, `
INSERT INTO rt_stop_times (
    feed_key, trip_id, start_date, stop_id, stop_sequence, entity_id, stop_root,
    arrival_time, arrival_delay, departure_time, departure_delay, relationship, seen_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (feed_key, trip_id, start_date, stop_id, stop_sequence) DO UPDATE SET
    entity_id = excluded.entity_id,
    stop_root = excluded.stop_root,
    arrival_time = excluded.arrival_time,
    arrival_delay = excluded.arrival_delay,
    departure_time = excluded.departure_time,
    departure_delay = excluded.departure_delay,
    relationship = excluded.relationship,
    seen_at = excluded.seen_at`, stopTimeValues(feedKey, st)...)
		if err != nil {
			return fmt.Errorf("upserting stop time %s/%s: %w", st.TripID, st.StopID, err)
		}
	}

	return psqlUpsertAlerts(ctx, tx, feedKey, rows.Alerts)
}

func psqlUpsertAlerts(ctx context.Context, tx *sql.Tx, feedKey string, alerts []model.AlertRow) error {
	for _, alert := range alerts {
		stopRoots := []string{}
		for _, id := range alert.StopIDs {
			stopRoots = append(stopRoots, model.StopRoot(id))
		}

		_, err := tx.ExecContext(ctx, `
INSERT INTO rt_alerts (
    feed_key, entity_id, cause, effect, header, description, active_start,
    active_end, trip_ids, stop_ids, stop_roots, route_ids, seen_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (feed_key, entity_id) DO UPDATE SET
    cause = excluded.cause,
    effect = excluded.effect,
    header = excluded.header,
    description = excluded.description,
    active_start = excluded.active_start,
    active_end = excluded.active_end,
    trip_ids = excluded.trip_ids,
    stop_ids = excluded.stop_ids,
    stop_roots = excluded.stop_roots,
    route_ids = excluded.route_ids,
    seen_at = excluded.seen_at`,
			feedKey,
			alert.EntityID,
			alert.Cause,
			alert.Effect,
			alert.Header,
			alert.Description,
			alert.ActiveStart,
			alert.ActiveEnd,
			pq.Array(nonNil(alert.TripIDs)),
			pq.Array(nonNil(alert.StopIDs)),
			pq.Array(stopRoots),
			pq.Array(nonNil(alert.RouteIDs)),
			alert.SeenAt,
		)
		if err != nil {
			return fmt.Errorf("upserting alert %s: %w", alert.EntityID, err)
		}
	}
	return nil
}

func psqlPruneRows(ctx context.Context, tx *sql.Tx, feedKey string, before time.Time) (int64, error) {
	deleted := int64(0)
	for _, table := range []string{"rt_trips", "rt_stop_times", "rt_alerts"} {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE feed_key = $1 AND seen_at < $2", feedKey, before)
		if err != nil {
			return 0, fmt.Errorf("pruning %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

func tripValues(feedKey string, trip model.TripRow) []interface{} {
	return []interface{}{
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
		trip.SeenAt,
	}
}

func stopTimeValues(feedKey string, st model.StopTimeRow) []interface{} {
	return []interface{}{
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
		st.SeenAt,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
