package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/UbiquitousAS/WorkshopEventSourcing/core/es"
)

const uniqueViolation = pq.ErrorCode("23505")

type StreamStoreConfig struct {
	DB  *sql.DB      // DB to reuse. If nil, DSN is dialed and owned by the store.
	DSN string       // DSN is used when DB is nil (default local server)
	Log *slog.Logger // Log for diagnostics (optional)
}

// StreamStore persists event streams in a single events table, one row per
// record. Appends run inside a transaction: a version check guards the
// common case and the UNIQUE (stream, version) constraint decides races,
// so a losing batch rolls back whole.
type StreamStore struct {
	db    *sql.DB
	ownDB bool
	log   *slog.Logger
}

func NewStreamStore(cfg StreamStoreConfig) (*StreamStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db := cfg.DB
	ownDB := false
	if db == nil {
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "postgres://localhost:5432/workshop_es?sslmode=disable"
		}
		var err error
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		ownDB = true
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("store", "postgres"))

	s := &StreamStore{db: db, ownDB: ownDB, log: log}

	log.Debug("ensuring schema")
	if err := s.migrate(ctx); err != nil {
		if ownDB {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

func (s *StreamStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			position     BIGSERIAL PRIMARY KEY,
			id           TEXT NOT NULL UNIQUE,
			stream       TEXT NOT NULL,
			version      BIGINT NOT NULL,
			event_type   TEXT NOT NULL,
			content_type TEXT NOT NULL,
			data         BYTEA,
			metadata     BYTEA,
			occurred_at  TIMESTAMPTZ NOT NULL,
			UNIQUE (stream, version)
		);
	`)
	return err
}

// Close releases the pool when the store opened it itself.
func (s *StreamStore) Close() error {
	if !s.ownDB {
		return nil
	}
	err := s.db.Close()
	s.log.Debug("closed stream store")
	return err
}

func (s *StreamStore) ReadForward(ctx context.Context, stream string, start es.Version, count int) (es.Slice, error) {
	if err := ctx.Err(); err != nil {
		return es.Slice{}, err
	}
	if start < es.StreamStart {
		return es.Slice{}, fmt.Errorf("%w: start version %d is negative", es.ErrInvalidArgument, start)
	}
	if count <= 0 {
		return es.Slice{}, fmt.Errorf("%w: count %d is not positive", es.ErrInvalidArgument, count)
	}

	last, err := s.lastVersionOf(ctx, s.db, stream)
	if err != nil {
		return es.Slice{}, err
	}

	if start > last {
		return es.Slice{
			NextVersion:   last + 1,
			LastVersion:   last,
			IsEndOfStream: true,
		}, nil
	}

	to := min(start+es.Version(count)-1, last)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, event_type, content_type, data, metadata, occurred_at
		FROM events
		WHERE stream = $1 AND version >= $2 AND version <= $3
		ORDER BY version ASC`,
		stream, start.Int64(), to.Int64(),
	)
	if err != nil {
		return es.Slice{}, fmt.Errorf("failed to load events for stream %s: %w", stream, err)
	}
	page, err := scanRecords(rows)
	if err != nil {
		return es.Slice{}, fmt.Errorf("failed to scan events for stream %s: %w", stream, err)
	}

	return es.Slice{
		Records:       page,
		NextVersion:   to + 1,
		LastVersion:   last,
		IsEndOfStream: to >= last,
	}, nil
}

func (s *StreamStore) ReadBackward(ctx context.Context, stream string, start es.Version, count int) (es.Slice, error) {
	if err := ctx.Err(); err != nil {
		return es.Slice{}, err
	}
	if count <= 0 {
		return es.Slice{}, fmt.Errorf("%w: count %d is not positive", es.ErrInvalidArgument, count)
	}

	last, err := s.lastVersionOf(ctx, s.db, stream)
	if err != nil {
		return es.Slice{}, err
	}

	from := last
	if start != es.StreamEnd {
		from = min(start, last)
	}
	if from < 0 {
		return es.Slice{
			NextVersion:   from,
			LastVersion:   last,
			IsEndOfStream: true,
		}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, version, event_type, content_type, data, metadata, occurred_at
		FROM events
		WHERE stream = $1 AND version <= $2
		ORDER BY version DESC
		LIMIT $3`,
		stream, from.Int64(), count,
	)
	if err != nil {
		return es.Slice{}, fmt.Errorf("failed to load events for stream %s: %w", stream, err)
	}
	page, err := scanRecords(rows)
	if err != nil {
		return es.Slice{}, fmt.Errorf("failed to scan events for stream %s: %w", stream, err)
	}

	return es.Slice{
		Records:       page,
		NextVersion:   from - es.Version(len(page)),
		LastVersion:   last,
		IsEndOfStream: from-es.Version(len(page)) < 0,
	}, nil
}

func (s *StreamStore) AppendConditional(ctx context.Context, stream string, expected es.Version, records []es.Record) (es.AppendResult, error) {
	if err := ctx.Err(); err != nil {
		return es.AppendResult{}, err
	}
	if err := es.ValidateBatch(expected, records); err != nil {
		return es.AppendResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	curVersion, err := s.lastVersionOf(ctx, tx, stream)
	if err != nil && !errors.Is(err, es.ErrStreamNotFound) {
		return es.AppendResult{}, err
	}
	if errors.Is(err, es.ErrStreamNotFound) {
		curVersion = es.NoStream
	}

	if curVersion != expected {
		return es.AppendResult{}, fmt.Errorf(
			"%w: expected version %d, got %d (stream=%s)",
			es.ErrConcurrencyConflict, expected, curVersion, stream,
		)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, stream, version, event_type, content_type, data, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING position`)
	if err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	var lastPos int64
	for _, rec := range records {
		err := stmt.QueryRowContext(ctx,
			rec.ID, stream, rec.Version.Int64(), rec.Type, rec.ContentType,
			rec.Data, rec.Metadata, rec.OccurredAt,
		).Scan(&lastPos)
		if err != nil {
			if isUniqueViolation(err) {
				return es.AppendResult{}, fmt.Errorf(
					"%w: expected version %d but stream %s advanced concurrently: %v",
					es.ErrConcurrencyConflict, expected, stream, err,
				)
			}
			return es.AppendResult{}, fmt.Errorf("failed to insert event %s: %w", rec.Type, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.log.Debug(
		"append",
		slog.String("stream", stream),
		slog.Int64("pos", lastPos),
		slog.Int("num_events", len(records)),
	)

	return es.AppendResult{
		NextExpectedVersion: records[len(records)-1].Version,
		Position:            es.Position{Prepare: uint64(lastPos), Commit: uint64(lastPos)},
	}, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// lastVersionOf resolves the newest version of a stream, or ErrStreamNotFound.
func (s *StreamStore) lastVersionOf(ctx context.Context, q querier, stream string) (es.Version, error) {
	var version sql.NullInt64
	err := q.QueryRowContext(ctx,
		"SELECT MAX(version) FROM events WHERE stream = $1", stream,
	).Scan(&version)
	if err != nil {
		return es.NoStream, fmt.Errorf("failed to get current stream version: %w", err)
	}
	if !version.Valid {
		return es.NoStream, es.ErrStreamNotFound
	}
	return es.Version(version.Int64), nil
}

func scanRecords(rows *sql.Rows) ([]es.Record, error) {
	defer rows.Close()

	var page []es.Record
	for rows.Next() {
		var (
			rec     es.Record
			version int64
		)
		if err := rows.Scan(
			&rec.ID, &version, &rec.Type, &rec.ContentType,
			&rec.Data, &rec.Metadata, &rec.OccurredAt,
		); err != nil {
			return nil, err
		}
		rec.Version = es.Version(version)
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return page, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

var _ es.StreamStore = (*StreamStore)(nil)
