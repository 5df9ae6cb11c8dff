package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/constitutional-ledger/core/pkg/event"
)

// Dialect distinguishes the two reference SQL backends this package
// ships: Postgres (via lib/pq) and SQLite (via modernc.org/sqlite, a
// pure-Go driver requiring no cgo).
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// placeholder renders the i-th (1-based) bind parameter for the
// dialect. Postgres uses numbered placeholders ($1, $2, ...); SQLite
// uses positional "?".
func (d Dialect) placeholder(i int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(i)
	}
	return "?"
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS events (
	sequence          BIGINT PRIMARY KEY,
	event_id          TEXT UNIQUE NOT NULL,
	event_type        TEXT NOT NULL,
	payload           TEXT NOT NULL,
	signature         TEXT NOT NULL,
	agent_id          TEXT NOT NULL,
	local_timestamp   TIMESTAMP NOT NULL,
	witness_id        TEXT NOT NULL,
	witness_signature TEXT NOT NULL,
	prev_hash         TEXT NOT NULL,
	content_hash      TEXT NOT NULL
);
`

// SQL is a database/sql-backed EventStore. Concurrent appends are
// serialized by a transaction that re-reads the tail (SELECT ... FOR
// UPDATE on Postgres; a plain SELECT inside the driver's default BEGIN
// on SQLite). A racing append that slips past the tail check fails on
// the sequence primary key at INSERT and is reported as ErrTailChanged.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQL wraps an already-open database handle. Callers choose the
// driver (lib/pq for Postgres, modernc.org/sqlite for SQLite) and pass
// the matching Dialect.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// Init creates the events table if it does not already exist.
func (s *SQL) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

func (s *SQL) ph(i int) string { return s.dialect.placeholder(i) }

func (s *SQL) Tail(ctx context.Context) (Tail, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, content_hash FROM events ORDER BY sequence DESC LIMIT 1`)
	var seq int64
	var hash string
	if err := row.Scan(&seq, &hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GenesisTail(), nil
		}
		return Tail{}, err
	}
	return Tail{Sequence: uint64(seq), ContentHash: hash}, nil
}

// Append begins a transaction, re-reads the tail under the transaction's
// row-lock semantics, verifies it still matches expectedTail, and only
// then inserts. The unique `sequence` primary key means a concurrent
// writer that raced past the tail check will instead fail at INSERT
// with a constraint violation, which we also surface as ErrTailChanged.
func (s *SQL) Append(ctx context.Context, expectedTail Tail, ev event.Event) (event.Event, error) {
	if err := ValidateAppend(expectedTail, ev); err != nil {
		return event.Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	lockQuery := `SELECT sequence, content_hash FROM events ORDER BY sequence DESC LIMIT 1`
	if s.dialect == DialectPostgres {
		lockQuery += ` FOR UPDATE`
	}
	row := tx.QueryRowContext(ctx, lockQuery)
	var actual Tail
	var seq int64
	var hash string
	switch err := row.Scan(&seq, &hash); {
	case errors.Is(err, sql.ErrNoRows):
		actual = GenesisTail()
	case err != nil:
		return event.Event{}, err
	default:
		actual = Tail{Sequence: uint64(seq), ContentHash: hash}
	}

	if actual != expectedTail {
		return event.Event{}, ErrTailChanged
	}

	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return event.Event{}, fmt.Errorf("eventstore: marshal payload: %w", err)
	}

	insert := fmt.Sprintf(`
		INSERT INTO events (sequence, event_id, event_type, payload, signature, agent_id,
			local_timestamp, witness_id, witness_signature, prev_hash, content_hash)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
	`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))

	_, err = tx.ExecContext(ctx, insert,
		int64(ev.Sequence), ev.EventID, ev.EventType, string(payloadJSON), ev.Signature, ev.AgentID,
		ev.LocalTimestamp.UTC(), ev.WitnessID, ev.WitnessSignature, ev.PrevHash, ev.ContentHash)
	if err != nil {
		return event.Event{}, fmt.Errorf("%w: %v", ErrTailChanged, err)
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, err
	}
	return ev, nil
}

func (s *SQL) scanEvent(row interface {
	Scan(dest ...any) error
}) (event.Event, error) {
	var ev event.Event
	var payloadJSON string
	err := row.Scan(&ev.Sequence, &ev.EventID, &ev.EventType, &payloadJSON, &ev.Signature, &ev.AgentID,
		&ev.LocalTimestamp, &ev.WitnessID, &ev.WitnessSignature, &ev.PrevHash, &ev.ContentHash)
	if err != nil {
		return event.Event{}, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
		return event.Event{}, fmt.Errorf("eventstore: corrupt payload: %w", err)
	}
	return ev, nil
}

const selectColumns = `sequence, event_id, event_type, payload, signature, agent_id, local_timestamp, witness_id, witness_signature, prev_hash, content_hash`

func (s *SQL) GetByID(ctx context.Context, eventID string) (event.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE event_id = %s`, selectColumns, s.ph(1))
	ev, err := s.scanEvent(s.db.QueryRowContext(ctx, query, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, ErrNotFound
	}
	return ev, err
}

func (s *SQL) GetBySequence(ctx context.Context, sequence uint64) (event.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE sequence = %s`, selectColumns, s.ph(1))
	ev, err := s.scanEvent(s.db.QueryRowContext(ctx, query, int64(sequence)))
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, ErrNotFound
	}
	return ev, err
}

func (s *SQL) MaxSequence(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`)
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (s *SQL) SequencesInRange(ctx context.Context, from, to uint64) ([]uint64, error) {
	query := fmt.Sprintf(`SELECT sequence FROM events WHERE sequence > %s AND sequence <= %s ORDER BY sequence ASC`,
		s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, query, int64(from), int64(to))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []uint64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, uint64(seq))
	}
	return out, rows.Err()
}

func (s *SQL) ListRange(ctx context.Context, from, to uint64) ([]event.Event, error) {
	query := fmt.Sprintf(`SELECT %s FROM events WHERE sequence >= %s AND sequence <= %s ORDER BY sequence ASC`,
		selectColumns, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, query, int64(from), int64(to))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []event.Event
	for rows.Next() {
		ev, err := s.scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQL) Len(ctx context.Context) (uint64, error) {
	var count int64
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return uint64(count), nil
}

var _ EventStore = (*SQL)(nil)
