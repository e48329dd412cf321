package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Dialect selects placeholder syntax for SQLStore.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "pgx":
		return DialectPostgres, nil
	default:
		return 0, fmt.Errorf("journal: unsupported driver %q", driver)
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS suspension_events (
	seq BIGINT PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	run_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	suspender TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	attrs TEXT NOT NULL DEFAULT '{}',
	at TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL
);`

const selectColumns = `SELECT seq, id, run_id, kind, source, suspender, reason, attrs, at, prev_hash, hash FROM suspension_events`

// SQLStore implements Store on database/sql for SQLite and Postgres.
// Appends from concurrent processes are serialized by the seq primary key;
// the loser of a race gets a constraint error.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open opens dsn with the named driver and creates the schema. The postgres
// driver must be registered by the caller.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	if dialect == DialectSQLite {
		// a single connection keeps :memory: databases shared
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Append(ctx context.Context, ev Event) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("journal: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		lastSeq  int64
		lastHash string
	)
	err = tx.QueryRowContext(ctx, `SELECT seq, hash FROM suspension_events ORDER BY seq DESC LIMIT 1`).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("journal: read chain head: %w", err)
	}

	sealed, err := Seal(ev, lastSeq+1, lastHash)
	if err != nil {
		return Event{}, err
	}

	attrs, err := json.Marshal(sealed.Attrs)
	if err != nil {
		return Event{}, fmt.Errorf("journal: marshal attrs: %w", err)
	}

	query := s.rebind(`INSERT INTO suspension_events (
		seq, id, run_id, kind, source, suspender, reason, attrs, at, prev_hash, hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, query,
		sealed.Seq, sealed.ID, sealed.RunID, string(sealed.Kind), sealed.Source, sealed.Suspender,
		sealed.Reason, string(attrs), sealed.At.Format(time.RFC3339Nano), sealed.PrevHash, sealed.Hash,
	)
	if err != nil {
		return Event{}, fmt.Errorf("journal: insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("journal: commit: %w", err)
	}
	return sealed, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return s.query(ctx, s.rebind(query), args...)
}

func (s *SQLStore) Verify(ctx context.Context) error {
	events, err := s.query(ctx, selectColumns+" ORDER BY seq ASC")
	if err != nil {
		return err
	}
	return Verify("", events)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev    Event
		kind  string
		attrs string
		at    string
	)
	if err := rows.Scan(&ev.Seq, &ev.ID, &ev.RunID, &kind, &ev.Source, &ev.Suspender, &ev.Reason, &attrs, &at, &ev.PrevHash, &ev.Hash); err != nil {
		return Event{}, fmt.Errorf("journal: scan: %w", err)
	}
	ev.Kind = Kind(kind)

	if attrs != "" && attrs != "null" {
		if err := json.Unmarshal([]byte(attrs), &ev.Attrs); err != nil {
			return Event{}, fmt.Errorf("journal: event %d attrs: %w", ev.Seq, err)
		}
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Event{}, fmt.Errorf("journal: event %d timestamp: %w", ev.Seq, err)
	}
	ev.At = t.UTC()
	return ev, nil
}
