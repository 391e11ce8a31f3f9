package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite result store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			query TEXT NOT NULL,
			handler TEXT NOT NULL,
			event INTEGER NOT NULL,
			payload TEXT NOT NULL,
			at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_results_query ON results(query, seq);
	`)
	return err
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func sqliteAppend(db execer, r *Record) error {
	stamp(r)
	res, err := db.Exec(`
		INSERT INTO results (query, handler, event, payload, at)
		VALUES (?, ?, ?, ?, ?)
	`, r.Query, r.Handler, r.Event, string(r.Payload), r.At.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	r.Seq, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) Append(r *Record) error {
	return sqliteAppend(s.db, r)
}

func (s *SQLiteStore) List(query string) ([]*Record, error) {
	rows, err := s.db.Query(`
		SELECT seq, query, handler, event, payload, at
		FROM results WHERE query = ? ORDER BY seq
	`, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Last(query string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT seq, query, handler, event, payload, at
		FROM results WHERE query = ? ORDER BY seq DESC LIMIT 1
	`, query)
	r, err := scanSQLite(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w for query %s", ErrNotFound, query)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row scanner) (*Record, error) {
	var r Record
	var payload, at string
	if err := row.Scan(&r.Seq, &r.Query, &r.Handler, &r.Event, &payload, &at); err != nil {
		return nil, err
	}
	r.Payload = []byte(payload)
	r.At, _ = time.Parse(time.RFC3339Nano, at)
	return &r, nil
}

func (s *SQLiteStore) Clear() error {
	_, err := s.db.Exec("DELETE FROM results")
	return err
}

func (s *SQLiteStore) BeginTransaction() (Transaction, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	return &sqliteTransaction{tx: tx}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type sqliteTransaction struct {
	tx *sql.Tx
}

func (t *sqliteTransaction) Append(r *Record) error {
	return sqliteAppend(t.tx, r)
}

func (t *sqliteTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTransaction) Rollback() error {
	return t.tx.Rollback()
}
