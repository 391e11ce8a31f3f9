// Package storage persists projection results.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zot/projhost/internal/config"
)

// ErrNotFound is returned by Last when a query has no stored results.
var ErrNotFound = errors.New("no results")

// Record is one handler result produced while feeding events to a query.
type Record struct {
	Seq     int64           `json:"seq"`
	Query   string          `json:"query"`
	Handler string          `json:"handler"`
	Event   int             `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Store defines the interface for result stores.
type Store interface {
	// Append stores a record and assigns its Seq.
	Append(r *Record) error

	// List returns the records of a query in append order.
	List(query string) ([]*Record, error)

	// Last returns the most recent record of a query.
	Last(query string) (*Record, error)

	// Clear removes all records.
	Clear() error

	// BeginTransaction starts an atomic batch of appends.
	BeginTransaction() (Transaction, error)

	// Close closes the store.
	Close() error
}

// Transaction is an atomic batch of appends.
type Transaction interface {
	Append(r *Record) error
	Commit() error
	Rollback() error
}

// New opens the store selected by cfg.Type: memory, sqlite or postgres.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "postgres", "postgresql":
		return NewPostgresStore(cfg.URL)
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

func stamp(r *Record) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	if len(r.Payload) == 0 {
		r.Payload = json.RawMessage("null")
	}
}

func copyRecord(r *Record) *Record {
	c := *r
	c.Payload = append(json.RawMessage(nil), r.Payload...)
	return &c
}
