package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var ErrNotFound = errors.New("not found")

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Profile is a participant's balance and record.
type Profile struct {
	ID          string          `db:"id" json:"id"`
	Balance     decimal.Decimal `db:"balance" json:"balance"`
	Held        decimal.Decimal `db:"held" json:"held"`
	Score       int             `db:"score" json:"score"`
	GamesPlayed int             `db:"games_played" json:"gamesPlayed"`
	Wins        int             `db:"wins" json:"wins"`
	Losses      int             `db:"losses" json:"losses"`
	Draws       int             `db:"draws" json:"draws"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`
}

// Store handles SQL persistence for profiles, the ledger journal and match
// snapshots.
type Store struct {
	db     *sqlx.DB
	driver string
	// mu serializes ledger transactions; sqlite has no row locks.
	mu  sync.Mutex
	now func() time.Time
}

// New opens (or creates) a sqlite database and runs migrations.
func New(path string) (*Store, error) {
	return Open(DriverSQLite, path)
}

// Open connects with the given driver ("sqlite" or "postgres") and runs migrations.
func Open(driver, dsn string) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if driver == DriverSQLite {
		// One connection keeps ":memory:" databases shared and writes serialized.
		db.SetMaxOpenConns(1)
		// WAL mode for better concurrent reads
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL: %w", err)
		}
	}
	s := &Store{db: db, driver: driver, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS profiles (
			id           TEXT PRIMARY KEY,
			balance      TEXT NOT NULL DEFAULT '0',
			held         TEXT NOT NULL DEFAULT '0',
			score        INTEGER NOT NULL DEFAULT 0,
			games_played INTEGER NOT NULL DEFAULT 0,
			wins         INTEGER NOT NULL DEFAULT 0,
			losses       INTEGER NOT NULL DEFAULT 0,
			draws        INTEGER NOT NULL DEFAULT 0,
			updated_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TABLE IF NOT EXISTS ledger_entries (
			ref            TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			kind           TEXT NOT NULL,
			amount         TEXT NOT NULL DEFAULT '0',
			score_delta    INTEGER NOT NULL DEFAULT 0,
			created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (ref, participant_id, kind)
		);
		CREATE TABLE IF NOT EXISTS matches (
			id         TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// forUpdate appends a row lock where the driver supports one.
func (s *Store) forUpdate(query string) string {
	if s.driver == DriverPostgres {
		return query + " FOR UPDATE"
	}
	return query
}
