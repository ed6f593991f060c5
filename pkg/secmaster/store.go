// Package secmaster maintains the market catalog: which instruments each
// feed should be capturing right now. The catalog is SQLite backed and feeds
// dynamic subscription updates into a live connector session.
package secmaster

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS markets (
    feed       TEXT NOT NULL,
    ticker     TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'active',
    metadata   TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (feed, ticker)
);
CREATE INDEX IF NOT EXISTS idx_markets_feed_status ON markets (feed, status);`

// Market is one catalog row.
type Market struct {
	Feed     string
	Ticker   string
	Status   string
	Metadata string
}

// Store is the SQLite-backed catalog.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the catalog at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("secmaster path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open secmaster db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure secmaster schema: %w", err)
	}
	return &Store{db: db}, nil
}

// UpsertMarkets inserts or refreshes rows in one transaction.
func (s *Store) UpsertMarkets(ctx context.Context, markets []Market) error {
	if len(markets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO markets (feed, ticker, status, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (feed, ticker) DO UPDATE SET
			status = excluded.status,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range markets {
		status := m.Status
		if status == "" {
			status = "active"
		}
		if _, err := stmt.ExecContext(ctx, m.Feed, m.Ticker, status, m.Metadata, now); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", m.Feed, m.Ticker, err)
		}
	}
	return tx.Commit()
}

// ActiveTickers lists the tickers a feed should be subscribed to, sorted.
func (s *Store) ActiveTickers(ctx context.Context, feed string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticker FROM markets
		WHERE feed = ? AND status = 'active'
		ORDER BY ticker`, feed)
	if err != nil {
		return nil, fmt.Errorf("query active tickers: %w", err)
	}
	defer rows.Close()

	var tickers []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tickers = append(tickers, t)
	}
	return tickers, rows.Err()
}

// Deactivate marks tickers inactive without deleting history.
func (s *Store) Deactivate(ctx context.Context, feed string, tickers []string) error {
	now := time.Now().UTC()
	for _, t := range tickers {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE markets SET status = 'inactive', updated_at = ?
			WHERE feed = ? AND ticker = ?`, now, feed, t); err != nil {
			return fmt.Errorf("deactivate %s/%s: %w", feed, t, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
