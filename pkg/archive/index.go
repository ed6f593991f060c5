package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Index mirrors finalized archive files and detected gaps into Postgres so
// operators can query coverage without scanning manifests. It is advisory:
// the archiver never blocks acks on index failures.
type Index struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS archive_files (
    feed            text        NOT NULL,
    date            text        NOT NULL,
    name            text        NOT NULL,
    start_at        timestamptz NOT NULL,
    end_at          timestamptz NOT NULL,
    records         bigint      NOT NULL,
    bytes           bigint      NOT NULL,
    nats_start_seq  bigint      NOT NULL,
    nats_end_seq    bigint      NOT NULL,
    PRIMARY KEY (feed, date, name)
);
CREATE TABLE IF NOT EXISTS archive_gaps (
    feed           text        NOT NULL,
    date           text        NOT NULL,
    after_seq      bigint      NOT NULL,
    missing_count  bigint      NOT NULL,
    detected_at    timestamptz NOT NULL,
    PRIMARY KEY (feed, after_seq)
);`

// NewIndex connects to Postgres and ensures the index tables exist.
func NewIndex(ctx context.Context, dsn string) (*Index, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect index db: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping index db: %w", err)
	}
	if _, err := pool.Exec(ctx, indexSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure index schema: %w", err)
	}
	return &Index{pool: pool, timeout: 5 * time.Second}, nil
}

// RecordFile upserts one finalized file row.
func (ix *Index) RecordFile(feed, date string, e FileEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
	defer cancel()
	_, err := ix.pool.Exec(ctx, `
		INSERT INTO archive_files
			(feed, date, name, start_at, end_at, records, bytes, nats_start_seq, nats_end_seq)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (feed, date, name) DO UPDATE SET
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			records = EXCLUDED.records,
			bytes = EXCLUDED.bytes,
			nats_start_seq = EXCLUDED.nats_start_seq,
			nats_end_seq = EXCLUDED.nats_end_seq`,
		feed, date, e.Name, e.Start, e.End, int64(e.Records), int64(e.Bytes),
		int64(e.NatsStartSeq), int64(e.NatsEndSeq))
	return err
}

// RecordGap upserts one gap row.
func (ix *Index) RecordGap(feed, date string, g Gap) error {
	ctx, cancel := context.WithTimeout(context.Background(), ix.timeout)
	defer cancel()
	_, err := ix.pool.Exec(ctx, `
		INSERT INTO archive_gaps (feed, date, after_seq, missing_count, detected_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (feed, after_seq) DO NOTHING`,
		feed, date, int64(g.AfterSeq), int64(g.MissingCount), g.DetectedAt)
	return err
}

// Close releases the pool.
func (ix *Index) Close() {
	ix.pool.Close()
}
