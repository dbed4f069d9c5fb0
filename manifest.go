package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Product generation states recorded in the manifest.
const (
	statusRunning  = "running"
	statusComplete = "complete"
	statusFailed   = "failed"
)

// Manifest is a SQLite sidecar index mapping batch files to products. It
// tells the dedupe phase whether a product's batches are complete.
type Manifest struct {
	db *sql.DB
}

// ProductRecord is the manifest row of one product.
type ProductRecord struct {
	Product string
	RunID   string
	Status  string
	Digest  string
	Rows    int64
	Batches int
	Error   string
}

// OpenManifest opens (or creates) the manifest database at path.
func OpenManifest(path string) (*Manifest, error) {
	if path == "" {
		return nil, fmt.Errorf("empty manifest path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Generation workers share one connection; SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("manifest %s: %w", p, err)
		}
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			tables_digest TEXT NOT NULL,
			max_mixins INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS products (
			product TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			row_count INTEGER NOT NULL DEFAULT 0,
			batches INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS batches (
			file TEXT PRIMARY KEY,
			product TEXT NOT NULL,
			seq INTEGER NOT NULL,
			row_count INTEGER NOT NULL,
			run_id TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS batches_product ON batches(product, seq);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("manifest schema: %w", err)
		}
	}
	return &Manifest{db: db}, nil
}

func (m *Manifest) Close() error { return m.db.Close() }

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// BeginRun records a generation run.
func (m *Manifest) BeginRun(ctx context.Context, runID, digest string, maxMixins int) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, started_at, tables_digest, max_mixins) VALUES(?, ?, ?, ?)`,
		runID, now(), digest, maxMixins)
	return err
}

// StartProduct marks product as running and forgets its previous batches.
func (m *Manifest) StartProduct(ctx context.Context, runID, product string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE product = ?`, product); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO products(product, run_id, status, row_count, batches, error, updated_at)
		 VALUES(?, ?, ?, 0, 0, '', ?)
		 ON CONFLICT(product) DO UPDATE SET
		   run_id = excluded.run_id, status = excluded.status, row_count = 0, batches = 0,
		   error = '', updated_at = excluded.updated_at`,
		product, runID, statusRunning, now()); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordBatch indexes one committed batch file.
func (m *Manifest) RecordBatch(ctx context.Context, runID string, b BatchInfo) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO batches(file, product, seq, row_count, run_id) VALUES(?, ?, ?, ?, ?)`,
		filepath.Base(b.Path), b.Product, b.Seq, b.Rows, runID)
	return err
}

// FinishProduct records the outcome of a product's generation. A nil genErr
// marks it complete.
func (m *Manifest) FinishProduct(ctx context.Context, product string, rows int64, batches int, genErr error) error {
	status, msg := statusComplete, ""
	if genErr != nil {
		status, msg = statusFailed, genErr.Error()
	}
	_, err := m.db.ExecContext(ctx,
		`UPDATE products SET status = ?, row_count = ?, batches = ?, error = ?, updated_at = ? WHERE product = ?`,
		status, rows, batches, msg, now(), product)
	return err
}

// Product returns the manifest record of product. ok is false when the
// product was never generated under this manifest.
func (m *Manifest) Product(ctx context.Context, product string) (rec ProductRecord, ok bool, err error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT p.product, p.run_id, p.status, COALESCE(r.tables_digest, ''), p.row_count, p.batches, p.error
		 FROM products p LEFT JOIN runs r ON r.run_id = p.run_id WHERE p.product = ?`, product)
	err = row.Scan(&rec.Product, &rec.RunID, &rec.Status, &rec.Digest, &rec.Rows, &rec.Batches, &rec.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return ProductRecord{}, false, nil
	}
	if err != nil {
		return ProductRecord{}, false, err
	}
	return rec, true, nil
}

// Batches returns the recorded batch files of product in sequence order.
func (m *Manifest) Batches(ctx context.Context, product string) ([]BatchInfo, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT file, seq, row_count FROM batches WHERE product = ? ORDER BY seq`, product)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchInfo
	for rows.Next() {
		b := BatchInfo{Product: product}
		if err := rows.Scan(&b.Path, &b.Seq, &b.Rows); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CheckComplete verifies that product finished generating and that files are
// exactly the batches it recorded, by name and sequence. tracked is false,
// with a nil error, when the manifest has never seen product.
func (m *Manifest) CheckComplete(ctx context.Context, product string, files []BatchFile) (rec ProductRecord, tracked bool, err error) {
	rec, tracked, err = m.Product(ctx, product)
	if err != nil || !tracked {
		return rec, tracked, err
	}
	if rec.Status != statusComplete {
		return rec, true, fmt.Errorf("%w: %q is %s %s", ErrIncompleteProduct, product, rec.Status, rec.Error)
	}
	if rec.Batches != len(files) {
		return rec, true, fmt.Errorf("%w: %q has %d batch files, manifest records %d",
			ErrIncompleteProduct, product, len(files), rec.Batches)
	}
	recorded, err := m.Batches(ctx, product)
	if err != nil {
		return rec, true, err
	}
	if len(recorded) != len(files) {
		return rec, true, fmt.Errorf("%w: %q has %d batch files, manifest lists %d",
			ErrIncompleteProduct, product, len(files), len(recorded))
	}
	for i, b := range recorded {
		if name := filepath.Base(files[i].Path); name != b.Path || files[i].Seq != b.Seq {
			return rec, true, fmt.Errorf("%w: %q batch %d is %s, manifest records %s",
				ErrIncompleteProduct, product, files[i].Seq, name, b.Path)
		}
	}
	return rec, true, nil
}
