package cmd

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

const lookupSchema = `
CREATE TABLE IF NOT EXISTS buckets (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS lookup (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  TEXT NOT NULL,
	PRIMARY KEY (bucket, key)
) WITHOUT ROWID;`

// sqliteLookup serves bucket tables packed into one SQLite file.
type sqliteLookup struct {
	db *sql.DB
}

func openSQLiteLookup(path string) (*sqliteLookup, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	var n int
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('lookup', 'buckets')`).Scan(&n)
	if err != nil || n != 2 {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s is not a packed lookup database", errLookupTablesNotFound, path)
	}
	return &sqliteLookup{db: db}, nil
}

func (s *sqliteLookup) loadBucket(bucket string) (map[string]string, error) {
	var name string
	err := s.db.QueryRow(`SELECT name FROM buckets WHERE name = ?`, bucket).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup table for bucket %s: not packed", bucket)
	}
	if err != nil {
		return nil, fmt.Errorf("select bucket: %w", err)
	}

	rows, err := s.db.Query(`SELECT key, value FROM lookup WHERE bucket = ?`, bucket)
	if err != nil {
		return nil, fmt.Errorf("select lookup: %w", err)
	}
	defer func() { _ = rows.Close() }()
	table := make(map[string]string, 1<<12)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		table[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lookup: %w", err)
	}
	return table, nil
}

func (s *sqliteLookup) Close() error {
	return s.db.Close()
}

type packResult struct {
	Buckets int
	Entries int64
}

// packLookupTables loads every <bucket>.tsv under dir into a new SQLite file.
func packLookupTables(cfg Config, dir, dbPath string) (packResult, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.tsv"))
	if err != nil {
		return packResult{}, fmt.Errorf("list tables: %w", err)
	}
	if len(files) == 0 {
		return packResult{}, fmt.Errorf("%w: no .tsv tables in %s", errLookupTablesNotFound, dir)
	}
	sort.Strings(files)
	if pathExists(dbPath) {
		return packResult{}, fmt.Errorf("destination exists: %s", dbPath)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return packResult{}, fmt.Errorf("create dirs: %w", err)
	}

	db, err := openPackDB(dbPath)
	if err != nil {
		return packResult{}, err
	}
	defer func() { _ = db.Close() }()

	var res packResult
	bar := newProgress(len(files), cfg.Progress, "pack")
	for _, path := range files {
		bucket := strings.TrimSuffix(filepath.Base(path), ".tsv")
		n, err := packBucket(cfg, db, bucket, path)
		if err != nil {
			return res, err
		}
		res.Buckets++
		res.Entries += n
		bar.increment()
	}
	bar.finish()
	cfg.logger().Infof("Packed %d lookup tables (%s entries) -> %s", res.Buckets, humanize.Comma(res.Entries), dbPath)
	return res, nil
}

// openPackDB opens the bulk-load destination on a single connection so the
// per-connection pragmas hold for every bucket transaction.
func openPackDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode = OFF; PRAGMA synchronous = OFF;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(lookupSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create lookup schema: %w", err)
	}
	return db, nil
}

func packBucket(cfg Config, db *sql.DB, bucket, path string) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO lookup (bucket, key, value) VALUES (?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var n int64
	opts := defaultTableOptions(cfg.workers())
	opts.MinFields = 2
	err = scanTableFile(path, opts, func(row tableRow) error {
		if _, err := stmt.Exec(bucket, string(row.Fields[0]), string(row.Fields[1])); err != nil {
			return fmt.Errorf("line %d: insert: %w", row.Line, err)
		}
		n++
		return nil
	})
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO buckets (name) VALUES (?)`, bucket); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("insert bucket: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", bucket, err)
	}
	return n, nil
}

func runPackLookup(args []string) {
	fs := flag.NewFlagSet("pack-lookup", flag.ExitOnError)
	dir := fs.String("tables", "", "Directory of <bucket>.tsv lookup tables")
	output := fs.String("output", "lookup.db", "Output SQLite file")
	common := registerCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		fatalf("parse args failed: %v", err)
	}
	if *dir == "" {
		fatalf("tables is required")
	}
	cfg := common.config()
	if _, err := packLookupTables(cfg, *dir, *output); err != nil {
		fatalf("pack-lookup failed: %v", err)
	}
	if err := cfg.finish(); err != nil {
		fatalf("pack-lookup failed: %v", err)
	}
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
