// ABOUTME: Backup, compaction, integrity checks and file statistics for the storage connection
// ABOUTME: Long-running work is opportunistic and safe to retry

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-courier/internal/apperr"
	"github.com/2389/coven-courier/internal/sanitize"
)

// Backup writes a point-in-time consistent copy of the database to path.
// VACUUM INTO reads inside a single read transaction, so concurrent writers
// neither block it for long nor leak into the copy.
func (db *DB) Backup(ctx context.Context, path string) error {
	if InTransaction(ctx) {
		return apperr.Validation("backup_in_transaction", "backup cannot run inside a transaction")
	}
	target, err := sanitize.Path(path)
	if err != nil {
		return err
	}
	if _, err := os.Stat(target); err == nil {
		return apperr.Validation("backup_exists", "backup target already exists").WithEntity(target)
	} else if !errors.Is(err, os.ErrNotExist) {
		return apperr.Storage("io", err, "checking backup target").WithEntity(target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return apperr.Storage("io", err, "creating backup directory").WithEntity(target)
	}

	if _, err := db.sql.ExecContext(ctx, `VACUUM INTO ?`, target); err != nil {
		return Wrap(err, target, "backing up database")
	}
	db.logger.Info("database backed up", "target", target)
	return nil
}

// CheckpointResult reports the outcome of a WAL checkpoint.
type CheckpointResult struct {
	Busy               bool
	LogFrames          int
	CheckpointedFrames int
}

// MaintenanceResult reports what Maintenance did.
type MaintenanceResult struct {
	Checkpoint     CheckpointResult
	FreePagesFreed int64
}

// Maintenance checkpoints the write-ahead log, reclaims free pages and
// refreshes planner statistics. A busy checkpoint is reported, not failed;
// the caller retries on the next run.
func (db *DB) Maintenance(ctx context.Context) (*MaintenanceResult, error) {
	if InTransaction(ctx) {
		return nil, apperr.Validation("maintenance_in_transaction", "maintenance cannot run inside a transaction")
	}

	var res MaintenanceResult
	var busy int
	err := db.sql.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`).
		Scan(&busy, &res.Checkpoint.LogFrames, &res.Checkpoint.CheckpointedFrames)
	if err != nil {
		return nil, Wrap(err, "", "checkpointing wal")
	}
	res.Checkpoint.Busy = busy != 0

	before, err := db.pragmaInt(ctx, "freelist_count")
	if err != nil {
		return nil, err
	}
	if _, err := db.sql.ExecContext(ctx, `PRAGMA incremental_vacuum`); err != nil {
		return nil, Wrap(err, "", "incremental vacuum")
	}
	after, err := db.pragmaInt(ctx, "freelist_count")
	if err != nil {
		return nil, err
	}
	res.FreePagesFreed = before - after

	if _, err := db.sql.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return nil, Wrap(err, "", "optimizing")
	}

	db.logger.Info("maintenance complete",
		"checkpoint_busy", res.Checkpoint.Busy,
		"log_frames", res.Checkpoint.LogFrames,
		"checkpointed_frames", res.Checkpoint.CheckpointedFrames,
		"pages_freed", res.FreePagesFreed,
	)
	return &res, nil
}

// IntegrityCheck runs PRAGMA integrity_check and returns a typed storage
// error listing the problems when the result is not "ok".
func (db *DB) IntegrityCheck(ctx context.Context) error {
	rows, err := db.Query(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return Wrap(err, "", "scanning integrity check")
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return Wrap(err, "", "iterating integrity check")
	}
	if len(problems) > 0 {
		return apperr.Storage("integrity_check_failed", nil, "integrity check reported %d problems", len(problems)).
			WithDetail("problems", problems)
	}
	return nil
}

// ForeignKeyViolation is one row of PRAGMA foreign_key_check.
type ForeignKeyViolation struct {
	Table  string
	RowID  int64
	Parent string
}

// ForeignKeyViolations lists referential integrity violations.
func (db *DB) ForeignKeyViolations(ctx context.Context) ([]ForeignKeyViolation, error) {
	rows, err := db.Query(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ForeignKeyViolation
	for rows.Next() {
		var v ForeignKeyViolation
		var rowid *int64
		var fkid int
		if err := rows.Scan(&v.Table, &rowid, &v.Parent, &fkid); err != nil {
			return nil, Wrap(err, "", "scanning foreign key check")
		}
		if rowid != nil {
			v.RowID = *rowid
		}
		out = append(out, v)
	}
	return out, Wrap(rows.Err(), "", "iterating foreign key check")
}

// Info describes the database file for operational visibility.
type Info struct {
	Path          string
	FileSize      int64
	WALSize       int64
	PageSize      int64
	PageCount     int64
	FreelistCount int64
	JournalMode   string
}

// Stats is Info plus row counts for the requested tables.
type Stats struct {
	Info
	Tables map[string]int64
}

// Info returns file size, page accounting and WAL size.
func (db *DB) Info(ctx context.Context) (*Info, error) {
	info := &Info{Path: db.path}

	if fi, err := os.Stat(db.path); err == nil {
		info.FileSize = fi.Size()
	}
	if fi, err := os.Stat(db.path + "-wal"); err == nil {
		info.WALSize = fi.Size()
	}

	var err error
	if info.PageSize, err = db.pragmaInt(ctx, "page_size"); err != nil {
		return nil, err
	}
	if info.PageCount, err = db.pragmaInt(ctx, "page_count"); err != nil {
		return nil, err
	}
	if info.FreelistCount, err = db.pragmaInt(ctx, "freelist_count"); err != nil {
		return nil, err
	}
	if err := db.QueryRow(ctx, `PRAGMA journal_mode`).Scan(&info.JournalMode); err != nil {
		return nil, Wrap(err, "", "reading journal mode")
	}
	return info, nil
}

// Stats returns Info plus row counts. Tables that do not exist are skipped.
func (db *DB) Stats(ctx context.Context, tables []string) (*Stats, error) {
	info, err := db.Info(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Info: *info, Tables: make(map[string]int64, len(tables))}
	for _, table := range tables {
		n, ok, err := db.CountRows(ctx, table)
		if err != nil {
			return nil, err
		}
		if ok {
			st.Tables[table] = n
		}
	}
	return st, nil
}

// CountRows counts rows in table. ok is false when the table does not exist.
func (db *DB) CountRows(ctx context.Context, table string) (n int64, ok bool, err error) {
	if err := sanitize.Identifier(table); err != nil {
		return 0, false, err
	}
	exists, err := db.TableExists(ctx, table)
	if err != nil || !exists {
		return 0, false, err
	}
	// The name passed the identifier guard above; it cannot be bound.
	query := fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)
	if err := db.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, false, Wrap(err, table, "counting rows")
	}
	return n, true, nil
}

func (db *DB) pragmaInt(ctx context.Context, name string) (int64, error) {
	if err := sanitize.Identifier(name); err != nil {
		return 0, err
	}
	var v int64
	if err := db.QueryRow(ctx, "PRAGMA "+strings.ToLower(name)).Scan(&v); err != nil {
		return 0, Wrap(err, "", "reading pragma %s", name)
	}
	return v, nil
}
