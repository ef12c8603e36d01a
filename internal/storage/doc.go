// Package storage owns the physical SQLite database handle for coven-courier.
//
// # SQLite Configuration
//
// Every pooled connection is opened with these pragmas (passed as modernc
// _pragma DSN parameters so they apply per connection):
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//	PRAGMA synchronous=NORMAL;
//	PRAGMA cache_size=-8192;
//	PRAGMA auto_vacuum=INCREMENTAL;
//	PRAGMA temp_store=MEMORY;
//
// Transactions begin IMMEDIATE, so at most one writer holds the lock and
// readers continue against the last committed snapshot.
//
// # Transactions
//
// DB.Transaction carries the open *sql.Tx in the context. Any DB method called
// with that context (Exec, Query, QueryRow, Prepare, Querier) joins it, and a
// nested Transaction call runs inside the outer scope without committing.
//
// # Errors
//
// Driver failures are wrapped into apperr storage errors with the codes
// constraint_violation, busy, corrupt, io and integrity_check_failed.
package storage
