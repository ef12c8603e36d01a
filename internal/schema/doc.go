// Package schema evolves the coven-courier database between versions.
//
// # Versioning
//
// The schema version lives in the schema_meta key-value table under
// "schema_version". It is the only version source: PRAGMA user_version is
// never read or written, so the value survives tools that copy rows without
// understanding engine pragmas. Applied steps are also listed in
// schema_migrations.
//
// # Steps
//
// Migrations are embedded SQL files named NNNN_name.up.sql with an optional
// NNNN_name.down.sql. A step without a down script is irreversible and
// Rollback refuses it. Each step:
//
//  1. runs PRAGMA integrity_check and the destructive-statement scan
//  2. saves a checkpoint (version, message and participant counts)
//  3. runs the script, bumps the version and records history in one transaction
//  4. re-checks version, integrity, row counts and foreign keys
//
// A failure in step 4 leaves the change in place and returns an error with
// ManualIntervention set.
package schema
