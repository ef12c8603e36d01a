// Package audit records security-relevant events: migrations, participant
// registration and status changes, denied permissions, destructive message
// actions, backups and maintenance runs.
//
// Producers hold a Sink and call Record. LogSink writes structured log
// lines; StoreSink persists to the audit_log table; Multi fans out to both.
// Record never returns an error, so a broken sink cannot fail the operation
// being audited.
package audit
