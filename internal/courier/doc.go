// Package courier wires a coven-courier database from its configuration.
//
// Open is the only place that knows how the pieces fit: it opens the
// storage connection, applies pending migrations, and hands one participant
// registry, content store and index engine to the message store. Callers
// use the exported fields directly; Close releases the database.
package courier
