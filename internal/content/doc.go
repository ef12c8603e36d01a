// Package content stores message bodies that exceed the inline summary limit.
//
// Blobs are addressed by a keyed BLAKE3 hash of the uncompressed bytes and
// written zstd-compressed under a two-level fan-out directory:
//
//	<root>/ab/abcdef...0123.zst
//
// A ref looks like "blake3:<64 hex chars>". Put is idempotent and writes
// through a temp file and rename, so a crash never leaves a partial blob
// behind a valid ref. Get verifies the hash before returning data.
//
// Blobs are written before the referencing row commits. A rolled-back
// transaction therefore leaves an orphan, which Prune removes once it is
// older than the grace period.
package content
