// Package maintenance keeps a courier database healthy between writes.
//
// A Scheduler wakes at each tick of a cron expression (validated and
// evaluated with gronx), checkpoints and vacuums the database, and removes
// overflow blobs that no message or response references any more. Blobs
// younger than the orphan grace period are kept so content written by a
// transaction still in flight is never pruned.
package maintenance
