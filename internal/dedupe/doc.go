// Package dedupe remembers which message an idempotency key produced so a
// retried create returns the original message instead of a duplicate.
// Entries live for a configurable TTL and the cache is bounded in size.
package dedupe
