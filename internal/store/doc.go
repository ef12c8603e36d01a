// Package store is the message store: messages, responses and the
// conversation aggregate of every thread, persisted through internal/storage.
//
// # Messages
//
// A message gets a TYPE-NNN id from a per-type sequence (ARCH-001, Q-014),
// or <parent>.<n> when created as a branch of another message. Content up to
// SummaryLimit characters is stored inline as the summary. Longer content is
// written to the ContentStore and the summary keeps its first SummaryLimit
// characters followed by Ellipsis; reads at DetailFull return the original
// bytes from the content store.
//
// Status moves forward only:
//
//	pending → read → responded → resolved → archived
//
// and cancelled is reachable from any state that is not archived or
// cancelled.
//
// # Dependencies
//
// Dependency edges form a DAG. CreateMessage and AddDependencies walk the
// graph depth first from the written message, keeping the current path on a
// recursion stack, and reject an edge that would close a cycle with
// code cyclic_dependency. The walk is bounded by MaxDependencyDepth and a
// fixed visit budget.
//
// # Transactions
//
// Each write runs in one storage transaction: id allocation, thread creation,
// dependency checks, the message row and its side tables, the Indexer call
// and the conversation aggregate commit or roll back together. Participant
// checks happen before the transaction opens so denials stay audited.
//
// # Compaction
//
// CompactThread condenses resolved threads. The synopsis is stored next to
// the original summary, never instead of it.
package store
