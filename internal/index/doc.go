// Package index is the retrieval side of the courier: full-text search,
// the tag index, tag suggestions, message statistics and related messages.
//
// The FTS5 table messages_fts mirrors the subject and summary of every
// message through triggers, so it changes in the same transaction as the row
// it indexes. The message_tags table holds each message's own tags and, for
// messages with fewer than MinTags of them, terms derived from the markdown
// content. Both can be recreated from the message rows with Rebuild.
//
// Scores lie in (0, 1]. A text hit blends its bm25 rank, normalized against
// the best hit of the same query, with how many query terms show up in the
// subject and snippet. Tag-only searches score every match 1.
package index
