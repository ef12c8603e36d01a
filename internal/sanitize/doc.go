// Package sanitize rejects dangerous raw inputs before they reach storage.
//
// Values bound as SQL parameters never need this package. It exists for the
// few places where a caller-influenced value is formatted into SQL text or used
// as a filesystem path: table names in statistics queries, backup targets and
// the overflow content root.
package sanitize
