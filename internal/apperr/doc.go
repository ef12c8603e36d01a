// Package apperr defines the error taxonomy used across coven-courier.
//
// Four kinds exist:
//
//   - validation: malformed input, unknown participants, cyclic dependencies,
//     oversized content. Fixed by the caller; never retried automatically.
//   - storage: I/O failures, constraint violations, integrity failures. Carries
//     the affected entity so callers can decide whether to retry.
//   - permission: denied authorization, distinct from validation.
//   - migration: fatal to a migration attempt. ManualIntervention marks failures
//     that left schema changes in place.
//
// Errors compare with errors.Is on kind and code:
//
//	if errors.Is(err, &apperr.Error{Kind: apperr.KindValidation, Code: "cyclic_dependency"}) {
//		...
//	}
package apperr
