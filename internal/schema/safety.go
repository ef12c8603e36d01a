// ABOUTME: Static scan rejecting destructive statements in migration scripts
// ABOUTME: Flags unguarded DROP TABLE, unconditional DELETE FROM and TRUNCATE

package schema

import (
	"regexp"
	"strings"

	"github.com/2389/coven-courier/internal/apperr"
)

var (
	lineCommentRe  = regexp.MustCompile(`--[^\n]*`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLitRe    = regexp.MustCompile(`'(?:[^']|'')*'`)

	dropTableRe = regexp.MustCompile(`(?i)\bDROP\s+TABLE\s+(IF\s+EXISTS\b)?`)
	deleteFrom  = regexp.MustCompile(`(?i)\bDELETE\s+FROM\b`)
	whereRe     = regexp.MustCompile(`(?i)\bWHERE\b`)
	truncateRe  = regexp.MustCompile(`(?i)\bTRUNCATE\b`)
)

func stripComments(script string) string {
	script = blockCommentRe.ReplaceAllString(script, " ")
	return lineCommentRe.ReplaceAllString(script, " ")
}

// CheckScript returns a validation error listing every destructive statement
// in script. Comments and string literals are ignored.
func CheckScript(script string) error {
	clean := stringLitRe.ReplaceAllString(stripComments(script), "''")

	var problems []string
	for _, m := range dropTableRe.FindAllStringSubmatch(clean, -1) {
		if m[1] == "" {
			problems = append(problems, "DROP TABLE without IF EXISTS")
		}
	}
	for _, stmt := range strings.Split(clean, ";") {
		if deleteFrom.MatchString(stmt) && !whereRe.MatchString(stmt) {
			problems = append(problems, "DELETE FROM without WHERE")
		}
	}
	if truncateRe.MatchString(clean) {
		problems = append(problems, "TRUNCATE")
	}

	if len(problems) > 0 {
		return apperr.Validation("unsafe_script", "script contains destructive statements").
			WithDetail("problems", problems)
	}
	return nil
}
