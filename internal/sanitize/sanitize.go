// ABOUTME: Guards for raw inputs that cannot be passed as bound SQL parameters
// ABOUTME: Rejects injection keywords, path traversal and control characters early

package sanitize

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/2389/coven-courier/internal/apperr"
)

// identifierPattern matches plain SQL identifiers (table and column names).
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// suspicious lists fragments that never belong in identifiers or file paths.
var suspicious = []string{
	"..",
	"--",
	"/*",
	"*/",
	";",
	"<script",
	"javascript:",
}

// injectionKeywords are rejected when they appear as whole words in free text
// destined for a non-parameterized fragment.
var injectionKeywords = []string{
	"drop", "delete", "insert", "update", "alter", "attach", "detach",
	"pragma", "union", "exec", "truncate",
}

// Identifier validates a SQL identifier before it is formatted into a query.
func Identifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return apperr.Validation("invalid_identifier", "identifier %q is not a plain SQL name", name)
	}
	lower := strings.ToLower(name)
	for _, kw := range injectionKeywords {
		if lower == kw {
			return apperr.Validation("invalid_identifier", "identifier %q is a reserved keyword", name)
		}
	}
	return nil
}

// Path validates a filesystem path supplied by a caller (backup targets,
// overflow roots). It returns the cleaned path.
func Path(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", apperr.Validation("invalid_path", "path is empty")
	}
	if err := controlChars(p); err != nil {
		return "", err
	}
	// Traversal is checked on the raw input; Clean would hide it.
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return "", apperr.Validation("invalid_path", "path %q contains traversal", p)
		}
	}
	lower := strings.ToLower(p)
	for _, s := range suspicious {
		if s == ".." {
			continue
		}
		if strings.Contains(lower, s) {
			return "", apperr.Validation("invalid_path", "path %q contains %q", p, s)
		}
	}
	return filepath.Clean(p), nil
}

// Text validates free text that may end up in a non-parameterized fragment.
// Ordinary message content is always bound as a parameter and never passes
// through here.
func Text(s string) error {
	if err := controlChars(s); err != nil {
		return err
	}
	lower := strings.ToLower(s)
	for _, frag := range suspicious {
		if strings.Contains(lower, frag) {
			return apperr.Validation("suspicious_input", "input contains %q", frag)
		}
	}
	for _, word := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	}) {
		for _, kw := range injectionKeywords {
			if word == kw {
				return apperr.Validation("suspicious_input", "input contains keyword %q", kw)
			}
		}
	}
	return nil
}

// Line validates single-line text such as subjects and tags: no control
// characters at all, including tabs and newlines.
func Line(s string) error {
	for _, r := range s {
		if unicode.IsControl(r) {
			return apperr.Validation("control_character", "input contains control character %U", r)
		}
	}
	return nil
}

func controlChars(s string) error {
	for _, r := range s {
		if r == 0 || (unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r') {
			return apperr.Validation("control_character", "input contains control character %U", r)
		}
	}
	return nil
}
