// ABOUTME: Participant entity, identifier rules and the admission validator
// ABOUTME: Participants are deactivated, never deleted

package participant

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-courier/internal/apperr"
)

// Status is a participant's availability.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusMaintenance Status = "maintenance"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusMaintenance:
		return true
	}
	return false
}

// Priorities a participant may use as its default, highest first.
var Priorities = []string{"CRITICAL", "H", "M", "L"}

// DefaultMaxMessageBytes is the content ceiling applied when a Validator
// leaves MaxMessageBytes unset.
const DefaultMaxMessageBytes = 100 << 10

// Participant is a known sender or recipient.
type Participant struct {
	ID              string
	Capabilities    []string
	Status          Status
	DefaultPriority string
	LastSeen        *time.Time
	CreatedAt       time.Time
}

// HasCapability reports whether the participant holds capability c.
func (p *Participant) HasCapability(c string) bool {
	return slices.Contains(p.Capabilities, c)
}

var idRe = regexp.MustCompile(`^@[A-Za-z][A-Za-z0-9_-]{1,30}$`)

// reserved names cannot be registered or addressed.
var reserved = map[string]bool{
	"@system":   true,
	"@admin":    true,
	"@root":     true,
	"@all":      true,
	"@everyone": true,
	"@courier":  true,
}

// ErrNotFound matches any unknown-participant error via errors.Is.
var ErrNotFound = &apperr.Error{Kind: apperr.KindValidation, Code: "unknown_participant"}

// ValidateID checks that id is well formed and not reserved.
func ValidateID(id string) error {
	if !idRe.MatchString(id) {
		return apperr.Validation("invalid_participant_id",
			"participant id must match @[A-Za-z][A-Za-z0-9_-]{1,30}").WithEntity(id)
	}
	if reserved[strings.ToLower(id)] {
		return apperr.Validation("reserved_participant_id", "participant id is reserved").WithEntity(id)
	}
	return nil
}

// IsReserved reports whether id is one of the reserved names.
func IsReserved(id string) bool {
	return reserved[strings.ToLower(id)]
}

// NormalizeCapabilities trims, drops empties, de-duplicates and sorts.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		c = strings.TrimSpace(c)
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

// Validator admits writes from a participant.
type Validator struct {
	MaxMessageBytes int
}

// Admit checks that p is active and contentBytes is within the ceiling.
func (v Validator) Admit(p *Participant, contentBytes int) error {
	if p.Status != StatusActive {
		return apperr.Validation("participant_inactive", "participant is %s", p.Status).WithEntity(p.ID)
	}
	limit := v.MaxMessageBytes
	if limit <= 0 {
		limit = DefaultMaxMessageBytes
	}
	if contentBytes > limit {
		return apperr.Validation("content_too_large", "content is %d bytes, limit is %d", contentBytes, limit).
			WithEntity(p.ID).
			WithDetail("bytes", contentBytes).
			WithDetail("limit", limit)
	}
	return nil
}
