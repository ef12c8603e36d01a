// ABOUTME: Message, response and conversation types for the coven-courier message store
// ABOUTME: Enumerations, limits and the status transition rules live here

package store

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Limits enforced on writes.
const (
	// SummaryLimit is the inline threshold in characters (code points).
	SummaryLimit = 500
	// Ellipsis marks a truncated summary.
	Ellipsis = "..."

	MaxSubjectLength   = 200
	MaxTags            = 32
	MaxTagLength       = 64
	MaxRecipients      = 64
	MaxDependencies    = 64
	MaxDependencyDepth = 64

	// dependencyVisitBudget caps distinct nodes expanded during cycle detection.
	dependencyVisitBudget = 10_000

	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Type classifies a message.
type Type string

const (
	TypeArch      Type = "arch"
	TypeContract  Type = "contract"
	TypeSync      Type = "sync"
	TypeUpdate    Type = "update"
	TypeQuestion  Type = "q"
	TypeEmergency Type = "emergency"
	TypeBroadcast Type = "broadcast"
)

// Types lists every message type.
var Types = []Type{TypeArch, TypeContract, TypeSync, TypeUpdate, TypeQuestion, TypeEmergency, TypeBroadcast}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return slices.Contains(Types, t)
}

// Prefix is the id prefix for messages of this type, e.g. "ARCH".
func (t Type) Prefix() string {
	return strings.ToUpper(string(t))
}

// RequiresResponse reports whether messages of this type expect an answer.
func (t Type) RequiresResponse() bool {
	return t != TypeUpdate && t != TypeBroadcast
}

// Priority orders messages by urgency.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "H"
	PriorityMedium   Priority = "M"
	PriorityLow      Priority = "L"
)

// Priorities lists every priority, highest first.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return slices.Contains(Priorities, p)
}

// Status is a message's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRead      Status = "read"
	StatusResponded Status = "responded"
	StatusResolved  Status = "resolved"
	StatusArchived  Status = "archived"
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status.
var Statuses = []Status{StatusPending, StatusRead, StatusResponded, StatusResolved, StatusArchived, StatusCancelled}

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRead:      1,
	StatusResponded: 2,
	StatusResolved:  3,
	StatusArchived:  4,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(Statuses, s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusArchived || s == StatusCancelled
}

// Closed reports whether the message no longer keeps its thread active.
func (s Status) Closed() bool {
	return s == StatusResolved || s.Terminal()
}

// CanTransition reports whether from → to is allowed. Transitions only move
// forward along pending → read → responded → resolved → archived, and
// cancelled is reachable from any non-terminal state.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	return ok1 && ok2 && tr > fr
}

// ResolutionStatus qualifies a response or resolution.
type ResolutionStatus string

const (
	ResolutionPartial          ResolutionStatus = "partial"
	ResolutionComplete         ResolutionStatus = "complete"
	ResolutionRequiresFollowup ResolutionStatus = "requires_followup"
	ResolutionBlocked          ResolutionStatus = "blocked"
)

// Valid reports whether r is a known resolution status.
func (r ResolutionStatus) Valid() bool {
	switch r {
	case ResolutionPartial, ResolutionComplete, ResolutionRequiresFollowup, ResolutionBlocked:
		return true
	}
	return false
}

// Detail selects how much of a message a read returns.
type Detail string

const (
	DetailIndex   Detail = "index"   // ids and subjects only
	DetailSummary Detail = "summary" // adds summary, tags, status
	DetailFull    Detail = "full"    // reconstructs complete content
)

// Valid reports whether d is a known detail level.
func (d Detail) Valid() bool {
	return d == DetailIndex || d == DetailSummary || d == DetailFull
}

// Order selects result ordering by creation time.
type Order string

const (
	NewestFirst Order = "newest"
	OldestFirst Order = "oldest"
)

// Message is the core unit of coordination.
type Message struct {
	ID       string
	ThreadID string
	From     string
	To       []string

	Type     Type
	Priority Priority
	Status   Status

	Subject    string
	Summary    string
	ContentRef string // set only when content exceeded SummaryLimit
	Content    string // populated at DetailFull

	Tags         []string
	Dependencies []string

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time

	ResolutionStatus ResolutionStatus
	ResolvedAt       *time.Time
	ResolvedBy       string

	SemanticVector    []byte
	SuggestedApproach json.RawMessage

	CompactSummary string
	CompactedAt    *time.Time
}

// Overflowed reports whether the full content lives in the overflow store.
func (m *Message) Overflowed() bool {
	return m.ContentRef != ""
}

// Expired reports whether the message has passed its expiry at now.
func (m *Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// IsDecision reports whether compaction treats the message as a decision record.
func (m *Message) IsDecision() bool {
	return m.Type == TypeArch || m.Type == TypeContract || slices.Contains(m.Tags, "decision")
}

// Involves reports whether participant sent or received the message.
func (m *Message) Involves(participant string) bool {
	return m.From == participant || slices.Contains(m.To, participant)
}

// CreateInput carries the caller's fields for CreateMessage.
type CreateInput struct {
	To       []string
	Type     Type
	Priority Priority // defaults to the sender's default priority
	Subject  string
	Content  string
	Tags     []string

	Dependencies []string

	// At most one of ThreadID, ReplyTo and BranchOf picks an existing thread.
	// ThreadID and ReplyTo may both be given if they agree.
	ThreadID string
	ReplyTo  string
	BranchOf string // new id becomes <BranchOf>.<n>

	ExpiresInHours    int
	SuggestedApproach json.RawMessage
	SemanticVector    []byte

	// IdempotencyKey makes retries return the originally created message.
	IdempotencyKey string
}

// Response is one reply to a message.
type Response struct {
	ID               string
	MessageID        string
	Responder        string
	Summary          string
	ContentRef       string
	Content          string // populated at DetailFull
	ResolutionStatus ResolutionStatus
	CreatedAt        time.Time
}

// ConversationStatus is a thread's derived state.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationResolved ConversationStatus = "resolved"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation is the aggregate for one thread.
type Conversation struct {
	ThreadID     string
	Topic        string
	Participants []string
	Tags         []string
	Status       ConversationStatus
	MessageCount int
	CreatedAt    time.Time
	LastActivity time.Time
	CompactedAt  *time.Time
}

// Filter narrows GetMessages.
type Filter struct {
	Participant    string // sender or recipient; defaults to the caller
	Statuses       []Status
	Types          []Type
	Priorities     []Priority
	SinceHours     int
	ThreadID       string
	ExcludeExpired bool
	Detail         Detail // default summary
	Limit          int    // default 50, max 500
	Offset         int
	Order          Order // default newest first
}
