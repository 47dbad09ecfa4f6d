package store

import "time"

// Approval states a memory moves through.
const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Team struct {
	ID        string
	Name      string
	CreatedBy string
	CreatedAt time.Time
}

type TeamMembership struct {
	TeamID    string
	UserID    string
	Role      string
	CreatedAt time.Time
}

// Context groups memories under a name, scoped either to a user or to a team.
type Context struct {
	ID        string
	Name      string
	OwnerID   string
	TeamID    string
	CreatedAt time.Time
}

type Memory struct {
	ID             string
	OwnerID        string
	TeamID         string
	ContextID      string
	ContextName    string
	Content        string
	RedactionCount int
	ApprovalStatus string
	SubmittedBy    string
	Tags           []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type MemoryTag struct {
	MemoryID   string
	Tag        string
	Source     string
	Confidence float64
}

type MemoryRelation struct {
	FromID    string
	ToID      string
	Kind      string
	CreatedBy string
	CreatedAt time.Time
}

// Approval is one transition in a memory's review history.
type Approval struct {
	ID         int64
	MemoryID   string
	FromStatus string
	Status     string
	ActorID    string
	ActorName  string
	Comment    string
	CreatedAt  time.Time
}

type TimelineEvent struct {
	ID        int64
	Type      string
	ActorID   string
	ActorName string
	MemoryID  string
	TeamID    string
	Payload   map[string]any
	CreatedAt time.Time
}

// MemorySearchHit is a full-text match with its backend-specific rank.
type MemorySearchHit struct {
	MemoryID string
	Rank     float64
	Snippet  string
}
