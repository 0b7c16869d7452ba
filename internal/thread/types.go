package thread

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who produced a turn.
type Role string

const (
	// RoleUser marks turns containing the end user's message.
	RoleUser Role = "user"
	// RoleAssistant marks turns containing the assistant's answer.
	RoleAssistant Role = "assistant"
	// RoleTool marks turns carrying merged tool observations.
	RoleTool Role = "tool"
)

// Valid reports whether the role is one of the three persisted roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Thread is one conversation with its identity, tenancy binding and an
// optimistic concurrency version. Turns holds the most recently loaded
// window of the conversation in ascending sequence order; it is not
// necessarily the full history.
type Thread struct {
	ID            uuid.UUID
	OwnerID       string
	SchemaBinding string
	Context       map[string]string
	Version       int64
	TurnCount     int
	Turns         []Turn
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Turn is a single persisted conversation entry. Seq is assigned by the
// store at commit time and is unique and gapless per thread.
type Turn struct {
	ID        uuid.UUID
	ThreadID  uuid.UUID
	Role      Role
	Text      string
	Meta      map[string]any
	Seq       int
	CreatedAt time.Time
}

// NewTurn builds an uncommitted turn. ID is minted here so a turn can be
// referenced in events before the store assigns its sequence number.
func NewTurn(role Role, text string, meta map[string]any) *Turn {
	return &Turn{
		ID:   uuid.New(),
		Role: role,
		Text: text,
		Meta: meta,
	}
}
