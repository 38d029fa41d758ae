package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a change to the user aggregate. Assignment and removal
// are distinct kinds so consumers never have to diff state to tell them apart.
type EventKind string

const (
	EventUserProvisioned   EventKind = "user.provisioned"
	EventProviderLinked    EventKind = "user.provider_linked"
	EventRoleAssigned      EventKind = "user.role_assigned"
	EventRoleRemoved       EventKind = "user.role_removed"
	EventPermissionGranted EventKind = "user.permission_granted"
	EventPermissionRevoked EventKind = "user.permission_revoked"
	EventUserDeactivated   EventKind = "user.deactivated"
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	return string(k)
}

// Event is a domain event recorded by the user aggregate.
type Event struct {
	Kind   EventKind `json:"kind"`
	UserID uuid.UUID `json:"user_id"`

	// Subject is the role name, permission name or provider the event
	// concerns. Empty for events about the user itself.
	Subject    string    `json:"subject,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
