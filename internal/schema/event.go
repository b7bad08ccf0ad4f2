// Package schema defines the canonical activity-log event schema for
// automation discovery. All events from connected platforms are normalized
// to this structure before detection.
package schema

import (
	"time"

	"github.com/google/uuid"
)

// Event represents one normalized activity-log event from a connected
// platform. Events are immutable once ingested.
type Event struct {
	// Required fields
	EventID   uuid.UUID `json:"event_id" validate:"required"`
	OrgID     string    `json:"org_id" validate:"required,max=128"`
	Platform  string    `json:"platform" validate:"required,platform_format"`
	EventType EventType `json:"event_type" validate:"required,event_type"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Actor     Actor     `json:"actor" validate:"required"`

	// Optional fields
	Resource *Resource `json:"resource,omitempty"`
	Metadata Metadata  `json:"metadata,omitempty"`

	// Internal fields (set by system)
	SchemaVersion string    `json:"schema_version"`
	ReceivedAt    time.Time `json:"received_at"`
}

// Actor is the entity that performed the action: a user, a service account,
// an OAuth client, or an unknown automated principal.
type Actor struct {
	ID    string `json:"id" validate:"required,max=256"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
}

// Resource identifies the object the event acted on. ExternalID is the
// platform-scoped identifier; resource identity for correlation purposes is
// the (Platform, ExternalID) pair, never Go object identity.
type Resource struct {
	ExternalID string `json:"external_id" validate:"required,max=512"`
	Type       string `json:"type,omitempty" validate:"max=64"`
	Name       string `json:"name,omitempty" validate:"max=1024"`
}

// Metadata carries the per-event-kind typed payload. Fields are populated
// by the upstream normalizer depending on EventType; detectors read only
// the fields their algorithm needs.
type Metadata struct {
	// Endpoint is the outbound API host for api_call events.
	Endpoint string `json:"endpoint,omitempty" validate:"max=512"`
	// ClientID identifies the OAuth client or integration for authorize events.
	ClientID string `json:"client_id,omitempty" validate:"max=256"`
	// UserAgent is the declared client string.
	UserAgent string `json:"user_agent,omitempty" validate:"max=512"`
	// Scopes granted on authorize / permission_change events.
	Scopes []string `json:"scopes,omitempty"`
	// PermissionLevel after a permission_change (read, write, admin, owner).
	PermissionLevel string `json:"permission_level,omitempty" validate:"omitempty,oneof=read write admin owner"`
	// ByteSize of transferred payload for data_export / file events.
	ByteSize int64 `json:"byte_size,omitempty" validate:"min=0"`
	// Name is the naming string of a created object, used for
	// sequential-name detection.
	Name string `json:"name,omitempty" validate:"max=1024"`
	// ContextTag is a declared business-context tag (workflow id, ticket id).
	ContextTag string `json:"context_tag,omitempty" validate:"max=256"`
	// Marker is a payload content marker matched against signature catalogs.
	Marker string `json:"marker,omitempty" validate:"max=512"`
}

// EventType enumerates the normalized activity kinds the engine understands.
type EventType string

const (
	EventFileCreate       EventType = "file_create"
	EventFileShare        EventType = "file_share"
	EventFileDelete       EventType = "file_delete"
	EventPermissionChange EventType = "permission_change"
	EventEmailSend        EventType = "email_send"
	EventLogin            EventType = "login"
	EventAuthorize        EventType = "authorize"
	EventAPICall          EventType = "api_call"
	EventDataExport       EventType = "data_export"
)

// IsValid checks if the event type is a known value.
func (t EventType) IsValid() bool {
	switch t {
	case EventFileCreate, EventFileShare, EventFileDelete,
		EventPermissionChange, EventEmailSend, EventLogin,
		EventAuthorize, EventAPICall, EventDataExport:
		return true
	}
	return false
}

// ResourceKey returns the cross-platform resource identity key for an event,
// or "" when the event has no resource.
func (e *Event) ResourceKey() string {
	if e.Resource == nil || e.Resource.ExternalID == "" {
		return ""
	}
	return e.Platform + "/" + e.Resource.ExternalID
}

// SchemaVersionCurrent is the current version of the event schema.
const SchemaVersionCurrent = "1.0.0"
