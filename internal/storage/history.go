package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"botsentry/internal/schema"
)

// EventsSince reads one organization's events from the history table in
// timestamp order, for baseline warm-up replay after a restart. The limit
// bounds memory; zero means the caller accepts the default cap.
func (c *ClickHouseClient) EventsSince(ctx context.Context, orgID string, since time.Time, limit int) ([]schema.Event, error) {
	if limit <= 0 {
		limit = 100000
	}

	rows, err := c.conn.Query(ctx, `
		SELECT
			event_id, org_id, platform, event_type, timestamp, received_at,
			actor_id, actor_email,
			resource_external_id, resource_type, resource_name,
			md_endpoint, md_client_id, md_user_agent, md_scopes,
			md_permission_level, md_byte_size, md_name, md_context_tag, md_marker,
			schema_version
		FROM activity_events
		WHERE org_id = ? AND timestamp >= ?
		ORDER BY timestamp, event_id
		LIMIT ?
	`, orgID, since, limit)
	if err != nil {
		return nil, WrapQueryError("EventsSince", err)
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		var (
			e         schema.Event
			eventID   uuid.UUID
			eventType string
			extID     string
			resType   string
			resName   string
			scopes    []string
		)
		if err := rows.Scan(
			&eventID,
			&e.OrgID,
			&e.Platform,
			&eventType,
			&e.Timestamp,
			&e.ReceivedAt,
			&e.Actor.ID,
			&e.Actor.Email,
			&extID,
			&resType,
			&resName,
			&e.Metadata.Endpoint,
			&e.Metadata.ClientID,
			&e.Metadata.UserAgent,
			&scopes,
			&e.Metadata.PermissionLevel,
			&e.Metadata.ByteSize,
			&e.Metadata.Name,
			&e.Metadata.ContextTag,
			&e.Metadata.Marker,
			&e.SchemaVersion,
		); err != nil {
			return nil, WrapQueryError("EventsSince", err)
		}

		e.EventID = eventID
		e.EventType = schema.EventType(eventType)
		if len(scopes) > 0 {
			e.Metadata.Scopes = scopes
		}
		if extID != "" || resType != "" || resName != "" {
			e.Resource = &schema.Resource{ExternalID: extID, Type: resType, Name: resName}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("EventsSince", err)
	}
	return events, nil
}
