package events

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/ed-platform/ed-graphql/broker"
)

// ParseUserChange validates a user:changes message. Unknown event types are
// accepted and keep their normalized name as topic.
func ParseUserChange(msg broker.Message) (UserChange, error) {
	if msg.EventType == "" {
		return UserChange{}, fmt.Errorf("%w: %s message without event_type", ErrMalformed, msg.Channel)
	}

	op := msg.EventType
	if entity, _, ok := strings.Cut(msg.Channel, ":"); ok {
		op = strings.TrimPrefix(op, entity+"_")
	}

	return UserChange{
		Operation: op,
		Type:      Topic(msg.EventType),
		Payload:   maps.Clone(msg.Payload),
	}, nil
}

// ParseUploadSessionStatus validates an upload_session:status message.
func ParseUploadSessionStatus(msg broker.Message) (UploadSessionStatus, error) {
	datastoreID := field(msg.Payload, "datastore_id")
	if datastoreID == "" {
		return UploadSessionStatus{}, fmt.Errorf("%w: upload session status without datastore_id", ErrMalformed)
	}

	sessionID := field(msg.Payload, "upload_session_id")
	if sessionID == "" {
		sessionID = field(msg.Payload, "id")
	}

	return UploadSessionStatus{
		Status:          strings.ToLower(field(msg.Payload, "status")),
		DatastoreID:     datastoreID,
		UploadSessionID: sessionID,
	}, nil
}

// ParseFileStatus validates a file:status message. receivedAt stands in for
// a missing or unreadable occurred_at.
func ParseFileStatus(msg broker.Message, receivedAt time.Time) (FileStatus, error) {
	fileID := field(msg.Payload, "file_id")
	datastoreID := field(msg.Payload, "datastore_id")
	if fileID == "" || datastoreID == "" {
		return FileStatus{}, fmt.Errorf("%w: file status without file_id or datastore_id", ErrMalformed)
	}

	ev := FileStatus{
		FileID:      fileID,
		DatastoreID: datastoreID,
		OldStatus:   field(msg.Payload, "old_status"),
		NewStatus:   field(msg.Payload, "new_status"),
		OccurredAt:  receivedAt.UTC(),
	}
	if id := field(msg.Payload, "upload_session_id"); id != "" {
		ev.UploadSessionID = &id
	}
	if at, ok := ParseTime(msg.Payload["occurred_at"]); ok {
		ev.OccurredAt = at
	}
	return ev, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTime reads a timestamp as emitted by the database triggers: RFC 3339,
// Postgres text output with or without a zone, or unix seconds. Zoneless
// values are taken as UTC.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case float64:
		return unix(t), true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if at, err := time.Parse(layout, s); err == nil {
				return at.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unix(f), true
		}
	}
	return time.Time{}, false
}

func unix(sec float64) time.Time {
	whole := int64(sec)
	nanos := int64((sec - float64(whole)) * float64(time.Second))
	return time.Unix(whole, nanos).UTC()
}

// field reads a string identifier, accepting numeric ids as well.
func field(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
