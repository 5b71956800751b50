package events

import (
	"errors"
	"time"
)

// Topic names a logical stream of events. Topics exist only as keys.
type Topic string

// Broker channels consumed by the bridge tasks. The names are shared with
// the publishing services and must not change.
const (
	ChannelUserChanges         = "user:changes"
	ChannelUploadSessionStatus = "upload_session:status"
	ChannelFileStatus          = "file:status"
)

const (
	TopicUserCreated         Topic = "user_created"
	TopicUserUpdated         Topic = "user_updated"
	TopicUserDeleted         Topic = "user_deleted"
	TopicUploadSessionStatus Topic = "upload_session_status"
	TopicFileStatus          Topic = "file_status"
	TopicDatastoreUpdated    Topic = "datastore_updated"
)

// UserTopics are the bus topics fed from ChannelUserChanges.
var UserTopics = []Topic{TopicUserCreated, TopicUserUpdated, TopicUserDeleted}

// Upload session statuses that end a session.
const (
	StatusReady  = "ready"
	StatusFailed = "failed"
)

// ErrMalformed marks a broker message that lacks a required field. It is
// logged and dropped, never fatal.
var ErrMalformed = errors.New("malformed event")

// Event is the closed set of records the bridge tasks emit.
type Event interface {
	Topic() Topic
	// CorrelationID is the upload session id used for consumer side
	// filtering, or "" when the event has none.
	CorrelationID() string

	sealed()
}

// UserChange is a row change on the users table.
type UserChange struct {
	Operation string         `json:"operation"`
	Type      Topic          `json:"-"`
	Payload   map[string]any `json:"payload"`
}

func (e UserChange) Topic() Topic          { return e.Type }
func (e UserChange) CorrelationID() string { return "" }
func (UserChange) sealed()                 {}

// UploadSessionStatus is a status change of an upload session.
type UploadSessionStatus struct {
	Status          string
	DatastoreID     string
	UploadSessionID string
}

func (UploadSessionStatus) Topic() Topic            { return TopicUploadSessionStatus }
func (e UploadSessionStatus) CorrelationID() string { return e.UploadSessionID }
func (UploadSessionStatus) sealed()                 {}

// IsTerminal reports whether the session finished, successfully or not.
func (e UploadSessionStatus) IsTerminal() bool {
	return e.Status == StatusReady || e.Status == StatusFailed
}

// FileStatus is a status transition of one file in a datastore.
type FileStatus struct {
	FileID          string    `json:"fileId"`
	DatastoreID     string    `json:"datastoreId"`
	UploadSessionID *string   `json:"uploadSessionId"`
	OldStatus       string    `json:"oldStatus"`
	NewStatus       string    `json:"newStatus"`
	OccurredAt      time.Time `json:"occurredAt"`
}

func (FileStatus) Topic() Topic { return TopicFileStatus }

func (e FileStatus) CorrelationID() string {
	if e.UploadSessionID == nil {
		return ""
	}
	return *e.UploadSessionID
}

func (FileStatus) sealed() {}

// DatastoreUpdated tells datastore sessions to refetch their snapshot.
type DatastoreUpdated struct {
	DatastoreID     string
	Status          string
	UploadSessionID string
}

func (DatastoreUpdated) Topic() Topic            { return TopicDatastoreUpdated }
func (e DatastoreUpdated) CorrelationID() string { return e.UploadSessionID }
func (DatastoreUpdated) sealed()                 {}

var (
	_ Event = UserChange{}
	_ Event = UploadSessionStatus{}
	_ Event = FileStatus{}
	_ Event = DatastoreUpdated{}
)
