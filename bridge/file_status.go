package bridge

import (
	"context"

	"github.com/ed-platform/ed-graphql/broker"
	"github.com/ed-platform/ed-graphql/events"
	"github.com/ed-platform/ed-graphql/metrics"
	"github.com/ed-platform/ed-graphql/registry"
	"github.com/sirupsen/logrus"
)

// FileStatus pushes every file status transition to the subscribers of the
// file's datastore. Unlike upload sessions, intermediate statuses are
// forwarded too.
type FileStatus struct {
	base
	files *registry.Registry[events.FileStatus]
}

func NewFileStatus(sub broker.Subscriber, files *registry.Registry[events.FileStatus], opts ...Option) *FileStatus {
	return &FileStatus{
		base:  newBase("file_status", events.ChannelFileStatus, sub, opts),
		files: files,
	}
}

func (t *FileStatus) Handlers() broker.Handlers {
	return broker.Handlers{t.channel: {broker.Wildcard: t.handle}}
}

func (t *FileStatus) Run(ctx context.Context) error {
	return t.subscribe(ctx, t.Handlers())
}

func (t *FileStatus) handle(_ context.Context, msg broker.Message) error {
	ev, err := events.ParseFileStatus(msg, t.now())
	if err != nil {
		t.malformed(err, msg.Payload)
		return nil
	}

	n := t.files.Push(ev.DatastoreID, ev)
	t.metrics.BridgeMessage(t.channel, metrics.OutcomeForwarded)
	t.logger.WithFields(logrus.Fields{
		"file_id":      ev.FileID,
		"datastore_id": ev.DatastoreID,
	}).Infof("file status %s -> %s; notified %d subscribers", ev.OldStatus, ev.NewStatus, n)
	return nil
}
