package bridge

import (
	"context"

	"github.com/ed-platform/ed-graphql/broker"
	"github.com/ed-platform/ed-graphql/events"
	"github.com/ed-platform/ed-graphql/metrics"
	"github.com/ed-platform/ed-graphql/registry"
	"github.com/sirupsen/logrus"
)

// UploadSessionStatus notifies datastore subscribers when an upload session
// reaches a terminal status. Progress updates are swallowed.
type UploadSessionStatus struct {
	base
	datastores *registry.Registry[events.DatastoreUpdated]
}

func NewUploadSessionStatus(sub broker.Subscriber, datastores *registry.Registry[events.DatastoreUpdated], opts ...Option) *UploadSessionStatus {
	return &UploadSessionStatus{
		base:       newBase("upload_session_status", events.ChannelUploadSessionStatus, sub, opts),
		datastores: datastores,
	}
}

func (t *UploadSessionStatus) Handlers() broker.Handlers {
	return broker.Handlers{t.channel: {broker.Wildcard: t.handle}}
}

func (t *UploadSessionStatus) Run(ctx context.Context) error {
	return t.subscribe(ctx, t.Handlers())
}

func (t *UploadSessionStatus) handle(_ context.Context, msg broker.Message) error {
	ev, err := events.ParseUploadSessionStatus(msg)
	if err != nil {
		t.malformed(err, msg.Payload)
		return nil
	}

	log := t.logger.WithFields(logrus.Fields{"datastore_id": ev.DatastoreID, "status": ev.Status})

	if !ev.IsTerminal() {
		log.Debug("ignoring non-terminal upload session status")
		t.metrics.BridgeMessage(t.channel, metrics.OutcomeSkipped)
		return nil
	}

	n := t.datastores.Push(ev.DatastoreID, events.DatastoreUpdated{
		DatastoreID:     ev.DatastoreID,
		Status:          ev.Status,
		UploadSessionID: ev.UploadSessionID,
	})
	t.metrics.BridgeMessage(t.channel, metrics.OutcomeForwarded)
	log.Infof("upload session finished; notified %d subscribers", n)
	return nil
}
