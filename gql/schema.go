package gql

import (
	"context"
	"fmt"
	"strings"

	"github.com/ed-platform/ed-graphql/datastore"
	"github.com/ed-platform/ed-graphql/eventbus"
	"github.com/ed-platform/ed-graphql/events"
	"github.com/ed-platform/ed-graphql/registry"
	"github.com/ed-platform/ed-graphql/session"
	"github.com/graphql-go/graphql"
	"github.com/sirupsen/logrus"
)

// DatastoreStore loads datastore snapshots.
type DatastoreStore interface {
	GetActive(ctx context.Context, id string) (*datastore.Datastore, error)
}

// Resolvers are the shared structures the schema reads from.
type Resolvers struct {
	Users      *eventbus.Bus[events.UserChange]
	Datastores *registry.Registry[events.DatastoreUpdated]
	Files      *registry.Registry[events.FileStatus]
	Store      DatastoreStore
}

type resolver struct {
	Resolvers
	logger *logrus.Entry
}

func newSchema(res Resolvers, cfg Config) (graphql.Schema, error) {
	r := &resolver{Resolvers: res, logger: cfg.logger}

	queries := graphql.Fields{
		"hello": &graphql.Field{
			Type:        graphql.String,
			Description: "Liveness probe for GraphQL clients",
			Resolve: NewHandler(r.logger, Options{Public: true, Handler: func(Params) (interface{}, error) {
				return "ok", nil
			}}),
		},
		"datastore": &graphql.Field{
			Type: datastoreType,
			Args: graphql.FieldConfigArgument{
				"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
			},
			Resolve: NewHandler(r.logger, Options{Public: true, Handler: r.datastore}),
		},
	}
	for name, f := range cfg.queries {
		queries[name] = f
	}

	subscriptions := graphql.Fields{
		"userCreated": r.userTopic(events.TopicUserCreated),
		"userUpdated": r.userTopic(events.TopicUserUpdated),
		"userDeleted": r.userTopic(events.TopicUserDeleted),
		"userChanges": &graphql.Field{
			Type:        graphql.NewNonNull(userChangeType),
			Description: "Every user change, optionally limited to one operation",
			Args: graphql.FieldConfigArgument{
				"op": &graphql.ArgumentConfig{Type: graphql.String},
			},
			Subscribe: NewHandler(r.logger, Options{Public: true, Handler: r.userChanges}),
			Resolve:   fromSource,
		},
		"datastoreUpdated": &graphql.Field{
			Type:        graphql.NewNonNull(datastoreType),
			Description: "Current datastore, then a fresh copy after each finished upload session",
			Args: graphql.FieldConfigArgument{
				"datastoreId": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
			},
			Subscribe: NewHandler(r.logger, Options{Public: true, Handler: r.datastoreUpdated}),
			Resolve:   fromSource,
		},
		"fileStatusUpdated": &graphql.Field{
			Type:        graphql.NewNonNull(fileStatusType),
			Description: "File status changes for a datastore, optionally for one upload session",
			Args: graphql.FieldConfigArgument{
				"datastoreId":     &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				"uploadSessionId": &graphql.ArgumentConfig{Type: graphql.ID},
			},
			Subscribe: NewHandler(r.logger, Options{Public: true, Handler: r.fileStatusUpdated}),
			Resolve:   fromSource,
		},
	}

	return graphql.NewSchema(graphql.SchemaConfig{
		Query:        graphql.NewObject(graphql.ObjectConfig{Name: "Query", Fields: queries}),
		Subscription: graphql.NewObject(graphql.ObjectConfig{Name: "Subscription", Fields: subscriptions}),
	})
}

// fromSource resolves a subscription field to the streamed item. Streamed
// errors become field errors.
func fromSource(p graphql.ResolveParams) (interface{}, error) {
	if err, ok := p.Source.(error); ok {
		return nil, err
	}
	return p.Source, nil
}

func (r *resolver) datastore(p Params) (interface{}, error) {
	id, _ := p.Args["id"].(string)

	ds, err := r.Store.GetActive(p.Context, id)
	if err != nil {
		return nil, InternalServerError(err)
	}
	if ds == nil {
		return nil, NotFound("Datastore not found", fmt.Errorf("datastore %s: %w", id, session.ErrNotFound))
	}
	return ds, nil
}

func (r *resolver) snapshot(ctx context.Context, id string) (*datastore.Datastore, error) {
	ds, err := r.Store.GetActive(ctx, id)
	if err != nil {
		return nil, InternalServerError(err)
	}
	if ds == nil {
		return nil, NotFound(
			fmt.Sprintf("Datastore %s not found or inactive", id),
			fmt.Errorf("datastore %s: %w", id, session.ErrNotFound),
		)
	}
	return ds, nil
}

func (r *resolver) userTopic(topic events.Topic) *graphql.Field {
	return &graphql.Field{
		Type:        graphql.NewNonNull(userChangeType),
		Description: fmt.Sprintf("User changes published as %s", topic),
		Subscribe: NewHandler(r.logger, Options{Public: true, Handler: func(p Params) (interface{}, error) {
			sub := r.Users.Subscribe(string(topic))
			return stream(p.Context, func(ctx context.Context) (any, error) {
				return sub.Next(ctx)
			}, sub.Close), nil
		}}),
		Resolve: fromSource,
	}
}

func (r *resolver) userChanges(p Params) (interface{}, error) {
	topics := events.UserTopics
	if op, _ := p.Args["op"].(string); op != "" {
		topic, err := userTopicFor(op)
		if err != nil {
			return nil, err
		}
		topics = []events.Topic{topic}
	}

	subs := make([]*eventbus.Subscription[events.UserChange], len(topics))
	for i, topic := range topics {
		subs[i] = r.Users.Subscribe(string(topic))
	}
	merged := eventbus.MergeSubscriptions(subs...)

	return stream(p.Context, func(ctx context.Context) (any, error) {
		return merged.Next(ctx)
	}, func() {
		for _, s := range subs {
			s.Close()
		}
	}), nil
}

func userTopicFor(op string) (events.Topic, error) {
	op = strings.ToLower(strings.TrimSpace(op))
	for _, topic := range events.UserTopics {
		if string(topic) == op || string(topic) == "user_"+op {
			return topic, nil
		}
	}
	return "", BadUserInput(fmt.Sprintf("unknown user operation %q", op), nil)
}

func (r *resolver) datastoreUpdated(p Params) (interface{}, error) {
	id, _ := p.Args["datastoreId"].(string)

	s := session.New(session.Config[*datastore.Datastore, events.DatastoreUpdated]{
		EntityID: id,
		Registry: r.Datastores,
		Snapshot: r.snapshot,
		Deliver: func(ctx context.Context, ev events.DatastoreUpdated) (any, error) {
			return r.snapshot(ctx, ev.DatastoreID)
		},
		Logger: p.Logger,
	})

	out, err := s.Start(p.Context)
	if err != nil {
		return nil, err
	}
	return drain(p.Context, out), nil
}

func (r *resolver) fileStatusUpdated(p Params) (interface{}, error) {
	id, _ := p.Args["datastoreId"].(string)
	correlation, _ := p.Args["uploadSessionId"].(string)

	s := session.New(session.Config[struct{}, events.FileStatus]{
		EntityID:      id,
		CorrelationID: correlation,
		Registry:      r.Files,
		Logger:        p.Logger,
	})

	out, err := s.Start(p.Context)
	if err != nil {
		return nil, err
	}
	return drain(p.Context, out), nil
}

// stream feeds next into the channel shape graphql-go subscriptions expect
// until next fails or ctx ends, then runs release.
func stream(ctx context.Context, next func(context.Context) (any, error), release func()) chan interface{} {
	out := make(chan interface{})

	go func() {
		defer close(out)
		defer release()

		for {
			v, err := next(ctx)
			if err != nil {
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func drain(ctx context.Context, in <-chan any) chan interface{} {
	return stream(ctx, func(ctx context.Context) (any, error) {
		select {
		case v, ok := <-in:
			if !ok {
				return nil, eventbus.ErrClosed
			}
			return v, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, func() {})
}
