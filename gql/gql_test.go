package gql

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ed-platform/ed-graphql/datastore"
	"github.com/ed-platform/ed-graphql/eventbus"
	"github.com/ed-platform/ed-graphql/events"
	"github.com/ed-platform/ed-graphql/orm"
	"github.com/ed-platform/ed-graphql/registry"
	"github.com/gin-gonic/gin"
	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc   *Service
	res   Resolvers
	store *datastore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := orm.NewInMemoryConnection(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orm.Close(db) })

	store := datastore.NewStore(db, nil)
	require.NoError(t, store.Migrate(context.Background()))

	res := Resolvers{
		Users:      eventbus.New[events.UserChange](),
		Datastores: registry.New[events.DatastoreUpdated]("datastore"),
		Files:      registry.New[events.FileStatus]("file_status"),
		Store:      store,
	}

	svc, err := NewService(res, WithGraphiQL(true))
	require.NoError(t, err)

	return &fixture{svc: svc, res: res, store: store}
}

func (f *fixture) datastore(t *testing.T, name string) *datastore.Datastore {
	t.Helper()
	ds := &datastore.Datastore{Name: name, IsActive: true}
	require.NoError(t, f.store.Create(context.Background(), ds))
	return ds
}

func data(t *testing.T, r *graphql.Result, field string) map[string]interface{} {
	t.Helper()
	require.NotNil(t, r)
	require.Empty(t, r.Errors)
	m, ok := r.Data.(map[string]interface{})
	require.True(t, ok, "data %#v", r.Data)
	v, ok := m[field].(map[string]interface{})
	require.True(t, ok, "field %s: %#v", field, m[field])
	return v
}

func next(t *testing.T, ch <-chan *graphql.Result) *graphql.Result {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "stream closed")
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
		return nil
	}
}

func closed(t *testing.T, ch <-chan *graphql.Result) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "expected closed stream")
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
}

func TestService_Hello(t *testing.T) {
	f := newFixture(t)
	r := f.svc.Do(context.Background(), Request{Query: "{ hello }"})
	require.Empty(t, r.Errors)
	assert.Equal(t, map[string]interface{}{"hello": "ok"}, r.Data)
}

func TestService_DatastoreQuery(t *testing.T) {
	f := newFixture(t)
	ds := f.datastore(t, "uploads")

	r := f.svc.Do(context.Background(), Request{
		Query:     `query Get($id: ID!) { datastore(id: $id) { id name description } }`,
		Variables: map[string]interface{}{"id": ds.ID.String()},
	})
	got := data(t, r, "datastore")
	assert.Equal(t, ds.ID.String(), got["id"])
	assert.Equal(t, "uploads", got["name"])
	assert.Nil(t, got["description"])

	r = f.svc.Do(context.Background(), Request{Query: `{ datastore(id: "missing") { id } }`})
	require.Len(t, r.Errors, 1)
	assert.Equal(t, CodeNotFound, r.Errors[0].Extensions["code"])
}

func TestService_DoRejectsSubscriptions(t *testing.T) {
	f := newFixture(t)
	r := f.svc.Do(context.Background(), Request{Query: "subscription { userCreated { operation } }"})
	require.Len(t, r.Errors, 1)
	assert.Equal(t, CodeBadUserInput, r.Errors[0].Extensions["code"])
}

func TestService_UserCreated(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.svc.Subscribe(ctx, Request{Query: "subscription { userCreated { operation type payload } }"})
	require.Eventually(t, func() bool {
		return f.res.Users.Subscribers(string(events.TopicUserCreated)) == 1
	}, time.Second, time.Millisecond)

	f.res.Users.Publish(string(events.TopicUserUpdated), events.UserChange{Operation: "updated", Type: events.TopicUserUpdated})
	f.res.Users.Publish(string(events.TopicUserCreated), events.UserChange{
		Operation: "created",
		Type:      events.TopicUserCreated,
		Payload:   map[string]any{"id": "u1"},
	})

	got := data(t, next(t, ch), "userCreated")
	assert.Equal(t, "created", got["operation"])
	assert.Equal(t, "user_created", got["type"])
	assert.Equal(t, map[string]any{"id": "u1"}, got["payload"])

	cancel()
	closed(t, ch)
	assert.Eventually(t, func() bool {
		return f.res.Users.Subscribers(string(events.TopicUserCreated)) == 0
	}, time.Second, time.Millisecond)
}

func TestService_UserChangesMerges(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.svc.Subscribe(ctx, Request{Query: "subscription { userChanges { operation } }"})
	require.Eventually(t, func() bool {
		for _, topic := range events.UserTopics {
			if f.res.Users.Subscribers(string(topic)) != 1 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	f.res.Users.Publish(string(events.TopicUserDeleted), events.UserChange{Operation: "deleted", Type: events.TopicUserDeleted})
	f.res.Users.Publish(string(events.TopicUserCreated), events.UserChange{Operation: "created", Type: events.TopicUserCreated})

	seen := map[interface{}]bool{}
	for i := 0; i < 2; i++ {
		seen[data(t, next(t, ch), "userChanges")["operation"]] = true
	}
	assert.Equal(t, map[interface{}]bool{"deleted": true, "created": true}, seen)
}

func TestService_UserChangesOp(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.svc.Subscribe(ctx, Request{Query: `subscription { userChanges(op: "UPDATED") { operation } }`})
	require.Eventually(t, func() bool {
		return f.res.Users.Subscribers(string(events.TopicUserUpdated)) == 1
	}, time.Second, time.Millisecond)
	assert.Zero(t, f.res.Users.Subscribers(string(events.TopicUserCreated)))

	bad := f.svc.Subscribe(ctx, Request{Query: `subscription { userChanges(op: "renamed") { operation } }`})
	r := next(t, bad)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, CodeBadUserInput, r.Errors[0].Extensions["code"])
	closed(t, bad)

	f.res.Users.Publish(string(events.TopicUserUpdated), events.UserChange{Operation: "updated", Type: events.TopicUserUpdated})
	assert.Equal(t, "updated", data(t, next(t, ch), "userChanges")["operation"])
}

func TestService_DatastoreUpdated(t *testing.T) {
	f := newFixture(t)
	ds := f.datastore(t, "before")
	id := ds.ID.String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.svc.Subscribe(ctx, Request{
		Query:     `subscription Watch($id: ID!) { datastoreUpdated(datastoreId: $id) { id name } }`,
		Variables: map[string]interface{}{"id": id},
	})

	assert.Equal(t, "before", data(t, next(t, ch), "datastoreUpdated")["name"])
	require.Eventually(t, func() bool { return f.res.Datastores.Len(id) == 1 }, time.Second, time.Millisecond)

	ds.Name = "after"
	require.NoError(t, f.store.Save(context.Background(), ds))

	f.res.Datastores.Push(id, events.DatastoreUpdated{DatastoreID: id, Status: events.StatusReady})
	assert.Equal(t, "after", data(t, next(t, ch), "datastoreUpdated")["name"])

	require.NoError(t, f.store.Deactivate(context.Background(), ds.ID))
	f.res.Datastores.Push(id, events.DatastoreUpdated{DatastoreID: id, Status: events.StatusFailed})

	r := next(t, ch)
	require.NotEmpty(t, r.Errors)
	assert.Equal(t, CodeNotFound, r.Errors[0].Extensions["code"])
	closed(t, ch)
	assert.Eventually(t, func() bool { return f.res.Datastores.Count() == 0 }, time.Second, time.Millisecond)
}

func TestService_DatastoreUpdatedNotFound(t *testing.T) {
	f := newFixture(t)

	ch := f.svc.Subscribe(context.Background(), Request{
		Query: `subscription { datastoreUpdated(datastoreId: "nope") { id } }`,
	})

	r := next(t, ch)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, CodeNotFound, r.Errors[0].Extensions["code"])
	assert.Contains(t, r.Errors[0].Message, "not found or inactive")
	closed(t, ch)
	assert.Zero(t, f.res.Datastores.Count())
}

func TestService_FileStatusUpdated(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.svc.Subscribe(ctx, Request{
		Query: `subscription { fileStatusUpdated(datastoreId: "d1", uploadSessionId: "A") { fileId uploadSessionId newStatus occurredAt } }`,
	})
	require.Eventually(t, func() bool { return f.res.Files.Len("d1") == 1 }, time.Second, time.Millisecond)

	b, a := "B", "A"
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.res.Files.Push("d1", events.FileStatus{FileID: "f0", DatastoreID: "d1", UploadSessionID: &b, NewStatus: "ready", OccurredAt: at})
	f.res.Files.Push("d1", events.FileStatus{FileID: "f1", DatastoreID: "d1", UploadSessionID: &a, NewStatus: "ready", OccurredAt: at})

	got := data(t, next(t, ch), "fileStatusUpdated")
	assert.Equal(t, "f1", got["fileId"])
	assert.Equal(t, "A", got["uploadSessionId"])
	assert.Equal(t, "2024-05-01T12:00:00Z", got["occurredAt"])

	cancel()
	closed(t, ch)
	assert.Eventually(t, func() bool { return f.res.Files.Count() == 0 }, time.Second, time.Millisecond)
}

func TestService_Perform(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	r := gin.New()
	r.POST("/graphql", f.svc.Perform)
	r.GET("/graphql", f.svc.GraphiQL)

	body, _ := json.Marshal(Request{Query: "{ hello }"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":{"hello":"ok"}}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewBufferString("{")))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/graphql", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "graphiql")
}

func TestOperationType(t *testing.T) {
	assert.Equal(t, "query", OperationType(Request{Query: "{ hello }"}))
	assert.Equal(t, "subscription", OperationType(Request{Query: "subscription { userCreated { operation } }"}))
	assert.Equal(t, "subscription", OperationType(Request{
		Query:         "query A { hello } subscription B { userCreated { operation } }",
		OperationName: "B",
	}))
	assert.Equal(t, "", OperationType(Request{Query: "{"}))
}

func TestFormatError(t *testing.T) {
	err := NotFound("gone", nil).(*Error).WithMeta("id", "d1")
	r := errorResult(err)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "gone", r.Errors[0].Message)
	assert.Equal(t, CodeNotFound, r.Errors[0].Extensions["code"])
	assert.Equal(t, "d1", r.Errors[0].Extensions["id"])

	var ext gqlerrors.ExtendedError = err
	assert.Equal(t, map[string]interface{}{"code": CodeNotFound, "id": "d1"}, ext.Extensions())
	assert.Equal(t, map[string]any{"id": "d1"}, err.Meta)
	assert.Empty(t, NotFound("gone", nil).(*Error).Meta, "WithMeta must not touch the original")

	code, ok := CodeOf(InternalServerError(assert.AnError))
	assert.True(t, ok)
	assert.Equal(t, CodeInternalServerError, code)
}

func TestService_CancelReleasesUnreadStreams(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	files := f.svc.Subscribe(ctx, Request{Query: `subscription { fileStatusUpdated(datastoreId: "d1") { fileId } }`})
	users := f.svc.Subscribe(ctx, Request{Query: "subscription { userChanges { operation } }"})

	require.Eventually(t, func() bool {
		if f.res.Files.Count() != 1 {
			return false
		}
		for _, topic := range events.UserTopics {
			if f.res.Users.Subscribers(string(topic)) != 1 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	f.res.Files.Push("d1", events.FileStatus{FileID: "f1", DatastoreID: "d1"})
	f.res.Users.Publish(string(events.TopicUserCreated), events.UserChange{Operation: "created", Type: events.TopicUserCreated})

	cancel()
	for _, ch := range []<-chan *graphql.Result{files, users} {
		require.Eventually(t, func() bool {
			select {
			case _, ok := <-ch:
				return !ok
			default:
				return false
			}
		}, 2*time.Second, time.Millisecond)
	}

	assert.Eventually(t, func() bool {
		if f.res.Files.Count() != 0 {
			return false
		}
		for _, topic := range events.UserTopics {
			if f.res.Users.Subscribers(string(topic)) != 0 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}
