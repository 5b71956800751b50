package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/ed-platform/ed-graphql/gql"
	"github.com/ed-platform/ed-graphql/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/graphql-go/graphql"
	"github.com/sirupsen/logrus"
)

const (
	DefaultInitTimeout = 10 * time.Second
	DefaultKeepAlive   = 15 * time.Second

	writeWait = 10 * time.Second
)

// Executor runs one GraphQL operation and streams its results until the
// operation ends or ctx is cancelled.
type Executor interface {
	Subscribe(ctx context.Context, req gql.Request) <-chan *graphql.Result
}

type Option func(*Handler)

func WithLogger(l *logrus.Entry) Option { return func(h *Handler) { h.logger = l } }

func WithMetrics(m metrics.Recorder) Option { return func(h *Handler) { h.metrics = m } }

func WithInitTimeout(d time.Duration) Option { return func(h *Handler) { h.initTimeout = d } }

// WithKeepAlive sets the interval of websocket pings (and legacy ka
// messages). The connection is dropped when no pong or message arrives for
// four intervals.
func WithKeepAlive(d time.Duration) Option { return func(h *Handler) { h.keepAlive = d } }

// WithCheckOrigin overrides the upgrader origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// Handler serves GraphQL subscriptions over websockets.
type Handler struct {
	exec        Executor
	upgrader    websocket.Upgrader
	initTimeout time.Duration
	keepAlive   time.Duration
	logger      *logrus.Entry
	metrics     metrics.Recorder
}

func NewHandler(exec Executor, opts ...Option) *Handler {
	h := &Handler{
		exec: exec,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{ProtocolTransportWS, ProtocolGraphQLWS},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		initTimeout: DefaultInitTimeout,
		keepAlive:   DefaultKeepAlive,
		metrics:     metrics.Nop{},
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.logger == nil {
		h.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	h.logger = h.logger.WithField("component", "ws")

	return h
}

// IsUpgrade reports whether r asks for a websocket.
func IsUpgrade(r *http.Request) bool { return websocket.IsWebSocketUpgrade(r) }

// ServeHTTP implements the http.Handler interface. It blocks until the
// connection is gone and every operation on it has ended.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debugf("problem initiating websocket: %v", err)
		return
	}

	c := newConn(h, socket, r.Context())
	c.logger = h.logger.WithFields(logrus.Fields{
		"conn_id":  uuid.NewString(),
		"protocol": socket.Subprotocol(),
		"remote":   r.RemoteAddr,
	})

	h.metrics.SubscriberDelta("ws_connection", 1)
	defer h.metrics.SubscriberDelta("ws_connection", -1)

	c.serve()
}
