package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ed-platform/ed-graphql/gql"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type closeFrame struct {
	code   int
	reason string
}

type operation struct {
	cancel context.CancelFunc
}

type outbound struct {
	msg   message
	close *closeFrame
}

// conn is one websocket. Only writeLoop writes to the socket.
type conn struct {
	h        *Handler
	socket   *websocket.Conn
	protocol string
	logger   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	out        chan outbound
	writerDone chan struct{}

	initialized atomic.Bool

	lock sync.Mutex
	ops  map[string]*operation
	wg   sync.WaitGroup
}

func newConn(h *Handler, socket *websocket.Conn, parent context.Context) *conn {
	ctx, cancel := context.WithCancel(parent)
	return &conn{
		h:          h,
		socket:     socket,
		protocol:   socket.Subprotocol(),
		logger:     h.logger,
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan outbound, 16),
		writerDone: make(chan struct{}),
		ops:        map[string]*operation{},
	}
}

func (c *conn) serve() {
	go c.writeLoop()

	if c.protocol != ProtocolTransportWS && c.protocol != ProtocolGraphQLWS {
		c.closeWith(CloseSubprotocol, "Subprotocol not acceptable")
	} else {
		timer := time.AfterFunc(c.h.initTimeout, func() {
			if !c.initialized.Load() {
				c.closeWith(CloseInitTimeout, "Connection initialisation timeout")
			}
		})
		defer timer.Stop()
	}

	c.logger.Debug("websocket connected")
	c.readLoop()

	c.cancel()
	c.wg.Wait()
	<-c.writerDone
	c.logger.Debug("websocket closed")
}

func (c *conn) readLoop() {
	deadline := 4 * c.h.keepAlive
	_ = c.socket.SetReadDeadline(time.Now().Add(deadline))
	c.socket.SetPongHandler(func(string) error {
		return c.socket.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debugf("websocket receive error: %v", err)
			}
			return
		}
		_ = c.socket.SetReadDeadline(time.Now().Add(deadline))

		var m message
		if err := json.Unmarshal(data, &m); err != nil || m.Type == "" {
			c.invalid("Invalid message received")
			continue
		}

		if c.protocol == ProtocolGraphQLWS {
			c.handleLegacy(m)
		} else {
			c.handle(m)
		}
	}
}

// handle implements graphql-transport-ws.
func (c *conn) handle(m message) {
	switch m.Type {
	case typeConnectionInit:
		if c.initialized.Swap(true) {
			c.closeWith(CloseTooManyInitRequests, "Too many initialisation requests")
			return
		}
		c.send(message{Type: typeConnectionAck})

	case typePing:
		c.send(message{Type: typePong, Payload: m.Payload})

	case typePong:

	case typeSubscribe:
		if !c.initialized.Load() {
			c.closeWith(CloseUnauthorized, "Unauthorized")
			return
		}
		req, err := decodeRequest(m)
		if err != nil {
			c.closeWith(CloseBadRequest, err.Error())
			return
		}
		if !c.start(m.ID, req) {
			c.closeWith(CloseSubscriberExists, fmt.Sprintf("Subscriber for %s already exists", m.ID))
		}

	case typeComplete:
		c.stop(m.ID)

	default:
		c.closeWith(CloseBadRequest, fmt.Sprintf("Invalid message type %q", m.Type))
	}
}

// handleLegacy implements graphql-ws (subscriptions-transport-ws).
func (c *conn) handleLegacy(m message) {
	switch m.Type {
	case typeConnectionInit:
		c.initialized.Store(true)
		c.send(message{Type: typeConnectionAck})
		c.send(message{Type: typeKeepAlive})

	case typeStart:
		if !c.initialized.Load() {
			c.sendError(m.ID, "connection not initialised")
			return
		}
		req, err := decodeRequest(m)
		if err != nil {
			c.sendError(m.ID, err.Error())
			return
		}
		if !c.start(m.ID, req) {
			c.sendError(m.ID, fmt.Sprintf("Subscriber for %s already exists", m.ID))
		}

	case typeStop:
		c.stop(m.ID)

	case typeConnectionTerminate:
		c.closeWith(websocket.CloseNormalClosure, "")

	default:
		c.sendError(m.ID, fmt.Sprintf("Invalid message type %q", m.Type))
	}
}

func (c *conn) invalid(reason string) {
	if c.protocol == ProtocolGraphQLWS {
		c.send(mustMessage("", typeConnectionError, map[string]string{"message": reason}))
		return
	}
	c.closeWith(CloseBadRequest, reason)
}

func decodeRequest(m message) (gql.Request, error) {
	var req gql.Request

	if m.ID == "" {
		return req, fmt.Errorf("operation id is required")
	}
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return req, fmt.Errorf("invalid operation payload: %v", err)
	}
	if req.Query == "" {
		return req, fmt.Errorf("operation query is required")
	}
	return req, nil
}

// start registers and runs operation id. It returns false when id is
// already in use on this connection.
func (c *conn) start(id string, req gql.Request) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, exists := c.ops[id]; exists {
		return false
	}

	ctx, cancel := context.WithCancel(c.ctx)
	op := &operation{cancel: cancel}
	c.ops[id] = op
	c.wg.Add(1)
	c.h.metrics.SubscriberDelta("ws_operation", 1)

	go c.run(ctx, id, op, req)
	return true
}

// stop cancels operation id and frees the id right away.
func (c *conn) stop(id string) {
	c.lock.Lock()
	op, ok := c.ops[id]
	if ok {
		delete(c.ops, id)
	}
	c.lock.Unlock()

	if ok {
		op.cancel()
	}
}

func (c *conn) finish(id string, op *operation) {
	c.lock.Lock()
	if c.ops[id] == op {
		delete(c.ops, id)
	}
	c.lock.Unlock()

	op.cancel()
	c.h.metrics.SubscriberDelta("ws_operation", -1)
	c.wg.Done()
}

func (c *conn) run(ctx context.Context, id string, op *operation, req gql.Request) {
	defer c.finish(id, op)

	log := c.logger.WithFields(logrus.Fields{"op_id": id, "op_name": req.OperationName})
	log.Debug("operation started")

	first := true
	for res := range c.h.exec.Subscribe(ctx, req) {
		if ctx.Err() != nil {
			continue
		}

		if first && res.Data == nil && len(res.Errors) > 0 && c.protocol == ProtocolTransportWS {
			c.send(mustMessage(id, typeError, res.Errors))
			log.Debug("operation rejected")
			return
		}
		first = false

		c.send(mustMessage(id, c.nextType(), res))
	}

	if ctx.Err() == nil {
		c.send(message{ID: id, Type: typeComplete})
	}
	log.Debug("operation ended")
}

func (c *conn) nextType() string {
	if c.protocol == ProtocolGraphQLWS {
		return typeData
	}
	return typeNext
}

func (c *conn) sendError(id, msg string) {
	c.send(mustMessage(id, typeError, map[string]string{"message": msg}))
}

func (c *conn) send(m message) {
	select {
	case c.out <- outbound{msg: m}:
	case <-c.writerDone:
	}
}

func (c *conn) closeWith(code int, reason string) {
	select {
	case c.out <- outbound{close: &closeFrame{code: code, reason: reason}}:
	case <-c.writerDone:
	}
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	defer c.socket.Close()

	ticker := time.NewTicker(c.h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.socket.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return

		case o := <-c.out:
			if o.close != nil {
				c.logger.Debugf("closing websocket: %d %s", o.close.code, o.close.reason)
				_ = c.socket.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(o.close.code, o.close.reason), time.Now().Add(writeWait))
				return
			}

			_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.socket.WriteJSON(o.msg); err != nil {
				c.logger.Debugf("failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			if c.protocol == ProtocolGraphQLWS && c.initialized.Load() {
				_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.socket.WriteJSON(message{Type: typeKeepAlive}); err != nil {
					return
				}
				continue
			}
			if err := c.socket.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				// expected if the other end goes away
				c.logger.Debugf("failed to write ping: %s", err)
				return
			}
		}
	}
}

func mustMessage(id, typ string, payload any) message {
	m, err := newMessage(id, typ, payload)
	if err != nil {
		payload := map[string]string{"message": "failed to encode payload"}
		m, _ = newMessage(id, typeError, payload)
	}
	return m
}
