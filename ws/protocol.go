package ws

import "encoding/json"

const (
	// ProtocolTransportWS is the graphql-ws library protocol.
	ProtocolTransportWS = "graphql-transport-ws"
	// ProtocolGraphQLWS is the legacy subscriptions-transport-ws protocol.
	ProtocolGraphQLWS = "graphql-ws"
)

// message types shared by both protocols
const (
	typeConnectionInit = "connection_init"
	typeConnectionAck  = "connection_ack"
	typeError          = "error"
	typeComplete       = "complete"
)

// graphql-transport-ws
const (
	typePing      = "ping"
	typePong      = "pong"
	typeSubscribe = "subscribe"
	typeNext      = "next"
)

// graphql-ws
const (
	typeConnectionError     = "connection_error"
	typeConnectionTerminate = "connection_terminate"
	typeKeepAlive           = "ka"
	typeStart               = "start"
	typeStop                = "stop"
	typeData                = "data"
)

// graphql-transport-ws close codes
const (
	CloseBadRequest          = 4400
	CloseUnauthorized        = 4401
	CloseSubprotocol         = 4406
	CloseInitTimeout         = 4408
	CloseSubscriberExists    = 4409
	CloseTooManyInitRequests = 4429
)

type message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newMessage(id, typ string, payload any) (message, error) {
	m := message{ID: id, Type: typ}
	if payload == nil {
		return m, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return m, err
	}
	m.Payload = raw
	return m, nil
}
