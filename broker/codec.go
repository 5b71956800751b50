package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUndecodable marks a payload that is not a JSON object.
var ErrUndecodable = errors.New("undecodable message")

// Decode parses a broker payload published on channel.
//
// Two shapes are accepted. The envelope form carries the record under
// "payload" and names it with a top level "event_type". The bare form is
// the record itself, named by its own "event_type" or "operation" field.
// Event types are lowercased, and a bare operation such as "created" is
// prefixed with the channel's entity ("user:changes" gives "user_created").
func Decode(channel string, raw []byte) (Message, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Message{}, fmt.Errorf("%w on %s: %v", ErrUndecodable, channel, err)
	}
	if doc == nil {
		return Message{}, fmt.Errorf("%w on %s: not an object", ErrUndecodable, channel)
	}

	var eventType string
	payload := doc
	if inner, ok := doc["payload"].(map[string]any); ok {
		payload = inner
		eventType = firstString(doc, "event_type", "type")
	}
	if eventType == "" {
		eventType = firstString(payload, "event_type", "operation")
	}

	return Message{
		Channel:   channel,
		EventType: NormalizeEventType(channel, eventType),
		Payload:   payload,
		Raw:       raw,
	}, nil
}

// Encode produces the envelope form understood by Decode.
func Encode(eventType string, payload map[string]any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal(struct {
		EventType string         `json:"event_type"`
		Payload   map[string]any `json:"payload"`
	}{eventType, payload})
}

// NormalizeEventType lowercases eventType and qualifies bare operations with
// the entity part of channel.
func NormalizeEventType(channel, eventType string) string {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if eventType == "" || strings.ContainsAny(eventType, "_:") {
		return eventType
	}

	entity, _, ok := strings.Cut(channel, ":")
	if !ok || entity == "" {
		return eventType
	}
	return entity + "_" + eventType
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
