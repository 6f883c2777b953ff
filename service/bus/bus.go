package bus

import (
	"context"
	"encoding/json"
	"strings"
)

const topicPrefix = "channel:"

// Envelope is the message carried on a document topic. Data is the
// already-shaped payload delivered to clients; SocketID tags the originating
// socket so every relay can suppress echo locally. Filtering by principal
// would be wrong: the same principal on two devices must see each other's
// edits.
type Envelope struct {
	Type     string          `json:"type"`
	SocketID string          `json:"socketId"`
	Data     json.RawMessage `json:"data"`
}

// Handler receives every envelope published on a subscribed topic,
// including this instance's own publishes.
type Handler func(topic string, env *Envelope)

// Subscription is an explicit handle owned by the gateway; dropping the last
// local session for a document unsubscribes through it.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Bus fans envelopes out to every instance subscribed to a topic.
// Delivery is at least once, unordered across topics and best-effort within
// one; the CRDT layer upstream is commutative so neither is relied upon.
type Bus interface {
	Publish(ctx context.Context, topic string, env *Envelope) error
	Subscribe(topic string, h Handler) (Subscription, error)
	Close() error
}

// Topic names the per-document channel.
func Topic(documentID string) string { return topicPrefix + documentID }

// DocumentFromTopic is the inverse of Topic.
func DocumentFromTopic(topic string) string { return strings.TrimPrefix(topic, topicPrefix) }
