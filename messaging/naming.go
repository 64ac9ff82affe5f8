package messaging

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ExchangeKind selects how an exchange routes messages to bound queues
type ExchangeKind int

const (
	// Direct routes on exact routing key equality
	Direct ExchangeKind = iota
	// Topic routes on dot separated patterns with "*" and "#" wildcards
	Topic
	// Fanout routes every message to every bound queue
	Fanout
)

func (k ExchangeKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Topic:
		return "topic"
	case Fanout:
		return "fanout"
	default:
		return fmt.Sprintf("ExchangeKind(%d)", int(k))
	}
}

// ParseExchangeKind parses "direct", "topic" or "fanout"
func ParseExchangeKind(s string) (ExchangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return Direct, nil
	case "topic":
		return Topic, nil
	case "fanout":
		return Fanout, nil
	default:
		return Direct, fmt.Errorf("%w: unknown exchange kind %q", ErrInvalidConfiguration, s)
	}
}

// Exchange identifies a publish target. It is declared on every setup, so
// declaring the same Exchange twice must be harmless.
type Exchange struct {
	Name       string
	Kind       ExchangeKind
	Persistent bool
}

// NewExchange returns a persistent exchange of the given kind
func NewExchange(name string, kind ExchangeKind) Exchange {
	return Exchange{Name: name, Kind: kind, Persistent: true}
}

func (e Exchange) String() string {
	return fmt.Sprintf("%s(%s)", e.Name, e.Kind)
}

// Queue identifies a consume target.
//
// A transient queue (Persistent false) belongs to the connection that declared
// it and disappears with it. A persistent queue outlives connections and needs
// a stable name.
type Queue struct {
	Name       string
	Persistent bool
}

// PersistentQueue returns a named queue that survives reconnects
func PersistentQueue(name string) Queue {
	return Queue{Name: name, Persistent: true}
}

// TransientQueue returns a connection scoped queue
func TransientQueue(name string) Queue {
	return Queue{Name: name}
}

// Transient reports whether the queue is deleted with its connection
func (q Queue) Transient() bool {
	return !q.Persistent
}

// generateQueueName builds collision free names such as rpc-client-<uuid>
func generateQueueName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// RoutingKey is used both to route published messages and as a consumer
// binding pattern. Keys compare and hash by their string value.
type RoutingKey string

// NullKey is the empty routing key used with fanout exchanges
func NullKey() RoutingKey {
	return ""
}

// GenericKey wraps an explicit queue or topic name
func GenericKey(name string) RoutingKey {
	return RoutingKey(name)
}

// TopicKey joins words with "." to build a topic key or pattern
func TopicKey(words ...string) RoutingKey {
	return RoutingKey(strings.Join(words, "."))
}

func (k RoutingKey) String() string {
	return string(k)
}

// IsNull reports whether the key is empty
func (k RoutingKey) IsNull() bool {
	return k == ""
}
