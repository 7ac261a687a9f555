package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/pawchat/internal/types"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel = "pawchat:notifications"

	queueSize      = 256
	publishTimeout = 2 * time.Second
)

type EventType string

const (
	MessageCreated   EventType = "message.created"
	RoomStateChanged EventType = "room.state_changed"
)

// Event is handed to the external notification service so participants
// who are not connected can be reached out of band.
type Event struct {
	Type      EventType         `json:"type"`
	RoomId    string            `json:"room_id"`
	MessageId string            `json:"message_id,omitempty"`
	Recipient types.Participant `json:"recipient"`
	State     types.RoomState   `json:"state,omitempty"`
	At        time.Time         `json:"at"`
}

// Notifier must not block the caller.
type Notifier interface {
	Notify(Event)
}

type Nop struct{}

func (Nop) Notify(Event) {}

type LogNotifier struct {
	log *log.Logger
}

func NewLogNotifier(l *log.Logger) *LogNotifier {
	return &LogNotifier{log: l}
}

func (n *LogNotifier) Notify(e Event) {
	n.log.Printf("notify: %s room=%s recipient=%s", e.Type, e.RoomId, e.Recipient)
}

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes events as JSON on a pub/sub channel from a single
// worker. Events are dropped when the queue is full.
type RedisNotifier struct {
	log     *log.Logger
	client  publisher
	channel string
	events  chan Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
}

func NewRedisNotifier(l *log.Logger, client publisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}

	return &RedisNotifier{
		log:     l,
		client:  client,
		channel: channel,
		events:  make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
}

func (n *RedisNotifier) Run() {
	defer close(n.done)

	for e := range n.events {
		if err := n.publish(e); err != nil {
			n.log.Printf("notify: publish %s for room %q: %v", e.Type, e.RoomId, err)
		}
	}
}

func (n *RedisNotifier) publish(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	return n.client.Publish(ctx, n.channel, payload).Err()
}

func (n *RedisNotifier) Notify(e Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}

	select {
	case n.events <- e:
	default:
		n.log.Printf("notify: queue full, dropping %s for room %q", e.Type, e.RoomId)
	}
}

// Close stops accepting events and waits for the queue to drain.
func (n *RedisNotifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.events)
	}
	n.mu.Unlock()

	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notifier did not drain"), ctx.Err())
	}
}
