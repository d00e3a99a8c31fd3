// Package messaging provides a NATS client wrapper for the moderation
// service. It carries three flows: tagging-activity events coming in from the
// tagging subsystem, task offers going out to review channels, and resolution
// commands coming back from the moderation UI. The core commits its state
// before anything is published, so a lost or failed delivery never leaves the
// data store inconsistent.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/stickersearch/moderation/internal/tasks"
)

// NATS subject patterns used by the moderation service.
const (
	SubjectChangeRecorded = "tagging.change" // tagging subsystem -> core
	SubjectTaskOffer      = "review.offer"   // + .<channel_id>, core -> delivery
	SubjectTaskResolve    = "review.resolve" // moderation UI -> core
	SubjectTaskRequest    = "review.request" // moderation UI -> core (next task)
)

// ChangeEvent announces that a change log entry was recorded. The entry is
// already committed when the event is published; the core only uses it to
// feed activity detection.
type ChangeEvent struct {
	ChangeID   int64  `json:"change_id"`
	UserID     int64  `json:"user_id"`
	ItemFileID string `json:"item_file_id"`
}

// TaskOffer is a rendered task handed to the delivery collaborator for one
// review channel. Text chunks are pre-split to the transport's size limit;
// the keyboard belongs with the last chunk.
type TaskOffer struct {
	ChannelID string         `json:"channel_id"`
	TaskID    int64          `json:"task_id"`
	Kind      string         `json:"kind"`
	Text      []string       `json:"text"`
	Keyboard  tasks.Keyboard `json:"keyboard"`
}

// ResolveCommand is a moderator's decision on a channel's current task.
type ResolveCommand struct {
	ChannelID string `json:"channel_id"`
	TaskID    int64  `json:"task_id"`
	Outcome   string `json:"outcome"`
}

// TaskRequest asks the core to offer the next pending task to a channel.
type TaskRequest struct {
	ChannelID string `json:"channel_id"`
}

// NATSClient wraps the NATS connection with helper methods for the moderation
// flows.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "moderation",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishTaskOffer publishes a rendered task to review.offer.<channelID>.
func (c *NATSClient) PublishTaskOffer(offer TaskOffer) error {
	data, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("nats marshal task offer: %w", err)
	}
	return c.Publish(SubjectTaskOffer+"."+offer.ChannelID, data)
}

// SubscribeChangeRecorded subscribes to change-recorded events from the
// tagging subsystem.
func (c *NATSClient) SubscribeChangeRecorded(handler func(event ChangeEvent)) error {
	return c.Subscribe(SubjectChangeRecorded, func(msg *nats.Msg) {
		var event ChangeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] bad change event: %v", err)
			return
		}
		handler(event)
	})
}

// SubscribeTaskResolve subscribes to resolution commands from the moderation UI.
func (c *NATSClient) SubscribeTaskResolve(handler func(cmd ResolveCommand)) error {
	return c.Subscribe(SubjectTaskResolve, func(msg *nats.Msg) {
		var cmd ResolveCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			log.Printf("[nats] bad resolve command: %v", err)
			return
		}
		handler(cmd)
	})
}

// SubscribeTaskRequest subscribes to next-task requests from the moderation UI.
func (c *NATSClient) SubscribeTaskRequest(handler func(req TaskRequest)) error {
	return c.Subscribe(SubjectTaskRequest, func(msg *nats.Msg) {
		var req TaskRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Printf("[nats] bad task request: %v", err)
			return
		}
		handler(req)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
