package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"intoview/internal/models"
)

type Kind string

const (
	KindEvent        Kind = "event"
	KindInsight      Kind = "insight"
	KindTerminalData Kind = "terminal_data"
)

const publishTimeout = 2 * time.Second

// Message is the envelope published on every session channel.
type Message struct {
	Kind       Kind            `json:"kind"`
	SessionID  string          `json:"session_id"`
	InstanceID string          `json:"instance_id"`
	Event      *models.Event   `json:"event,omitempty"`
	Insight    *models.Insight `json:"insight,omitempty"`
	Data       string          `json:"data,omitempty"`
}

func EventsChannel(sessionID string) string   { return "events:" + sessionID }
func InsightsChannel(sessionID string) string { return "insights:" + sessionID }
func TerminalChannel(sessionID string) string { return "terminal:" + sessionID }

// Broadcaster fans session activity out over redis pub/sub so any instance can serve a
// dashboard or terminal websocket.
type Broadcaster struct {
	rdb        *redis.Client
	logger     *zap.Logger
	instanceID string
}

func NewBroadcaster(rdb *redis.Client, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		rdb:        rdb,
		logger:     logger,
		instanceID: uuid.New().String()[:8],
	}
}

func (b *Broadcaster) InstanceID() string {
	return b.instanceID
}

func (b *Broadcaster) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// PublishEvent implements repositories.Notifier.
func (b *Broadcaster) PublishEvent(ctx context.Context, event *models.Event) {
	b.publishQuietly(ctx, EventsChannel(event.SessionID), Message{Kind: KindEvent, SessionID: event.SessionID, Event: event})
}

// PublishInsight implements repositories.Notifier.
func (b *Broadcaster) PublishInsight(ctx context.Context, insight *models.Insight) {
	b.publishQuietly(ctx, InsightsChannel(insight.SessionID), Message{Kind: KindInsight, SessionID: insight.SessionID, Insight: insight})
}

func (b *Broadcaster) PublishTerminal(ctx context.Context, sessionID, data string) error {
	return b.publish(ctx, TerminalChannel(sessionID), Message{Kind: KindTerminalData, SessionID: sessionID, Data: data})
}

func (b *Broadcaster) publishQuietly(ctx context.Context, channel string, msg Message) {
	if err := b.publish(ctx, channel, msg); err != nil {
		b.logger.Warn("Failed to publish realtime message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

func (b *Broadcaster) publish(ctx context.Context, channel string, msg Message) error {
	msg.InstanceID = b.instanceID
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Kind, err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe delivers decoded messages from the given channels until ctx is done. The
// subscription is confirmed before Subscribe returns.
func (b *Broadcaster) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	pubsub := b.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %v: %w", channels, err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					b.logger.Warn("Dropping malformed realtime message",
						zap.String("channel", raw.Channel),
						zap.Error(err))
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
