// Package notify carries user-scoped notifications and process-wide
// broadcasts over a watermill bus and delivers them to live connections.
package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parlor/pkg/events"
)

const (
	TopicUser      = "parlor.notifications.user"
	TopicBroadcast = "parlor.notifications.broadcast"
)

type Notice struct {
	UserID string         `json:"userId,omitempty"`
	Type   string         `json:"type"`
	Text   string         `json:"text"`
	Data   map[string]any `json:"data,omitempty"`
}

// Deliverer writes frames to connections. presence.Registry implements it.
type Deliverer interface {
	SendToUser(userID string, frame []byte) int
	SendToAll(frame []byte) int
}

type Publisher struct {
	pub message.Publisher
}

func NewPublisher(pub message.Publisher) (*Publisher, error) {
	if pub == nil {
		return nil, errors.New("notify publisher is nil")
	}
	return &Publisher{pub: pub}, nil
}

func (p *Publisher) NotifyUser(userID string, n Notice) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("notify: user id is empty")
	}
	n.UserID = userID
	return p.publish(TopicUser, n)
}

func (p *Publisher) Broadcast(n Notice) error {
	n.UserID = ""
	return p.publish(TopicBroadcast, n)
}

func (p *Publisher) publish(topic string, n Notice) error {
	if strings.TrimSpace(n.Type) == "" {
		return errors.New("notify: type is empty")
	}
	b, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "notify: marshal")
	}
	if err := p.pub.Publish(topic, message.NewMessage(watermill.NewUUID(), b)); err != nil {
		return errors.Wrapf(err, "notify: publish to %s", topic)
	}
	return nil
}

// Dispatcher consumes both topics and delivers to live connections.
type Dispatcher struct {
	sub   message.Subscriber
	out   Deliverer
	ready chan struct{}
}

func NewDispatcher(sub message.Subscriber, out Deliverer) (*Dispatcher, error) {
	if sub == nil {
		return nil, errors.New("notify subscriber is nil")
	}
	if out == nil {
		return nil, errors.New("notify deliverer is nil")
	}
	return &Dispatcher{sub: sub, out: out, ready: make(chan struct{})}, nil
}

// Ready is closed once Run has subscribed to both topics.
func (d *Dispatcher) Ready() <-chan struct{} { return d.ready }

// Run blocks until ctx is canceled or a subscription closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	userMsgs, err := d.sub.Subscribe(ctx, TopicUser)
	if err != nil {
		return errors.Wrap(err, "notify: subscribe user topic")
	}
	broadcastMsgs, err := d.sub.Subscribe(ctx, TopicBroadcast)
	if err != nil {
		return errors.Wrap(err, "notify: subscribe broadcast topic")
	}
	close(d.ready)
	log.Info().Str("component", "notify").Msg("notification dispatcher running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-userMsgs:
			if !ok {
				return nil
			}
			d.handle(m, false)
		case m, ok := <-broadcastMsgs:
			if !ok {
				return nil
			}
			d.handle(m, true)
		}
	}
}

func (d *Dispatcher) handle(m *message.Message, everyone bool) {
	defer m.Ack()
	var n Notice
	if err := json.Unmarshal(m.Payload, &n); err != nil {
		log.Warn().Err(err).Str("component", "notify").Str("message_uuid", m.UUID).Msg("dropping malformed notice")
		return
	}
	eventType := events.Notification
	if everyone {
		eventType = events.Broadcast
	}
	frame, err := events.Encode(eventType, "", events.NoticePayload{Type: n.Type, Text: n.Text, Data: n.Data})
	if err != nil {
		log.Warn().Err(err).Str("component", "notify").Msg("encode notice failed")
		return
	}
	var delivered int
	if everyone {
		delivered = d.out.SendToAll(frame)
	} else {
		delivered = d.out.SendToUser(n.UserID, frame)
	}
	log.Debug().Str("component", "notify").Str("user_id", n.UserID).Str("type", n.Type).Int("delivered", delivered).Msg("notice delivered")
}
