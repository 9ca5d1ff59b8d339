// Package bus implements the hub's pub/sub message bus: named channels with
// per-channel bounded history and independent, best-effort fan-out to
// subscribers.
//
// Every subscription owns a FIFO queue. Publish appends to the channel
// history and enqueues for each subscriber under the channel lock, which
// preserves per-channel publish order for every subscriber; actual delivery
// happens on the subscription's own worker goroutine, so one slow or broken
// subscriber never delays the publisher or its peers. A full queue drops the
// message for that subscriber — delivery is at-most-once by design.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/ashita-ai/musubi/internal/model"
)

var busMeter = otel.GetMeterProvider().Meter("musubi/bus")

// Subscriber is a delivery target for published messages. Deliver is called
// sequentially per subscription, in publish order, with a per-delivery
// timeout on ctx. Returning an error counts as a failed delivery; the
// message is not retried.
type Subscriber interface {
	Deliver(ctx context.Context, msg model.Message) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, msg model.Message) error

// Deliver implements Subscriber.
func (f SubscriberFunc) Deliver(ctx context.Context, msg model.Message) error { return f(ctx, msg) }

// Subscription is the handle returned by the subscribe operations. Holders
// pass it (or its ID) back to Unsubscribe.
type Subscription struct {
	id     uuid.UUID
	topic  string
	queue  chan model.Message
	target Subscriber // nil for channel-style subscriptions
	once   sync.Once
}

// ID returns the opaque subscription handle.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Topic returns the channel this subscription is attached to.
func (s *Subscription) Topic() string { return s.topic }

// Messages exposes the delivery queue for channel-style subscriptions
// (SSE bridge, in-process consumers). The channel is closed on unsubscribe.
func (s *Subscription) Messages() <-chan model.Message { return s.queue }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.queue) })
}

type channel struct {
	name        string
	description string
	createdAt   time.Time

	mu      sync.Mutex
	history []model.Message // ring buffer, oldest first
	subs    map[uuid.UUID]*Subscription
}

// Options configures a Bus.
type Options struct {
	HistoryCapacity int           // per-channel replay buffer (default 100)
	QueueCapacity   int           // per-subscription queue (default 64)
	DeliveryTimeout time.Duration // per-delivery timeout (default 5s)
}

// Bus is the hub's message bus. Channels are created on first use and live
// for the process lifetime.
type Bus struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]*channel
	subs     map[uuid.UUID]*Subscription // global handle index
}

// New creates an empty Bus.
func New(opts Options, logger *slog.Logger) *Bus {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = 100
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 64
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 5 * time.Second
	}
	return &Bus{
		opts:     opts,
		logger:   logger,
		channels: make(map[string]*channel),
		subs:     make(map[uuid.UUID]*Subscription),
	}
}

// CreateChannel creates the named channel. Creating an existing channel is a
// no-op success; the existing description is kept. Returns true when the
// channel was actually created.
func (b *Bus) CreateChannel(name, description string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.channels[name]; ok {
		return false
	}
	b.channels[name] = &channel{
		name:        name,
		description: description,
		createdAt:   time.Now().UTC(),
		subs:        make(map[uuid.UUID]*Subscription),
	}
	return true
}

func (b *Bus) getOrCreate(name string) *channel {
	b.mu.RLock()
	ch, ok := b.channels[name]
	b.mu.RUnlock()
	if ok {
		return ch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok = b.channels[name]; ok {
		return ch
	}
	ch = &channel{
		name:      name,
		createdAt: time.Now().UTC(),
		subs:      make(map[uuid.UUID]*Subscription),
	}
	b.channels[name] = ch
	return ch
}

// Publish stamps headers onto the payload, appends the message to the
// channel's bounded history (evicting the oldest entry when full), and
// enqueues it for every current subscriber. It never fails because a
// subscriber does: the ack only covers acceptance by the bus.
func (b *Bus) Publish(ctx context.Context, topic string, payload json.RawMessage, headers map[string]string) (model.Message, error) {
	ch := b.getOrCreate(topic)
	msg := model.NewMessage(topic, payload, headers)

	ch.mu.Lock()
	if len(ch.history) >= b.opts.HistoryCapacity {
		ch.history = ch.history[1:]
	}
	ch.history = append(ch.history, msg)

	for _, sub := range ch.subs {
		select {
		case sub.queue <- msg:
		default:
			// Subscriber queue full — drop this message for them.
			b.logger.Warn("bus: subscriber queue full, message dropped",
				"topic", topic, "subscription_id", sub.id, "message_id", msg.Headers.MessageID)
			b.count(ctx, "musubi.bus.dropped")
		}
	}
	ch.mu.Unlock()

	b.count(ctx, "musubi.bus.published")
	return msg, nil
}

// Subscribe attaches a Subscriber to the topic. Deliveries run on a
// dedicated goroutine per subscription, in publish order, each bounded by
// the delivery timeout. Delivery failures are logged and isolated.
func (b *Bus) Subscribe(topic string, target Subscriber) *Subscription {
	sub := b.attach(topic, target)
	go b.deliverLoop(sub)
	return sub
}

// SubscribeChan attaches a channel-style subscription: the caller drains
// Subscription.Messages itself. Used by the SSE bridge and in-process
// consumers that want backpressure-free reads.
func (b *Bus) SubscribeChan(topic string) *Subscription {
	return b.attach(topic, nil)
}

func (b *Bus) attach(topic string, target Subscriber) *Subscription {
	ch := b.getOrCreate(topic)
	sub := &Subscription{
		id:     uuid.New(),
		topic:  topic,
		queue:  make(chan model.Message, b.opts.QueueCapacity),
		target: target,
	}
	ch.mu.Lock()
	ch.subs[sub.id] = sub
	ch.mu.Unlock()

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches the subscription and closes its queue. Unknown
// handles return a not-found error.
func (b *Bus) Unsubscribe(id uuid.UUID) error {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if !ok {
		b.mu.Unlock()
		return model.E(model.KindNotFound, "unknown subscription %s", id)
	}
	delete(b.subs, id)
	ch := b.channels[sub.topic]
	b.mu.Unlock()

	if ch != nil {
		ch.mu.Lock()
		delete(ch.subs, id)
		ch.mu.Unlock()
	}
	sub.close()
	return nil
}

// History returns a copy of the channel's replay buffer, oldest first.
func (b *Bus) History(topic string) ([]model.Message, error) {
	b.mu.RLock()
	ch, ok := b.channels[topic]
	b.mu.RUnlock()
	if !ok {
		return nil, model.E(model.KindNotFound, "unknown channel %q", topic)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]model.Message(nil), ch.history...), nil
}

// RestoreChannel recreates a channel with replayed history, clamped to the
// history capacity (newest kept). Used when loading a snapshot at startup;
// an existing channel's history is replaced.
func (b *Bus) RestoreChannel(name, description string, history []model.Message) {
	ch := b.getOrCreate(name)
	if len(history) > b.opts.HistoryCapacity {
		history = history[len(history)-b.opts.HistoryCapacity:]
	}
	ch.mu.Lock()
	ch.description = description
	ch.history = append([]model.Message(nil), history...)
	ch.mu.Unlock()
}

// Channels describes every channel on the bus.
func (b *Bus) Channels() []model.ChannelInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]model.ChannelInfo, 0, len(b.channels))
	for _, ch := range b.channels {
		ch.mu.Lock()
		out = append(out, model.ChannelInfo{
			Name:        ch.name,
			Description: ch.description,
			CreatedAt:   ch.createdAt,
			Subscribers: len(ch.subs),
			HistoryLen:  len(ch.history),
		})
		ch.mu.Unlock()
	}
	return out
}

// Close detaches every subscription, stopping their delivery workers.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		_ = b.Unsubscribe(sub.id)
	}
}

func (b *Bus) deliverLoop(sub *Subscription) {
	for msg := range sub.queue {
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.DeliveryTimeout)
		err := sub.target.Deliver(ctx, msg)
		cancel()
		if err != nil {
			b.logger.Warn("bus: delivery failed",
				"topic", sub.topic,
				"subscription_id", sub.id,
				"message_id", msg.Headers.MessageID,
				"error", err)
			b.count(context.Background(), "musubi.bus.delivery_failures")
		}
	}
}

func (b *Bus) count(ctx context.Context, name string) {
	if counter, err := busMeter.Int64Counter(name); err == nil {
		counter.Add(ctx, 1)
	}
}
