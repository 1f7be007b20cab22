package bus

import (
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/cskr/pubsub"
)

// Topics carried on the bus.
const (
	TopicLinkEvent = "link.event"
	TopicStats     = "link.stats"
)

const forwardQueueSize = 256

type Subscription chan any

type MessageBus interface {
	Publish(topic string, msg any)
	TryPublish(topic string, msg any)
	Subscribe(topics ...string) Subscription
	Unsubscribe(ch Subscription, topics ...string)
	Close()
}

type envelope struct {
	topic string
	msg   any
}

// PubSubBus fans link events out to the journal and any other listeners.
type PubSubBus struct {
	ps     *pubsub.PubSub
	logger *slog.Logger

	queue     chan envelope
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

func New(logger *slog.Logger) *PubSubBus {
	if logger == nil {
		logger = slog.Default().With("component", "bus")
	}
	b := &PubSubBus{
		ps:     pubsub.New(128),
		logger: logger,
		queue:  make(chan envelope, forwardQueueSize),
		done:   make(chan struct{}),
	}
	go b.forward()
	return b
}

func (b *PubSubBus) Publish(topic string, msg any) {
	b.logger.Debug("publish", "topic", topic, "payload_type", payloadType(msg))
	b.ps.Pub(msg, topic)
}

// TryPublish hands msg to the forwarder and returns at once. When the
// forwarder is backed up msg is dropped and counted.
func (b *PubSubBus) TryPublish(topic string, msg any) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.queue <- envelope{topic: topic, msg: msg}:
	default:
		b.dropped.Add(1)
		b.logger.Debug("publish dropped", "topic", topic, "payload_type", payloadType(msg))
	}
}

// Dropped counts messages TryPublish could not queue.
func (b *PubSubBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *PubSubBus) forward() {
	for {
		select {
		case <-b.done:
			return
		case e := <-b.queue:
			b.Publish(e.topic, e.msg)
		}
	}
}

func (b *PubSubBus) Subscribe(topics ...string) Subscription {
	ch := b.ps.Sub(topics...)
	b.logger.Debug("subscribe", "topics", topics)
	return ch
}

func (b *PubSubBus) Unsubscribe(ch Subscription, topics ...string) {
	if len(topics) == 0 {
		b.ps.Unsub(ch)
		b.logger.Debug("unsubscribe", "mode", "all")
		return
	}
	b.ps.Unsub(ch, topics...)
	b.logger.Debug("unsubscribe", "topics", topics)
}

// Close shuts the bus down. Every subscription channel is closed and
// messages still queued for forwarding are lost.
func (b *PubSubBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.ps.Shutdown()
	})
}

func payloadType(v any) string {
	if v == nil {
		return "<nil>"
	}
	return reflect.TypeOf(v).String()
}
