package journal

import (
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/bus"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/ccp"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

// Publisher is the part of the bus a Tap needs. It must not block the
// link loop.
type Publisher interface {
	TryPublish(topic string, msg any)
}

// Tap sits between the CCP and a channel observer. Every callback is
// forwarded to the wrapped observer first, then published as an Event.
type Tap struct {
	next ccp.Observer
	ch   wire.Channel
	pub  Publisher
	now  func() time.Time
}

var (
	_ ccp.Observer     = (*Tap)(nil)
	_ ccp.LinkObserver = (*Tap)(nil)
)

func NewTap(next ccp.Observer, ch wire.Channel, pub Publisher, now func() time.Time) *Tap {
	if next == nil {
		next = ccp.BaseObserver{}
	}
	if now == nil {
		now = time.Now
	}
	return &Tap{next: next, ch: ch, pub: pub, now: now}
}

func (t *Tap) publish(kind Kind, dev wire.Device, mid uint8, detail string, payload []byte) {
	t.pub.TryPublish(bus.TopicLinkEvent, Event{
		At:      t.now(),
		Kind:    kind,
		Channel: t.ch,
		Peer:    dev,
		MsgID:   mid,
		Detail:  detail,
		Payload: payload,
	})
}

func (t *Tap) OnReceive(dev wire.Device, mid uint8, data []byte) {
	t.next.OnReceive(dev, mid, data)
	t.publish(KindReceive, dev, mid, "", append([]byte{}, data...))
}

func (t *Tap) OnAck(dev wire.Device) {
	t.next.OnAck(dev)
	t.publish(KindAck, dev, 0, "", nil)
}

func (t *Tap) OnNack(dev wire.Device) {
	t.next.OnNack(dev)
	t.publish(KindNack, dev, 0, "", nil)
}

func (t *Tap) OnGiveUp(dev wire.Device, retriesFail bool) {
	t.next.OnGiveUp(dev, retriesFail)
	detail := "timeouts"
	if retriesFail {
		detail = "nacks"
	}
	t.publish(KindGiveUp, dev, 0, detail, nil)
}

func (t *Tap) OnNoResponse(dev wire.Device) {
	t.next.OnNoResponse(dev)
	t.publish(KindNoResponse, dev, 0, "", nil)
}

func (t *Tap) OnAbort(dev wire.Device) {
	t.next.OnAbort(dev)
	t.publish(KindAbort, dev, 0, "", nil)
}

func (t *Tap) OnBroadcastFinished() {
	t.next.OnBroadcastFinished()
	t.publish(KindBroadcastFinished, wire.Broadcast, 0, "", nil)
}

func (t *Tap) OnPollResult(dev wire.Device, responded bool) {
	if lo, ok := t.next.(ccp.LinkObserver); ok {
		lo.OnPollResult(dev, responded)
	}
	detail := "silent"
	if responded {
		detail = "responded"
	}
	t.publish(KindPoll, dev, 0, detail, nil)
}
