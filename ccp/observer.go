package ccp

import "github.com/RoanBrand/ChargerCaseCommsProtocol/wire"

// Observer receives the events of one registered channel.
// Exactly one of OnAck, OnGiveUp, OnNoResponse or OnAbort ends every message
// sent with an answer requested. OnNack may fire before any of them.
type Observer interface {
	OnReceive(dev wire.Device, mid uint8, data []byte)
	OnAck(dev wire.Device)
	OnNack(dev wire.Device)
	OnGiveUp(dev wire.Device, retriesFail bool)
	OnNoResponse(dev wire.Device)
	OnAbort(dev wire.Device)
	OnBroadcastFinished()
}

// LinkObserver is optionally implemented by a channel observer that wants the
// outcome of poll bursts.
type LinkObserver interface {
	OnPollResult(dev wire.Device, responded bool)
}

// BaseObserver ignores every event. Embed it and override what you need.
type BaseObserver struct{}

func (BaseObserver) OnReceive(wire.Device, uint8, []byte) {}
func (BaseObserver) OnAck(wire.Device)                    {}
func (BaseObserver) OnNack(wire.Device)                   {}
func (BaseObserver) OnGiveUp(wire.Device, bool)           {}
func (BaseObserver) OnNoResponse(wire.Device)             {}
func (BaseObserver) OnAbort(wire.Device)                  {}
func (BaseObserver) OnBroadcastFinished()                 {}

// ObserverFuncs adapts a set of funcs to Observer. Nil funcs are skipped.
type ObserverFuncs struct {
	Receive           func(dev wire.Device, mid uint8, data []byte)
	Ack               func(dev wire.Device)
	Nack              func(dev wire.Device)
	GiveUp            func(dev wire.Device, retriesFail bool)
	NoResponse        func(dev wire.Device)
	Abort             func(dev wire.Device)
	BroadcastFinished func()
	PollResult        func(dev wire.Device, responded bool)
}

func (o ObserverFuncs) OnReceive(dev wire.Device, mid uint8, data []byte) {
	if o.Receive != nil {
		o.Receive(dev, mid, data)
	}
}

func (o ObserverFuncs) OnAck(dev wire.Device) {
	if o.Ack != nil {
		o.Ack(dev)
	}
}

func (o ObserverFuncs) OnNack(dev wire.Device) {
	if o.Nack != nil {
		o.Nack(dev)
	}
}

func (o ObserverFuncs) OnGiveUp(dev wire.Device, retriesFail bool) {
	if o.GiveUp != nil {
		o.GiveUp(dev, retriesFail)
	}
}

func (o ObserverFuncs) OnNoResponse(dev wire.Device) {
	if o.NoResponse != nil {
		o.NoResponse(dev)
	}
}

func (o ObserverFuncs) OnAbort(dev wire.Device) {
	if o.Abort != nil {
		o.Abort(dev)
	}
}

func (o ObserverFuncs) OnBroadcastFinished() {
	if o.BroadcastFinished != nil {
		o.BroadcastFinished()
	}
}

func (o ObserverFuncs) OnPollResult(dev wire.Device, responded bool) {
	if o.PollResult != nil {
		o.PollResult(dev, responded)
	}
}
