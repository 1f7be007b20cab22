package main

import (
	"errors"
	"log/slog"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/casechannel"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/ccp"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

const atReply = "OK\r\n"

// dtsConsole handles AT commands on the DTS channel. An earbud answers every
// command with OK; the case only logs what it gets back.
type dtsConsole struct {
	ccp.BaseObserver

	tx   casechannel.Sender
	self wire.Device
	log  *slog.Logger

	replyTo   wire.Device
	replyWant bool
}

func newDTSConsole(tx casechannel.Sender, self wire.Device, log *slog.Logger) *dtsConsole {
	return &dtsConsole{tx: tx, self: self, log: log.With("component", "dts")}
}

func (d *dtsConsole) OnReceive(dev wire.Device, mid uint8, data []byte) {
	if mid != ccp.MsgATCommand {
		d.log.Debug("unknown dts message", "dev", dev, "mid", mid)
		return
	}
	d.log.Info("at", "dev", dev, "text", string(data))
	if d.self.IsEarbud() {
		d.replyTo, d.replyWant = dev, true
	}
}

func (d *dtsConsole) OnGiveUp(dev wire.Device, retriesFail bool) {
	d.log.Warn("at command not delivered", "dev", dev, "nacked", retriesFail)
}

func (d *dtsConsole) OnNoResponse(dev wire.Device) {
	d.log.Warn("no answer to at command", "dev", dev)
}

// Service sends the pending OK, if any.
func (d *dtsConsole) Service() error {
	if !d.replyWant {
		return nil
	}
	err := d.tx.Tx(ccp.MsgATCommand, wire.ChannelDTS, d.replyTo, []byte(atReply), true)
	if errors.Is(err, ccp.ErrBusy) || errors.Is(err, ccp.ErrNotAdmitted) {
		return nil
	}
	d.replyWant = false
	return err
}
