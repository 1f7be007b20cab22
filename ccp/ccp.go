// Package ccp is the Case Comms Protocol: channel multiplexing, acks and
// retries on top of the charger comms transport.
//
// A CCP is driven from a single loop. Tx only admits a message; its outcome
// arrives later through the channel's Observer while Periodic runs.
package ccp

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/chargercomms"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

const (
	DefaultMaxRetries      = 3
	DefaultRetryTimeout    = 100 * time.Millisecond
	DefaultBusyBackoff     = 5 * time.Millisecond
	DefaultPresenceTimeout = 2 * time.Second
)

// MsgATCommand is the DTS channel message carrying an AT command string.
const MsgATCommand uint8 = 0

type Config struct {
	Self            wire.Device
	MaxRetries      int
	RetryTimeout    time.Duration
	BusyBackoff     time.Duration
	PresenceTimeout time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

type msgKey struct {
	ch   wire.Channel
	dest wire.Device
}

// A message sent with an answer requested, waiting for its ack.
type pending struct {
	key      msgKey
	mid      uint8
	payload  []byte
	attempts int
	nacks    int
	timer    *timer
}

// The last message acked per source, so a retransmission whose ack got lost
// is acked again without reaching the observer twice.
type ackedMsg struct {
	ch      wire.Channel
	mid     uint8
	payload []byte
	at      time.Time
}

type pollBurst struct {
	dev       wire.Device
	remaining int
	period    time.Duration
	started   time.Time
	timer     *timer
}

type CCP struct {
	cfg Config
	log *slog.Logger
	tr  *chargercomms.Transport

	channels [wire.NumChannels]Observer
	pending  map[msgKey]*pending

	bcastActive bool
	bcastCh     wire.Channel
	bcastMid    uint8

	lastAcked map[wire.Device]ackedMsg
	lastHeard map[wire.Device]time.Time
	polls     map[wire.Device]*pollBurst

	timers     timerQueue
	timerOrder uint64
}

func New(t *chargercomms.Transport, cfg Config) *CCP {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = DefaultRetryTimeout
	}
	if cfg.BusyBackoff <= 0 {
		cfg.BusyBackoff = DefaultBusyBackoff
	}
	if cfg.PresenceTimeout <= 0 {
		cfg.PresenceTimeout = DefaultPresenceTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &CCP{
		cfg:       cfg,
		log:       cfg.Logger.With("component", "ccp"),
		tr:        t,
		pending:   make(map[msgKey]*pending),
		lastAcked: make(map[wire.Device]ackedMsg),
		lastHeard: make(map[wire.Device]time.Time),
		polls:     make(map[wire.Device]*pollBurst),
	}
}

// RegisterChannel binds obs to ch. A channel is registered once; a second
// registration fails and leaves the first observer in place.
func (c *CCP) RegisterChannel(obs Observer, ch wire.Channel) error {
	if obs == nil {
		return ErrNilObserver
	}
	if !ch.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidChannel, ch)
	}
	if c.channels[ch] != nil {
		return fmt.Errorf("%w: %s", ErrChannelRegistered, ch)
	}
	c.channels[ch] = obs
	return nil
}

func (c *CCP) observer(ch wire.Channel) Observer {
	if !ch.Valid() {
		return nil
	}
	return c.channels[ch]
}

// Tx sends data to dest on ch. With needAnswer the message is retried until
// the receiver acks it or MaxRetries attempts have failed. A nil error only
// means the first frame was admitted by the transport.
func (c *CCP) Tx(mid uint8, ch wire.Channel, dest wire.Device, data []byte, needAnswer bool) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidChannel, ch)
	}
	if c.channels[ch] == nil {
		return fmt.Errorf("%w: %s", ErrUnregisteredChannel, ch)
	}
	if mid > wire.MaxMsgID {
		return fmt.Errorf("%w: %d", ErrInvalidMsgID, mid)
	}

	if dest == wire.Broadcast {
		return c.txBroadcast(mid, ch, data, needAnswer)
	}
	if !dest.Valid() || dest == c.cfg.Self {
		return fmt.Errorf("%w: %s", ErrInvalidDestination, dest)
	}

	if !needAnswer {
		if !c.tr.Transmit(dest, ch, mid, data) {
			return ErrNotAdmitted
		}
		return nil
	}

	k := msgKey{ch: ch, dest: dest}
	if _, busy := c.pending[k]; busy {
		return fmt.Errorf("%w: %s to %s", ErrBusy, ch, dest)
	}
	if !c.tr.TransmitRequest(dest, ch, mid, data) {
		return ErrNotAdmitted
	}

	p := &pending{key: k, mid: mid, payload: append([]byte(nil), data...)}
	c.pending[k] = p
	c.armRetry(p, c.cfg.RetryTimeout, c.onTimeout)
	c.log.Debug("tx", "ch", ch, "dest", dest, "mid", mid, "len", len(data))
	return nil
}

func (c *CCP) txBroadcast(mid uint8, ch wire.Channel, data []byte, needAnswer bool) error {
	if needAnswer {
		return ErrBroadcastAnswer
	}
	if c.bcastActive {
		return fmt.Errorf("%w: broadcast", ErrBusy)
	}
	if !c.tr.Transmit(wire.Broadcast, ch, mid, data) {
		return ErrNotAdmitted
	}
	c.bcastActive = true
	c.bcastCh = ch
	c.bcastMid = mid
	c.log.Debug("tx broadcast", "ch", ch, "mid", mid, "len", len(data))
	return nil
}

// Pending reports whether a message on ch to dest is awaiting its answer.
func (c *CCP) Pending(ch wire.Channel, dest wire.Device) bool {
	_, ok := c.pending[msgKey{ch: ch, dest: dest}]
	return ok
}

// Abort drops the message on ch to dest, including a frame still queued in
// the transport, and reports OnAbort. No other event follows for it.
func (c *CCP) Abort(ch wire.Channel, dest wire.Device) {
	k := msgKey{ch: ch, dest: dest}
	if p, ok := c.pending[k]; ok {
		c.cancel(p.timer)
		delete(c.pending, k)
		c.tr.Discard(dest, ch, p.mid)
	}
	if dest == wire.Broadcast && c.bcastActive && c.bcastCh == ch {
		c.bcastActive = false
		c.tr.Discard(wire.Broadcast, ch, c.bcastMid)
	}
	c.log.Debug("abort", "ch", ch, "dest", dest)
	if obs := c.observer(ch); obs != nil {
		obs.OnAbort(dest)
	}
}

// ATCommand sends an AT command string on the DTS channel.
func (c *CCP) ATCommand(dest wire.Device, cmd string) error {
	return c.Tx(MsgATCommand, wire.ChannelDTS, dest, []byte(cmd), true)
}

// ResetLink restarts the sequence numbers of this device's links.
func (c *CCP) ResetLink() bool {
	if !c.tr.ResetSequenceNumbers() {
		return false
	}
	// The reset dropped whatever the transport still held.
	if c.bcastActive {
		c.log.Warn("broadcast dropped by link reset", "ch", c.bcastCh)
		c.bcastActive = false
	}
	clear(c.lastAcked)
	return true
}

// Periodic advances the protocol: it writes queued frames, handles
// everything received since the last call and fires due retry and poll
// timers. Call it at least once per RetryTimeout.
func (c *CCP) Periodic() {
	c.flush()
	for _, pkt := range c.tr.Receive() {
		c.handle(pkt)
	}
	c.runTimers(c.cfg.Now())
	c.flush()
}

func (c *CCP) flush() {
	if !c.tr.IsEnabled() {
		return
	}
	done, err := c.tr.Flush()
	if err != nil {
		c.log.Warn("flush transport", "error", err)
	}
	for _, dest := range done {
		if dest == wire.Broadcast && c.bcastActive {
			c.finishBroadcast()
		}
	}
	if c.bcastActive && !c.tr.Pending(wire.Broadcast) {
		// Dropped by the transport before it reached the wire.
		c.log.Warn("broadcast dropped", "ch", c.bcastCh)
		c.bcastActive = false
	}
}

func (c *CCP) finishBroadcast() {
	c.bcastActive = false
	if obs := c.observer(c.bcastCh); obs != nil {
		obs.OnBroadcastFinished()
	}
}

func (c *CCP) armRetry(p *pending, after time.Duration, fire func(*pending)) {
	c.cancel(p.timer)
	p.timer = c.schedule(after, func() { fire(p) })
}

func (c *CCP) current(p *pending) bool {
	return c.pending[p.key] == p
}

func (c *CCP) onTimeout(p *pending) {
	if !c.current(p) {
		return
	}
	p.attempts++
	if p.attempts < c.cfg.MaxRetries {
		c.log.Debug("retry after timeout", "ch", p.key.ch, "dest", p.key.dest, "mid", p.mid, "attempt", p.attempts)
		c.retransmit(p)
		return
	}

	delete(c.pending, p.key)
	obs := c.observer(p.key.ch)
	if p.nacks == 0 {
		c.log.Info("no response", "ch", p.key.ch, "dest", p.key.dest, "mid", p.mid)
		obs.OnNoResponse(p.key.dest)
		return
	}
	c.log.Info("give up", "ch", p.key.ch, "dest", p.key.dest, "mid", p.mid, "nacks", p.nacks)
	obs.OnGiveUp(p.key.dest, false)
}

func (c *CCP) retransmit(p *pending) {
	if !c.current(p) {
		return
	}
	if !c.tr.TransmitRequest(p.key.dest, p.key.ch, p.mid, p.payload) {
		c.armRetry(p, c.cfg.BusyBackoff, c.retransmit)
		return
	}
	c.armRetry(p, c.cfg.RetryTimeout, c.onTimeout)
}

func (c *CCP) handle(pkt chargercomms.Packet) {
	now := c.cfg.Now()
	c.lastHeard[pkt.Source] = now

	switch pkt.Type {
	case wire.TypeReset:
		delete(c.lastAcked, pkt.Source)
	case wire.TypePoll:
		c.handlePoll(pkt)
	case wire.TypeAck:
		c.handleAck(pkt)
	case wire.TypeNack:
		c.handleNack(pkt)
	case wire.TypeData:
		c.handleData(pkt, now)
	}
}

func (c *CCP) handlePoll(pkt chargercomms.Packet) {
	// Earbuds answer the case's polls; anything else is itself an answer.
	if c.cfg.Self.IsEarbud() && pkt.Source == wire.Case && pkt.Dest == c.cfg.Self {
		if !c.tr.TransmitPollReply(wire.Case) {
			c.log.Debug("poll reply refused")
		}
	}
}

func (c *CCP) matchPending(pkt chargercomms.Packet) *pending {
	p, ok := c.pending[msgKey{ch: pkt.Channel, dest: pkt.Source}]
	if !ok {
		c.log.Debug("unexpected answer", "type", pkt.Type, "ch", pkt.Channel, "src", pkt.Source, "mid", pkt.MsgID)
		return nil
	}
	if p.mid != pkt.MsgID {
		c.log.Debug("answer for another message", "type", pkt.Type, "ch", pkt.Channel, "src", pkt.Source, "mid", pkt.MsgID, "want", p.mid)
		return nil
	}
	return p
}

func (c *CCP) handleAck(pkt chargercomms.Packet) {
	p := c.matchPending(pkt)
	if p == nil {
		return
	}
	c.cancel(p.timer)
	delete(c.pending, p.key)
	c.observer(p.key.ch).OnAck(pkt.Source)
}

func (c *CCP) handleNack(pkt chargercomms.Packet) {
	p := c.matchPending(pkt)
	if p == nil {
		return
	}
	c.cancel(p.timer)
	p.timer = nil
	p.nacks++
	c.observer(p.key.ch).OnNack(pkt.Source)
	if !c.current(p) {
		// Aborted from OnNack.
		return
	}

	p.attempts++
	if p.attempts < c.cfg.MaxRetries {
		c.log.Debug("retry after nack", "ch", p.key.ch, "dest", p.key.dest, "mid", p.mid, "attempt", p.attempts)
		c.retransmit(p)
		return
	}
	delete(c.pending, p.key)
	c.log.Info("give up", "ch", p.key.ch, "dest", p.key.dest, "mid", p.mid, "nacks", p.nacks)
	c.observer(p.key.ch).OnGiveUp(p.key.dest, true)
}

func (c *CCP) handleData(pkt chargercomms.Packet, now time.Time) {
	obs := c.observer(pkt.Channel)
	if !pkt.AnswerRequested {
		if obs == nil {
			c.log.Debug("data on unregistered channel", "ch", pkt.Channel, "src", pkt.Source)
			return
		}
		obs.OnReceive(pkt.Source, pkt.MsgID, pkt.Payload)
		return
	}

	if obs == nil {
		c.log.Debug("nack data on unregistered channel", "ch", pkt.Channel, "src", pkt.Source, "mid", pkt.MsgID)
		c.tr.TransmitNack(pkt.Source, pkt.Channel, pkt.MsgID)
		return
	}

	if last, ok := c.lastAcked[pkt.Source]; ok && c.duplicate(last, pkt, now) {
		c.log.Debug("duplicate, ack again", "ch", pkt.Channel, "src", pkt.Source, "mid", pkt.MsgID)
		c.tr.TransmitAck(pkt.Source, pkt.Channel, pkt.MsgID)
		return
	}

	if !c.tr.TransmitAck(pkt.Source, pkt.Channel, pkt.MsgID) {
		// The sender retries; handle the message then.
		c.log.Debug("ack refused, dropping data", "ch", pkt.Channel, "src", pkt.Source, "mid", pkt.MsgID)
		return
	}
	c.lastAcked[pkt.Source] = ackedMsg{ch: pkt.Channel, mid: pkt.MsgID, payload: pkt.Payload, at: now}
	obs.OnReceive(pkt.Source, pkt.MsgID, pkt.Payload)
}

// A repeat only counts as a duplicate within the sender's retry window;
// after that the same message is taken as new.
func (c *CCP) duplicate(last ackedMsg, pkt chargercomms.Packet, now time.Time) bool {
	window := c.cfg.RetryTimeout * time.Duration(c.cfg.MaxRetries)
	return last.ch == pkt.Channel && last.mid == pkt.MsgID &&
		bytes.Equal(last.payload, pkt.Payload) && now.Sub(last.at) <= window
}

// LastHeard is when anything was last received from dev.
func (c *CCP) LastHeard(dev wire.Device) time.Time {
	return c.lastHeard[dev]
}

// Present reports whether dev was heard within the presence timeout.
func (c *CCP) Present(dev wire.Device) bool {
	t, ok := c.lastHeard[dev]
	return ok && c.cfg.Now().Sub(t) <= c.cfg.PresenceTimeout
}
