// Package chargercomms implements the Scheme B charger comms transport: the
// single-wire UART link shared by the case and both earbuds.
//
// The transport never blocks. Transmit only admits a frame into the outbound
// buffer; Flush writes admitted frames to the sink and Receive drains the
// frames fed in so far. Retries belong to the layer above.
package chargercomms

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

const (
	DefaultTxBufferSize = 512
	DefaultRxBufferSize = 2048
)

type Config struct {
	Self         wire.Device
	TxBufferSize int
	RxBufferSize int
	Now          func() time.Time
	Logger       *slog.Logger
}

// A frame admitted into the outbound buffer.
type outFrame struct {
	frame     wire.Frame
	raw       []byte
	off       int
	queuedAt  time.Time
	notBefore time.Time
}

// Sequence numbers are kept per (source, destination) pair.
type link struct {
	src wire.Device
	dst wire.Device
}

// Transport is one device's end of the charger comms wire.
// It is not safe for concurrent use; the owner drives it from one loop.
type Transport struct {
	cfg      Config
	log      *slog.Logger
	settings UartSettings

	enabled bool
	out     io.Writer

	txQueue []*outFrame
	txBytes int
	txSeq   map[wire.Device]uint8

	rxBuf  []byte
	lastRx time.Time
	rxSeq  map[link]uint8

	stats Stats
}

func New(cfg Config) *Transport {
	if cfg.TxBufferSize <= 0 {
		cfg.TxBufferSize = DefaultTxBufferSize
	}
	if cfg.RxBufferSize <= 0 {
		cfg.RxBufferSize = DefaultRxBufferSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Transport{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "transport"),
		settings: DefaultUartSettings(cfg.Self),
	}
	t.resetSequenceState(cfg.Self)
	return t
}

// Self is the address this transport sends from.
func (t *Transport) Self() wire.Device {
	return t.settings.Device
}

// Enable starts the transport on the given sink. Enabling an enabled
// transport succeeds without side effects.
func (t *Transport) Enable(out io.Writer) error {
	if t.enabled {
		return nil
	}
	if out == nil {
		return ErrNoSink
	}

	t.out = out
	t.clear()
	t.enabled = true
	t.log.Info("charger comms enabled", "self", t.Self())
	return nil
}

// Disable drops all transport state and closes the sink when it is closable.
func (t *Transport) Disable() error {
	if !t.enabled {
		return nil
	}

	var err error
	if c, ok := t.out.(io.Closer); ok {
		if closeErr := c.Close(); closeErr != nil {
			err = fmt.Errorf("close sink: %w", closeErr)
		}
	}
	t.out = nil
	t.enabled = false
	t.clear()
	t.log.Info("charger comms disabled", "self", t.Self())
	return err
}

func (t *Transport) IsEnabled() bool {
	return t.enabled
}

func (t *Transport) clear() {
	t.txQueue = nil
	t.txBytes = 0
	t.rxBuf = nil
	t.lastRx = time.Time{}
	t.stats = Stats{}
	t.resetSequenceState(t.Self())
}

func (t *Transport) Stats() Stats {
	return t.stats
}

// Transmit admits a frame for dest. With no payload and an invalid channel it
// sends a poll, otherwise a data frame carrying cid and mid. It returns false
// straight away when the frame cannot be admitted.
func (t *Transport) Transmit(dest wire.Device, cid wire.Channel, mid uint8, data []byte) bool {
	if len(data) == 0 && cid == wire.ChannelInvalid {
		return t.admit(wire.Frame{Dest: dest, Type: wire.TypePoll}, false)
	}
	return t.admit(wire.Frame{Dest: dest, Type: wire.TypeData, Channel: cid, MsgID: mid, Payload: data}, false)
}

// TransmitRequest sends a data frame the receiver has to acknowledge.
func (t *Transport) TransmitRequest(dest wire.Device, cid wire.Channel, mid uint8, data []byte) bool {
	return t.admit(wire.Frame{Dest: dest, Type: wire.TypeData, AnswerRequested: true, Channel: cid, MsgID: mid, Payload: data}, false)
}

func (t *Transport) TransmitAck(dest wire.Device, cid wire.Channel, mid uint8) bool {
	return t.admit(wire.Frame{Dest: dest, Type: wire.TypeAck, Channel: cid, MsgID: mid}, true)
}

func (t *Transport) TransmitNack(dest wire.Device, cid wire.Channel, mid uint8) bool {
	return t.admit(wire.Frame{Dest: dest, Type: wire.TypeNack, Channel: cid, MsgID: mid}, true)
}

// TransmitPollReply answers a poll. Like acks it waits out the reply delay.
func (t *Transport) TransmitPollReply(dest wire.Device) bool {
	return t.admit(wire.Frame{Dest: dest, Type: wire.TypePoll}, true)
}

// Pending reports whether a frame for dest is still in the outbound buffer.
func (t *Transport) Pending(dest wire.Device) bool {
	for _, of := range t.txQueue {
		if of.frame.Dest == dest {
			return true
		}
	}
	return false
}

// Discard drops the queued data frame for dest carrying cid and mid, unless
// it is already partly on the wire. Frames for other channels are kept.
func (t *Transport) Discard(dest wire.Device, cid wire.Channel, mid uint8) bool {
	for i, of := range t.txQueue {
		f := of.frame
		if f.Dest != dest || f.Type != wire.TypeData || f.Channel != cid || f.MsgID != mid || of.off > 0 {
			continue
		}
		t.removeAt(i)
		return true
	}
	return false
}

func (t *Transport) removeAt(i int) {
	t.txBytes -= len(t.txQueue[i].raw)
	t.txQueue = append(t.txQueue[:i], t.txQueue[i+1:]...)
}

func (t *Transport) admit(f wire.Frame, reply bool) bool {
	if !t.enabled {
		return false
	}
	if !f.Dest.Valid() || f.Dest == t.Self() {
		t.log.Warn("transmit to invalid destination", "dest", f.Dest)
		return false
	}
	if len(f.Payload) > t.settings.MaxPayload() {
		t.log.Warn("transmit payload too large", "dest", f.Dest, "len", len(f.Payload), "max", t.settings.MaxPayload())
		t.stats.Refused++
		return false
	}
	if t.Pending(f.Dest) || t.txBytes+f.EncodedLen() > t.cfg.TxBufferSize {
		t.stats.Refused++
		return false
	}

	f.Source = t.Self()
	f.Seq = t.txSeq[f.Dest]
	raw, err := wire.Encode(f)
	if err != nil {
		t.log.Warn("encode frame", "frame", f.String(), "error", err)
		t.stats.Refused++
		return false
	}
	t.txSeq[f.Dest]++
	t.enqueue(f, raw, reply)
	return true
}

func (t *Transport) enqueue(f wire.Frame, raw []byte, reply bool) {
	now := t.cfg.Now()
	of := &outFrame{frame: f, raw: raw, queuedAt: now, notBefore: now}
	if reply {
		of.notBefore = now.Add(t.settings.ReplyDelay)
	}
	t.txQueue = append(t.txQueue, of)
	t.txBytes += len(raw)
}

// Flush writes admitted frames to the sink in order. It returns the
// destinations whose frames were completely written.
func (t *Transport) Flush() ([]wire.Device, error) {
	if !t.enabled {
		return nil, ErrDisabled
	}

	now := t.cfg.Now()
	var done []wire.Device
	for len(t.txQueue) > 0 {
		of := t.txQueue[0]
		if t.settings.TxTimeout > 0 && of.off == 0 && now.Sub(of.queuedAt) > t.settings.TxTimeout {
			t.log.Warn("tx timeout, dropping frame", "frame", of.frame.String())
			t.stats.TxTimeouts++
			t.removeAt(0)
			continue
		}
		if now.Before(of.notBefore) {
			break
		}

		n, err := t.out.Write(of.raw[of.off:])
		of.off += n
		if err != nil {
			return done, fmt.Errorf("write frame: %w", err)
		}
		if of.off < len(of.raw) {
			if n == 0 {
				break
			}
			continue
		}

		if t.settings.Debugger {
			t.log.Debug("tx frame", "frame", of.frame.String(), "raw", hex.EncodeToString(of.raw))
		}
		t.removeAt(0)
		t.stats.TxFrames++
		done = append(done, of.frame.Dest)
	}
	return done, nil
}
