package chargercomms

import (
	"encoding/hex"
	"errors"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

// Feed appends bytes received from the wire. Bytes beyond the receive buffer
// size push out the oldest buffered bytes.
func (t *Transport) Feed(p []byte) {
	if !t.enabled || len(p) == 0 {
		return
	}
	t.rxBuf = append(t.rxBuf, p...)
	if over := len(t.rxBuf) - t.cfg.RxBufferSize; over > 0 {
		t.stats.DroppedBytes += uint64(over)
		t.rxBuf = t.rxBuf[over:]
	}
	t.lastRx = t.cfg.Now()
}

// Write lets the transport be the destination of a serial reader.
func (t *Transport) Write(p []byte) (int, error) {
	if !t.enabled {
		return 0, ErrDisabled
	}
	t.Feed(p)
	return len(p), nil
}

// Receive drains every complete frame buffered so far. A trailing partial
// frame stays buffered until more bytes arrive or the line goes idle for
// longer than the rx idle timeout.
func (t *Transport) Receive() []Packet {
	if !t.enabled {
		return nil
	}
	if !t.settings.RxEnable {
		t.rxBuf = t.rxBuf[:0]
		return nil
	}

	var pkts []Packet
	for len(t.rxBuf) > 0 {
		f, n, err := wire.Next(t.rxBuf)
		if errors.Is(err, wire.ErrIncomplete) {
			break
		}
		if err != nil {
			if t.settings.Debugger {
				t.log.Debug("rx framing error", "error", err, "byte", t.rxBuf[0])
			}
			t.rxBuf = t.rxBuf[n:]
			t.stats.DroppedBytes += uint64(n)
			continue
		}
		if t.settings.Debugger {
			t.log.Debug("rx frame", "frame", f.String(), "raw", hex.EncodeToString(t.rxBuf[:n]))
		}
		t.rxBuf = t.rxBuf[n:]
		if p, ok := t.accept(f); ok {
			pkts = append(pkts, p)
		}
	}

	if len(t.rxBuf) > 0 && t.settings.RxIdleTimeout > 0 &&
		t.cfg.Now().Sub(t.lastRx) >= t.settings.RxIdleTimeout {
		t.log.Debug("rx idle, dropping partial frame", "len", len(t.rxBuf))
		t.stats.DroppedBytes += uint64(len(t.rxBuf))
		t.rxBuf = t.rxBuf[:0]
	}
	if len(t.rxBuf) == 0 {
		t.rxBuf = nil
	}
	return pkts
}

func (t *Transport) accept(f wire.Frame) (Packet, bool) {
	self := t.Self()

	if f.Type == wire.TypeReset {
		if f.Origin == self {
			t.stats.Echoes++
			return Packet{}, false
		}
		if f.Dest != self && f.Dest != wire.Broadcast {
			t.stats.Foreign++
			return Packet{}, false
		}
		t.applyRemoteReset(f.Origin)
		t.log.Info("sequence numbers reset by peer", "self", self, "origin", f.Origin)
		return Packet{Source: f.Origin, Dest: f.Dest, Type: wire.TypeReset}, true
	}

	if f.Source == self {
		t.stats.Echoes++
		return Packet{}, false
	}
	if f.Dest != self && f.Dest != wire.Broadcast {
		t.stats.Foreign++
		return Packet{}, false
	}

	l := link{src: f.Source, dst: f.Dest}
	if expected, ok := t.rxSeq[l]; ok {
		// #nosec G115 -- deliberate wrap to a signed distance.
		diff := int8(f.Seq - expected)
		if diff < 0 {
			t.log.Debug("stale frame dropped", "frame", f.String(), "expected", expected)
			t.stats.Stale++
			return Packet{}, false
		}
		if diff > 0 {
			t.log.Debug("sequence gap", "frame", f.String(), "expected", expected, "missed", diff)
			t.stats.Gaps += uint64(diff)
		}
	}
	t.rxSeq[l] = f.Seq + 1
	t.stats.RxFrames++

	return Packet{
		Source:          f.Source,
		Dest:            f.Dest,
		Type:            f.Type,
		Channel:         f.Channel,
		MsgID:           f.MsgID,
		Payload:         f.Payload,
		AnswerRequested: f.AnswerRequested,
		Seq:             f.Seq,
	}, true
}

// StartSeq is the first sequence number used by frames sent from dev after a
// reset.
func StartSeq(dev wire.Device) uint8 {
	if dev == wire.Case {
		return 0
	}
	return 1
}

// ResetSequenceNumbers sends the reserved reset frame and restarts the
// sequence numbers of the links it covers. The case resets towards every
// earbud at once; an earbud resets towards the case. Frames still queued
// would carry numbers from before the reset, so they are dropped.
func (t *Transport) ResetSequenceNumbers() bool {
	if !t.enabled {
		return false
	}
	self := t.Self()

	dest := wire.Case
	if self == wire.Case {
		dest = wire.Broadcast
	}
	f := wire.Frame{Dest: dest, Type: wire.TypeReset, Origin: self}
	raw, err := wire.Encode(f)
	if err != nil {
		t.log.Warn("encode reset frame", "error", err)
		return false
	}

	if len(t.txQueue) > 0 {
		t.log.Debug("dropping queued frames for sequence reset", "frames", len(t.txQueue))
		t.txQueue = nil
		t.txBytes = 0
	}
	t.applyLocalReset()
	t.enqueue(f, raw, false)
	t.log.Info("sequence numbers reset", "self", self, "dest", dest)
	return true
}

func (t *Transport) resetSequenceState(self wire.Device) {
	t.txSeq = make(map[wire.Device]uint8, 4)
	for _, d := range []wire.Device{wire.Case, wire.Left, wire.Right, wire.Broadcast} {
		t.txSeq[d] = StartSeq(self)
	}
	t.rxSeq = make(map[link]uint8, 4)
}

func (t *Transport) applyLocalReset() {
	self := t.Self()
	if self == wire.Case {
		for _, eb := range wire.Earbuds {
			t.txSeq[eb] = StartSeq(self)
			t.rxSeq[link{src: eb, dst: self}] = StartSeq(eb)
		}
		t.txSeq[wire.Broadcast] = StartSeq(self)
		return
	}
	t.txSeq[wire.Case] = StartSeq(self)
	t.rxSeq[link{src: wire.Case, dst: self}] = StartSeq(wire.Case)
	// The case keeps its broadcast numbering; resync on the next broadcast.
	delete(t.rxSeq, link{src: wire.Case, dst: wire.Broadcast})
}

func (t *Transport) applyRemoteReset(origin wire.Device) {
	self := t.Self()
	if origin == wire.Case {
		t.txSeq[wire.Case] = StartSeq(self)
		t.rxSeq[link{src: wire.Case, dst: self}] = StartSeq(wire.Case)
		t.rxSeq[link{src: wire.Case, dst: wire.Broadcast}] = StartSeq(wire.Case)
		return
	}
	t.txSeq[origin] = StartSeq(self)
	t.rxSeq[link{src: origin, dst: self}] = StartSeq(origin)
}
