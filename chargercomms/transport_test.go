package chargercomms

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// Sink that records writes and counts Close calls.
type closingBuffer struct {
	bytes.Buffer
	closed int
}

func (b *closingBuffer) Close() error {
	b.closed++
	return nil
}

func newTestTransport(t *testing.T, self wire.Device, clock *fakeClock) (*Transport, *closingBuffer) {
	t.Helper()
	tr := New(Config{Self: self, Now: clock.Now})
	sink := &closingBuffer{}
	if err := tr.Enable(sink); err != nil {
		t.Fatalf("enable: %v", err)
	}
	return tr, sink
}

func decodeAll(t *testing.T, raw []byte) []wire.Frame {
	t.Helper()
	var frames []wire.Frame
	for len(raw) > 0 {
		f, n, err := wire.Next(raw)
		if err != nil {
			t.Fatalf("decode written frames: %v", err)
		}
		frames = append(frames, f)
		raw = raw[n:]
	}
	return frames
}

func mustFlush(t *testing.T, tr *Transport) []wire.Device {
	t.Helper()
	done, err := tr.Flush()
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	return done
}

func TestTransmitPollAndData(t *testing.T) {
	clock := newFakeClock()
	tr, sink := newTestTransport(t, wire.Case, clock)

	if !tr.Transmit(wire.Left, wire.ChannelInvalid, 0, nil) {
		t.Fatalf("expected poll to be admitted")
	}
	if !tr.Transmit(wire.Right, wire.ChannelCaseInfo, 7, []byte{0x01, 0x02}) {
		t.Fatalf("expected data frame to be admitted")
	}
	done := mustFlush(t, tr)
	if len(done) != 2 || done[0] != wire.Left || done[1] != wire.Right {
		t.Fatalf("unexpected flushed destinations: %v", done)
	}

	frames := decodeAll(t, sink.Bytes())
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames on the wire, got %d", len(frames))
	}
	if frames[0].Type != wire.TypePoll || frames[0].Dest != wire.Left || frames[0].Source != wire.Case {
		t.Fatalf("unexpected poll frame %v", frames[0])
	}
	data := frames[1]
	if data.Type != wire.TypeData || data.Channel != wire.ChannelCaseInfo || data.MsgID != 7 {
		t.Fatalf("unexpected data frame %v", data)
	}
	if !bytes.Equal(data.Payload, []byte{0x01, 0x02}) {
		t.Fatalf("unexpected payload %v", data.Payload)
	}
	if data.Seq != StartSeq(wire.Case) {
		t.Fatalf("expected first seq %d, got %d", StartSeq(wire.Case), data.Seq)
	}
}

func TestTransmitOneQueuedFramePerDestination(t *testing.T) {
	clock := newFakeClock()
	tr, _ := newTestTransport(t, wire.Case, clock)

	if !tr.Transmit(wire.Left, wire.ChannelCaseInfo, 1, []byte{1}) {
		t.Fatalf("expected first frame to be admitted")
	}
	if tr.Transmit(wire.Left, wire.ChannelDFU, 2, []byte{2}) {
		t.Fatalf("expected second frame for the same destination to be refused")
	}
	if !tr.Transmit(wire.Right, wire.ChannelCaseInfo, 1, []byte{1}) {
		t.Fatalf("expected frame for another destination to be admitted")
	}
	if !tr.Pending(wire.Left) {
		t.Fatalf("expected left frame to be pending")
	}

	mustFlush(t, tr)
	if tr.Pending(wire.Left) {
		t.Fatalf("expected nothing pending after flush")
	}
	if !tr.Transmit(wire.Left, wire.ChannelDFU, 2, []byte{2}) {
		t.Fatalf("expected frame to be admitted after flush")
	}
	if got := tr.Stats().Refused; got != 1 {
		t.Fatalf("expected 1 refusal, got %d", got)
	}
}

func TestTransmitRefusedWhenBufferFull(t *testing.T) {
	clock := newFakeClock()
	tr := New(Config{Self: wire.Case, Now: clock.Now, TxBufferSize: 16})
	if err := tr.Enable(&closingBuffer{}); err != nil {
		t.Fatalf("enable: %v", err)
	}

	if !tr.Transmit(wire.Left, wire.ChannelCaseInfo, 1, make([]byte, 9)) {
		t.Fatalf("expected 16 byte frame to fit")
	}
	if tr.Transmit(wire.Right, wire.ChannelInvalid, 0, nil) {
		t.Fatalf("expected poll to be refused with a full buffer")
	}
}

func TestTransmitWhileDisabled(t *testing.T) {
	tr := New(Config{Self: wire.Case})
	if tr.Transmit(wire.Left, wire.ChannelCaseInfo, 1, nil) {
		t.Fatalf("expected transmit to fail while disabled")
	}
	if tr.ResetSequenceNumbers() {
		t.Fatalf("expected reset to fail while disabled")
	}
	if _, err := tr.Flush(); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestEnableDisableIdempotent(t *testing.T) {
	clock := newFakeClock()
	tr, sink := newTestTransport(t, wire.Left, clock)

	other := &closingBuffer{}
	if err := tr.Enable(other); err != nil {
		t.Fatalf("second enable: %v", err)
	}
	if !tr.Transmit(wire.Case, wire.ChannelInvalid, 0, nil) {
		t.Fatalf("expected poll to be admitted")
	}
	mustFlush(t, tr)
	if sink.Len() == 0 || other.Len() != 0 {
		t.Fatalf("expected second enable to keep the original sink")
	}

	if err := tr.Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if tr.IsEnabled() {
		t.Fatalf("expected transport to report disabled")
	}
	if err := tr.Disable(); err != nil {
		t.Fatalf("second disable: %v", err)
	}
	if sink.closed != 1 {
		t.Fatalf("expected sink to be closed once, got %d", sink.closed)
	}
	if err := tr.Enable(nil); !errors.Is(err, ErrNoSink) {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
}

func TestReceiveDrainsCompleteFramesKeepsPartial(t *testing.T) {
	clock := newFakeClock()
	caseTr, caseSink := newTestTransport(t, wire.Case, clock)
	left, _ := newTestTransport(t, wire.Left, clock)

	caseTr.Transmit(wire.Left, wire.ChannelCaseInfo, 1, []byte("one"))
	caseTr.Transmit(wire.Broadcast, wire.ChannelCaseInfo, 2, []byte("two"))
	mustFlush(t, caseTr)
	caseTr.Transmit(wire.Left, wire.ChannelCaseInfo, 3, []byte("three"))
	mustFlush(t, caseTr)

	raw := caseSink.Bytes()
	cut := len(raw) - 3
	left.Feed(raw[:cut])
	pkts := left.Receive()
	if len(pkts) != 2 {
		t.Fatalf("expected 2 complete packets, got %d", len(pkts))
	}
	if string(pkts[0].Payload) != "one" || pkts[1].Dest != wire.Broadcast {
		t.Fatalf("unexpected packets %+v", pkts)
	}
	if pkts := left.Receive(); len(pkts) != 0 {
		t.Fatalf("expected partial frame to stay buffered, got %+v", pkts)
	}

	left.Feed(raw[cut:])
	pkts = left.Receive()
	if len(pkts) != 1 || string(pkts[0].Payload) != "three" || pkts[0].MsgID != 3 {
		t.Fatalf("unexpected packets after completing frame: %+v", pkts)
	}
	if pkts[0].Source != wire.Case || pkts[0].Channel != wire.ChannelCaseInfo {
		t.Fatalf("unexpected packet addressing %+v", pkts[0])
	}
}

func TestReceiveDropsCorruptFrames(t *testing.T) {
	clock := newFakeClock()
	caseTr, caseSink := newTestTransport(t, wire.Case, clock)
	right, _ := newTestTransport(t, wire.Right, clock)

	caseTr.Transmit(wire.Right, wire.ChannelCaseInfo, 1, []byte("bad"))
	mustFlush(t, caseTr)
	corrupt := append([]byte(nil), caseSink.Bytes()...)
	corrupt[5] ^= 0x10
	caseSink.Reset()

	right.Feed(corrupt)
	if pkts := right.Receive(); len(pkts) != 0 {
		t.Fatalf("expected corrupt frame to be dropped, got %+v", pkts)
	}
	// Resync may leave a bogus length prefix waiting; the idle timeout clears it.
	clock.Advance(DefaultRxIdleTimeout)
	right.Receive()
	if right.Stats().DroppedBytes != uint64(len(corrupt)) {
		t.Fatalf("expected %d dropped bytes, got %d", len(corrupt), right.Stats().DroppedBytes)
	}

	caseTr.Transmit(wire.Right, wire.ChannelCaseInfo, 2, []byte("good"))
	mustFlush(t, caseTr)
	right.Feed(caseSink.Bytes())
	pkts := right.Receive()
	if len(pkts) != 1 || string(pkts[0].Payload) != "good" {
		t.Fatalf("expected only the intact frame, got %+v", pkts)
	}
}

func TestReceiveFiltersEchoAndForeignFrames(t *testing.T) {
	clock := newFakeClock()
	caseTr, caseSink := newTestTransport(t, wire.Case, clock)
	left, _ := newTestTransport(t, wire.Left, clock)

	caseTr.Transmit(wire.Right, wire.ChannelCaseInfo, 1, []byte("for right"))
	mustFlush(t, caseTr)
	left.Feed(caseSink.Bytes())
	caseTr.Feed(caseSink.Bytes())

	if pkts := left.Receive(); len(pkts) != 0 {
		t.Fatalf("expected frame for right to be ignored by left, got %+v", pkts)
	}
	if pkts := caseTr.Receive(); len(pkts) != 0 {
		t.Fatalf("expected own echo to be ignored, got %+v", pkts)
	}
	if left.Stats().Foreign != 1 || caseTr.Stats().Echoes != 1 {
		t.Fatalf("unexpected stats left=%+v case=%+v", left.Stats(), caseTr.Stats())
	}
}

func TestResetSequenceNumbersIdempotent(t *testing.T) {
	clock := newFakeClock()
	tr, sink := newTestTransport(t, wire.Case, clock)

	for i := 0; i < 3; i++ {
		tr.Transmit(wire.Left, wire.ChannelCaseInfo, uint8(i), []byte{byte(i)})
		mustFlush(t, tr)
	}

	for i := 0; i < 2; i++ {
		sink.Reset()
		if !tr.ResetSequenceNumbers() {
			t.Fatalf("reset %d: expected reset frame to be admitted", i)
		}
		mustFlush(t, tr)
		frames := decodeAll(t, sink.Bytes())
		if len(frames) != 1 || frames[0].Type != wire.TypeReset {
			t.Fatalf("reset %d: expected one reset frame, got %v", i, frames)
		}
		if frames[0].Dest != wire.Broadcast || frames[0].Origin != wire.Case || frames[0].Source != wire.Broadcast {
			t.Fatalf("reset %d: unexpected reset frame %v", i, frames[0])
		}

		sink.Reset()
		tr.Transmit(wire.Left, wire.ChannelCaseInfo, 5, []byte{5})
		mustFlush(t, tr)
		frames = decodeAll(t, sink.Bytes())
		if frames[0].Seq != StartSeq(wire.Case) {
			t.Fatalf("reset %d: expected seq %d after reset, got %d", i, StartSeq(wire.Case), frames[0].Seq)
		}
	}
}

func TestEarbudResetTargetsCase(t *testing.T) {
	clock := newFakeClock()
	tr, sink := newTestTransport(t, wire.Right, clock)

	if !tr.ResetSequenceNumbers() {
		t.Fatalf("expected reset to be admitted")
	}
	mustFlush(t, tr)
	raw := sink.Bytes()
	if len(raw) != wire.LinkHeaderLen+wire.ResetMsgLen+wire.CRCLen {
		t.Fatalf("unexpected reset frame length %d", len(raw))
	}
	if raw[wire.LinkHeaderLen] != wire.RightEarbudSeqNumResetMsg {
		t.Fatalf("expected right earbud reset code, got 0x%02X", raw[wire.LinkHeaderLen])
	}
	frames := decodeAll(t, raw)
	if frames[0].Dest != wire.Case {
		t.Fatalf("expected earbud reset to target the case, got %s", frames[0].Dest)
	}
}

func TestPeerResetRestartsSequence(t *testing.T) {
	clock := newFakeClock()
	caseTr, caseSink := newTestTransport(t, wire.Case, clock)
	left, leftSink := newTestTransport(t, wire.Left, clock)

	exchange := func() []Packet {
		mustFlush(t, caseTr)
		left.Feed(caseSink.Bytes())
		caseSink.Reset()
		return left.Receive()
	}

	caseTr.Transmit(wire.Left, wire.ChannelCaseInfo, 1, []byte{1})
	mustFlush(t, caseTr)
	old := append([]byte(nil), caseSink.Bytes()...)
	left.Feed(old)
	caseSink.Reset()
	if pkts := left.Receive(); len(pkts) != 1 {
		t.Fatalf("expected first frame, got %d", len(pkts))
	}

	caseTr.Transmit(wire.Left, wire.ChannelCaseInfo, 2, []byte{2})
	if pkts := exchange(); len(pkts) != 1 {
		t.Fatalf("expected second frame, got %d", len(pkts))
	}

	// Replaying the first frame is stale.
	left.Feed(old)
	if pkts := left.Receive(); len(pkts) != 0 {
		t.Fatalf("expected replayed frame to be dropped, got %+v", pkts)
	}
	if left.Stats().Stale != 1 {
		t.Fatalf("expected one stale frame, got %d", left.Stats().Stale)
	}

	caseTr.ResetSequenceNumbers()
	pkts := exchange()
	if len(pkts) != 1 || pkts[0].Type != wire.TypeReset || pkts[0].Source != wire.Case {
		t.Fatalf("expected reset packet from case, got %+v", pkts)
	}

	// After the reset the first frame's sequence number is current again.
	left.Feed(old)
	if pkts := left.Receive(); len(pkts) != 1 {
		t.Fatalf("expected frame with restarted sequence number, got %d", len(pkts))
	}

	// The earbud also restarted its numbering towards the case.
	left.Transmit(wire.Case, wire.ChannelCaseInfo, 1, []byte{1})
	mustFlush(t, left)
	frames := decodeAll(t, leftSink.Bytes())
	if frames[0].Seq != StartSeq(wire.Left) {
		t.Fatalf("expected earbud seq %d, got %d", StartSeq(wire.Left), frames[0].Seq)
	}
}

func TestReplyDelayHoldsAcks(t *testing.T) {
	clock := newFakeClock()
	tr, sink := newTestTransport(t, wire.Left, clock)
	if err := tr.Configure(UartReplyDelay, 500); err != nil {
		t.Fatalf("configure: %v", err)
	}

	if !tr.TransmitAck(wire.Case, wire.ChannelCaseInfo, 4) {
		t.Fatalf("expected ack to be admitted")
	}
	if done := mustFlush(t, tr); len(done) != 0 || sink.Len() != 0 {
		t.Fatalf("expected ack to wait for the reply delay")
	}
	clock.Advance(500 * time.Microsecond)
	if done := mustFlush(t, tr); len(done) != 1 {
		t.Fatalf("expected ack after reply delay, got %v", done)
	}
	frames := decodeAll(t, sink.Bytes())
	if frames[0].Type != wire.TypeAck || frames[0].MsgID != 4 {
		t.Fatalf("unexpected ack frame %v", frames[0])
	}
}

func TestTxTimeoutDropsStuckFrame(t *testing.T) {
	clock := newFakeClock()
	tr, sink := newTestTransport(t, wire.Left, clock)
	if err := tr.Configure(UartReplyDelay, 1_000_000); err != nil {
		t.Fatalf("configure: %v", err)
	}

	tr.TransmitPollReply(wire.Case)
	clock.Advance(DefaultTxTimeout + time.Millisecond)
	mustFlush(t, tr)
	if sink.Len() != 0 || tr.Pending(wire.Case) {
		t.Fatalf("expected stuck frame to be dropped")
	}
	if tr.Stats().TxTimeouts != 1 {
		t.Fatalf("expected one tx timeout, got %d", tr.Stats().TxTimeouts)
	}
}

func TestRxIdleDropsPartialFrame(t *testing.T) {
	clock := newFakeClock()
	caseTr, caseSink := newTestTransport(t, wire.Case, clock)
	left, _ := newTestTransport(t, wire.Left, clock)

	caseTr.Transmit(wire.Left, wire.ChannelCaseInfo, 1, []byte("abandoned"))
	mustFlush(t, caseTr)
	left.Feed(caseSink.Bytes()[:6])
	caseSink.Reset()

	clock.Advance(DefaultRxIdleTimeout)
	if pkts := left.Receive(); len(pkts) != 0 {
		t.Fatalf("expected no packets, got %+v", pkts)
	}

	caseTr.Transmit(wire.Left, wire.ChannelCaseInfo, 2, []byte("fresh"))
	mustFlush(t, caseTr)
	left.Feed(caseSink.Bytes())
	pkts := left.Receive()
	if len(pkts) != 1 || string(pkts[0].Payload) != "fresh" {
		t.Fatalf("expected fresh frame after idle discard, got %+v", pkts)
	}
}

func TestRxDisabledDiscardsInput(t *testing.T) {
	clock := newFakeClock()
	caseTr, caseSink := newTestTransport(t, wire.Case, clock)
	left, _ := newTestTransport(t, wire.Left, clock)
	if err := left.Configure(UartRxEnable, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}

	caseTr.Transmit(wire.Left, wire.ChannelCaseInfo, 1, []byte{1})
	mustFlush(t, caseTr)
	left.Feed(caseSink.Bytes())
	if pkts := left.Receive(); len(pkts) != 0 {
		t.Fatalf("expected rx disabled to discard input, got %+v", pkts)
	}
}

func TestDiscardDropsQueuedFrame(t *testing.T) {
	clock := newFakeClock()
	tr, sink := newTestTransport(t, wire.Case, clock)

	tr.Transmit(wire.Left, wire.ChannelDFU, 1, []byte{1, 2, 3})
	if tr.Discard(wire.Left, wire.ChannelCaseInfo, 1) || tr.Discard(wire.Left, wire.ChannelDFU, 2) {
		t.Fatalf("expected a frame for another channel or message to be kept")
	}
	if !tr.Discard(wire.Left, wire.ChannelDFU, 1) {
		t.Fatalf("expected queued frame to be discarded")
	}
	if tr.Discard(wire.Left, wire.ChannelDFU, 1) {
		t.Fatalf("expected nothing left to discard")
	}
	mustFlush(t, tr)
	if sink.Len() != 0 {
		t.Fatalf("expected nothing written, got %d bytes", sink.Len())
	}
}

func TestDiscardKeepsAcks(t *testing.T) {
	clock := newFakeClock()
	tr, _ := newTestTransport(t, wire.Case, clock)

	if !tr.TransmitAck(wire.Left, wire.ChannelCaseInfo, 3) {
		t.Fatalf("ack refused")
	}
	if tr.Discard(wire.Left, wire.ChannelCaseInfo, 3) {
		t.Fatalf("expected an ack not to be discarded")
	}
	if !tr.Pending(wire.Left) {
		t.Fatalf("expected ack to stay queued")
	}
}
