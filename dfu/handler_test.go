package dfu

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/ccp"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

const (
	slotBase = 0x08008000
	slotSize = 0x100
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type sent struct {
	typ        Type
	dest       wire.Device
	msg        Message
	needAnswer bool
}

// recorder stands in for the CCP and keeps what the handler sent.
type recorder struct {
	t      *testing.T
	out    []sent
	refuse bool
}

func (r *recorder) Tx(mid uint8, ch wire.Channel, dest wire.Device, data []byte, needAnswer bool) error {
	if r.refuse {
		return ccp.ErrNotAdmitted
	}
	if ch != wire.ChannelDFU {
		r.t.Fatalf("sent on %s", ch)
	}
	m, err := Decode(data)
	if err != nil {
		r.t.Fatalf("handler sent undecodable % X: %v", data, err)
	}
	r.out = append(r.out, sent{typ: Type(mid), dest: dest, msg: m, needAnswer: needAnswer})
	return nil
}

type rig struct {
	t      *testing.T
	peer   wire.Device
	clock  *fakeClock
	tx     *recorder
	target *MemTarget
	h      *Handler
	done   []error
}

func newRig(t *testing.T, variant string) *rig {
	t.Helper()
	r := &rig{
		t:      t,
		peer:   wire.Left,
		clock:  &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		tx:     &recorder{t: t},
		target: NewMemTarget(slotBase, slotSize),
	}
	r.h = NewHandler(r.tx, Config{
		Target:  r.target,
		Variant: variant,
		Major:   1,
		Minor:   4,
		Now:     r.clock.Now,
		Done: func(dev wire.Device, err error) {
			if dev != r.peer {
				t.Errorf("done for %s", dev)
			}
			r.done = append(r.done, err)
		},
	})
	return r
}

func (r *rig) tick(n int) {
	for i := 0; i < n; i++ {
		r.h.Periodic()
		r.clock.now = r.clock.now.Add(10 * time.Millisecond)
	}
}

// expect runs the handler until it sends something and checks it is id. A
// message that wants an answer is acked the way the earbud's CCP would.
func (r *rig) expect(id MsgID) sent {
	r.t.Helper()
	for i := 0; i < 10 && len(r.tx.out) == 0; i++ {
		r.tick(1)
	}
	if len(r.tx.out) == 0 {
		r.t.Fatalf("expected %s, nothing sent (activity %s)", id, r.h.Activity())
	}
	s := r.tx.out[0]
	r.tx.out = r.tx.out[1:]
	if s.msg.ID != id {
		r.t.Fatalf("expected %s, got %s", id, s.msg.ID)
	}
	if s.dest != r.peer {
		r.t.Fatalf("expected %s to go to %s, went to %s", id, r.peer, s.dest)
	}
	if s.needAnswer != s.typ.NeedsAnswer() {
		r.t.Fatalf("%s sent as type %d with needAnswer=%t", id, s.typ, s.needAnswer)
	}
	if s.needAnswer {
		r.h.OnAck(r.peer)
	}
	return s
}

func (r *rig) quiet(n int) {
	r.t.Helper()
	r.tick(n)
	if len(r.tx.out) != 0 {
		r.t.Fatalf("expected nothing sent, got %s", r.tx.out[0].msg.ID)
	}
}

func (r *rig) receive(m Message) {
	r.h.OnReceive(wire.Left, uint8(TypeRequest), m.Encode())
}

func (r *rig) data(line []byte) {
	r.h.OnReceive(wire.Left, uint8(TypeResponse), Message{ID: MsgData, Payload: line}.Encode())
}

func (r *rig) offer() {
	r.t.Helper()
	r.h.EarbudStatus(wire.Left, true)
	r.h.EarbudStatus(wire.Right, false)
	r.expect(MsgCheck)
}

// header builds an S0 payload that matches image when the case runs from A.
func header(name string, image []byte) []byte {
	b := make([]byte, 8, 8+len(name)+1)
	binary.LittleEndian.PutUint32(b[4:8], crc32.ChecksumIEEE(image))
	b = append(b, name...)
	return append(b, 0)
}

func TestFullUpdate(t *testing.T) {
	r := newRig(t, "CB")
	image := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}

	r.h.EarbudStatus(wire.Left, true)
	r.h.EarbudStatus(wire.Right, false)
	check := r.expect(MsgCheck)
	if major, minor, err := check.msg.Version(); err != nil || major != 1 || minor != 4 {
		t.Fatalf("unexpected check version %d.%d (%v)", major, minor, err)
	}

	r.receive(bare(MsgInitiate))
	ready := r.expect(MsgReady)
	if len(ready.msg.Payload) != 1 || ready.msg.Payload[0] != 'A' {
		t.Fatalf("expected ready for image A, got % X", ready.msg.Payload)
	}

	r.data(srecLine('0', 0, header("CB", image)))
	if ack := r.expect(MsgAck); ack.msg.Payload[0] != 1 || ack.typ != TypeResponse {
		t.Fatalf("unexpected S0 ack %+v", ack)
	}
	if start := r.expect(MsgStart); string(start.msg.Payload[:2]) != "CB" {
		t.Fatalf("unexpected start % X", start.msg.Payload)
	}

	r.data(srecLine('3', slotBase, image))
	if ack := r.expect(MsgAck); ack.msg.Payload[0] != 0 || ack.typ != TypeResponseWithRequest {
		t.Fatalf("unexpected S3 ack %+v", ack)
	}

	r.data(srecLine('7', 0, nil))
	r.expect(MsgAck)
	r.expect(MsgChecksum)

	r.receive(bare(MsgReboot))
	r.expect(MsgVerify)
	if r.target.Reboots() != 1 || r.target.RunningImage() != 'B' || !r.h.CommitPhase() {
		t.Fatalf("expected reboot into B in commit phase, reboots=%d image=%c", r.target.Reboots(), r.target.RunningImage())
	}

	r.receive(bare(MsgCommit))
	r.expect(MsgComplete)

	if len(r.done) != 1 || r.done[0] != nil {
		t.Fatalf("expected one successful finish, got %v", r.done)
	}
	if r.target.Count() != 1 || r.target.PendingCommit() {
		t.Fatalf("expected committed image, count=%d", r.target.Count())
	}
	if r.h.Running() || r.h.Activity() != Idle {
		t.Fatalf("expected idle handler, activity %s", r.h.Activity())
	}
	if string(r.target.Image()) != string(image) {
		t.Fatalf("image mismatch: % X", r.target.Image())
	}
}

func TestNoUpdateUntilBothEarbudsReport(t *testing.T) {
	r := newRig(t, "")
	r.peer = wire.Right

	r.h.EarbudStatus(wire.Right, true)
	r.quiet(3)
	if r.h.Running() {
		t.Fatalf("update started on one status")
	}

	r.h.EarbudStatus(wire.Left, false)
	r.expect(MsgCheck)
	if r.h.Primary() != wire.Right {
		t.Fatalf("expected right to lead the update, got %s", r.h.Primary())
	}
}

func TestNoOfferNoUpdate(t *testing.T) {
	r := newRig(t, "")
	r.h.EarbudStatus(wire.Left, false)
	r.h.EarbudStatus(wire.Right, false)
	r.quiet(5)
	if r.h.Running() {
		t.Fatalf("expected no update")
	}
}

func TestOutOfOrderMessage(t *testing.T) {
	r := newRig(t, "")
	r.offer()

	r.receive(bare(MsgCommit))
	e := r.expect(MsgError)
	if ErrorCode(e.msg.Payload[0]) != ErrCodeOutOfOrder {
		t.Fatalf("expected out of order, got %d", e.msg.Payload[0])
	}
	if len(r.done) != 1 || !errors.Is(r.done[0], ErrFailed) {
		t.Fatalf("expected failed update, got %v", r.done)
	}
	if r.h.Running() {
		t.Fatalf("expected handler to stop")
	}
}

func TestMessagesFromOtherEarbudIgnored(t *testing.T) {
	r := newRig(t, "")
	r.offer()

	r.h.OnReceive(wire.Right, uint8(TypeRequest), bare(MsgInitiate).Encode())
	r.quiet(3)
	if r.h.Activity() != WaitForDS {
		t.Fatalf("expected to keep waiting, activity %s", r.h.Activity())
	}
}

func TestBusyTarget(t *testing.T) {
	r := newRig(t, "")
	r.target.SetBusy(true)
	r.offer()

	r.receive(bare(MsgInitiate))
	r.expect(MsgBusy)
	if len(r.done) != 1 || !errors.Is(r.done[0], ErrBusy) {
		t.Fatalf("expected busy, got %v", r.done)
	}
}

func TestIncompatibleVariant(t *testing.T) {
	r := newRig(t, "CB")
	r.offer()
	r.receive(bare(MsgInitiate))
	r.expect(MsgReady)

	r.data(srecLine('0', 0, header("XY", nil)))
	r.expect(MsgAck)
	e := r.expect(MsgError)
	if ErrorCode(e.msg.Payload[0]) != ErrCodeIncompatible {
		t.Fatalf("expected incompatible, got %d", e.msg.Payload[0])
	}
	if len(r.done) != 1 || !errors.Is(r.done[0], ErrFailed) {
		t.Fatalf("expected failed update, got %v", r.done)
	}
}

func TestBadRecordNacked(t *testing.T) {
	r := newRig(t, "")
	r.offer()
	r.receive(bare(MsgInitiate))
	r.expect(MsgReady)

	line := srecLine('3', slotBase, []byte{1, 2, 3, 4})
	line[len(line)-1] ^= 1
	r.data(line)
	r.expect(MsgNack)

	// The earbud resends and the record goes through.
	r.data(srecLine('3', slotBase, []byte{1, 2, 3, 4}))
	r.expect(MsgAck)
	if r.target.Checksum() != crc32.ChecksumIEEE([]byte{1, 2, 3, 4}) {
		t.Fatalf("record not written")
	}
}

func TestImageChecksumMismatch(t *testing.T) {
	r := newRig(t, "")
	r.offer()
	r.receive(bare(MsgInitiate))
	r.expect(MsgReady)

	r.data(srecLine('0', 0, header("CB", []byte{9, 9, 9, 9})))
	r.expect(MsgAck)
	r.expect(MsgStart)
	r.data(srecLine('3', slotBase, []byte{1, 2, 3, 4}))
	r.expect(MsgAck)
	r.data(srecLine('7', 0, nil))
	r.expect(MsgAck)

	e := r.expect(MsgError)
	if ErrorCode(e.msg.Payload[0]) != ErrCodeChecksum {
		t.Fatalf("expected checksum error, got %d", e.msg.Payload[0])
	}
}

func TestRetriesFailSendsSync(t *testing.T) {
	r := newRig(t, "")
	r.offer()
	r.receive(bare(MsgInitiate))

	// Ready goes out but its ack never comes back.
	for i := 0; i < 10 && len(r.tx.out) == 0; i++ {
		r.tick(1)
	}
	if len(r.tx.out) != 1 || r.tx.out[0].msg.ID != MsgReady {
		t.Fatalf("expected ready, got %+v", r.tx.out)
	}
	r.tx.out = nil

	r.h.OnGiveUp(wire.Left, true)
	r.expect(MsgSync)
	if r.h.Activity() != WaitForSrec {
		t.Fatalf("expected to wait for records again, activity %s", r.h.Activity())
	}

	r.data(srecLine('3', slotBase, []byte{1, 2, 3, 4}))
	r.expect(MsgAck)
}

func TestGiveUpAndNoResponseEndUpdate(t *testing.T) {
	tests := []struct {
		name string
		fail func(h *Handler)
		want error
	}{
		{"nacked", func(h *Handler) { h.OnGiveUp(wire.Left, false) }, ErrGaveUp},
		{"silent", func(h *Handler) { h.OnNoResponse(wire.Left) }, ErrNoResponse},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, "")
			r.offer()
			tc.fail(r.h)
			if len(r.done) != 1 || !errors.Is(r.done[0], tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, r.done)
			}
			r.quiet(3)
		})
	}
}

func TestLidOpenSchedulesAbort(t *testing.T) {
	r := newRig(t, "")
	r.offer()
	r.receive(bare(MsgInitiate))
	r.expect(MsgReady)

	r.h.LidOpened()
	r.data(srecLine('3', slotBase, []byte{1, 2, 3, 4}))
	r.quiet(5)
	if len(r.done) != 0 {
		t.Fatalf("expected abort to wait, got %v", r.done)
	}

	r.clock.now = r.clock.now.Add(DefaultAbortDelay)
	r.tick(1)
	if len(r.done) != 1 || !errors.Is(r.done[0], ErrAborted) {
		t.Fatalf("expected abort, got %v", r.done)
	}
}

func TestEarbudAbort(t *testing.T) {
	r := newRig(t, "")
	r.offer()
	r.receive(bare(MsgAbort))
	if len(r.done) != 1 || !errors.Is(r.done[0], ErrAborted) {
		t.Fatalf("expected abort, got %v", r.done)
	}
}

// pendingTarget returns a target that booted a new image not yet committed.
func pendingTarget(t *testing.T) *MemTarget {
	t.Helper()
	m := NewMemTarget(slotBase, slotSize)
	if err := m.Erase(); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := m.Write(slotBase, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Verify(Header{ChecksumB: crc32.ChecksumIEEE([]byte{1, 2, 3, 4})}); err != nil {
		t.Fatalf("verify: %v", err)
	}
	m.Reboot()
	return m
}

func TestCommitTimeoutRollsBack(t *testing.T) {
	r := newRig(t, "")
	r.target = pendingTarget(t)
	r.h.cfg.Target = r.target

	r.h.Resume(wire.Left)
	r.expect(MsgVerify)

	r.clock.now = r.clock.now.Add(DefaultCommitTimeout + time.Second)
	r.tick(1)
	if len(r.done) != 1 || !errors.Is(r.done[0], ErrRolledBack) {
		t.Fatalf("expected rollback, got %v", r.done)
	}
	if r.target.RunningImage() != 'A' || r.target.PendingCommit() {
		t.Fatalf("expected previous image, running %c", r.target.RunningImage())
	}
}

func TestCommitFailure(t *testing.T) {
	r := newRig(t, "")
	r.target = pendingTarget(t)
	r.target.FailCommit = true
	r.h.cfg.Target = r.target

	r.h.Resume(wire.Left)
	r.expect(MsgVerify)
	r.receive(bare(MsgCommit))
	e := r.expect(MsgError)
	if ErrorCode(e.msg.Payload[0]) != ErrCodeWriteCountFailed {
		t.Fatalf("expected write count error, got %d", e.msg.Payload[0])
	}
	// An error in the commit phase reboots, which drops the uncommitted image.
	if len(r.done) != 1 || !errors.Is(r.done[0], ErrRolledBack) {
		t.Fatalf("expected rollback, got %v", r.done)
	}
}

func TestSendRetriedWhenNotAdmitted(t *testing.T) {
	r := newRig(t, "")
	r.tx.refuse = true
	r.h.EarbudStatus(wire.Left, true)
	r.h.EarbudStatus(wire.Right, false)
	r.tick(5)
	if r.h.Activity() != SendMessage {
		t.Fatalf("expected check still to send, activity %s", r.h.Activity())
	}
	r.tx.refuse = false
	r.expect(MsgCheck)
}

func TestCheckWaitsForCase(t *testing.T) {
	r := newRig(t, "")
	r.h.cfg.Allow = func() bool { return false }
	r.h.EarbudStatus(wire.Left, true)
	r.h.EarbudStatus(wire.Right, false)
	r.quiet(5)

	r.clock.now = r.clock.now.Add(DefaultWaitTimeout)
	e := r.expect(MsgError)
	if ErrorCode(e.msg.Payload[0]) != ErrCodeActivityTimeout {
		t.Fatalf("expected activity timeout, got %d", e.msg.Payload[0])
	}
}

func TestQueueBounded(t *testing.T) {
	r := newRig(t, "")
	for i := 0; i < queueSize+2; i++ {
		r.h.push(MsgAck, SendMessage)
	}
	if len(r.h.queue) != queueSize {
		t.Fatalf("expected %d queued, got %d", queueSize, len(r.h.queue))
	}
}
