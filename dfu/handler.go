package dfu

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/ccp"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

const (
	DefaultWaitTimeout   = 20 * time.Second
	DefaultCommitTimeout = 120 * time.Second
	DefaultAbortDelay    = time.Second

	queueSize = 3
)

var (
	ErrAborted    = errors.New("dfu: aborted")
	ErrNoResponse = errors.New("dfu: earbud not responding")
	ErrGaveUp     = errors.New("dfu: message refused")
	ErrBusy       = errors.New("dfu: update already running")
	ErrFailed     = errors.New("dfu: failed")
	ErrRolledBack = errors.New("dfu: new image not committed")
)

// Activity is what the handler does or waits for next.
type Activity uint8

const (
	Idle Activity = iota
	SendMessage
	WaitForDS
	RequestErase
	Waiting
	WaitForSrec
	HandleData
	WaitForDR
	ResetDevice
	WaitForReset
	WaitForDC
	HandleCommit
)

var activityNames = [...]string{
	"idle", "send", "wait-ds", "erase", "waiting", "wait-srec", "data",
	"wait-dr", "reset", "wait-reset", "wait-dc", "commit",
}

func (a Activity) String() string {
	if int(a) < len(activityNames) {
		return activityNames[a]
	}
	return fmt.Sprintf("activity(%d)", uint8(a))
}

type engineState uint8

const (
	engineIdle engineState = iota
	engineWaiting
	engineReady
	engineChecksum
	engineWaitEarbud
	engineBusy
)

// Sender is the part of a CCP the handler sends through.
type Sender interface {
	Tx(mid uint8, ch wire.Channel, dest wire.Device, data []byte, needAnswer bool) error
}

type Config struct {
	Target Target

	// Variant must match the S0 name. Empty accepts any image.
	Variant string
	// Version of the running firmware, sent in MsgCheck.
	Major, Minor uint16

	WaitTimeout   time.Duration
	CommitTimeout time.Duration
	AbortDelay    time.Duration

	// Allow reports the case is free to start an update. Nil always allows.
	Allow func() bool
	// Done is called when an update ends; err is nil on success.
	Done func(dev wire.Device, err error)

	Now    func() time.Time
	Logger *slog.Logger
}

type event struct {
	msg MsgID
	act Activity
}

// Handler is the case end of the DFU channel. Drive it from the CCP loop:
// feed it earbud status, and call Periodic every tick.
type Handler struct {
	cfg Config
	tx  Sender
	log *slog.Logger

	primary  wire.Device
	msg      MsgID
	activity Activity
	// The state a delayed answer may still be meant for.
	prev Activity

	seenLeft, seenRight bool
	dfuBit              bool
	running             bool
	commitPhase         bool
	abortScheduled      bool
	lidOpen             bool
	sn                  uint8

	queue     []event
	blocked   bool
	dataAcked bool
	record    []byte
	errCode   ErrorCode

	engine engineState
	header Header

	startedAt time.Time
	resetAt   time.Time
	abortAt   time.Time
}

var _ ccp.Observer = (*Handler)(nil)

func NewHandler(tx Sender, cfg Config) *Handler {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = DefaultCommitTimeout
	}
	if cfg.AbortDelay <= 0 {
		cfg.AbortDelay = DefaultAbortDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		cfg:   cfg,
		tx:    tx,
		log:   cfg.Logger.With("component", "dfu"),
		queue: make([]event, 0, queueSize),
	}
}

func (h *Handler) Activity() Activity   { return h.activity }
func (h *Handler) Running() bool        { return h.running }
func (h *Handler) CommitPhase() bool    { return h.commitPhase }
func (h *Handler) Primary() wire.Device { return h.primary }

// EarbudStatus feeds an earbud's status to the handler. Once both earbuds
// have reported, an update starts if either offered one.
func (h *Handler) EarbudStatus(dev wire.Device, dfuAvailable bool) {
	if h.activity != Idle {
		h.log.Debug("update in progress, status ignored", "dev", dev)
		return
	}
	if dfuAvailable {
		h.dfuBit = true
		h.primary = dev
	}
	switch dev {
	case wire.Left:
		h.seenLeft = true
	case wire.Right:
		h.seenRight = true
	}
	if !h.seenLeft || !h.seenRight {
		return
	}
	h.seenLeft, h.seenRight = false, false
	if !h.dfuBit {
		return
	}

	h.log.Info("update offered", "dev", h.primary)
	h.startedAt = h.cfg.Now()
	h.running = true
	h.push(MsgCheck, SendMessage)
}

// LidOpened stops an update. Outside the commit phase the cleanup waits a
// little so traffic already queued can drain.
func (h *Handler) LidOpened() {
	if h.commitPhase {
		h.reboot()
		return
	}
	if !h.running {
		return
	}
	h.lidOpen = true
	h.abortScheduled = true
	h.abortAt = h.cfg.Now()
}

// Resume continues the commit phase after the case restarted into a new
// image delivered by dev.
func (h *Handler) Resume(dev wire.Device) {
	h.reset()
	h.primary = dev
	h.running = true
	h.commitPhase = true
	h.engine = engineBusy
	h.resetAt = h.cfg.Now()
	h.log.Info("resuming commit", "dev", dev)
	h.push(MsgVerify, SendMessage)
}

func (h *Handler) expecting(a Activity) bool {
	return h.activity == a || h.prev == a
}

func (h *Handler) OnReceive(dev wire.Device, _ uint8, data []byte) {
	if dev != h.primary || len(data) == 0 || !h.running || h.abortScheduled {
		h.log.Debug("dropped", "dev", dev, "len", len(data))
		return
	}

	m, err := Decode(data)
	if err != nil {
		h.log.Warn("bad message", "dev", dev, "error", err)
	} else {
		switch m.ID {
		case MsgInitiate:
			if h.expecting(WaitForDS) {
				if h.engine != engineIdle || h.cfg.Target.Busy() {
					h.push(MsgBusy, SendMessage)
				} else {
					h.push(msgInternal, RequestErase)
				}
				return
			}
		case MsgReboot:
			if h.expecting(WaitForDR) {
				h.push(msgInternal, ResetDevice)
				return
			}
		case MsgCommit:
			if h.expecting(WaitForDC) {
				h.push(msgInternal, HandleCommit)
				return
			}
		case MsgAbort:
			h.log.Info("earbud aborted")
			if h.activity == WaitForDC {
				h.reboot()
			} else {
				h.cleanup(ErrAborted)
			}
			return
		case MsgData:
			if h.expecting(WaitForSrec) {
				h.record = append(h.record[:0], m.Payload...)
				h.push(msgInternal, HandleData)
				return
			}
		}
		h.log.Warn("out of order", "msg", m.ID, "activity", h.activity, "prev", h.prev)
	}
	h.errCode = ErrCodeOutOfOrder
	h.push(MsgError, SendMessage)
}

func (h *Handler) OnAck(wire.Device) {
	if h.dataAcked {
		h.log.Debug("ack already received")
		return
	}
	h.blocked = false
	if h.abortScheduled {
		h.cleanupOnAbort()
	}
}

func (h *Handler) OnNack(dev wire.Device) {
	h.log.Debug("nack", "dev", dev)
}

func (h *Handler) OnGiveUp(dev wire.Device, retriesFail bool) {
	h.log.Info("give up", "dev", dev, "retries_fail", retriesFail)
	if retriesFail {
		if h.running {
			h.msg, h.activity = MsgSync, SendMessage
		}
		return
	}
	if h.commitPhase {
		h.reboot()
		return
	}
	h.cleanup(ErrGaveUp)
}

func (h *Handler) OnNoResponse(dev wire.Device) {
	h.log.Info("no response", "dev", dev)
	if h.commitPhase {
		h.reboot()
		return
	}
	h.cleanup(ErrNoResponse)
}

func (h *Handler) OnAbort(dev wire.Device) {
	h.log.Debug("abort", "dev", dev)
}

func (h *Handler) OnBroadcastFinished() {}

func (h *Handler) push(msg MsgID, act Activity) {
	if len(h.queue) == queueSize {
		h.log.Warn("event queue full", "msg", msg, "activity", act)
		return
	}
	h.queue = append(h.queue, event{msg: msg, act: act})
}

func (h *Handler) pop() {
	ev := h.queue[0]
	h.queue = append(h.queue[:0], h.queue[1:]...)
	h.msg, h.activity = ev.msg, ev.act
	if ev.act == SendMessage && messageType(ev.msg).NeedsAnswer() {
		h.blocked = true
	}
}

// Periodic runs timeouts, then one queued event or the current activity.
func (h *Handler) Periodic() {
	now := h.cfg.Now()
	if h.commitPhase && now.Sub(h.resetAt) > h.cfg.CommitTimeout {
		h.log.Warn("commit timed out")
		h.reboot()
	}
	if h.abortScheduled && now.Sub(h.abortAt) > h.cfg.AbortDelay {
		h.log.Info("scheduled abort")
		h.cleanupOnAbort()
	}

	h.stepEngine()

	if len(h.queue) > 0 && !h.blocked && h.activity != SendMessage {
		h.pop()
		return
	}

	switch h.activity {
	case SendMessage:
		h.send(now)
	case RequestErase:
		h.activity = Waiting
		if err := h.cfg.Target.Erase(); err != nil {
			h.log.Warn("erase", "error", err)
			h.fail(codeOf(err, ErrCodeFlashFailed))
			return
		}
		h.engine = engineWaiting
	case HandleData:
		h.handleData()
	case ResetDevice:
		h.reboot()
	case HandleCommit:
		h.activity = Waiting
		if err := h.cfg.Target.Commit(); err != nil {
			h.log.Warn("commit", "error", err)
			h.errCode = codeOf(err, ErrCodeWriteCountFailed)
			h.push(MsgError, SendMessage)
			return
		}
		h.log.Info("image committed")
		h.push(MsgComplete, SendMessage)
	}
}

func (h *Handler) stepEngine() {
	switch h.engine {
	case engineWaiting:
		h.engine = engineReady
		h.push(MsgReady, SendMessage)
	case engineChecksum:
		if err := h.cfg.Target.Verify(h.header); err != nil {
			h.log.Warn("verify", "error", err)
			h.fail(codeOf(err, ErrCodeChecksum))
			return
		}
		h.engine = engineWaitEarbud
		h.push(MsgChecksum, SendMessage)
	}
}

func (h *Handler) handleData() {
	h.sn ^= 1
	h.dataAcked = true
	h.activity = WaitForSrec

	rec, err := ParseRecord(h.record)
	if err != nil {
		h.log.Warn("bad record", "error", err)
		h.msg, h.activity = MsgNack, SendMessage
		return
	}
	if rec.Type != '3' {
		h.push(MsgAck, SendMessage)
	}

	switch rec.Type {
	case '0':
		h.header = ParseHeader(rec.Data)
		if h.cfg.Variant != "" && h.header.Name != h.cfg.Variant {
			h.log.Warn("incompatible image", "variant", h.header.Name)
			h.fail(ErrCodeIncompatible)
			return
		}
		h.push(MsgStart, SendMessage)
	case '3':
		if err := h.cfg.Target.Write(rec.Address, rec.Data); err != nil {
			h.log.Warn("write", "addr", rec.Address, "error", err)
			h.fail(codeOf(err, ErrCodeFlashFailed))
			return
		}
		h.push(msgAckWithRequest, SendMessage)
	case '7':
		h.engine = engineChecksum
	}
}

func messageType(m MsgID) Type {
	switch m {
	case MsgCheck, MsgStart, MsgChecksum, MsgVerify, MsgSync:
		return TypeRequest
	case MsgReady, msgAckWithRequest:
		return TypeResponseWithRequest
	}
	return TypeResponse
}

func (h *Handler) send(now time.Time) {
	var m Message
	switch h.msg {
	case MsgCheck:
		if h.cfg.Allow != nil && !h.cfg.Allow() {
			if now.Sub(h.startedAt) > h.cfg.WaitTimeout {
				h.errCode = ErrCodeActivityTimeout
				h.activity = Waiting
				h.blocked = false
				h.push(MsgError, SendMessage)
			}
			return
		}
		m = checkMsg(h.cfg.Major, h.cfg.Minor)
	case MsgReady:
		m = withByte(MsgReady, h.cfg.Target.RunningImage())
	case MsgStart:
		m = startMsg(h.header.Name)
	case MsgAck, msgAckWithRequest:
		m = withByte(MsgAck, h.sn)
	case MsgError:
		m = withByte(MsgError, byte(h.errCode))
	default:
		m = bare(h.msg)
	}

	if !h.transmit(messageType(h.msg), m) {
		return
	}

	switch h.msg {
	case MsgCheck:
		h.activity, h.prev = WaitForDS, WaitForDS
	case MsgBusy:
		h.log.Info("busy, update refused")
		h.finish(ErrBusy)
	case MsgReady, MsgStart:
		h.activity, h.prev = WaitForSrec, WaitForSrec
	case MsgChecksum:
		h.activity, h.prev = WaitForDR, WaitForDR
	case MsgVerify:
		h.activity, h.prev = WaitForDC, WaitForDC
	case MsgComplete:
		h.log.Info("update complete")
		h.cleanup(nil)
	case MsgAck, msgAckWithRequest, MsgNack:
		h.activity = WaitForSrec
		h.dataAcked = false
	case MsgSync:
		h.activity = h.prev
	case MsgError:
		err := fmt.Errorf("%w: code %d", ErrFailed, h.errCode)
		if h.commitPhase {
			h.reboot()
		} else {
			h.cleanup(err)
		}
	}
}

func (h *Handler) transmit(t Type, m Message) bool {
	err := h.tx.Tx(uint8(t), wire.ChannelDFU, h.primary, m.Encode(), t.NeedsAnswer())
	if err == nil {
		h.log.Debug("tx", "dest", h.primary, "msg", m.ID)
		return true
	}
	if !errors.Is(err, ccp.ErrBusy) && !errors.Is(err, ccp.ErrNotAdmitted) {
		h.log.Warn("tx", "msg", m.ID, "error", err)
	}
	return false
}

// fail stops the engine and tells the earbud why.
func (h *Handler) fail(code ErrorCode) {
	h.engine = engineIdle
	h.errCode = code
	h.push(MsgError, SendMessage)
}

// reboot restarts the case. A verified image comes up in its commit phase;
// anything else ends the update.
func (h *Handler) reboot() {
	h.log.Info("reboot")
	h.activity = WaitForReset
	h.cfg.Target.Reboot()
	if h.cfg.Target.PendingCommit() {
		h.Resume(h.primary)
		return
	}
	h.cleanup(ErrRolledBack)
}

func (h *Handler) cleanupOnAbort() {
	lidOpen := h.lidOpen
	h.cleanup(ErrAborted)
	if lidOpen {
		h.log.Info("lid opened during update")
	}
}

// finish resets the handler but leaves the engine alone.
func (h *Handler) finish(err error) {
	dev, was := h.primary, h.running
	engine := h.engine
	h.reset()
	h.engine = engine
	if was && h.cfg.Done != nil {
		h.cfg.Done(dev, err)
	}
}

func (h *Handler) cleanup(err error) {
	h.finish(err)
	h.engine = engineIdle
}

func (h *Handler) reset() {
	h.activity, h.prev = Idle, Idle
	h.msg = MsgCheck
	h.primary = 0
	h.running = false
	h.blocked = false
	h.dataAcked = false
	h.dfuBit = false
	h.commitPhase = false
	h.abortScheduled = false
	h.lidOpen = false
	h.sn = 0
	h.queue = h.queue[:0]
	h.record = nil
	h.errCode = ErrCodeNone
}
