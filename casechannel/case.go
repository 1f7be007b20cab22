package casechannel

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/ccp"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

// Sender is the part of a CCP the handlers send through.
type Sender interface {
	Tx(mid uint8, ch wire.Channel, dest wire.Device, data []byte, needAnswer bool) error
}

// CaseObserver learns what the earbuds answered.
type CaseObserver interface {
	EarbudStatus(dev wire.Device, st EarbudStatus)
	Loopback(dev wire.Device, ok bool)
	ShippingMode(dev wire.Device, accepted bool)
	HandsetPairing(dev wire.Device, accepted bool)
	BTAddress(dev wire.Device, addr BTAddress)
	Unreachable(dev wire.Device)
}

// EarbudState is what the case knows about one earbud.
type EarbudState struct {
	Present   bool
	Valid     bool
	Ack       bool
	GiveUp    bool
	Abort     bool
	Status    EarbudStatus
	BTAddress BTAddress
	NackCount int

	loopback []byte

	// Case command traffic, driven by Service.
	cmdRequested bool
	cmdResponse  uint8
}

// CaseHandler is the case end of the case-info channel.
type CaseHandler struct {
	tx  Sender
	obs CaseObserver
	log *slog.Logger

	earbuds    map[wire.Device]*EarbudState
	broadcasts int
	serial     uint64
}

var (
	_ ccp.Observer     = (*CaseHandler)(nil)
	_ ccp.LinkObserver = (*CaseHandler)(nil)
)

func NewCaseHandler(tx Sender, obs CaseObserver, log *slog.Logger) *CaseHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CaseHandler{
		tx:  tx,
		obs: obs,
		log: log.With("component", "case"),
		earbuds: map[wire.Device]*EarbudState{
			wire.Left:  {},
			wire.Right: {},
		},
	}
}

func (h *CaseHandler) state(dev wire.Device) *EarbudState {
	s, ok := h.earbuds[dev]
	if !ok {
		s = &EarbudState{}
		h.earbuds[dev] = s
	}
	return s
}

// State returns a copy of what is known about dev.
func (h *CaseHandler) State(dev wire.Device) EarbudState {
	return *h.state(dev)
}

// Broadcasts counts status broadcasts that made it onto the wire.
func (h *CaseHandler) Broadcasts() int {
	return h.broadcasts
}

func (h *CaseHandler) send(dev wire.Device, mid uint8, data []byte) error {
	if err := h.tx.Tx(mid, wire.ChannelCaseInfo, dev, data, true); err != nil {
		return fmt.Errorf("send %d to %s: %w", mid, dev, err)
	}
	s := h.state(dev)
	s.Valid, s.Ack, s.GiveUp, s.Abort = false, false, false, false
	return nil
}

// RequestStatus asks dev for its status.
func (h *CaseHandler) RequestStatus(dev wire.Device) error {
	return h.send(dev, MsgStatusReq, nil)
}

// Reset asks dev to reset, rebooting it when reboot is set.
func (h *CaseHandler) Reset(dev wire.Device, reboot bool) error {
	return h.send(dev, MsgReset, encodeBool(reboot))
}

// Loopback sends data to dev and expects it echoed back.
func (h *CaseHandler) Loopback(dev wire.Device, data []byte) error {
	if err := h.send(dev, MsgLoopback, data); err != nil {
		return err
	}
	h.state(dev).loopback = append([]byte(nil), data...)
	return nil
}

// ShippingMode asks dev to enter shipping mode.
func (h *CaseHandler) ShippingMode(dev wire.Device) error {
	return h.send(dev, MsgShippingMode, nil)
}

// RequestXStatus asks dev for extended status of the given info type.
func (h *CaseHandler) RequestXStatus(dev wire.Device, infoType uint8) error {
	return h.send(dev, MsgXStatusReq, []byte{infoType})
}

// HandsetPairing asks dev to start pairing with a handset.
func (h *CaseHandler) HandsetPairing(dev wire.Device) error {
	return h.send(dev, MsgHandsetPair, nil)
}

// SetSerial sets the serial number handed to earbuds that ask for it.
func (h *CaseHandler) SetSerial(serial uint64) {
	h.serial = serial
}

// Service runs the case commands the earbuds asked for. An earbud flags a
// command in its status; the case then fetches the command and answers it.
func (h *CaseHandler) Service() error {
	for _, dev := range wire.Earbuds {
		s := h.state(dev)
		switch {
		case s.cmdRequested:
			err := h.send(dev, MsgCaseCmd, nil)
			if retryable(err) {
				continue
			}
			s.cmdRequested = false
			if err != nil {
				return err
			}
		case s.cmdResponse != CmdNone:
			cmd := s.cmdResponse
			if cmd != CmdRxSerialNo {
				h.log.Warn("unknown case command", "dev", dev, "cmd", cmd)
				s.cmdResponse = CmdNone
				continue
			}
			err := h.send(dev, MsgCaseCmd, encodeSerial(h.serial))
			if retryable(err) {
				continue
			}
			s.cmdResponse = CmdNone
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func retryable(err error) bool {
	return errors.Is(err, ccp.ErrBusy) || errors.Is(err, ccp.ErrNotAdmitted)
}

// BroadcastStatus sends st to both earbuds at once.
func (h *CaseHandler) BroadcastStatus(st Status) error {
	if err := h.tx.Tx(MsgStatus, wire.ChannelCaseInfo, wire.Broadcast, st.Encode(), false); err != nil {
		return fmt.Errorf("broadcast status: %w", err)
	}
	return nil
}

func (h *CaseHandler) OnReceive(dev wire.Device, mid uint8, data []byte) {
	s := h.state(dev)
	s.Present = true

	switch mid {
	case MsgEarbudStatus:
		st, err := DecodeEarbudStatus(data)
		if err != nil {
			h.log.Warn("bad earbud status", "dev", dev, "error", err)
			return
		}
		s.Valid = true
		s.Status = st
		if st.CommandRequested {
			s.cmdRequested = true
		}
		h.log.Debug("earbud status", "dev", dev, "battery", st.Battery, "charging", st.Charging)
		if h.obs != nil {
			h.obs.EarbudStatus(dev, st)
		}
	case MsgLoopback:
		ok := bytes.Equal(s.loopback, data)
		s.Valid = true
		h.log.Info("loopback", "dev", dev, "ok", ok)
		if h.obs != nil {
			h.obs.Loopback(dev, ok)
		}
	case MsgShippingMode:
		accepted, err := decodeBool(data)
		if err != nil {
			h.log.Warn("bad shipping mode response", "dev", dev, "error", err)
			return
		}
		if accepted {
			s.Valid = true
		} else {
			s.GiveUp = true
		}
		if h.obs != nil {
			h.obs.ShippingMode(dev, accepted)
		}
	case MsgXStatus:
		x, err := DecodeXStatus(data)
		if err != nil {
			h.log.Warn("bad xstatus", "dev", dev, "error", err)
			return
		}
		if x.InfoType != InfoBTAddress {
			h.log.Warn("unsupported xstatus", "dev", dev, "info_type", x.InfoType)
			s.GiveUp = true
			return
		}
		addr, err := DecodeBTAddress(x.Data)
		if err != nil {
			h.log.Warn("bad bt address", "dev", dev, "error", err)
			return
		}
		s.Valid = true
		s.BTAddress = addr
		h.log.Info("bt address", "dev", dev, "addr", addr)
		if h.obs != nil {
			h.obs.BTAddress(dev, addr)
		}
	case MsgHandsetPair:
		accepted, err := decodeBool(data)
		if err != nil {
			h.log.Warn("bad handset pairing response", "dev", dev, "error", err)
			return
		}
		if accepted {
			s.Valid = true
		} else {
			s.GiveUp = true
		}
		if h.obs != nil {
			h.obs.HandsetPairing(dev, accepted)
		}
	case MsgCaseCmd:
		if len(data) < 1 {
			h.log.Warn("empty case command", "dev", dev)
			return
		}
		s.cmdResponse = data[0]
		s.Valid = true
	default:
		h.log.Debug("unhandled message", "dev", dev, "mid", mid)
	}
}

func (h *CaseHandler) OnAck(dev wire.Device) {
	s := h.state(dev)
	s.Ack = true
	s.Present = true
}

func (h *CaseHandler) OnNack(dev wire.Device) {
	s := h.state(dev)
	s.NackCount++
	s.Present = true
}

func (h *CaseHandler) OnGiveUp(dev wire.Device, retriesFail bool) {
	h.log.Info("give up", "dev", dev, "retries_fail", retriesFail)
	s := h.state(dev)
	s.GiveUp = true
	s.Present = true
	if h.obs != nil {
		h.obs.Unreachable(dev)
	}
}

func (h *CaseHandler) OnNoResponse(dev wire.Device) {
	h.log.Info("no response", "dev", dev)
	s := h.state(dev)
	s.GiveUp = true
	s.Present = false
	if h.obs != nil {
		h.obs.Unreachable(dev)
	}
}

func (h *CaseHandler) OnAbort(dev wire.Device) {
	h.log.Info("abort", "dev", dev)
	h.state(dev).Abort = true
}

func (h *CaseHandler) OnBroadcastFinished() {
	h.broadcasts++
}

func (h *CaseHandler) OnPollResult(dev wire.Device, responded bool) {
	h.log.Debug("poll result", "dev", dev, "responded", responded)
	h.state(dev).Present = responded
}
