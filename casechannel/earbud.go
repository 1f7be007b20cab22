package casechannel

import (
	"errors"
	"log/slog"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/ccp"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

// EarbudHandler is the earbud end of the case-info channel.
//
// Requests from the case are acked by the CCP as they arrive; the response
// goes out from a later Service call once the ack has left the transport.
type EarbudHandler struct {
	ccp.BaseObserver

	tx  Sender
	log *slog.Logger

	status     EarbudStatus
	caseStatus Status
	haveCase   bool

	acceptShipping bool
	acceptPairing  bool
	resetRequested bool
	rebootWanted   bool
	btAddress      BTAddress

	statusWanted   bool
	shippingWanted bool
	pairingWanted  bool
	xstatusWanted  bool
	infoType       uint8
	loopback       []byte

	command    uint8
	cmdWanted  bool
	caseSerial uint64
	haveSerial bool
}

func NewEarbudHandler(tx Sender, log *slog.Logger) *EarbudHandler {
	if log == nil {
		log = slog.Default()
	}
	return &EarbudHandler{
		tx:             tx,
		log:            log.With("component", "earbud"),
		acceptShipping: true,
		acceptPairing:  true,
	}
}

// SetStatus changes the status reported to the next status request.
func (h *EarbudHandler) SetStatus(st EarbudStatus) {
	h.status = st
}

// SetAcceptShipping controls the answer to shipping mode requests.
func (h *EarbudHandler) SetAcceptShipping(accept bool) {
	h.acceptShipping = accept
}

// SetAcceptHandsetPairing controls the answer to handset pairing requests.
func (h *EarbudHandler) SetAcceptHandsetPairing(accept bool) {
	h.acceptPairing = accept
}

// SetBTAddress sets the address reported in extended status.
func (h *EarbudHandler) SetBTAddress(addr BTAddress) {
	h.btAddress = addr
}

// RequestCommand flags cmd in the next status, so the case fetches it.
func (h *EarbudHandler) RequestCommand(cmd uint8) {
	h.command = cmd
}

// CaseSerial is the serial number the case sent in answer to
// CmdRxSerialNo.
func (h *EarbudHandler) CaseSerial() (uint64, bool) {
	return h.caseSerial, h.haveSerial
}

// CaseStatus is the last status broadcast by the case.
func (h *EarbudHandler) CaseStatus() (Status, bool) {
	return h.caseStatus, h.haveCase
}

// ResetRequested reports whether the case asked for a reset, and whether it
// wanted a reboot. Reading it clears the request.
func (h *EarbudHandler) ResetRequested() (requested, reboot bool) {
	requested, reboot = h.resetRequested, h.rebootWanted
	h.resetRequested, h.rebootWanted = false, false
	return requested, reboot
}

func (h *EarbudHandler) OnReceive(dev wire.Device, mid uint8, data []byte) {
	if dev != wire.Case {
		h.log.Debug("ignoring message from non-case", "dev", dev, "mid", mid)
		return
	}

	switch mid {
	case MsgStatus:
		st, err := DecodeStatus(data)
		if err != nil {
			h.log.Warn("bad case status", "error", err)
			return
		}
		h.caseStatus = st
		h.haveCase = true
		h.log.Debug("case status", "lid_open", st.LidOpen, "charger", st.ChargerConnected)
	case MsgStatusReq:
		h.statusWanted = true
	case MsgReset:
		reboot, err := decodeBool(data)
		if err != nil {
			h.log.Warn("bad reset request", "error", err)
			return
		}
		h.resetRequested = true
		h.rebootWanted = reboot
		h.log.Info("reset requested", "reboot", reboot)
	case MsgLoopback:
		h.loopback = append([]byte{}, data...)
	case MsgShippingMode:
		h.shippingWanted = true
	case MsgXStatusReq:
		if len(data) < 1 {
			h.log.Warn("empty xstatus request")
			return
		}
		h.infoType = data[0]
		h.xstatusWanted = true
	case MsgHandsetPair:
		h.pairingWanted = true
	case MsgCaseCmd:
		if len(data) == 0 {
			h.cmdWanted = true
			return
		}
		h.caseCommand(data)
	default:
		h.log.Debug("unhandled message", "mid", mid)
	}
}

func (h *EarbudHandler) caseCommand(data []byte) {
	if data[0] != CmdRxSerialNo {
		h.log.Warn("unknown case command", "cmd", data[0])
		return
	}
	serial, err := decodeSerial(data[1:])
	if err != nil {
		h.log.Warn("bad serial number", "error", err)
		return
	}
	h.caseSerial, h.haveSerial = serial, true
	if h.command == CmdRxSerialNo {
		h.RequestCommand(CmdNone)
	}
	h.log.Info("case serial", "serial", serial)
}

func (h *EarbudHandler) OnGiveUp(dev wire.Device, retriesFail bool) {
	h.log.Info("give up", "dev", dev, "retries_fail", retriesFail)
}

func (h *EarbudHandler) OnNoResponse(dev wire.Device) {
	h.log.Info("no response", "dev", dev)
}

// Service sends at most one outstanding response to the case. Call it from
// the same loop that drives the CCP.
func (h *EarbudHandler) Service() error {
	var (
		mid  uint8
		data []byte
		done func()
	)
	switch {
	case h.statusWanted:
		st := h.status
		if h.command != CmdNone {
			st.CommandRequested = true
		}
		mid, data = MsgEarbudStatus, st.Encode()
		done = func() { h.statusWanted = false }
	case h.loopback != nil:
		mid, data = MsgLoopback, h.loopback
		done = func() { h.loopback = nil }
	case h.shippingWanted:
		mid, data = MsgShippingMode, encodeBool(h.acceptShipping)
		done = func() { h.shippingWanted = false }
	case h.xstatusWanted:
		x := XStatus{InfoType: h.infoType}
		if h.infoType == InfoBTAddress {
			x.Data = h.btAddress.Encode()
		}
		mid, data = MsgXStatus, x.Encode()
		done = func() { h.xstatusWanted = false }
	case h.pairingWanted:
		mid, data = MsgHandsetPair, encodeBool(h.acceptPairing)
		done = func() { h.pairingWanted = false }
	case h.cmdWanted:
		mid, data = MsgCaseCmd, []byte{h.command}
		done = func() { h.cmdWanted = false }
	default:
		return nil
	}

	err := h.tx.Tx(mid, wire.ChannelCaseInfo, wire.Case, data, true)
	if errors.Is(err, ccp.ErrBusy) || errors.Is(err, ccp.ErrNotAdmitted) {
		return nil
	}
	if err != nil {
		return err
	}
	done()
	return nil
}
