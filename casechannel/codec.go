// Package casechannel carries the case information messages exchanged
// between the case and its earbuds on the case-info channel.
package casechannel

import (
	"errors"
	"fmt"
)

// Case-info message ids.
const (
	MsgStatus       uint8 = 0
	MsgEarbudStatus uint8 = 1
	MsgReset        uint8 = 2
	MsgStatusReq    uint8 = 3
	MsgLoopback     uint8 = 4
	MsgShippingMode uint8 = 5
	MsgXStatusReq   uint8 = 6
	MsgXStatus      uint8 = 7
	MsgHandsetPair  uint8 = 8
	MsgCaseCmd      uint8 = 9
)

// Extended status info types.
const (
	InfoBTAddress uint8 = 0
)

// Case commands an earbud can ask the case to run.
const (
	CmdNone       uint8 = 0
	CmdRxSerialNo uint8 = 1
)

var (
	ErrShortPayload   = errors.New("casechannel: payload too short")
	ErrUnknownMessage = errors.New("casechannel: unknown message")
)

// Status flags.
const (
	statusLidOpen    = 0x01
	statusCharger    = 0x02
	statusCharging   = 0x04
	statusLowBattery = 0x08

	leftCharging  = 0x01
	rightCharging = 0x02

	shortStatusLen = 1
	statusLen      = 5
)

// Status is the case state broadcast to the earbuds. A short status only
// carries the flags; Full tells them apart.
type Status struct {
	LidOpen          bool
	ChargerConnected bool
	Charging         bool
	LowBattery       bool

	Full          bool
	CaseBattery   uint8
	LeftBattery   uint8
	RightBattery  uint8
	LeftCharging  bool
	RightCharging bool
}

func (s Status) Encode() []byte {
	var flags byte
	if s.LidOpen {
		flags |= statusLidOpen
	}
	if s.ChargerConnected {
		flags |= statusCharger
	}
	if s.Charging {
		flags |= statusCharging
	}
	if s.LowBattery {
		flags |= statusLowBattery
	}
	if !s.Full {
		return []byte{flags}
	}

	var eb byte
	if s.LeftCharging {
		eb |= leftCharging
	}
	if s.RightCharging {
		eb |= rightCharging
	}
	return []byte{flags, s.CaseBattery, s.LeftBattery, s.RightBattery, eb}
}

func DecodeStatus(b []byte) (Status, error) {
	if len(b) < shortStatusLen {
		return Status{}, fmt.Errorf("%w: status %d bytes", ErrShortPayload, len(b))
	}
	s := Status{
		LidOpen:          b[0]&statusLidOpen != 0,
		ChargerConnected: b[0]&statusCharger != 0,
		Charging:         b[0]&statusCharging != 0,
		LowBattery:       b[0]&statusLowBattery != 0,
	}
	if len(b) < statusLen {
		return s, nil
	}
	s.Full = true
	s.CaseBattery = b[1]
	s.LeftBattery = b[2]
	s.RightBattery = b[3]
	s.LeftCharging = b[4]&leftCharging != 0
	s.RightCharging = b[4]&rightCharging != 0
	return s, nil
}

const (
	ebPeerPairing  = 0x01
	ebDFUAvailable = 0x02
	ebCmdRequested = 0x04
	ebCharging     = 0x08

	earbudStatusLen = 3
)

// EarbudStatus is an earbud's answer to a status request.
type EarbudStatus struct {
	PeerPairing      bool
	DFUAvailable     bool
	CommandRequested bool
	Charging         bool
	ChargeRate       uint8
	Battery          uint8
}

func (s EarbudStatus) Encode() []byte {
	var flags byte
	if s.PeerPairing {
		flags |= ebPeerPairing
	}
	if s.DFUAvailable {
		flags |= ebDFUAvailable
	}
	if s.CommandRequested {
		flags |= ebCmdRequested
	}
	if s.Charging {
		flags |= ebCharging
	}
	return []byte{flags, s.ChargeRate, s.Battery}
}

func DecodeEarbudStatus(b []byte) (EarbudStatus, error) {
	if len(b) < earbudStatusLen {
		return EarbudStatus{}, fmt.Errorf("%w: earbud status %d bytes", ErrShortPayload, len(b))
	}
	return EarbudStatus{
		PeerPairing:      b[0]&ebPeerPairing != 0,
		DFUAvailable:     b[0]&ebDFUAvailable != 0,
		CommandRequested: b[0]&ebCmdRequested != 0,
		Charging:         b[0]&ebCharging != 0,
		ChargeRate:       b[1],
		Battery:          b[2],
	}, nil
}

const (
	btAddressLen = 6
	serialLen    = 8
)

// BTAddress is an earbud's bluetooth address, split the way the earbud
// reports it.
type BTAddress struct {
	NAP uint16
	UAP uint8
	LAP uint32
}

func (a BTAddress) String() string {
	return fmt.Sprintf("%04X,%02X,%06X", a.NAP, a.UAP, a.LAP&0xFFFFFF)
}

func (a BTAddress) Encode() []byte {
	return []byte{
		byte(a.NAP >> 8), byte(a.NAP),
		a.UAP,
		byte(a.LAP >> 16), byte(a.LAP >> 8), byte(a.LAP),
	}
}

func DecodeBTAddress(b []byte) (BTAddress, error) {
	if len(b) < btAddressLen {
		return BTAddress{}, fmt.Errorf("%w: bt address %d bytes", ErrShortPayload, len(b))
	}
	return BTAddress{
		NAP: uint16(b[0])<<8 | uint16(b[1]),
		UAP: b[2],
		LAP: uint32(b[3])<<16 | uint32(b[4])<<8 | uint32(b[5]),
	}, nil
}

// XStatus answers an extended status request. Data depends on InfoType.
type XStatus struct {
	InfoType uint8
	Data     []byte
}

func (x XStatus) Encode() []byte {
	return append([]byte{x.InfoType}, x.Data...)
}

func DecodeXStatus(b []byte) (XStatus, error) {
	if len(b) < 1 {
		return XStatus{}, fmt.Errorf("%w: xstatus", ErrShortPayload)
	}
	return XStatus{InfoType: b[0], Data: b[1:]}, nil
}

// encodeSerial builds the case command carrying the case serial number.
func encodeSerial(serial uint64) []byte {
	b := make([]byte, 1+serialLen)
	b[0] = CmdRxSerialNo
	for i := 0; i < serialLen; i++ {
		b[1+i] = byte(serial >> (8 * (serialLen - 1 - i)))
	}
	return b
}

func decodeSerial(b []byte) (uint64, error) {
	if len(b) < serialLen {
		return 0, fmt.Errorf("%w: serial %d bytes", ErrShortPayload, len(b))
	}
	var serial uint64
	for _, c := range b[:serialLen] {
		serial = serial<<8 | uint64(c)
	}
	return serial, nil
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func decodeBool(b []byte) (bool, error) {
	if len(b) < 1 {
		return false, ErrShortPayload
	}
	return b[0] != 0, nil
}
