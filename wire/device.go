package wire

import "strconv"

// Device addresses a node on the shared charger comms wire.
type Device uint8

const (
	Case Device = iota
	Right
	Left
	Broadcast
)

// Earbuds lists the two addressable earbuds.
var Earbuds = [2]Device{Left, Right}

func (d Device) String() string {
	switch d {
	case Case:
		return "case"
	case Right:
		return "right"
	case Left:
		return "left"
	case Broadcast:
		return "broadcast"
	}
	return "device(" + strconv.Itoa(int(d)) + ")"
}

// IsEarbud reports whether d is the left or right earbud.
func (d Device) IsEarbud() bool {
	return d == Left || d == Right
}

// Valid reports whether d fits the 2 bit device field.
func (d Device) Valid() bool {
	return d <= Broadcast
}

// Channel is the CaseComms channel id (CID).
type Channel uint8

const (
	ChannelCaseInfo Channel = 0
	ChannelDTS      Channel = 1
	ChannelDFU      Channel = 4
	ChannelDebug    Channel = 8

	NumChannels = 9

	ChannelInvalid Channel = 0x0F
)

func (c Channel) String() string {
	switch c {
	case ChannelCaseInfo:
		return "case-info"
	case ChannelDTS:
		return "dts"
	case ChannelDFU:
		return "dfu"
	case ChannelDebug:
		return "debug"
	case ChannelInvalid:
		return "invalid"
	}
	return "channel(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is a usable channel id.
func (c Channel) Valid() bool {
	return c < NumChannels
}

// FrameType is the frame kind carried in the low bits of the header.
type FrameType uint8

const (
	TypePoll FrameType = iota
	TypeData
	TypeAck
	TypeNack
	TypeReset
)

func (t FrameType) String() string {
	switch t {
	case TypePoll:
		return "poll"
	case TypeData:
		return "data"
	case TypeAck:
		return "ack"
	case TypeNack:
		return "nack"
	case TypeReset:
		return "reset"
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

func (t FrameType) hasCaseCommsHeader() bool {
	return t == TypeData || t == TypeAck || t == TypeNack
}

// ResetCode returns the sequence number reset message issued by origin.
func ResetCode(origin Device) (byte, bool) {
	switch origin {
	case Case:
		return CaseSeqNumResetMsg, true
	case Left:
		return LeftEarbudSeqNumResetMsg, true
	case Right:
		return RightEarbudSeqNumResetMsg, true
	}
	return 0, false
}

// ResetOrigin maps a reset message back to the device that issued it.
func ResetOrigin(code byte) (Device, bool) {
	switch code {
	case CaseSeqNumResetMsg:
		return Case, true
	case LeftEarbudSeqNumResetMsg:
		return Left, true
	case RightEarbudSeqNumResetMsg:
		return Right, true
	}
	return 0, false
}
