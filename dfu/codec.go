// Package dfu updates the case firmware through an earbud over the DFU
// channel. The earbud that flags a pending update in its status streams
// S-records to the case, which writes them to its spare image, checks them
// and commits the image after a reboot.
package dfu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type is carried as the CCP message id of every DFU message.
type Type uint8

const (
	TypeRequest Type = iota
	TypeResponse
	TypeResponseWithRequest
)

// NeedsAnswer reports whether a message of this type is retried until
// acked.
func (t Type) NeedsAnswer() bool {
	return t == TypeRequest || t == TypeResponseWithRequest
}

// MsgID is the first byte of a DFU message.
type MsgID uint8

const (
	MsgCheck MsgID = iota
	MsgBusy
	MsgReady
	MsgStart
	MsgChecksum
	MsgVerify
	MsgComplete
	MsgAck
	MsgNack
	MsgSync
	MsgError
	MsgInitiate
	MsgReboot
	MsgCommit
	MsgAbort
	MsgData

	// Queue-only ids, never on the wire.
	msgAckWithRequest MsgID = 0xFE
	msgInternal       MsgID = 0xFF
)

var msgNames = [...]string{
	"check", "busy", "ready", "start", "checksum", "verify", "complete",
	"ack", "nack", "sync", "error", "initiate", "reboot", "commit", "abort",
	"data",
}

func (m MsgID) String() string {
	switch {
	case int(m) < len(msgNames):
		return msgNames[m]
	case m == msgAckWithRequest:
		return "ack+request"
	case m == msgInternal:
		return "internal"
	}
	return fmt.Sprintf("msg(%d)", uint8(m))
}

// ErrorCode is sent to the earbud in MsgError.
type ErrorCode uint8

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeOutOfOrder
	ErrCodeActivityTimeout
	ErrCodeWriteCountFailed
	ErrCodeSpuriousNack
	ErrCodeRecordTooBig
	ErrCodeRecordTooSmall
	ErrCodeRecordChecksum
	ErrCodeLengthInconsistent
	ErrCodeIncompatible
	ErrCodeFlashFailed
	ErrCodeChecksum
	ErrCodeTimeout
)

const (
	headerLen  = 3
	variantLen = 4

	// MaxData bounds the S-record text carried by one MsgData.
	MaxData = 256
)

var (
	ErrShortMessage = errors.New("dfu: message too short")
	ErrDataTooLong  = errors.New("dfu: data too long")
)

// Message is a decoded DFU message: its id and the body after the length
// field.
type Message struct {
	ID      MsgID
	Payload []byte
}

func (m Message) Encode() []byte {
	b := make([]byte, headerLen+len(m.Payload))
	b[0] = byte(m.ID)
	binary.BigEndian.PutUint16(b[1:3], uint16(len(m.Payload)))
	copy(b[headerLen:], m.Payload)
	return b
}

// Decode parses a DFU message. Data messages carry their record in the rest
// of the buffer whatever the length field says.
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return Message{}, ErrShortMessage
	}
	m := Message{ID: MsgID(b[0])}
	if m.ID == MsgData {
		if len(b) < headerLen {
			return Message{}, fmt.Errorf("%w: data %d bytes", ErrShortMessage, len(b))
		}
		if len(b)-headerLen > MaxData {
			return Message{}, fmt.Errorf("%w: %d bytes", ErrDataTooLong, len(b)-headerLen)
		}
		m.Payload = b[headerLen:]
		return m, nil
	}
	if len(b) < headerLen {
		return m, nil
	}
	n := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b)-headerLen < n {
		return Message{}, fmt.Errorf("%w: %s wants %d bytes, has %d", ErrShortMessage, m.ID, n, len(b)-headerLen)
	}
	m.Payload = b[headerLen : headerLen+n]
	return m, nil
}

func checkMsg(major, minor uint16) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint16(p[0:2], major)
	binary.BigEndian.PutUint16(p[2:4], minor)
	return Message{ID: MsgCheck, Payload: p}
}

// Version reads the case firmware version out of a MsgCheck.
func (m Message) Version() (major, minor uint16, err error) {
	if m.ID != MsgCheck || len(m.Payload) < 4 {
		return 0, 0, fmt.Errorf("%w: check", ErrShortMessage)
	}
	return binary.BigEndian.Uint16(m.Payload[0:2]), binary.BigEndian.Uint16(m.Payload[2:4]), nil
}

func startMsg(variant string) Message {
	p := make([]byte, variantLen)
	copy(p[:variantLen-1], variant)
	return Message{ID: MsgStart, Payload: p}
}

func bare(id MsgID) Message {
	return Message{ID: id}
}

func withByte(id MsgID, v byte) Message {
	return Message{ID: id, Payload: []byte{v}}
}
