package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/sigurn/crc16"
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

func checksum(b []byte) uint16 {
	return crc16.Checksum(b, crcTable)
}

// Frame is one addressed unit on the charger comms wire.
// Channel, MsgID and Payload only apply to Data, Ack and Nack frames.
// Origin only applies to Reset frames, which always carry the Broadcast
// source on the wire.
type Frame struct {
	Dest            Device
	Source          Device
	Type            FrameType
	AnswerRequested bool
	Seq             uint8
	Channel         Channel
	MsgID           uint8
	Payload         []byte
	Origin          Device
}

func (f Frame) String() string {
	switch {
	case f.Type == TypeReset:
		return fmt.Sprintf("%s %s->%s origin=%s", f.Type, f.Source, f.Dest, f.Origin)
	case f.Type.hasCaseCommsHeader():
		return fmt.Sprintf("%s %s->%s seq=%d cid=%s mid=%d len=%d answer=%t",
			f.Type, f.Source, f.Dest, f.Seq, f.Channel, f.MsgID, len(f.Payload), f.AnswerRequested)
	}
	return fmt.Sprintf("%s %s->%s seq=%d", f.Type, f.Source, f.Dest, f.Seq)
}

func (f Frame) bodyLen() int {
	switch {
	case f.Type == TypeReset:
		return ResetMsgLen
	case f.Type.hasCaseCommsHeader():
		return CaseCommsHeaderLen + len(f.Payload)
	}
	return 0
}

// EncodedLen is the number of bytes Encode produces for f.
func (f Frame) EncodedLen() int {
	return LinkHeaderLen + f.bodyLen() + CRCLen
}

func (f Frame) validate() error {
	if f.Type > TypeReset {
		return ErrInvalidType
	}
	if !f.Dest.Valid() || !f.Source.Valid() {
		return ErrInvalidDevice
	}
	if f.Type == TypeReset {
		if _, ok := ResetCode(f.Origin); !ok {
			return ErrBadResetCode
		}
		if len(f.Payload) > 0 {
			return ErrPayloadTooLarge
		}
		return nil
	}
	if f.Source == Broadcast {
		return ErrReservedSource
	}
	switch f.Type {
	case TypePoll:
		if len(f.Payload) > 0 {
			return ErrPayloadTooLarge
		}
	case TypeData, TypeAck, TypeNack:
		if !f.Channel.Valid() {
			return ErrInvalidChannel
		}
		if f.MsgID > MaxMsgID {
			return ErrInvalidMsgID
		}
		if len(f.Payload) > MaxPayload || (f.Type != TypeData && len(f.Payload) > 0) {
			return ErrPayloadTooLarge
		}
	}
	return nil
}

// Encode serializes f including the trailing CRC.
func Encode(f Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	body := f.bodyLen()
	out := make([]byte, LinkHeaderLen+body+CRCLen)

	src := f.Source
	if f.Type == TypeReset {
		src = Broadcast
	}
	hdr := byte(f.Dest)<<destShift | byte(src)<<sourceShift | byte(f.Type)
	if f.AnswerRequested && f.Type == TypeData {
		hdr |= answerBit
	}
	out[0] = hdr
	out[1] = f.Seq
	// #nosec G115 -- body is bounded by HeaderLen+MaxPayload.
	binary.BigEndian.PutUint16(out[2:LinkHeaderLen], uint16(body))

	switch {
	case f.Type == TypeReset:
		code, _ := ResetCode(f.Origin)
		out[LinkHeaderLen] = code
		out[LinkHeaderLen+1] = ^code
	case f.Type.hasCaseCommsHeader():
		out[LinkHeaderLen] = byte(f.Channel)<<cidShift | f.MsgID&midMask
		copy(out[HeaderLen:], f.Payload)
	}

	crcPos := len(out) - CRCLen
	binary.BigEndian.PutUint16(out[crcPos:], checksum(out[:crcPos]))

	return out, nil
}

// Decode parses exactly one encoded frame.
func Decode(b []byte) (Frame, error) {
	if len(b) < MinFrameLen {
		return Frame{}, ErrFrameTooShort
	}

	crcPos := len(b) - CRCLen
	if binary.BigEndian.Uint16(b[crcPos:]) != checksum(b[:crcPos]) {
		return Frame{}, ErrCRCMismatch
	}

	body := int(binary.BigEndian.Uint16(b[2:LinkHeaderLen]))
	if LinkHeaderLen+body+CRCLen != len(b) {
		return Frame{}, ErrLengthMismatch
	}

	hdr := b[0]
	f := Frame{
		Dest:            Device(hdr >> destShift & deviceMask),
		Source:          Device(hdr >> sourceShift & deviceMask),
		Type:            FrameType(hdr & typeMask),
		AnswerRequested: hdr&answerBit != 0,
		Seq:             b[1],
	}
	bodyBytes := b[LinkHeaderLen:crcPos]

	switch f.Type {
	case TypePoll:
		if f.Source == Broadcast {
			return Frame{}, ErrReservedSource
		}
		if body != 0 {
			return Frame{}, ErrLengthMismatch
		}
	case TypeReset:
		if f.Source != Broadcast || body != ResetMsgLen || bodyBytes[0] != ^bodyBytes[1] {
			return Frame{}, ErrBadResetCode
		}
		origin, ok := ResetOrigin(bodyBytes[0])
		if !ok {
			return Frame{}, ErrBadResetCode
		}
		f.Origin = origin
	case TypeData, TypeAck, TypeNack:
		if f.Source == Broadcast {
			return Frame{}, ErrReservedSource
		}
		if body < CaseCommsHeaderLen {
			return Frame{}, ErrFrameTooShort
		}
		f.Channel = Channel(bodyBytes[0] >> cidShift)
		f.MsgID = bodyBytes[0] & midMask
		if !f.Channel.Valid() {
			return Frame{}, ErrInvalidChannel
		}
		payload := bodyBytes[CaseCommsHeaderLen:]
		if len(payload) > MaxPayload {
			return Frame{}, ErrPayloadTooLarge
		}
		if f.Type != TypeData && len(payload) > 0 {
			return Frame{}, ErrLengthMismatch
		}
		f.Payload = make([]byte, len(payload))
		copy(f.Payload, payload)
	default:
		return Frame{}, ErrInvalidType
	}

	return f, nil
}

// Next splits the first frame off a stream buffer.
// It returns ErrIncomplete with n == 0 when buf holds a partial frame. On any
// other error n is 1 so the caller drops a byte and resynchronises.
func Next(buf []byte) (f Frame, n int, err error) {
	if len(buf) < LinkHeaderLen {
		return Frame{}, 0, ErrIncomplete
	}
	if FrameType(buf[0]&typeMask) > TypeReset {
		return Frame{}, 1, ErrInvalidType
	}
	body := int(binary.BigEndian.Uint16(buf[2:LinkHeaderLen]))
	if body > CaseCommsHeaderLen+MaxPayload {
		return Frame{}, 1, ErrPayloadTooLarge
	}
	total := LinkHeaderLen + body + CRCLen
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}
	f, err = Decode(buf[:total])
	if err != nil {
		return Frame{}, 1, err
	}
	return f, total, nil
}
