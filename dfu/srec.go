package dfu

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	maxRecordBytes = (MaxData - 2) / 2
	minRecordBytes = 3
	maxNameLen     = 16
)

// RecordError is an S-record or image failure and the code reported to the
// earbud for it.
type RecordError struct {
	Code ErrorCode
	msg  string
}

func (e *RecordError) Error() string { return "dfu: " + e.msg }

var (
	ErrRecordTooBig       = &RecordError{ErrCodeRecordTooBig, "record too big"}
	ErrRecordTooSmall     = &RecordError{ErrCodeRecordTooSmall, "record too small"}
	ErrRecordChecksum     = &RecordError{ErrCodeRecordChecksum, "record checksum"}
	ErrLengthInconsistent = &RecordError{ErrCodeLengthInconsistent, "length inconsistent"}
	ErrIncompatible       = &RecordError{ErrCodeIncompatible, "incompatible"}
	ErrFlashFailed        = &RecordError{ErrCodeFlashFailed, "flash failed"}
	ErrImageChecksum      = &RecordError{ErrCodeChecksum, "checksum"}
	ErrWriteCount         = &RecordError{ErrCodeWriteCountFailed, "write count failed"}
)

// codeOf picks the code for err, falling back to fallback.
func codeOf(err error, fallback ErrorCode) ErrorCode {
	var re *RecordError
	if errors.As(err, &re) {
		return re.Code
	}
	return fallback
}

// Record is one parsed S-record.
type Record struct {
	Type    byte // '0'..'9'
	Address uint32
	Data    []byte
}

func addressLen(typ byte) int {
	switch typ {
	case '2', '8':
		return 3
	case '3', '7':
		return 4
	}
	return 2
}

// ParseRecord decodes an S-record line such as "S30900000000DEADBEEF..".
// The byte count and checksum are verified.
func ParseRecord(line []byte) (Record, error) {
	if len(line) < 2 || line[0] != 'S' {
		return Record{}, fmt.Errorf("%w: no S-record", ErrRecordTooSmall)
	}
	text := line[2:]
	if len(text) > maxRecordBytes*2 {
		return Record{}, ErrRecordTooBig
	}
	if len(text) < minRecordBytes*2 {
		return Record{}, ErrRecordTooSmall
	}

	raw := make([]byte, hex.DecodedLen(len(text)))
	if _, err := hex.Decode(raw, text); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrRecordChecksum, err)
	}
	var sum byte
	for _, c := range raw {
		sum += c
	}
	if sum != 0xFF {
		return Record{}, ErrRecordChecksum
	}
	if int(raw[0]) != len(raw)-1 {
		return Record{}, ErrLengthInconsistent
	}

	r := Record{Type: line[1]}
	n := addressLen(r.Type)
	if len(raw) < 1+n+1 {
		return Record{}, ErrRecordTooSmall
	}
	for _, c := range raw[1 : 1+n] {
		r.Address = r.Address<<8 | uint32(c)
	}
	r.Data = raw[1+n : len(raw)-1]
	return r, nil
}

// Header is the S0 record payload: the checksum expected for each image slot
// and the variant the image was built for.
type Header struct {
	ChecksumA uint32
	ChecksumB uint32
	Name      string
}

// ParseHeader reads what it can from an S0 payload. Extra trailing bytes
// are ignored.
func ParseHeader(data []byte) Header {
	var h Header
	var buf [8]byte
	copy(buf[:], data)
	h.ChecksumA = binary.LittleEndian.Uint32(buf[0:4])
	h.ChecksumB = binary.LittleEndian.Uint32(buf[4:8])
	if len(data) > 8 {
		name := data[8:]
		if len(name) > maxNameLen {
			name = name[:maxNameLen]
		}
		for i, c := range name {
			if c == 0 {
				name = name[:i]
				break
			}
		}
		h.Name = string(name)
	}
	return h
}
