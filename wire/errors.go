package wire

import "errors"

var (
	ErrFrameTooShort   = errors.New("frame too short")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrCRCMismatch     = errors.New("crc mismatch")
	ErrLengthMismatch  = errors.New("frame length mismatch")
	ErrIncomplete      = errors.New("incomplete frame")
	ErrReservedSource  = errors.New("broadcast source is reserved for reset frames")
	ErrBadResetCode    = errors.New("invalid sequence number reset message")
	ErrInvalidChannel  = errors.New("invalid channel id")
	ErrInvalidMsgID    = errors.New("invalid message id")
	ErrInvalidType     = errors.New("invalid frame type")
	ErrInvalidDevice   = errors.New("invalid device address")
)
