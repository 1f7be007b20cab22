package wire

// Frame sizing.
// Layout:
//   Header (1) | Seq (1) | Length (2) | Body (0..HeaderLen-LinkHeaderLen+MaxPayload) | CRC16 (2)
// Length counts the body only. Data, Ack and Nack bodies start with the
// CaseComms header byte (cid<<4 | mid).
const (
	LinkHeaderLen      = 4
	CaseCommsHeaderLen = 1
	HeaderLen          = LinkHeaderLen + CaseCommsHeaderLen
	CRCLen             = 2

	MaxPayload  = 380
	MaxFrameLen = HeaderLen + MaxPayload + CRCLen
	MinFrameLen = LinkHeaderLen + CRCLen

	// Payload cap of the stm32 case firmware, used in compat mode.
	CompatMaxPayload = 14

	MaxMsgID = 0x0F
)

// Header byte fields.
const (
	destShift   = 6
	sourceShift = 4
	answerBit   = 0x08
	typeMask    = 0x07
	deviceMask  = 0x03

	cidShift = 4
	midMask  = 0x0F
)

// Sequence number reset messages. The code identifies the device that issued
// the reset; the frame itself carries the reserved Broadcast source.
const (
	CaseSeqNumResetMsg        = 0x3C
	LeftEarbudSeqNumResetMsg  = 0x38
	RightEarbudSeqNumResetMsg = 0x34

	ResetMsgLen = 2
)
