package chargercomms

import "github.com/RoanBrand/ChargerCaseCommsProtocol/wire"

// Packet is a frame accepted by the transport, handed to the layer above.
type Packet struct {
	Source          wire.Device
	Dest            wire.Device
	Type            wire.FrameType
	Channel         wire.Channel
	MsgID           uint8
	Payload         []byte
	AnswerRequested bool
	Seq             uint8
}

// Stats counts transport activity since the last Enable.
type Stats struct {
	TxFrames     uint64
	RxFrames     uint64
	Refused      uint64
	TxTimeouts   uint64
	DroppedBytes uint64
	Stale        uint64
	Gaps         uint64
	Echoes       uint64
	Foreign      uint64
}
