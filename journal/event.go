// Package journal keeps a sqlite record of link events published on the bus.
package journal

import (
	"time"

	"github.com/RoanBrand/ChargerCaseCommsProtocol/chargercomms"
	"github.com/RoanBrand/ChargerCaseCommsProtocol/wire"
)

type Kind string

const (
	KindReceive           Kind = "receive"
	KindAck               Kind = "ack"
	KindNack              Kind = "nack"
	KindGiveUp            Kind = "give_up"
	KindNoResponse        Kind = "no_response"
	KindAbort             Kind = "abort"
	KindBroadcastFinished Kind = "broadcast_finished"
	KindPoll              Kind = "poll"
)

// Event is one observer callback on a channel.
type Event struct {
	At      time.Time
	Kind    Kind
	Channel wire.Channel
	Peer    wire.Device
	MsgID   uint8
	Detail  string
	Payload []byte
}

// StatsSample is a transport counter snapshot taken at At.
type StatsSample struct {
	At    time.Time
	Stats chargercomms.Stats
}

func timeToUnixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func unixMillisToTime(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(v)
}
