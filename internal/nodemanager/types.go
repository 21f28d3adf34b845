// Package nodemanager implements the Node Manager: the session engine that
// owns the uplink-session lifecycle, drives downlink-session scheduling, and
// enforces LoRaWAN Class-A receive-window timing (spec.md §4.1).
package nodemanager

import (
	"time"

	"github.com/ffdev-fr/lora-gateway/internal/transceiver"
)

// MessageType is the LoRaWAN frame type derived from the top 3 bits of MHDR.
type MessageType int

const (
	JoinRequest MessageType = iota
	JoinAccept
	UnconfirmedUplink
	UnconfirmedDownlink
	ConfirmedUplink
	ConfirmedDownlink
	RFU
	Proprietary
)

// DecodeMessageType extracts the message type from a LoRaWAN MHDR byte.
func DecodeMessageType(mhdr byte) MessageType {
	return MessageType(mhdr >> 5)
}

// UplinkState is an UplinkSession's lifecycle state (spec.md §3).
type UplinkState int

const (
	UplinkCreated UplinkState = iota
	UplinkSendingUplink
	UplinkProgressingUplink
	UplinkSent
	UplinkFailed
)

// DownlinkSubType distinguishes a synthesized ACK from a server-pushed data
// downlink.
type DownlinkSubType int

const (
	DownlinkAck DownlinkSubType = iota
	DownlinkData
)

// DownlinkState is a DownlinkSession's lifecycle state (spec.md §3).
type DownlinkState int

const (
	DownlinkCreated DownlinkState = iota
	DownlinkScheduling
	DownlinkScheduled
	DownlinkSending
	DownlinkSent
	DownlinkFailed
)

// UplinkSession is one per received LoRa frame (spec.md §3).
type UplinkSession struct {
	ID            uint64
	TransceiverID int
	DevAddr       uint32
	FCnt          uint16
	MHDR          byte
	MsgType       MessageType
	ReceiveTime   time.Time
	RxInfo        transceiver.RxInfo
	State         UplinkState
	Payload       []byte
	Confirmed     bool
}

// Horizon returns the RX-window horizon past which a non-terminal uplink
// session is swept (spec.md §4.1 "Session sweep rules").
func (u *UplinkSession) Horizon() time.Time {
	if u.MsgType == JoinRequest {
		return u.ReceiveTime.Add(JoinAcceptDelay2 + RxWindowLength)
	}
	return u.ReceiveTime.Add(ReceiveDelay2 + RxWindowLength)
}

// DownlinkSession is one per scheduled downlink frame (spec.md §3).
type DownlinkSession struct {
	ID            uint64
	TransceiverID int
	DevAddr       uint32
	SubType       DownlinkSubType
	State         DownlinkState
	Payload       []byte
}

// Numeric constants (ms), spec.md §4.1.
const (
	ReceiveDelay1    = 1000 * time.Millisecond
	ReceiveDelay2    = 2000 * time.Millisecond
	JoinAcceptDelay1 = 5000 * time.Millisecond
	JoinAcceptDelay2 = 6000 * time.Millisecond
	RxWindowLength   = 900 * time.Millisecond
	AckTimeoutMin    = 1000 * time.Millisecond
	AckTimeoutMax    = 3000 * time.Millisecond
)

// EventKind is the union of inter-component notifications delivered to
// SessionEvent (spec.md §4.1).
type EventKind int

const (
	UplinkAccepted EventKind = iota
	UplinkRejected
	UplinkProgressing
	UplinkSentEvent
	UplinkFailedEvent
	DownlinkScheduledEvent
	DownlinkSendingEvent
	DownlinkSentEvent
	DownlinkFailedEvent
)

// SessionEvent is an asynchronous inbound notification (spec.md §4.1's
// session_event operation).
type SessionEvent struct {
	Kind              EventKind
	UplinkSessionID   uint64
	DownlinkSessionID uint64
	ProtocolMsgID     uint32
	Reason            string
}
