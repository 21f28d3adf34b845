package protocol

import (
	"fmt"
	"sync"
	"time"
)

// PoolBits sets the transaction pool capacity to 2^PoolBits slots (default
// matches spec.md's MAX_PROTOCOL_TRANSACTIONS = 2^(N+1) with N=3, giving 16
// slots). The low PoolBits of every outstanding message-id equal the
// transaction's pool index.
const PoolBits = 4

// PoolSize is the transaction pool capacity.
const PoolSize = 1 << PoolBits

const transactionIDMask = PoolSize - 1

// counterMax is the point at which the message-id counter wraps back to 1
// (never 0), matching CSemtechProtocolEngine_GetNewMessageId.
const counterMax = 0xFFFF >> PoolBits

// BuildKind selects what BuildUplink should emit.
type BuildKind int

const (
	// LoRaData always emits a PUSH_DATA rxpk message.
	LoRaData BuildKind = iota
	// Heartbeat emits PUSH_DATA/stat or PULL_DATA depending on elapsed
	// time since the last of each, unless Force is set.
	Heartbeat
)

// SessionEvent is the set of events ProcessSessionEvent accepts, mirroring
// the Server Manager's view of a transaction's transport outcome.
type SessionEvent int

const (
	Sent SessionEvent = iota
	SendFailed
	Released
	Canceled
)

// EventCode is the result of ProcessServerMessage/ProcessSessionEvent.
type EventCode int

const (
	// UplinkTerminated: an ACK resolved a live transaction.
	UplinkTerminated EventCode = iota
	// Progressing: a SENDING transaction advanced to SENT.
	Progressing
	// Failed: the transaction failed or was abandoned.
	Failed
	// DownlinkReceived: a PULL_RESP carried a downlink description.
	DownlinkReceived
	// ErrTransaction: the token does not resolve to a live transaction
	// (SESSIONERROR_TRANSACTION in spec.md).
	ErrTransaction
	// ErrMessage: the datagram itself is malformed
	// (SESSIONERROR_MESSAGE in spec.md).
	ErrMessage
	// NoOp: the event had no effect (e.g. release of an already-released
	// transaction, or a heartbeat call that decided nothing needs sending).
	NoOp
)

type txState int

const (
	txSending txState = iota
	txSent
)

// transaction is a ProtocolTransaction (spec.md §3).
type transaction struct {
	used          bool
	messageID     uint16
	serverMsgID   uint16
	kind          BuildKind
	subtype       Identifier // PushData, PullData, or PullResp
	isHeartbeat   bool
	state         txState
	startTick     time.Time
	lastEventTick time.Time
}

// Stats holds the running Protocol Engine counters (spec.md §4.3).
type Stats struct {
	Rxnb      uint64
	Rxok      uint64
	Rxfw      uint64
	Upnb      uint64
	AckrCount uint64
	Dwnb      uint64
	Txnb      uint64
}

// Ackr returns the percent of upstream messages ACKed, 100% when Upnb==0.
func (s Stats) Ackr() float64 {
	if s.Upnb == 0 {
		return 100.0
	}
	return 100.0 * float64(s.AckrCount) / float64(s.Upnb)
}

// Geo is the gateway's reported location, a required configuration value
// (the reference source hard-codes this; spec.md treats it as config).
type Geo struct {
	Lat float64
	Lon float64
	Alt int
}

// Config configures the Engine's identity and heartbeat cadence.
type Config struct {
	GatewayID       GatewayID
	Geo             Geo
	PushStatPeriod  time.Duration // default 60s
	PullDataPeriod  time.Duration // default 100s
	ChannelFreqMHz  float64
	ChannelIndex    uint
	RFChainIndex    uint
}

// DefaultConfig matches Configuration.h's PUSHSTAT/PULLDATA periods.
func DefaultConfig() Config {
	return Config{
		PushStatPeriod: 60 * time.Second,
		PullDataPeriod: 100 * time.Second,
	}
}

// Engine implements build_uplink / process_server_message /
// process_session_event over a bounded transaction pool.
type Engine struct {
	cfg Config

	mu           sync.Mutex
	transactions [PoolSize]transaction
	counter      uint16 // monotonically rising, skips 0, wraps at counterMax

	lastPushData time.Time
	lastPullData time.Time

	stats Stats
}

// NewEngine creates a Protocol Engine for one gateway identity.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Stats returns a snapshot of the running counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// nextMessageID implements CSemtechProtocolEngine_GetNewMessageId: the
// counter skips zero and wraps at 2^(16-PoolBits); the returned token packs
// (counter << PoolBits) | transactionIndex.
func (e *Engine) nextMessageID(transactionIndex int) uint16 {
	if e.counter >= counterMax {
		e.counter = 1
	} else {
		e.counter++
	}
	return (e.counter << PoolBits) | uint16(transactionIndex)
}

func (e *Engine) allocTransaction(kind BuildKind, subtype Identifier, heartbeat bool, serverMsgID uint16, now time.Time) (int, uint16, error) {
	for i := range e.transactions {
		if !e.transactions[i].used {
			id := e.nextMessageID(i)
			e.transactions[i] = transaction{
				used:          true,
				messageID:     id,
				serverMsgID:   serverMsgID,
				kind:          kind,
				subtype:       subtype,
				isHeartbeat:   heartbeat,
				state:         txSending,
				startTick:     now,
				lastEventTick: now,
			}
			return i, id, nil
		}
	}
	return 0, 0, fmt.Errorf("protocol: transaction pool exhausted")
}

// BuildResult is returned by BuildUplink on success.
type BuildResult struct {
	Data          []byte
	ProtocolMsgID uint32 // (serverManagerMsgID << 16) | messageID
}

// BuildUplink builds the next outbound datagram. serverManagerMsgID is the
// Server Manager's own local descriptor, folded into the high word of the
// returned ProtocolMsgID so both layers can recover their state without a
// second lookup table.
func (e *Engine) BuildUplink(serverManagerMsgID uint16, kind BuildKind, pkt *RXPK, force bool, now time.Time) (BuildResult, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch kind {
	case LoRaData:
		if pkt == nil {
			return BuildResult{}, false, fmt.Errorf("protocol: LoRaData build requires an RXPK")
		}
		_, msgID, err := e.allocTransaction(LoRaData, PushData, false, serverManagerMsgID, now)
		if err != nil {
			return BuildResult{}, false, err
		}
		body, err := EncodeRXPK(*pkt)
		if err != nil {
			return BuildResult{}, false, err
		}
		buf := make([]byte, 12+len(body))
		EncodeHeader(buf, msgID, PushData)
		EncodeGatewayID(buf[4:], e.cfg.GatewayID)
		copy(buf[12:], body)

		e.stats.Rxnb++
		e.stats.Rxok++
		e.lastPushData = now

		return BuildResult{Data: buf, ProtocolMsgID: protocolMsgID(serverManagerMsgID, msgID)}, true, nil

	case Heartbeat:
		if !force {
			if e.lastPushData.IsZero() || now.Sub(e.lastPushData) >= e.cfg.PushStatPeriod {
				return e.buildStat(serverManagerMsgID, now)
			}
			if e.lastPullData.IsZero() || now.Sub(e.lastPullData) >= e.cfg.PullDataPeriod {
				return e.buildPullData(serverManagerMsgID, now)
			}
			return BuildResult{}, false, nil
		}
		return e.buildStat(serverManagerMsgID, now)

	default:
		return BuildResult{}, false, fmt.Errorf("protocol: unknown build kind %d", kind)
	}
}

func (e *Engine) buildStat(serverManagerMsgID uint16, now time.Time) (BuildResult, bool, error) {
	idx, msgID, err := e.allocTransaction(Heartbeat, PushData, true, serverManagerMsgID, now)
	if err != nil {
		return BuildResult{}, false, err
	}
	_ = idx
	body, err := EncodeStat(Stat{
		Time: FormatStatTime(now),
		Lati: e.cfg.Geo.Lat,
		Long: e.cfg.Geo.Lon,
		Alti: e.cfg.Geo.Alt,
		Rxnb: e.stats.Rxnb,
		Rxok: e.stats.Rxok,
		Rxfw: e.stats.Rxfw,
		Ackr: OneDecimal(e.stats.Ackr()),
		Dwnb: e.stats.Dwnb,
		Txnb: e.stats.Txnb,
	})
	if err != nil {
		return BuildResult{}, false, err
	}
	buf := make([]byte, 12+len(body))
	EncodeHeader(buf, msgID, PushData)
	EncodeGatewayID(buf[4:], e.cfg.GatewayID)
	copy(buf[12:], body)
	e.lastPushData = now
	return BuildResult{Data: buf, ProtocolMsgID: protocolMsgID(serverManagerMsgID, msgID)}, true, nil
}

func (e *Engine) buildPullData(serverManagerMsgID uint16, now time.Time) (BuildResult, bool, error) {
	idx, msgID, err := e.allocTransaction(Heartbeat, PullData, true, serverManagerMsgID, now)
	if err != nil {
		return BuildResult{}, false, err
	}
	_ = idx
	buf := make([]byte, 12)
	EncodeHeader(buf, msgID, PullData)
	EncodeGatewayID(buf[4:], e.cfg.GatewayID)
	e.lastPullData = now
	return BuildResult{Data: buf, ProtocolMsgID: protocolMsgID(serverManagerMsgID, msgID)}, true, nil
}

func protocolMsgID(serverManagerMsgID, messageID uint16) uint32 {
	return uint32(serverManagerMsgID)<<16 | uint32(messageID)
}

// ServerResult is returned by ProcessServerMessage.
type ServerResult struct {
	Code          EventCode
	ProtocolMsgID uint32
	TXPK          TXPK
	Payload       []byte
}

// ProcessServerMessage parses a datagram received from the Network Server
// and correlates PUSH_ACK/PULL_ACK replies against the transaction pool.
func (e *Engine) ProcessServerMessage(buf []byte, now time.Time) ServerResult {
	h, err := DecodeHeader(buf)
	if err != nil {
		return ServerResult{Code: ErrMessage}
	}

	switch h.Identifier {
	case PushAck, PullAck:
		e.mu.Lock()
		defer e.mu.Unlock()

		idx := int(h.Token & transactionIDMask)
		tx := &e.transactions[idx]
		if !tx.used || tx.messageID != h.Token {
			return ServerResult{Code: ErrTransaction}
		}
		e.stats.AckrCount++
		pid := protocolMsgID(tx.serverMsgID, tx.messageID)
		e.releaseLocked(idx)
		return ServerResult{Code: UplinkTerminated, ProtocolMsgID: pid}

	case PullResp:
		if len(buf) <= 4 {
			return ServerResult{Code: ErrMessage}
		}
		txpk, payload, err := ParseTXPK(buf[4:])
		if err != nil {
			return ServerResult{Code: ErrMessage}
		}
		e.mu.Lock()
		e.stats.Dwnb++
		e.mu.Unlock()
		return ServerResult{Code: DownlinkReceived, TXPK: txpk, Payload: payload}

	default:
		return ServerResult{Code: ErrMessage}
	}
}

// ProcessSessionEvent resolves a transaction by the low 16 bits of
// protocolMsgID and applies a transport-outcome event to it.
func (e *Engine) ProcessSessionEvent(protocolMsgID uint32, event SessionEvent, now time.Time) EventCode {
	e.mu.Lock()
	defer e.mu.Unlock()

	token := uint16(protocolMsgID & 0xFFFF)
	idx := int(token & transactionIDMask)
	tx := &e.transactions[idx]
	if !tx.used || tx.messageID != token {
		return NoOp
	}

	switch event {
	case Sent:
		if tx.state != txSending {
			return NoOp
		}
		tx.state = txSent
		tx.lastEventTick = now
		e.stats.Upnb++
		if !tx.isHeartbeat {
			e.stats.Rxfw++
		}
		return Progressing

	case SendFailed:
		if tx.state != txSending {
			return NoOp
		}
		e.releaseLocked(idx)
		return Failed

	case Released, Canceled:
		if !tx.used {
			return NoOp
		}
		e.releaseLocked(idx)
		return NoOp

	default:
		return NoOp
	}
}

func (e *Engine) releaseLocked(idx int) {
	e.transactions[idx] = transaction{}
}

// RecordDownlinkSent notes that the Realtime Sender actually handed a
// downlink frame to the radio, incrementing the txnb counter reported in
// the next stat block.
func (e *Engine) RecordDownlinkSent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Txnb++
}

// PendingTransactions reports how many transaction slots are in use, for
// capacity/exhaustion diagnostics.
func (e *Engine) PendingTransactions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := range e.transactions {
		if e.transactions[i].used {
			n++
		}
	}
	return n
}
