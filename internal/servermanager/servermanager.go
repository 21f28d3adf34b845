// Package servermanager implements the Server Manager: it pumps uplink
// descriptors from the Node Manager through the Protocol Engine into the
// active Connector, routes Network-Server replies back through the
// Protocol Engine to the Node Manager, and drives the periodic heartbeat
// (spec.md §4.4).
package servermanager

import (
	"log"
	"sync"
	"time"

	"github.com/ffdev-fr/lora-gateway/internal/connector"
	"github.com/ffdev-fr/lora-gateway/internal/nodemanager"
	"github.com/ffdev-fr/lora-gateway/internal/protocol"
)

// EventSink is an optional observer notified of terminal session outcomes
// and stat snapshots, for diagnostics streaming and persistence
// (internal/diag, internal/storage). Best-effort: the Server Manager never
// blocks on it.
type EventSink interface {
	SessionEvent(component string, sessionID uint64, devAddr uint32, event string, reason string)
	StatSnapshot(s protocol.Stats)
}

// NodeManager is the downward-facing collaborator: the Server Manager
// reports session outcomes and hands it server-initiated downlinks.
type NodeManager interface {
	SessionEvent(ev nodemanager.SessionEvent)
	ReceiveDownlink(transceiverID int, devAddr uint32, subtype nodemanager.DownlinkSubType, payload []byte) uint64
}

// Config configures the Server Manager's heartbeat cadence and the default
// transceiver a server-initiated downlink is scheduled against (the
// Protocol Engine's PULL_RESP carries no transceiver handle of its own).
type Config struct {
	HeartbeatInterval   time.Duration // main task's poll period; default 1s
	DownlinkTransceiver int
}

// DefaultConfig matches the Node Manager/Sender's 500ms-order polling cadence.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: time.Second}
}

type pendingUplink struct {
	upSessionID uint64
	startedAt   time.Time
	ackTimeout  time.Duration
}

// pendingDownlink remembers the PULL_RESP token a scheduled downlink must
// be acknowledged against, once the Realtime Sender reports its outcome.
type pendingDownlink struct {
	token uint16
}

// ServerManager implements spec.md §4.4.
type ServerManager struct {
	cfg    Config
	engine *protocol.Engine
	conn   connector.Connector
	nm     NodeManager
	sink   EventSink

	mu        sync.Mutex
	pending   map[uint16]pendingUplink
	nextLocal uint16

	downlinks map[uint64]pendingDownlink

	uplinks chan nodemanager.UplinkDescriptor

	forceHeartbeat chan struct{}

	stop chan struct{}
	wg   sync.WaitGroup

	now func() time.Time
}

// New constructs a Server Manager bound to a Protocol Engine instance and a
// Connector; Attach must be called before Start to wire the Node Manager.
func New(cfg Config, engine *protocol.Engine, conn connector.Connector) *ServerManager {
	return &ServerManager{
		cfg:            cfg,
		engine:         engine,
		conn:           conn,
		pending:        make(map[uint16]pendingUplink),
		downlinks:      make(map[uint64]pendingDownlink),
		uplinks:        make(chan nodemanager.UplinkDescriptor, 64),
		forceHeartbeat: make(chan struct{}, 1),
		stop:           make(chan struct{}),
		now:            time.Now,
	}
}

// Attach records the Node Manager as the downward collaborator.
func (sm *ServerManager) Attach(nm NodeManager) {
	sm.mu.Lock()
	sm.nm = nm
	sm.mu.Unlock()
}

// AttachSink records an optional diagnostics/persistence observer.
func (sm *ServerManager) AttachSink(sink EventSink) {
	sm.mu.Lock()
	sm.sink = sink
	sm.mu.Unlock()
}

// ForwardUplink implements nodemanager.Forwarder: it enqueues the uplink
// descriptor onto the node-event task (spec.md §4.4's "node task").
func (sm *ServerManager) ForwardUplink(desc nodemanager.UplinkDescriptor) {
	select {
	case sm.uplinks <- desc:
	default:
		log.Printf("servermanager: uplink queue full, dropping session %d", desc.SessionID)
		sm.nm.SessionEvent(nodemanager.SessionEvent{Kind: nodemanager.UplinkRejected, UplinkSessionID: desc.SessionID})
	}
}

// DownlinkOutcome implements nodemanager.Forwarder: it reports the terminal
// outcome of a server-initiated downlink back to the Network Server as a
// TX_ACK, echoing the token of the PULL_RESP it acknowledges.
func (sm *ServerManager) DownlinkOutcome(sessionID uint64, reason string) {
	sm.mu.Lock()
	p, ok := sm.downlinks[sessionID]
	delete(sm.downlinks, sessionID)
	sm.mu.Unlock()
	if !ok {
		return
	}

	body, err := protocol.EncodeTxAck(reason)
	if err != nil {
		log.Printf("servermanager: tx_ack encode failed for session %d: %v", sessionID, err)
		return
	}
	buf := make([]byte, 4+len(body))
	protocol.EncodeHeader(buf, p.token, protocol.TxAck)
	copy(buf[4:], body)

	if err := sm.conn.Send(buf); err != nil {
		log.Printf("servermanager: tx_ack send failed for session %d: %v", sessionID, err)
	}
}

// ForceHeartbeat requests an immediate stat push regardless of the
// configured period. Called from the diagnostics server's inbound
// "force_heartbeat" command (internal/diag), resolving spec.md §9's
// force_heartbeat open question.
func (sm *ServerManager) ForceHeartbeat() {
	select {
	case sm.forceHeartbeat <- struct{}{}:
	default:
	}
}

// Stats exposes the Protocol Engine's running counters for diagnostics/cloud
// reporting.
func (sm *ServerManager) Stats() protocol.Stats {
	return sm.engine.Stats()
}

// Initialize attaches the Connector (spec.md §4.4's initialize).
func (sm *ServerManager) Initialize() error {
	return sm.conn.Attach()
}

// Start launches the three cooperating tasks: main (heartbeat), node
// (uplink pump), connector (server-reply pump).
func (sm *ServerManager) Start() error {
	if err := sm.conn.Start(); err != nil {
		return err
	}
	sm.wg.Add(3)
	go sm.mainTask()
	go sm.nodeTask()
	go sm.connectorTask()
	return nil
}

// Stop joins all three tasks and stops the Connector.
func (sm *ServerManager) Stop() error {
	close(sm.stop)
	sm.wg.Wait()
	return sm.conn.Stop()
}

func (sm *ServerManager) mainTask() {
	defer sm.wg.Done()
	ticker := time.NewTicker(sm.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.stop:
			return
		case <-sm.forceHeartbeat:
			sm.heartbeat(true)
		case <-ticker.C:
			sm.heartbeat(false)
			sm.sweepExpired()
		}
	}
}

func (sm *ServerManager) heartbeat(force bool) {
	local := sm.allocLocal(0)
	res, ok, err := sm.engine.BuildUplink(local, protocol.Heartbeat, nil, force, sm.now())
	if err != nil {
		sm.releaseLocal(local)
		log.Printf("servermanager: heartbeat build failed: %v", err)
		return
	}
	if !ok {
		sm.releaseLocal(local)
		return
	}
	if err := sm.conn.Send(res.Data); err != nil {
		sm.releaseLocal(local)
		sm.engine.ProcessSessionEvent(res.ProtocolMsgID, protocol.SendFailed, sm.now())
		log.Printf("servermanager: heartbeat send failed: %v", err)
		return
	}
	sm.engine.ProcessSessionEvent(res.ProtocolMsgID, protocol.Sent, sm.now())

	if sm.sink != nil {
		sm.sink.StatSnapshot(sm.engine.Stats())
	}
}

// nodeTask consumes uplink descriptors the Node Manager forwarded and pumps
// each through the Protocol Engine and the active Connector.
func (sm *ServerManager) nodeTask() {
	defer sm.wg.Done()
	for {
		select {
		case <-sm.stop:
			return
		case desc := <-sm.uplinks:
			sm.handleUplink(desc)
		}
	}
}

func (sm *ServerManager) handleUplink(desc nodemanager.UplinkDescriptor) {
	local := sm.allocLocal(desc.SessionID)

	rxpk := protocol.RXPK{
		Time: protocol.FormatRXTime(desc.RxInfo.Timestamp),
		Freq: desc.RxInfo.FreqMHz,
		Modu: "LORA",
		Datr: desc.RxInfo.DataRate,
		Codr: desc.RxInfo.CodingRate,
		Lsnr: protocol.OneDecimal(desc.RxInfo.SNR),
		RSSI: desc.RxInfo.RSSI,
		Size: uint(len(desc.Payload)),
		Data: protocol.EncodeBase64(desc.Payload),
	}

	res, ok, err := sm.engine.BuildUplink(local, protocol.LoRaData, &rxpk, false, sm.now())
	if err != nil || !ok {
		sm.releaseLocal(local)
		log.Printf("servermanager: uplink build failed for session %d: %v", desc.SessionID, err)
		sm.nm.SessionEvent(nodemanager.SessionEvent{Kind: nodemanager.UplinkRejected, UplinkSessionID: desc.SessionID})
		return
	}

	sm.nm.SessionEvent(nodemanager.SessionEvent{Kind: nodemanager.UplinkAccepted, UplinkSessionID: desc.SessionID})

	if err := sm.conn.Send(res.Data); err != nil {
		sm.releaseLocal(local)
		sm.engine.ProcessSessionEvent(res.ProtocolMsgID, protocol.SendFailed, sm.now())
		sm.nm.SessionEvent(nodemanager.SessionEvent{Kind: nodemanager.UplinkFailedEvent, UplinkSessionID: desc.SessionID})
		return
	}

	sm.engine.ProcessSessionEvent(res.ProtocolMsgID, protocol.Sent, sm.now())
	sm.nm.SessionEvent(nodemanager.SessionEvent{Kind: nodemanager.UplinkProgressing, UplinkSessionID: desc.SessionID})

	if sm.sink != nil {
		sm.sink.SessionEvent("uplink", desc.SessionID, desc.DevAddr, "progressing", "")
	}
}

// connectorTask consumes datagrams from the Connector's event channel.
func (sm *ServerManager) connectorTask() {
	defer sm.wg.Done()
	for {
		select {
		case <-sm.stop:
			return
		case ev, ok := <-sm.conn.Events():
			if !ok {
				return
			}
			sm.handleServerMessage(ev.Payload)
		}
	}
}

func (sm *ServerManager) handleServerMessage(buf []byte) {
	result := sm.engine.ProcessServerMessage(buf, sm.now())

	switch result.Code {
	case protocol.UplinkTerminated:
		local := uint16(result.ProtocolMsgID >> 16)
		sm.mu.Lock()
		p, ok := sm.pending[local]
		delete(sm.pending, local)
		sm.mu.Unlock()
		if ok && p.upSessionID != 0 {
			sm.nm.SessionEvent(nodemanager.SessionEvent{Kind: nodemanager.UplinkSentEvent, UplinkSessionID: p.upSessionID})
			if sm.sink != nil {
				sm.sink.SessionEvent("uplink", p.upSessionID, 0, "sent", "")
			}
		}

	case protocol.DownlinkReceived:
		devAddr := parseDevAddr(result.Payload)
		downID := sm.nm.ReceiveDownlink(sm.cfg.DownlinkTransceiver, devAddr, nodemanager.DownlinkData, result.Payload)

		if h, err := protocol.DecodeHeader(buf); err == nil {
			sm.mu.Lock()
			sm.downlinks[downID] = pendingDownlink{token: h.Token}
			sm.mu.Unlock()
		}

		if sm.sink != nil {
			sm.sink.SessionEvent("downlink", downID, devAddr, "received", "")
		}

	case protocol.ErrTransaction, protocol.ErrMessage:
		log.Printf("servermanager: server message rejected: %v", result.Code)
	}
}

func parseDevAddr(payload []byte) uint32 {
	if len(payload) < 5 {
		return 0
	}
	return uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16 | uint32(payload[4])<<24
}

func (sm *ServerManager) allocLocal(upSessionID uint64) uint16 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.nextLocal++
	if sm.nextLocal == 0 {
		sm.nextLocal = 1
	}
	sm.pending[sm.nextLocal] = pendingUplink{upSessionID: upSessionID, startedAt: sm.now(), ackTimeout: nodemanager.AckTimeout()}
	return sm.nextLocal
}

func (sm *ServerManager) releaseLocal(local uint16) {
	sm.mu.Lock()
	delete(sm.pending, local)
	sm.mu.Unlock()
}

// sweepExpired cancels any pending uplink transaction whose
// nodemanager.AckTimeout has elapsed without a reply, per spec.md §9's
// "Protocol transactions do not self-cancel on ACK timeout" resolution —
// the Server Manager is the layer that knows how long a transaction has
// been outstanding and calls process_session_event(canceled).
func (sm *ServerManager) sweepExpired() {
	now := sm.now()

	sm.mu.Lock()
	var expired []uint16
	for local, p := range sm.pending {
		if now.Sub(p.startedAt) > p.ackTimeout {
			expired = append(expired, local)
		}
	}
	sm.mu.Unlock()

	for _, local := range expired {
		sm.engine.ProcessSessionEvent(uint32(local)<<16, protocol.Canceled, now)
		if sm.sink != nil {
			sm.mu.Lock()
			p := sm.pending[local]
			sm.mu.Unlock()
			sm.sink.SessionEvent("uplink", p.upSessionID, 0, "canceled", "ack timeout")
		}
		sm.releaseLocal(local)
	}
}
