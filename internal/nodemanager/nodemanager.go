package nodemanager

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffdev-fr/lora-gateway/internal/sender"
	"github.com/ffdev-fr/lora-gateway/internal/transceiver"
)

// AutomatonState mirrors the administrative state machine of spec.md §4.1.
type AutomatonState int

const (
	StateCreated AutomatonState = iota
	StateInitialized
	StateIdle
	StateRunning
	StateStopping
	StateError
)

// Forwarder is the Server Manager's upward-facing collaborator: the Node
// Manager publishes a ready uplink descriptor and is later told, via
// SessionEvent, whether it was accepted/progressed/sent/failed. It is also
// told the outcome of a server-initiated downlink it dispatched, so the
// Server Manager can report it back to the Network Server as a TX_ACK.
type Forwarder interface {
	ForwardUplink(desc UplinkDescriptor)
	DownlinkOutcome(sessionID uint64, reason string)
}

// UplinkDescriptor is the payload handed across the single-slot forward
// exchange buffer to the Server Manager.
type UplinkDescriptor struct {
	SessionID uint64
	DevAddr   uint32
	FCnt      uint16
	MsgType   MessageType
	RxInfo    transceiver.RxInfo
	Payload   []byte
}

// Config configures the Node Manager's capacity and behavior.
type Config struct {
	MaxUpSessions   int
	MaxDownSessions int
	// AckUnconfirmed resolves spec.md §9's open question: the reference
	// source synthesizes an ACK downlink for both confirmed and
	// unconfirmed uplinks, flagged "WARNING: remove in final version".
	// Default false preserves only the well-defined confirmed-uplink path.
	AckUnconfirmed bool
}

// DefaultConfig matches Configuration.h's CONFIG_NODE_MAX_NUMBER-derived
// session capacities (3x/5x per transceiver in spec.md §6; here expressed
// directly since capacity is a flat configuration value).
func DefaultConfig() Config {
	return Config{MaxUpSessions: 60, MaxDownSessions: 100}
}

// NodeManager implements spec.md §4.1.
type NodeManager struct {
	cfg Config

	mu    sync.Mutex
	state AutomatonState

	transceivers map[int]transceiver.Transceiver
	forwarder    Forwarder
	sender       *sender.Sender

	upSessions   map[uint64]*UplinkSession
	downSessions map[uint64]*DownlinkSession
	nextUpID     uint64
	nextDownID   uint64
	missedUplink uint64

	exchange chan UplinkDescriptor

	sessionEvents chan SessionEvent
	stop          chan struct{}
	wg            sync.WaitGroup

	now func() time.Time
}

// New constructs a Node Manager bound to the given transceivers (keyed by a
// caller-chosen stable id) and realtime sender.
func New(cfg Config, transceivers map[int]transceiver.Transceiver, snd *sender.Sender) *NodeManager {
	return &NodeManager{
		cfg:           cfg,
		state:         StateCreated,
		transceivers:  transceivers,
		sender:        snd,
		upSessions:    make(map[uint64]*UplinkSession),
		downSessions:  make(map[uint64]*DownlinkSession),
		exchange:      make(chan UplinkDescriptor, 1),
		sessionEvents: make(chan SessionEvent, 256),
		stop:          make(chan struct{}),
		now:           time.Now,
	}
}

// Initialize configures bound transceivers (spec.md §4.1). The sender's
// callbacks are not wired here: they are supplied when the Sender is
// constructed with sender.New.
func (nm *NodeManager) Initialize(params transceiver.Params) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.state != StateCreated && nm.state != StateError {
		return fmt.Errorf("nodemanager: initialize not allowed from state %v", nm.state)
	}
	for id, tc := range nm.transceivers {
		if err := tc.Initialize(params); err != nil {
			nm.state = StateError
			return fmt.Errorf("nodemanager: transceiver %d init failed: %w", id, err)
		}
	}
	nm.state = StateInitialized
	return nil
}

// Attach records the Server Manager as the forwarder of new uplink frames.
func (nm *NodeManager) Attach(fwd Forwarder) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if nm.state != StateCreated && nm.state != StateInitialized {
		return fmt.Errorf("nodemanager: attach not allowed from state %v", nm.state)
	}
	nm.forwarder = fwd
	if nm.state == StateInitialized {
		nm.state = StateIdle
	}
	return nil
}

// Start switches every transceiver to continuous receive, starts the
// Realtime Sender, and launches two worker tasks: the session-manager task
// and the transceiver task. There is no separate server task; the Server
// Manager hands over downlinks by calling ReceiveDownlink directly.
func (nm *NodeManager) Start() error {
	nm.mu.Lock()
	if nm.state != StateIdle {
		nm.mu.Unlock()
		return fmt.Errorf("nodemanager: start not allowed from state %v", nm.state)
	}
	nm.state = StateRunning
	nm.mu.Unlock()

	for id, tc := range nm.transceivers {
		if err := tc.Receive(); err != nil {
			log.Printf("nodemanager: transceiver %d receive() failed: %v", id, err)
		}
	}
	nm.sender.Start()

	nm.wg.Add(2)
	go nm.sessionManagerTask()
	go nm.transceiverTask()
	return nil
}

// Stop transitions to stopping and joins the worker tasks.
func (nm *NodeManager) Stop() error {
	nm.mu.Lock()
	if nm.state != StateRunning {
		nm.mu.Unlock()
		return fmt.Errorf("nodemanager: stop not allowed from state %v", nm.state)
	}
	nm.state = StateStopping
	nm.mu.Unlock()

	close(nm.stop)
	nm.wg.Wait()
	nm.sender.Stop()

	nm.mu.Lock()
	nm.state = StateIdle
	nm.mu.Unlock()
	return nil
}

// SessionEvent is the thread-safe asynchronous inbound notification entry
// point (spec.md §4.1). Safe to call from any goroutine.
func (nm *NodeManager) SessionEvent(ev SessionEvent) {
	select {
	case nm.sessionEvents <- ev:
	default:
		log.Printf("nodemanager: session event queue full, dropping %v", ev.Kind)
	}
}

// MissedUplinks returns the count of uplinks dropped due to capacity
// exhaustion or a stalled forward exchange buffer.
func (nm *NodeManager) MissedUplinks() uint64 {
	return atomic.LoadUint64(&nm.missedUplink)
}

// sessionManagerTask is the sole owner of session state (spec.md §4.1,
// §5 "Ordering guarantees").
func (nm *NodeManager) sessionManagerTask() {
	defer nm.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-nm.stop:
			return
		case ev := <-nm.sessionEvents:
			nm.handleSessionEvent(ev)
		case <-ticker.C:
			nm.sweep()
		}
	}
}

// transceiverTask consumes packet-received/packet-sent events from every
// bound transceiver (fan-in).
func (nm *NodeManager) transceiverTask() {
	defer nm.wg.Done()

	cases := make([]transceiver.Transceiver, 0, len(nm.transceivers))
	ids := make([]int, 0, len(nm.transceivers))
	for id, tc := range nm.transceivers {
		cases = append(cases, tc)
		ids = append(ids, id)
	}

	var wg sync.WaitGroup
	for i := range cases {
		wg.Add(1)
		go func(id int, tc transceiver.Transceiver) {
			defer wg.Done()
			for {
				select {
				case <-nm.stop:
					return
				case ev, ok := <-tc.Events():
					if !ok {
						return
					}
					nm.handleTransceiverEvent(id, ev)
				}
			}
		}(ids[i], cases[i])
	}
	wg.Wait()
}

// handleTransceiverEvent implements the uplink reception algorithm
// (spec.md §4.1) for packet-received, and routes packet-sent into a
// downlink-sent session event for the owning DownlinkSession.
func (nm *NodeManager) handleTransceiverEvent(transceiverID int, ev transceiver.Event) {
	switch ev.Kind {
	case transceiver.PacketReceived:
		nm.receiveUplink(transceiverID, ev.Packet)
	case transceiver.PacketSent:
		nm.SessionEvent(SessionEvent{Kind: DownlinkSentEvent, DownlinkSessionID: ev.Packet.Ref, Reason: "packet-sent"})
	}
}

func (nm *NodeManager) receiveUplink(transceiverID int, pkt transceiver.Packet) {
	nm.mu.Lock()
	running := nm.state == StateRunning
	nm.mu.Unlock()
	if !running {
		return // release radio slot and drop
	}

	if len(pkt.Payload) < 5 {
		return // malformed frame, not enough for MHDR+DevAddr+FCnt
	}

	mhdr := pkt.Payload[0]
	msgType := DecodeMessageType(mhdr)
	devAddr := uint32(pkt.Payload[1]) | uint32(pkt.Payload[2])<<8 | uint32(pkt.Payload[3])<<16 | uint32(pkt.Payload[4])<<24
	var fcnt uint16
	if len(pkt.Payload) >= 7 {
		fcnt = uint16(pkt.Payload[5]) | uint16(pkt.Payload[6])<<8
	}

	id := atomic.AddUint64(&nm.nextUpID, 1)
	session := &UplinkSession{
		ID:            id,
		TransceiverID: transceiverID,
		DevAddr:       devAddr,
		FCnt:          fcnt,
		MHDR:          mhdr,
		MsgType:       msgType,
		ReceiveTime:   nm.now(),
		RxInfo:        pkt.Info,
		State:         UplinkCreated,
		Payload:       pkt.Payload,
		Confirmed:     msgType == ConfirmedUplink,
	}

	nm.mu.Lock()
	if len(nm.upSessions) >= nm.cfg.MaxUpSessions {
		nm.mu.Unlock()
		atomic.AddUint64(&nm.missedUplink, 1)
		log.Printf("nodemanager: uplink session pool exhausted, dropping frame from %08X", devAddr)
		return
	}
	nm.upSessions[id] = session
	nm.mu.Unlock()

	desc := UplinkDescriptor{
		SessionID: id,
		DevAddr:   devAddr,
		FCnt:      fcnt,
		MsgType:   msgType,
		RxInfo:    pkt.Info,
		Payload:   pkt.Payload,
	}

	select {
	case nm.exchange <- desc:
	default:
		time.Sleep(50 * time.Millisecond)
		select {
		case nm.exchange <- desc:
		default:
			atomic.AddUint64(&nm.missedUplink, 1)
			nm.mu.Lock()
			delete(nm.upSessions, id)
			nm.mu.Unlock()
			log.Printf("nodemanager: forward exchange buffer occupied, dropping uplink %d", id)
			return
		}
	}

	nm.mu.Lock()
	session.State = UplinkSendingUplink
	nm.mu.Unlock()

	if nm.forwarder != nil {
		go nm.forwarder.ForwardUplink(desc)
	}

	class := sender.ClassA
	res := nm.sender.RegisterNodeRxWindows(class, devAddr, transceiverID, session.ReceiveTime)
	if res != sender.ResultNone {
		log.Printf("nodemanager: RX window registration rejected for %08X: %v", devAddr, res)
	}
}

func (nm *NodeManager) handleSessionEvent(ev SessionEvent) {
	switch ev.Kind {
	case UplinkAccepted:
		select {
		case <-nm.exchange:
		default:
		}

	case UplinkRejected:
		select {
		case <-nm.exchange:
		default:
		}
		nm.releaseUplink(ev.UplinkSessionID)

	case UplinkProgressing:
		nm.mu.Lock()
		if s, ok := nm.upSessions[ev.UplinkSessionID]; ok {
			s.State = UplinkProgressingUplink
			s.Payload = nil // packet slot released, payload no longer needed
		}
		nm.mu.Unlock()

	case UplinkSentEvent:
		nm.mu.Lock()
		s, ok := nm.upSessions[ev.UplinkSessionID]
		if ok {
			s.State = UplinkSent
		}
		nm.mu.Unlock()
		if ok && (s.Confirmed || nm.cfg.AckUnconfirmed) {
			nm.synthesizeAck(s)
		}

	case UplinkFailedEvent:
		nm.mu.Lock()
		if s, ok := nm.upSessions[ev.UplinkSessionID]; ok {
			s.State = UplinkFailed
		}
		nm.mu.Unlock()

	case DownlinkScheduledEvent:
		nm.mu.Lock()
		if s, ok := nm.downSessions[ev.DownlinkSessionID]; ok {
			s.State = DownlinkScheduled
		}
		nm.mu.Unlock()

	case DownlinkSendingEvent:
		nm.mu.Lock()
		if s, ok := nm.downSessions[ev.DownlinkSessionID]; ok {
			s.State = DownlinkSending
		}
		nm.mu.Unlock()

	case DownlinkSentEvent:
		nm.mu.Lock()
		if s, ok := nm.downSessions[ev.DownlinkSessionID]; ok {
			s.State = DownlinkSent
		}
		nm.mu.Unlock()
		if nm.forwarder != nil {
			go nm.forwarder.DownlinkOutcome(ev.DownlinkSessionID, "NONE")
		}

	case DownlinkFailedEvent:
		nm.mu.Lock()
		if s, ok := nm.downSessions[ev.DownlinkSessionID]; ok {
			s.State = DownlinkFailed
		}
		nm.mu.Unlock()
		if nm.forwarder != nil {
			go nm.forwarder.DownlinkOutcome(ev.DownlinkSessionID, ev.Reason)
		}
	}
}

// synthesizeAck implements spec.md §4.1's uplink-sent handling: build a
// 10-byte LoRaWAN ACK frame (MHDR, DevAddr LE, FCtrl=0x10, FCnt LE) and
// drive it through the downlink-receive path.
func (nm *NodeManager) synthesizeAck(up *UplinkSession) {
	ack := make([]byte, 10)
	ack[0] = up.MHDR
	ack[1] = byte(up.DevAddr)
	ack[2] = byte(up.DevAddr >> 8)
	ack[3] = byte(up.DevAddr >> 16)
	ack[4] = byte(up.DevAddr >> 24)
	ack[5] = 0x10 // FCtrl ACK bit
	ack[6] = byte(up.FCnt)
	ack[7] = byte(up.FCnt >> 8)
	// bytes 8-9 reserved/zero

	nm.ReceiveDownlink(up.TransceiverID, up.DevAddr, DownlinkAck, ack)
}

// ReceiveDownlink implements spec.md §4.1's downlink-receive path, invoked
// for both server-initiated and self-generated ACK frames.
func (nm *NodeManager) ReceiveDownlink(transceiverID int, devAddr uint32, subtype DownlinkSubType, payload []byte) uint64 {
	nm.mu.Lock()
	if len(nm.downSessions) >= nm.cfg.MaxDownSessions {
		nm.mu.Unlock()
		log.Printf("nodemanager: downlink session pool exhausted")
		return 0
	}
	id := atomic.AddUint64(&nm.nextDownID, 1)
	session := &DownlinkSession{
		ID:            id,
		TransceiverID: transceiverID,
		DevAddr:       devAddr,
		SubType:       subtype,
		State:         DownlinkScheduling,
		Payload:       payload,
	}
	nm.downSessions[id] = session
	nm.mu.Unlock()

	res := nm.sender.ScheduleSend(devAddr, id, payload)
	if res != sender.ResultNone {
		nm.SessionEvent(SessionEvent{Kind: DownlinkFailedEvent, DownlinkSessionID: id, Reason: res.String()})
	}
	return id
}

func (nm *NodeManager) releaseUplink(id uint64) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	delete(nm.upSessions, id)
}

// sweep implements spec.md §4.1's "Session sweep rules (Class A)".
func (nm *NodeManager) sweep() {
	now := nm.now()
	nm.mu.Lock()
	defer nm.mu.Unlock()

	for id, s := range nm.upSessions {
		switch {
		case s.State == UplinkSent || s.State == UplinkFailed:
			delete(nm.upSessions, id)
		case now.After(s.Horizon()) && s.State == UplinkProgressingUplink && !s.Confirmed:
			delete(nm.upSessions, id)
		case now.After(s.Horizon()) && s.State == UplinkProgressingUplink && s.Confirmed:
			log.Printf("nodemanager: confirmed uplink %d window expired without downlink reaching sent", id)
		}
	}

	for id, s := range nm.downSessions {
		if s.State == DownlinkSent || s.State == DownlinkFailed {
			delete(nm.downSessions, id)
		}
	}
}

// AckTimeout returns a uniformly random duration in [AckTimeoutMin,
// AckTimeoutMax], matching spec.md §4.1's ACK_TIMEOUT. The Server Manager
// uses this to decide when to cancel a protocol transaction whose receive
// window has closed without a reply.
func AckTimeout() time.Duration {
	span := AckTimeoutMax - AckTimeoutMin
	return AckTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}
