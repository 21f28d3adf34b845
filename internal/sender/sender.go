// Package sender implements the Realtime Sender: a just-in-time downlink
// scheduler that fires frames inside the narrow Class-A RX1/RX2 receive
// windows opened after each uplink.
package sender

import (
	"sync"
	"time"

	"github.com/ffdev-fr/lora-gateway/internal/transceiver"
)

// Numeric constants (ms), spec.md §4.2.
const (
	ClassAReceiveDelay1 = 1000 * time.Millisecond
	ClassAReceiveDelay2 = 2000 * time.Millisecond
	RxWindowLength      = 900 * time.Millisecond // (delay2-delay1) * 90%
	GatewayTxDelay      = 100 * time.Millisecond

	pollInterval  = 500 * time.Millisecond
	drainInterval = 10 * time.Millisecond
)

// DeviceClass is the LoRaWAN device class; only Class A is supported.
type DeviceClass int

const (
	ClassA DeviceClass = iota
	ClassC             // rejected: not supported
)

// Result mirrors the Semtech TX_ACK reason vocabulary (spec.md §4.2).
type Result int

const (
	ResultNone Result = iota
	ResultTooLate
	ResultTooEarly
	ResultCollisionPacket
	ResultCollisionBeacon
	ResultTxFreq
	ResultTxPower
	ResultGPSUnlocked
)

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "NONE"
	case ResultTooLate:
		return "TOO_LATE"
	case ResultTooEarly:
		return "TOO_EARLY"
	case ResultCollisionPacket:
		return "COLLISION_PACKET"
	case ResultCollisionBeacon:
		return "COLLISION_BEACON"
	case ResultTxFreq:
		return "TX_FREQ"
	case ResultTxPower:
		return "TX_POWER"
	case ResultGPSUnlocked:
		return "GPS_UNLOCKED"
	default:
		return "UNKNOWN"
	}
}

// nodeReceiveWindow is a NodeReceiveWindow (spec.md §3).
type nodeReceiveWindow struct {
	devAddr       uint32
	class         DeviceClass
	transceiverID int
	rx1           time.Time
	rx2           time.Time
}

func (w nodeReceiveWindow) horizon() time.Time {
	return w.rx2.Add(RxWindowLength)
}

// queuedPacket is a RealtimeLoraPacket (spec.md §3).
type queuedPacket struct {
	ready              bool
	transceiverID      int
	downlinkSessionID  uint64
	asap               bool
	sendAt             time.Time
	payload            []byte
}

// Callbacks the Sender emits up to the Node Manager.
type Callbacks struct {
	OnScheduled func(downlinkSessionID uint64)
	OnSending   func(downlinkSessionID uint64)
	OnFailed    func(downlinkSessionID uint64, reason Result)
}

// Sender implements the Realtime Sender's two bounded pools, one task, and
// the scheduling algorithm of spec.md §4.2.
type Sender struct {
	maxNodes int

	mu      sync.Mutex
	windows []nodeReceiveWindow
	queue   []queuedPacket

	signal chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	transceivers map[int]transceiver.Transceiver
	callbacks    Callbacks

	now func() time.Time // overridable for tests
}

// New creates a Sender sized for maxNodes concurrent RX windows/packets.
func New(maxNodes int, transceivers map[int]transceiver.Transceiver, cb Callbacks) *Sender {
	return &Sender{
		maxNodes:     maxNodes,
		transceivers: transceivers,
		callbacks:    cb,
		signal:       make(chan struct{}, maxNodes),
		stop:         make(chan struct{}),
		now:          time.Now,
	}
}

// Start launches the sender task.
func (s *Sender) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the sender task and waits for it to exit.
func (s *Sender) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// RegisterNodeRxWindows implements spec.md §4.2's register_node_rx_windows.
func (s *Sender) RegisterNodeRxWindows(class DeviceClass, devAddr uint32, transceiverID int, rxTimestamp time.Time) Result {
	if class != ClassA {
		return ResultTxFreq // Class C unsupported; no dedicated code in spec's vocabulary, closest "rejected" signal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.windows {
		w := &s.windows[i]
		if w.devAddr == devAddr && rxTimestamp.Before(w.horizon()) {
			return ResultCollisionPacket
		}
	}

	nw := nodeReceiveWindow{
		devAddr:       devAddr,
		class:         class,
		transceiverID: transceiverID,
		rx1:           rxTimestamp.Add(ClassAReceiveDelay1),
		rx2:           rxTimestamp.Add(ClassAReceiveDelay2),
	}
	// Reuse a slot belonging to the same DevAddr if its horizon already
	// elapsed (the loop above only rejects live collisions), else append
	// up to capacity.
	for i := range s.windows {
		if s.windows[i].devAddr == devAddr {
			s.windows[i] = nw
			return ResultNone
		}
	}
	if len(s.windows) >= s.maxNodes {
		return ResultCollisionPacket
	}
	s.windows = append(s.windows, nw)
	return ResultNone
}

// ScheduleSend implements spec.md §4.2's schedule_send.
func (s *Sender) ScheduleSend(devAddr uint32, downlinkSessionID uint64, payload []byte) Result {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var win *nodeReceiveWindow
	for i := range s.windows {
		if s.windows[i].devAddr == devAddr {
			win = &s.windows[i]
			break
		}
	}
	if win == nil {
		return ResultTooLate
	}

	if len(s.queue) >= s.maxNodes {
		return ResultCollisionPacket
	}

	rx1Deadline := win.rx1.Add(RxWindowLength).Add(-GatewayTxDelay)
	rx2Deadline := win.rx2.Add(RxWindowLength).Add(-GatewayTxDelay)

	var chosen time.Time
	switch {
	case now.Before(rx1Deadline):
		chosen = rx1Deadline
	case now.Before(rx2Deadline):
		chosen = rx2Deadline
	default:
		return ResultTooLate
	}

	s.queue = append(s.queue, queuedPacket{
		ready:             true,
		transceiverID:     win.transceiverID,
		downlinkSessionID: downlinkSessionID,
		asap:              true,
		sendAt:            chosen,
		payload:           payload,
	})

	if s.callbacks.OnScheduled != nil {
		s.callbacks.OnScheduled(downlinkSessionID)
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
	return ResultNone
}

func (s *Sender) run() {
	defer s.wg.Done()

	interval := pollInterval
	for {
		timer := time.NewTimer(interval)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-s.signal:
			timer.Stop()
			drained := s.dispatchNext()
			if drained {
				interval = drainInterval
			} else {
				interval = pollInterval
			}
		case <-timer.C:
			s.sweepExpiredWindows()
			interval = pollInterval
		}
	}
}

// dispatchNext picks the next packet per spec.md §4.2 step 2-4, sends it,
// and reports whether the queue still has ready work (drain mode).
func (s *Sender) dispatchNext() bool {
	now := s.now()

	s.mu.Lock()
	idx := -1
	var bestAsap time.Time
	var bestAbs time.Time
	absIdx := -1
	asapIdx := -1
	for i := range s.queue {
		p := &s.queue[i]
		if !p.ready {
			continue
		}
		if p.asap {
			if asapIdx == -1 || p.sendAt.Before(bestAsap) {
				asapIdx = i
				bestAsap = p.sendAt
			}
		} else {
			if p.sendAt.Sub(now) < GatewayTxDelay {
				if absIdx == -1 || p.sendAt.Before(bestAbs) {
					absIdx = i
					bestAbs = p.sendAt
				}
			}
		}
	}
	if absIdx != -1 {
		idx = absIdx
	} else {
		idx = asapIdx
	}
	if idx == -1 {
		s.mu.Unlock()
		return false
	}
	pkt := s.queue[idx]
	s.queue[idx].ready = false
	s.mu.Unlock()

	if !pkt.asap {
		wait := pkt.sendAt.Sub(s.now())
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.stop:
				timer.Stop()
			}
		}
	}

	tc, ok := s.transceivers[pkt.transceiverID]
	if !ok {
		s.fail(pkt.downlinkSessionID, ResultTxFreq)
	} else if err := tc.Send(transceiver.Packet{Payload: pkt.payload, Ref: pkt.downlinkSessionID}); err != nil {
		s.fail(pkt.downlinkSessionID, ResultTxPower)
	} else if s.callbacks.OnSending != nil {
		s.callbacks.OnSending(pkt.downlinkSessionID)
	}

	s.removeQueueEntry(idx)
	return s.hasReady()
}

func (s *Sender) fail(downlinkSessionID uint64, reason Result) {
	if s.callbacks.OnFailed != nil {
		s.callbacks.OnFailed(downlinkSessionID, reason)
	}
}

func (s *Sender) removeQueueEntry(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx < 0 || idx >= len(s.queue) {
		return
	}
	s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
}

func (s *Sender) hasReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.queue {
		if s.queue[i].ready {
			return true
		}
	}
	return false
}

func (s *Sender) sweepExpiredWindows() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.windows[:0]
	for _, w := range s.windows {
		if now.Before(w.horizon()) {
			kept = append(kept, w)
		}
	}
	s.windows = kept
}
