// Package rak2245 implements transceiver.Transceiver for the RAK2245 Pi HAT,
// whose SX1301 concentrator chip communicates over SPI: stub init/shutdown
// hooks and receive/transmit goroutines producing transceiver.Packet events.
package rak2245

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ffdev-fr/lora-gateway/internal/transceiver"
)

// Radio is the RAK2245/SX1301 Transceiver implementation. The hardware
// hooks are stubs: production use replaces initHardware/shutdownHardware/
// receivePacket/transmitPacket with libloragw CGO calls.
type Radio struct {
	params transceiver.Params

	mu      sync.Mutex
	running bool

	events   chan transceiver.Event
	txChan   chan transceiver.Packet
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a RAK2245 radio transceiver.
func New() *Radio {
	return &Radio{
		events:   make(chan transceiver.Event, 100),
		txChan:   make(chan transceiver.Packet, 100),
		stopChan: make(chan struct{}),
	}
}

// Initialize stores the radio parameters and brings up the SX1301.
func (r *Radio) Initialize(params transceiver.Params) error {
	r.mu.Lock()
	r.params = params
	r.mu.Unlock()
	return r.initHardware()
}

// Standby starts the receive/transmit goroutines without transmitting.
func (r *Radio) Standby() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(2)
	go r.receiveLoop()
	go r.transmitLoop()
	return nil
}

// Receive is a no-op beyond Standby: the SX1301 concentrator free-runs its
// receive path once initialized, there is no separate "arm RX" step.
func (r *Radio) Receive() error {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return r.Standby()
	}
	return nil
}

// Send queues a packet for transmission.
func (r *Radio) Send(pkt transceiver.Packet) error {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		return fmt.Errorf("rak2245: not running")
	}
	select {
	case r.txChan <- pkt:
		return nil
	default:
		return fmt.Errorf("rak2245: transmit queue full")
	}
}

// Events returns the channel of received packets.
func (r *Radio) Events() <-chan transceiver.Event { return r.events }

// Stop halts both goroutines and shuts down the hardware.
func (r *Radio) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	return r.shutdownHardware()
}

// initHardware brings up the SX1301 concentrator: reset via GPIO, load
// concentrator firmware, configure radio parameters, start.
func (r *Radio) initHardware() error {
	log.Printf("rak2245: initializing (stub): bw=%d sf=%d cr=%s",
		r.params.Bandwidth, r.params.SpreadingFactor, r.params.CodingRate)
	// TODO: replace with libloragw CGO calls (lgw_board_setconf,
	// lgw_rxrf_setconf, lgw_rxif_setconf, lgw_txgain_setconf, lgw_start).
	return nil
}

func (r *Radio) shutdownHardware() error {
	log.Println("rak2245: shutting down (stub)")
	return nil
}

func (r *Radio) receiveLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopChan:
			return
		default:
			pkt, ok, err := r.receivePacket()
			if err != nil {
				log.Printf("rak2245: receive error: %v", err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if !ok {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			select {
			case r.events <- transceiver.Event{Kind: transceiver.PacketReceived, Packet: pkt}:
			default:
				log.Println("rak2245: receive queue full, dropping packet")
			}
		}
	}
}

func (r *Radio) transmitLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopChan:
			return
		case pkt := <-r.txChan:
			if err := r.transmitPacket(pkt); err != nil {
				log.Printf("rak2245: transmit failed: %v", err)
				continue
			}
			select {
			case r.events <- transceiver.Event{Kind: transceiver.PacketSent, Packet: pkt}:
			default:
				log.Println("rak2245: event queue full, dropping packet-sent notification")
			}
		}
	}
}

// receivePacket polls the concentrator for a packet. Stubbed: production
// use calls lgw_receive().
func (r *Radio) receivePacket() (transceiver.Packet, bool, error) {
	return transceiver.Packet{}, false, nil
}

// transmitPacket hands a packet to the concentrator. Stubbed: production
// use builds a lgw_pkt_tx_s and calls lgw_send().
func (r *Radio) transmitPacket(pkt transceiver.Packet) error {
	log.Printf("rak2245: TX %d bytes", len(pkt.Payload))
	return nil
}
