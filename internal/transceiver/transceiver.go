// Package transceiver defines the LoraTransceiver capability consumed by the
// Node Manager and Realtime Sender. The real SX1276/RAK2245 SPI driver is out
// of scope; this package defines the interface boundary plus a deterministic
// in-memory fake used by tests.
package transceiver

import "time"

// Params configures the radio's MAC/mode/power/channel settings. Zero values
// mean "use default", mirroring the reference's "statically defined unless
// overridden" configuration style.
type Params struct {
	PreambleLength  int
	SyncWord        byte
	ExplicitHeader  bool
	CRCEnabled      bool
	Bandwidth       int // Hz
	CodingRate      string
	SpreadingFactor int
	PowerLevel      int
	OCPRate         int
	FreqChannel     uint32 // Hz
}

// DefaultParams matches the reference firmware's built-in settings
// (CR 4/5, SF7, 125 kHz bandwidth, low power mode).
func DefaultParams() Params {
	return Params{
		CodingRate:      "4/5",
		SpreadingFactor: 7,
		Bandwidth:       125000,
	}
}

// RxInfo carries the radio metadata recorded alongside a received frame.
type RxInfo struct {
	Timestamp  time.Time
	FreqMHz    float64
	DataRate   string // e.g. "SF7BW125"
	CodingRate string // e.g. "4/5"
	SNR        float64
	RSSI       int
}

// Packet is a received or to-be-sent radio frame. Ref is an opaque
// correlation value the caller of Send may set; a conforming Transceiver
// echoes it back unchanged on the resulting PacketSent event, letting the
// caller match completion to the packet that was sent without relying on
// send order (multiple transceivers, or overlapping sends, may otherwise
// complete out of order).
type Packet struct {
	Payload []byte
	Info    RxInfo
	Ref     uint64
}

// EventKind distinguishes the two asynchronous events a Transceiver raises.
type EventKind int

const (
	// PacketReceived carries an inbound frame.
	PacketReceived EventKind = iota
	// PacketSent confirms an outbound frame was handed off to the radio.
	PacketSent
)

// Event is published on the channel returned by Events.
type Event struct {
	Kind   EventKind
	Packet Packet
}

// Transceiver is the capability the Node Manager and Realtime Sender consume.
// Implementations must publish events on a buffered channel and never block
// the caller of Send/Receive for longer than the underlying radio operation.
type Transceiver interface {
	Initialize(params Params) error
	Standby() error
	Receive() error
	Send(pkt Packet) error
	Events() <-chan Event
}

// Fake is a deterministic in-memory Transceiver for unit tests, mirroring the
// role the reference source's SX1276 driver plays in production but without
// any SPI/interrupt dependency.
type Fake struct {
	events chan Event
	sent   []Packet
}

// NewFake creates a Fake with a reasonably sized event buffer.
func NewFake() *Fake {
	return &Fake{events: make(chan Event, 64)}
}

func (f *Fake) Initialize(Params) error { return nil }
func (f *Fake) Standby() error          { return nil }
func (f *Fake) Receive() error          { return nil }

// Send records the packet and, like the real radio, asynchronously raises a
// PacketSent event once "transmission" completes.
func (f *Fake) Send(pkt Packet) error {
	f.sent = append(f.sent, pkt)
	f.events <- Event{Kind: PacketSent, Packet: pkt}
	return nil
}

func (f *Fake) Events() <-chan Event { return f.events }

// Deliver injects an inbound frame, simulating the radio's interrupt handler
// posting a PacketReceived event.
func (f *Fake) Deliver(pkt Packet) {
	f.events <- Event{Kind: PacketReceived, Packet: pkt}
}

// Sent returns every packet handed to Send, in order.
func (f *Fake) Sent() []Packet {
	return f.sent
}
