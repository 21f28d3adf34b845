// Package connector defines the ServerConnector transport boundary between
// the Server Manager and the Network Server, plus the concrete UDP and
// ZeroMQ implementations in its udp and zmq subpackages.
package connector

import "context"

// Event is a datagram received from the Network Server.
type Event struct {
	Payload []byte
}

// Connector is the transport the Server Manager sends framed Semtech
// datagrams through and receives replies from (spec.md §6's
// "Server-connector interface").
type Connector interface {
	Attach() error
	Initialize(ctx context.Context) error
	Start() error
	Stop() error
	Send(payload []byte) error
	Events() <-chan Event
	Connected() bool
}
