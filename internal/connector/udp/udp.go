// Package udp implements connector.Connector as a direct UDP datagram
// socket to the Network Server — the default transport for the Semtech
// packet-forwarder protocol.
package udp

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/ffdev-fr/lora-gateway/internal/connector"
)

// Config holds the Network Server endpoint.
type Config struct {
	ServerAddr string // "host:port", e.g. "router.eu.thethings.network:1700"
}

// Connector is a net.UDPConn-backed connector.Connector.
type Connector struct {
	cfg Config

	mu        sync.Mutex
	conn      *net.UDPConn
	connected bool

	events chan connector.Event
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a UDP connector for the given Network Server address.
func New(cfg Config) *Connector {
	return &Connector{
		cfg:    cfg,
		events: make(chan connector.Event, 64),
		stop:   make(chan struct{}),
	}
}

func (c *Connector) Attach() error { return nil }

func (c *Connector) Initialize(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", c.cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("udp: resolve %q: %w", c.cfg.ServerAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("udp: dial %q: %w", c.cfg.ServerAddr, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Connector) Start() error {
	c.wg.Add(1)
	go c.readLoop()
	return nil
}

func (c *Connector) Stop() error {
	close(c.stop)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Connector) Send(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("udp: not initialized")
	}
	_, err := conn.Write(payload)
	return err
}

func (c *Connector) Events() <-chan connector.Event { return c.events }

func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connector) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, 2048)
	for {
		select {
		case <-c.stop:
			return
		default:
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
				log.Printf("udp: read error: %v", err)
				continue
			}
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		select {
		case c.events <- connector.Event{Payload: payload}:
		case <-c.stop:
			return
		}
	}
}
