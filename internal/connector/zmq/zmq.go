// Package zmq implements connector.Connector over a ZeroMQ SUB/REQ pair,
// for gateways fronted by a local packet broker instead of dialing the
// Network Server directly over UDP.
package zmq

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/ffdev-fr/lora-gateway/internal/connector"
)

// Config holds the local broker's event (SUB) and command (REQ) endpoints.
type Config struct {
	EventURL   string // e.g. "ipc:///tmp/lora_gateway_event"
	CommandURL string // e.g. "ipc:///tmp/lora_gateway_command"
}

// Connector is a ZeroMQ-backed connector.Connector. Datagrams pushed to
// Send are framed as a single ZMQ message sent over the REQ socket;
// datagrams received on the SUB socket are republished as connector.Events,
// carrying the identical Semtech-encoded bytes the UDP connector would.
type Connector struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	connected bool

	events chan connector.Event
	wg     sync.WaitGroup
}

// New creates a ZeroMQ connector for the given broker endpoints.
func New(cfg Config) *Connector {
	return &Connector{
		cfg:    cfg,
		events: make(chan connector.Event, 64),
	}
}

func (c *Connector) Attach() error { return nil }

func (c *Connector) Initialize(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.eventSock = zmq4.NewSub(c.ctx)
	if err := c.eventSock.Dial(c.cfg.EventURL); err != nil {
		return fmt.Errorf("zmq: dial event socket %q: %w", c.cfg.EventURL, err)
	}
	if err := c.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		return fmt.Errorf("zmq: subscribe: %w", err)
	}

	c.cmdSock = zmq4.NewReq(c.ctx)
	if err := c.cmdSock.Dial(c.cfg.CommandURL); err != nil {
		c.eventSock.Close()
		return fmt.Errorf("zmq: dial command socket %q: %w", c.cfg.CommandURL, err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Connector) Start() error {
	c.wg.Add(1)
	go c.eventLoop()
	return nil
}

func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.mu.Lock()
	if c.eventSock != nil {
		c.eventSock.Close()
	}
	if c.cmdSock != nil {
		c.cmdSock.Close()
	}
	c.connected = false
	c.mu.Unlock()
	return nil
}

// Send publishes a framed Semtech datagram to the broker over the REQ
// socket and waits for the reply.
func (c *Connector) Send(payload []byte) error {
	c.mu.Lock()
	sock := c.cmdSock
	c.mu.Unlock()
	if sock == nil {
		return fmt.Errorf("zmq: not initialized")
	}
	if err := sock.Send(zmq4.NewMsg(payload)); err != nil {
		return fmt.Errorf("zmq: send: %w", err)
	}
	if _, err := sock.Recv(); err != nil {
		return fmt.Errorf("zmq: command reply: %w", err)
	}
	return nil
}

func (c *Connector) Events() <-chan connector.Event { return c.events }

func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connector) eventLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		msg, err := c.eventSock.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Printf("zmq: recv error: %v", err)
			continue
		}
		if len(msg.Frames) == 0 {
			continue
		}
		payload := msg.Frames[len(msg.Frames)-1]
		select {
		case c.events <- connector.Event{Payload: payload}:
		case <-c.ctx.Done():
			return
		}
	}
}
