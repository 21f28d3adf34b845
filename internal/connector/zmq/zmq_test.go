package zmq

import (
	"context"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
)

func TestSendAndReceiveRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := zmq4.NewPub(ctx)
	defer pub.Close()
	if err := pub.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatalf("pub.Listen: %v", err)
	}

	rep := zmq4.NewRep(ctx)
	defer rep.Close()
	if err := rep.Listen("tcp://127.0.0.1:0"); err != nil {
		t.Fatalf("rep.Listen: %v", err)
	}

	c := New(Config{
		EventURL:   "tcp://" + pub.Addr().String(),
		CommandURL: "tcp://" + rep.Addr().String(),
	})
	if err := c.Attach(); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	if !c.Connected() {
		t.Fatalf("Connected() = false after Initialize")
	}

	// Give the SUB socket time to complete its subscription handshake before
	// publishing, since PUB/SUB has no connect-ack.
	time.Sleep(200 * time.Millisecond)

	if err := pub.Send(zmq4.NewMsg([]byte("downlink-ack"))); err != nil {
		t.Fatalf("pub.Send: %v", err)
	}

	select {
	case ev := <-c.Events():
		if string(ev.Payload) != "downlink-ack" {
			t.Fatalf("Events() payload = %q; want \"downlink-ack\"", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connector never delivered the published event")
	}

	sendDone := make(chan error, 1)
	go func() { sendDone <- c.Send([]byte("push-data")) }()

	msg, err := rep.Recv()
	if err != nil {
		t.Fatalf("rep.Recv: %v", err)
	}
	if string(msg.Bytes()) != "push-data" {
		t.Fatalf("rep received %q; want \"push-data\"", msg.Bytes())
	}
	if err := rep.Send(zmq4.NewMsg([]byte("ok"))); err != nil {
		t.Fatalf("rep.Send: %v", err)
	}

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Send never returned after the reply was sent")
	}
}

func TestSendBeforeInitializeFails(t *testing.T) {
	c := New(Config{EventURL: "tcp://127.0.0.1:0", CommandURL: "tcp://127.0.0.1:0"})
	if err := c.Send([]byte("x")); err == nil {
		t.Fatalf("expected error sending before Initialize")
	}
}

func TestConnectedFalseBeforeInitialize(t *testing.T) {
	c := New(Config{EventURL: "tcp://127.0.0.1:1", CommandURL: "tcp://127.0.0.1:2"})
	if c.Connected() {
		t.Fatalf("Connected() = true before Initialize")
	}
}
