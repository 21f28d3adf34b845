package udp

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestSendAndReceiveRoundTrip(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer serverConn.Close()

	c := New(Config{ServerAddr: serverConn.LocalAddr().String()})
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

	if err := c.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 64)
	serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, clientAddr, err := serverConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("server ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("server received %q; want \"hello\"", buf[:n])
	}

	if _, err := serverConn.WriteToUDP([]byte("reply"), clientAddr); err != nil {
		t.Fatalf("server WriteToUDP: %v", err)
	}

	select {
	case ev := <-c.Events():
		if string(ev.Payload) != "reply" {
			t.Fatalf("Events() payload = %q; want \"reply\"", ev.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("connector never delivered the server's reply")
	}
}

func TestSendBeforeInitializeFails(t *testing.T) {
	c := New(Config{ServerAddr: "127.0.0.1:0"})
	if err := c.Send([]byte("x")); err == nil {
		t.Fatalf("expected error sending before Initialize")
	}
}

func TestInitializeBadAddress(t *testing.T) {
	c := New(Config{ServerAddr: "not a valid address::::"})
	if err := c.Initialize(context.Background()); err == nil {
		t.Fatalf("expected error resolving a malformed address")
	}
}

func TestConnectedFalseBeforeInitialize(t *testing.T) {
	c := New(Config{ServerAddr: "127.0.0.1:1700"})
	if c.Connected() {
		t.Fatalf("Connected() = true before Initialize")
	}
}
