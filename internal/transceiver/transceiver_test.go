package transceiver

import "testing"

func TestFakeSendRaisesPacketSent(t *testing.T) {
	f := NewFake()
	pkt := Packet{Payload: []byte{1, 2, 3}}

	if err := f.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ev := <-f.Events()
	if ev.Kind != PacketSent {
		t.Fatalf("Kind = %v; want PacketSent", ev.Kind)
	}
	if string(ev.Packet.Payload) != "\x01\x02\x03" {
		t.Fatalf("unexpected payload echoed back")
	}

	sent := f.Sent()
	if len(sent) != 1 || len(sent[0].Payload) != 3 {
		t.Fatalf("Sent() = %+v; want one 3-byte packet", sent)
	}
}

func TestFakeDeliverRaisesPacketReceived(t *testing.T) {
	f := NewFake()
	pkt := Packet{Payload: []byte("hello"), Info: RxInfo{RSSI: -80}}

	f.Deliver(pkt)

	ev := <-f.Events()
	if ev.Kind != PacketReceived {
		t.Fatalf("Kind = %v; want PacketReceived", ev.Kind)
	}
	if ev.Packet.Info.RSSI != -80 {
		t.Fatalf("RSSI = %d; want -80", ev.Packet.Info.RSSI)
	}
}

func TestFakeLifecycleNoOps(t *testing.T) {
	f := NewFake()
	if err := f.Initialize(DefaultParams()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.Standby(); err != nil {
		t.Fatalf("Standby: %v", err)
	}
	if err := f.Receive(); err != nil {
		t.Fatalf("Receive: %v", err)
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if p.CodingRate != "4/5" || p.SpreadingFactor != 7 || p.Bandwidth != 125000 {
		t.Fatalf("DefaultParams() = %+v; unexpected values", p)
	}
}
