package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func testGatewayID() GatewayID {
	return GatewayID{0xAA, 0x55, 0x5A, 0, 0, 0, 0, 1}
}

func TestBuildUplinkLoRaData(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	now := time.Now()

	res, ok, err := e.BuildUplink(1, LoRaData, &RXPK{Freq: 868.1, Data: "AQID"}, false, now)
	if err != nil {
		t.Fatalf("BuildUplink: %v", err)
	}
	if !ok {
		t.Fatalf("BuildUplink reported not-ok for a fresh transaction")
	}
	if len(res.Data) < 12 {
		t.Fatalf("Data too short: %d bytes", len(res.Data))
	}

	h, err := DecodeHeader(res.Data)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Identifier != PushData {
		t.Fatalf("Identifier = %v; want PushData", h.Identifier)
	}
	if h.GatewayID != testGatewayID() {
		t.Fatalf("GatewayID mismatch")
	}

	stats := e.Stats()
	if stats.Rxnb != 1 || stats.Rxok != 1 {
		t.Fatalf("Stats = %+v; want Rxnb=1 Rxok=1", stats)
	}
}

func TestBuildUplinkRequiresRXPK(t *testing.T) {
	e := NewEngine(DefaultConfig())
	if _, _, err := e.BuildUplink(1, LoRaData, nil, false, time.Now()); err == nil {
		t.Fatalf("expected error when RXPK is nil")
	}
}

func TestBuildUplinkPoolExhaustion(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	now := time.Now()

	for i := 0; i < PoolSize; i++ {
		if _, _, err := e.BuildUplink(uint16(i), LoRaData, &RXPK{Data: "AQ=="}, false, now); err != nil {
			t.Fatalf("BuildUplink %d: %v", i, err)
		}
	}
	if _, _, err := e.BuildUplink(99, LoRaData, &RXPK{Data: "AQ=="}, false, now); err == nil {
		t.Fatalf("expected pool exhaustion error")
	}
}

func TestBuildUplinkHeartbeatStatFirst(t *testing.T) {
	cfg := Config{GatewayID: testGatewayID(), PushStatPeriod: time.Minute, PullDataPeriod: 100 * time.Second}
	e := NewEngine(cfg)
	now := time.Now()

	res, ok, err := e.BuildUplink(1, Heartbeat, nil, false, now)
	if err != nil || !ok {
		t.Fatalf("BuildUplink heartbeat: ok=%v err=%v", ok, err)
	}
	h, err := DecodeHeader(res.Data)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Identifier != PushData {
		t.Fatalf("first heartbeat should be a stat PUSH_DATA, got %v", h.Identifier)
	}
}

func TestBuildUplinkHeartbeatThenPullData(t *testing.T) {
	cfg := Config{GatewayID: testGatewayID(), PushStatPeriod: time.Minute, PullDataPeriod: time.Second}
	e := NewEngine(cfg)
	now := time.Now()

	if _, _, err := e.BuildUplink(1, Heartbeat, nil, false, now); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}

	// Advance past PullDataPeriod but not PushStatPeriod.
	later := now.Add(2 * time.Second)
	res, ok, err := e.BuildUplink(2, Heartbeat, nil, false, later)
	if err != nil || !ok {
		t.Fatalf("second heartbeat: ok=%v err=%v", ok, err)
	}
	h, err := DecodeHeader(res.Data)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Identifier != PullData {
		t.Fatalf("second heartbeat should be PULL_DATA, got %v", h.Identifier)
	}
}

func TestBuildUplinkHeartbeatNothingDue(t *testing.T) {
	cfg := Config{GatewayID: testGatewayID(), PushStatPeriod: time.Minute, PullDataPeriod: time.Minute}
	e := NewEngine(cfg)
	now := time.Now()

	// The first heartbeat sends the stat block; the second sends the
	// PULL_DATA, which is due because none has been sent yet.
	if _, _, err := e.BuildUplink(1, Heartbeat, nil, false, now); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	if _, _, err := e.BuildUplink(2, Heartbeat, nil, false, now); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	_, ok, err := e.BuildUplink(3, Heartbeat, nil, false, now.Add(time.Second))
	if err != nil {
		t.Fatalf("third heartbeat: %v", err)
	}
	if ok {
		t.Fatalf("expected not-ok when nothing is due")
	}
}

func TestBuildUplinkHeartbeatForced(t *testing.T) {
	cfg := Config{GatewayID: testGatewayID(), PushStatPeriod: time.Minute, PullDataPeriod: time.Minute}
	e := NewEngine(cfg)
	now := time.Now()

	if _, _, err := e.BuildUplink(1, Heartbeat, nil, false, now); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	res, ok, err := e.BuildUplink(2, Heartbeat, nil, true, now.Add(time.Second))
	if err != nil || !ok {
		t.Fatalf("forced heartbeat: ok=%v err=%v", ok, err)
	}
	h, err := DecodeHeader(res.Data)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if h.Identifier != PushData {
		t.Fatalf("forced heartbeat should be a stat PUSH_DATA, got %v", h.Identifier)
	}
}

func TestProcessServerMessagePushAckTerminatesTransaction(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	now := time.Now()

	res, _, err := e.BuildUplink(7, LoRaData, &RXPK{Data: "AQ=="}, false, now)
	if err != nil {
		t.Fatalf("BuildUplink: %v", err)
	}
	token := uint16(res.ProtocolMsgID & 0xFFFF)

	ackBuf := make([]byte, 4)
	EncodeHeader(ackBuf, token, PushAck)

	result := e.ProcessServerMessage(ackBuf, now)
	if result.Code != UplinkTerminated {
		t.Fatalf("Code = %v; want UplinkTerminated", result.Code)
	}
	if result.ProtocolMsgID != res.ProtocolMsgID {
		t.Fatalf("ProtocolMsgID = %x; want %x", result.ProtocolMsgID, res.ProtocolMsgID)
	}

	stats := e.Stats()
	if stats.AckrCount != 1 {
		t.Fatalf("AckrCount = %d; want 1", stats.AckrCount)
	}

	// A second ACK for the same (now released) token is unmatched.
	result2 := e.ProcessServerMessage(ackBuf, now)
	if result2.Code != ErrTransaction {
		t.Fatalf("Code = %v; want ErrTransaction on replay", result2.Code)
	}
}

func TestProcessServerMessageUnknownToken(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	buf := make([]byte, 4)
	EncodeHeader(buf, 0x1234, PushAck)
	result := e.ProcessServerMessage(buf, time.Now())
	if result.Code != ErrTransaction {
		t.Fatalf("Code = %v; want ErrTransaction", result.Code)
	}
}

func TestProcessServerMessageMalformed(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	result := e.ProcessServerMessage([]byte{1, 2}, time.Now())
	if result.Code != ErrMessage {
		t.Fatalf("Code = %v; want ErrMessage", result.Code)
	}
}

func TestProcessServerMessagePullResp(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	body, err := EncodeTxpkForTest(payload)
	if err != nil {
		t.Fatalf("building txpk body: %v", err)
	}
	buf := make([]byte, 4+len(body))
	EncodeHeader(buf, 1, PullResp)
	copy(buf[4:], body)

	result := e.ProcessServerMessage(buf, time.Now())
	if result.Code != DownlinkReceived {
		t.Fatalf("Code = %v; want DownlinkReceived", result.Code)
	}
	if string(result.Payload) != string(payload) {
		t.Fatalf("Payload = %v; want %v", result.Payload, payload)
	}
	if e.Stats().Dwnb != 1 {
		t.Fatalf("Dwnb = %d; want 1", e.Stats().Dwnb)
	}
}

func TestProcessSessionEventSentProgressesTransaction(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	now := time.Now()

	res, _, err := e.BuildUplink(3, LoRaData, &RXPK{Data: "AQ=="}, false, now)
	if err != nil {
		t.Fatalf("BuildUplink: %v", err)
	}

	code := e.ProcessSessionEvent(res.ProtocolMsgID, Sent, now)
	if code != Progressing {
		t.Fatalf("Code = %v; want Progressing", code)
	}

	stats := e.Stats()
	if stats.Upnb != 1 || stats.Rxfw != 1 {
		t.Fatalf("Stats = %+v; want Upnb=1 Rxfw=1", stats)
	}

	// Sent again is a no-op: already in txSent state.
	if code := e.ProcessSessionEvent(res.ProtocolMsgID, Sent, now); code != NoOp {
		t.Fatalf("Code = %v; want NoOp on repeated Sent", code)
	}
}

func TestProcessSessionEventHeartbeatDoesNotIncrementRxfw(t *testing.T) {
	cfg := Config{GatewayID: testGatewayID(), PushStatPeriod: time.Minute, PullDataPeriod: time.Minute}
	e := NewEngine(cfg)
	now := time.Now()

	res, _, err := e.BuildUplink(1, Heartbeat, nil, false, now)
	if err != nil {
		t.Fatalf("BuildUplink: %v", err)
	}
	e.ProcessSessionEvent(res.ProtocolMsgID, Sent, now)

	if stats := e.Stats(); stats.Rxfw != 0 {
		t.Fatalf("Rxfw = %d; want 0 for a heartbeat transaction", stats.Rxfw)
	}
}

func TestProcessSessionEventSendFailedReleases(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	now := time.Now()

	res, _, err := e.BuildUplink(1, LoRaData, &RXPK{Data: "AQ=="}, false, now)
	if err != nil {
		t.Fatalf("BuildUplink: %v", err)
	}
	if code := e.ProcessSessionEvent(res.ProtocolMsgID, SendFailed, now); code != Failed {
		t.Fatalf("Code = %v; want Failed", code)
	}
	if n := e.PendingTransactions(); n != 0 {
		t.Fatalf("PendingTransactions = %d; want 0 after release", n)
	}
}

func TestProcessSessionEventCanceledReleases(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	now := time.Now()

	res, _, err := e.BuildUplink(1, LoRaData, &RXPK{Data: "AQ=="}, false, now)
	if err != nil {
		t.Fatalf("BuildUplink: %v", err)
	}
	e.ProcessSessionEvent(res.ProtocolMsgID, Canceled, now)
	if n := e.PendingTransactions(); n != 0 {
		t.Fatalf("PendingTransactions = %d; want 0 after cancel", n)
	}
}

func TestProcessSessionEventUnknownTokenIsNoOp(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	if code := e.ProcessSessionEvent(0xDEAD0001, Sent, time.Now()); code != NoOp {
		t.Fatalf("Code = %v; want NoOp for an unknown token", code)
	}
}

func TestRecordDownlinkSent(t *testing.T) {
	e := NewEngine(Config{GatewayID: testGatewayID()})
	e.RecordDownlinkSent()
	e.RecordDownlinkSent()
	if e.Stats().Txnb != 2 {
		t.Fatalf("Txnb = %d; want 2", e.Stats().Txnb)
	}
}

func TestStatsAckrAllUnacked(t *testing.T) {
	s := Stats{Upnb: 0}
	if s.Ackr() != 100.0 {
		t.Fatalf("Ackr() = %v; want 100 when Upnb is 0", s.Ackr())
	}
}

func TestStatsAckrPartial(t *testing.T) {
	s := Stats{Upnb: 4, AckrCount: 1}
	if got := s.Ackr(); got != 25.0 {
		t.Fatalf("Ackr() = %v; want 25", got)
	}
}

// EncodeTxpkForTest builds a PULL_RESP txpk body for a given PHY payload,
// exercised by TestProcessServerMessagePullResp.
func EncodeTxpkForTest(payload []byte) ([]byte, error) {
	return json.Marshal(txpkEnvelope{TXPK: TXPK{
		Freq: 868.5,
		Datr: "SF7BW125",
		Codr: "4/5",
		Size: uint(len(payload)),
		Data: EncodeBase64(payload),
	}})
}
