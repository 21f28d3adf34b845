package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// OneDecimal marshals to JSON with exactly one digit after the decimal
// point, matching the Semtech protocol's "%.1f" formatting for lsnr/ackr.
type OneDecimal float64

func (d OneDecimal) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(float64(d), 'f', 1, 64)), nil
}

func (d *OneDecimal) UnmarshalJSON(data []byte) error {
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*d = OneDecimal(f)
	return nil
}

// RXPK is one element of a PUSH_DATA "rxpk" array: an uplink frame as seen
// by the radio. Field names and types match the Semtech packet-forwarder
// protocol exactly.
type RXPK struct {
	Tmst uint32     `json:"tmst"`
	Time string     `json:"time"`
	Freq float64    `json:"freq"`
	Modu string     `json:"modu"`
	Datr string     `json:"datr"`
	Codr string     `json:"codr"`
	Lsnr OneDecimal `json:"lsnr"`
	RSSI int        `json:"rssi"`
	Size uint       `json:"size"`
	Chan uint       `json:"chan"`
	Rfch uint       `json:"rfch"`
	Stat int        `json:"stat"`
	Data string     `json:"data"`
}

type rxpkEnvelope struct {
	RXPK []RXPK `json:"rxpk"`
}

// EncodeRXPK marshals a single uplink frame into the PUSH_DATA rxpk body.
func EncodeRXPK(r RXPK) ([]byte, error) {
	return json.Marshal(rxpkEnvelope{RXPK: []RXPK{r}})
}

// Stat is the PUSH_DATA "stat" block: periodic gateway statistics.
type Stat struct {
	Time string     `json:"time"`
	Lati float64    `json:"lati"`
	Long float64    `json:"long"`
	Alti int        `json:"alti"`
	Rxnb uint64     `json:"rxnb"`
	Rxok uint64     `json:"rxok"`
	Rxfw uint64     `json:"rxfw"`
	Ackr OneDecimal `json:"ackr"`
	Dwnb uint64     `json:"dwnb"`
	Txnb uint64     `json:"txnb"`
}

type statEnvelope struct {
	Stat Stat `json:"stat"`
}

// EncodeStat marshals the periodic statistics block.
func EncodeStat(s Stat) ([]byte, error) {
	return json.Marshal(statEnvelope{Stat: s})
}

// StatTimeFormat is the exact 23-character "YYYY-MM-DD HH:MM:SS GMT" form
// the Semtech protocol requires for the stat block's time field.
const StatTimeFormat = "2006-01-02 15:04:05 GMT"

// FormatStatTime renders t in the Semtech stat-block time format.
func FormatStatTime(t time.Time) string {
	return t.UTC().Format(StatTimeFormat)
}

// RXTimeFormat is the ISO-8601 UTC-with-microseconds form used by rxpk.time.
const RXTimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatRXTime renders t in the rxpk.time format.
func FormatRXTime(t time.Time) string {
	return t.UTC().Format(RXTimeFormat)
}

// TXPK is the PULL_RESP "txpk" body: a downlink the Network Server asks the
// gateway to transmit. The reference source leaves this path as a TODO;
// this type and ParseTXPK resolve it fully.
type TXPK struct {
	Imme bool    `json:"imme"`
	Tmst uint32  `json:"tmst,omitempty"`
	Freq float64 `json:"freq"`
	Datr string  `json:"datr"`
	Codr string  `json:"codr"`
	Size uint    `json:"size"`
	Data string  `json:"data"`
	Powe int     `json:"powe,omitempty"`
}

type txpkEnvelope struct {
	TXPK TXPK `json:"txpk"`
}

// ParseTXPK decodes a PULL_RESP payload into its TXPK description plus the
// raw decoded PHY payload bytes.
func ParseTXPK(body []byte) (TXPK, []byte, error) {
	var env txpkEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return TXPK{}, nil, fmt.Errorf("protocol: malformed txpk body: %w", err)
	}
	raw, err := DecodeBase64(env.TXPK.Data)
	if err != nil {
		return TXPK{}, nil, fmt.Errorf("protocol: malformed txpk.data: %w", err)
	}
	if int(env.TXPK.Size) != len(raw) {
		return TXPK{}, nil, fmt.Errorf("protocol: txpk.size %d does not match decoded payload %d", env.TXPK.Size, len(raw))
	}
	return env.TXPK, raw, nil
}

// TxAckBody is the PULL_RESP acknowledgment body, carrying a Semtech error
// string ("NONE" on success, else a reason matching the Realtime Sender's
// result codes).
type TxAckBody struct {
	Error string `json:"error"`
}

type txAckEnvelope struct {
	TxAck TxAckBody `json:"txpk_ack"`
}

// EncodeTxAck marshals a TX_ACK payload.
func EncodeTxAck(reason string) ([]byte, error) {
	return json.Marshal(txAckEnvelope{TxAck: TxAckBody{Error: reason}})
}
