// Package records holds the typed rows every reader produces. Records are
// built once at read time and never modified afterwards.
package records

import (
	"fmt"
	"strconv"
	"time"

	"github.com/quic-go/quic-go/logging"
)

// Event is one parsed line of a JSON event log. Nested objects are
// flattened into dotted field names.
type Event struct {
	Time   time.Time
	Msg    string
	Fields map[string]any
}

func (e Event) Has(key string) bool {
	_, ok := e.Fields[key]
	return ok
}

func (e Event) Float(key string) (float64, bool) {
	switch v := e.Fields[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func (e Event) Int(key string) (int64, bool) {
	switch v := e.Fields[key].(type) {
	case float64:
		return int64(v), true
	case string:
		i, err := strconv.ParseInt(v, 0, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func (e Event) Text(key string) (string, bool) {
	switch v := e.Fields[key].(type) {
	case string:
		return v, true
	case nil:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

func (e Event) Bool(key string) (bool, bool) {
	switch v := e.Fields[key].(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case string:
		b, err := strconv.ParseBool(v)
		return b, err == nil
	default:
		return false, false
	}
}

type Endpoint struct {
	IP   string
	Port uint16
}

func (e Endpoint) String() string {
	return e.IP + ":" + strconv.Itoa(int(e.Port))
}

// RTPKey identifies an RTP packet across capture points.
type RTPKey struct {
	SSRC   uint32
	ExtSeq uint64
}

type RTPPacket struct {
	Time          time.Time
	Source        string
	Src           Endpoint
	Dst           Endpoint
	Length        int
	PayloadLength int
	SSRC          uint32
	ExtSeq        uint64
	Timestamp     uint32
	PayloadType   uint8
	Marker        bool
}

func (p RTPPacket) Key() RTPKey { return RTPKey{SSRC: p.SSRC, ExtSeq: p.ExtSeq} }

type RTCPPacket struct {
	Time   time.Time
	Source string
	Src    Endpoint
	Dst    Endpoint
	Length int
}

// DTLSKey identifies a DTLS record. Record sequence numbers restart with
// every epoch.
type DTLSKey struct {
	Epoch uint16
	Seq   uint64
}

type DTLSRecord struct {
	Time        time.Time
	Source      string
	Src         Endpoint
	Dst         Endpoint
	Length      int
	ContentType uint8
	Epoch       uint16
	Seq         uint64
}

func (r DTLSRecord) Key() DTLSKey { return DTLSKey{Epoch: r.Epoch, Seq: r.Seq} }

type QUICFrame struct {
	Type     string
	StreamID logging.StreamID
	Offset   int64
	Length   logging.ByteCount
	Fin      bool
}

type QUICPacket struct {
	Time         time.Time
	Event        string
	PacketType   string
	PacketNumber logging.PacketNumber
	Length       logging.ByteCount
	Frames       []QUICFrame
}

// CapacityStep is one entry of the traffic control schedule. Bandwidth is
// in bit/s.
type CapacityStep struct {
	Time      time.Time
	Bandwidth float64
	Burst     string
	Limit     string
	Delay     string
}

type Metric struct {
	Time  time.Time
	Name  string
	Value float64
}

// QualitySample is one unpivoted value of a per-frame video quality report.
type QualitySample struct {
	N        int
	Variable string
	Value    float64
	DistFile string
	RefFile  string
}

type LostFrame struct {
	FrameNumber  int64
	RTPTimestamp int64
}

// StreamMapping binds a logical media flow to the QUIC stream carrying it.
type StreamMapping struct {
	Time     time.Time
	FlowID   string
	StreamID logging.StreamID
}

// TimeBase is the zero point of a test case timeline. Every series of one
// test case must be normalized with the same TimeBase.
type TimeBase struct {
	T0 time.Time
}

func NewTimeBase(t0 time.Time) TimeBase {
	return TimeBase{T0: t0}
}

func (tb TimeBase) Seconds(t time.Time) float64 {
	return t.Sub(tb.T0).Seconds()
}

// Bucket returns the index of the width-sized bucket t falls into, counted
// from T0. Times before T0 get negative indices; the index is the floor of
// the division.
func (tb TimeBase) Bucket(t time.Time, width time.Duration) int64 {
	d := t.Sub(tb.T0)
	b := int64(d / width)
	if d < 0 && d%width != 0 {
		b--
	}
	return b
}

func (tb TimeBase) BucketStart(b int64, width time.Duration) float64 {
	return (time.Duration(b) * width).Seconds()
}
