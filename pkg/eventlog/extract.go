package eventlog

import (
	"regexp"
	"strconv"

	"github.com/quic-go/quic-go/logging"

	"github.com/mengelbart/mrtp-plots/pkg/records"
)

const (
	MsgRTPPacket       = "rtp packet"
	MsgTargetRate      = "NEW_TARGET_MEDIA_RATE"
	MsgStreamOpened    = "stream opened"
	MetricTargetRate   = "target-rate"
	rtpPrefix          = "rtp-packet."
	rtpSeqField        = rtpPrefix + "unwrapped-sequence-number"
	rtpSSRCField       = rtpPrefix + "ssrc"
	rtpPayloadLenField = rtpPrefix + "payload-length"
	rtpMarkerField     = rtpPrefix + "marker"
	rtpTimestampField  = rtpPrefix + "timestamp"
	rtpPayloadType     = rtpPrefix + "payload-type"

	// ExtSeqOffset aligns the unwrapped sequence numbers logged by the
	// applications with the extended sequence numbers computed by packet
	// dissectors, which start at the first rollover cycle.
	ExtSeqOffset = 1 << 16
)

var gccPattern = regexp.MustCompile(
	`rtt=(\d+), delivered=(\d+), lossTarget=(\d+), delayTarget=(\d+), target=(\d+)`)

var gccMetricNames = []string{
	"gcc-rtt", "gcc-delivered", "gcc-loss-target", "gcc-delay-target", "gcc-target",
}

// RTPPackets returns the RTP packets logged by a sender or receiver. Events
// missing the sequence number or SSRC are skipped.
func RTPPackets(events []records.Event, source string) []records.RTPPacket {
	var packets []records.RTPPacket
	for _, e := range events {
		if e.Msg != MsgRTPPacket {
			continue
		}
		seq, ok := e.Int(rtpSeqField)
		if !ok {
			continue
		}
		ssrc, ok := e.Int(rtpSSRCField)
		if !ok {
			continue
		}
		p := records.RTPPacket{
			Time:   e.Time,
			Source: source,
			SSRC:   uint32(ssrc),
			ExtSeq: uint64(seq) + ExtSeqOffset,
		}
		if l, ok := e.Int(rtpPayloadLenField); ok {
			p.PayloadLength = int(l)
			p.Length = int(l)
		}
		if m, ok := e.Bool(rtpMarkerField); ok {
			p.Marker = m
		}
		if ts, ok := e.Int(rtpTimestampField); ok {
			p.Timestamp = uint32(ts)
		}
		if pt, ok := e.Int(rtpPayloadType); ok {
			p.PayloadType = uint8(pt)
		}
		packets = append(packets, p)
	}
	return packets
}

// TargetRates returns the target rates announced by the congestion
// controller, in bit/s.
func TargetRates(events []records.Event, msg string) []records.Metric {
	if msg == "" {
		msg = MsgTargetRate
	}
	var metrics []records.Metric
	for _, e := range events {
		if e.Msg != msg {
			continue
		}
		rate, ok := e.Float("rate")
		if !ok {
			continue
		}
		metrics = append(metrics, records.Metric{Time: e.Time, Name: MetricTargetRate, Value: rate})
	}
	return metrics
}

// GCCMetrics extracts the estimates GCC prints in its free text log
// messages.
func GCCMetrics(events []records.Event) []records.Metric {
	var metrics []records.Metric
	for _, e := range events {
		groups := gccPattern.FindStringSubmatch(e.Msg)
		if groups == nil {
			continue
		}
		for i, name := range gccMetricNames {
			v, err := strconv.ParseInt(groups[i+1], 10, 64)
			if err != nil {
				continue
			}
			metrics = append(metrics, records.Metric{Time: e.Time, Name: name, Value: float64(v)})
		}
	}
	return metrics
}

// StreamMappings returns which QUIC stream carries which media flow.
func StreamMappings(events []records.Event, msg string) []records.StreamMapping {
	if msg == "" {
		msg = MsgStreamOpened
	}
	var mappings []records.StreamMapping
	for _, e := range events {
		if e.Msg != msg {
			continue
		}
		flow, ok := e.Text("flow-id")
		if !ok {
			continue
		}
		id, ok := e.Int("stream-id")
		if !ok {
			continue
		}
		mappings = append(mappings, records.StreamMapping{
			Time:     e.Time,
			FlowID:   flow,
			StreamID: logging.StreamID(id),
		})
	}
	return mappings
}
