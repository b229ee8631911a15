// Package export persists the tables derived from a test case so they can
// be inspected without re-running the analysis.
package export

import (
	"github.com/mengelbart/mrtp-plots/pkg/correlate"
	"github.com/mengelbart/mrtp-plots/pkg/records"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

// Frame is a named table. Cells hold int64, uint64, float64 or string
// values; times are seconds since T0.
type Frame struct {
	Name    string
	Columns []string
	Rows    [][]any
}

func (f *Frame) add(row ...any) { f.Rows = append(f.Rows, row) }

// Frames converts an analysis into tables. Tables without rows are left
// out.
func Frames(a *testcase.Analysis) []*Frame {
	c := a.Case
	tb := c.TimeBase
	var out []*Frame
	keep := func(f *Frame) {
		if len(f.Rows) > 0 {
			out = append(out, f)
		}
	}

	keep(rates("tx_rate", a.TxRate))
	keep(rates("rx_rate", a.RxRate))
	keep(rates("quic_tx_rate", a.QUICTxRate))
	keep(rates("quic_rx_rate", a.QUICRxRate))
	keep(rates("flow_total_rate", a.FlowTotal))

	flows := &Frame{Name: "flow_rate", Columns: []string{"flow_id", "second", "rate"}}
	for _, fr := range a.Flows {
		for _, p := range fr.Points {
			flows.add(fr.FlowID, p.Second, p.Value)
		}
	}
	keep(flows)

	owd := &Frame{Name: "owd", Columns: []string{"second", "ssrc", "extseq", "latency"}}
	for _, s := range a.OWD {
		owd.add(tb.Seconds(s.Time), uint64(s.Key.SSRC), s.Key.ExtSeq, s.Latency)
	}
	keep(owd)

	keep(loss("loss", a.Loss))
	keep(loss("quic_loss", a.QUICLoss))

	qowd := &Frame{Name: "quic_owd", Columns: []string{"second", "packet_number", "latency"}}
	for _, s := range a.QUICOWD {
		qowd.add(tb.Seconds(s.Time), int64(s.Key), s.Latency)
	}
	keep(qowd)

	dowd := &Frame{Name: "dtls_owd", Columns: []string{"second", "epoch", "seq", "latency"}}
	for _, s := range a.DTLSOWD {
		dowd.add(tb.Seconds(s.Time), uint64(s.Key.Epoch), s.Key.Seq, s.Latency)
	}
	keep(dowd)

	if a.Hops != nil {
		hops := &Frame{Name: "hops", Columns: []string{"second", "ssrc", "extseq", "send_stack", "network", "recv_stack", "total"}}
		for _, h := range a.Hops.Hops {
			hops.add(tb.Seconds(h.Time), uint64(h.Key.SSRC), h.Key.ExtSeq, h.SendStack, h.Network, h.RecvStack, h.Total())
		}
		keep(hops)
	}

	if a.Timeline != nil {
		keep(timeline(tb, a.Timeline))
	}

	capacity := &Frame{Name: "capacity", Columns: []string{"second", "bandwidth", "burst", "limit", "delay"}}
	for _, s := range c.Capacity {
		capacity.add(tb.Seconds(s.Time), s.Bandwidth, s.Burst, s.Limit, s.Delay)
	}
	keep(capacity)

	keep(metrics(tb, "metrics", c.Metrics))
	keep(metrics(tb, "qlog_sender_metrics", c.SenderQUICMetrics))
	keep(metrics(tb, "qlog_receiver_metrics", c.ReceiverQUICMetrics))

	quality := &Frame{Name: "video_quality", Columns: []string{"n", "variable", "value"}}
	for _, q := range c.Quality {
		quality.add(int64(q.N), q.Variable, q.Value)
	}
	keep(quality)

	lost := &Frame{Name: "lost_frames", Columns: []string{"frame_number", "rtp_timestamp"}}
	for _, l := range c.LostFrames {
		lost.add(l.FrameNumber, l.RTPTimestamp)
	}
	keep(lost)

	return out
}

func rates(name string, points []correlate.RatePoint) *Frame {
	f := &Frame{Name: name, Columns: []string{"second", "rate"}}
	for _, p := range points {
		f.add(p.Second, p.Value)
	}
	return f
}

func metrics(tb records.TimeBase, name string, ms []records.Metric) *Frame {
	f := &Frame{Name: name, Columns: []string{"second", "name", "value"}}
	for _, m := range ms {
		f.add(tb.Seconds(m.Time), m.Name, m.Value)
	}
	return f
}

func loss(name string, buckets []correlate.LossBucket) *Frame {
	f := &Frame{Name: name, Columns: []string{"second", "sent", "lost", "rate"}}
	for _, b := range buckets {
		f.add(b.Second, int64(b.Sent), int64(b.Lost), b.Rate)
	}
	return f
}

// timeline writes one column per observation point. Points that did not
// see a packet hold an empty string.
func timeline(tb records.TimeBase, t *correlate.Table[records.RTPKey]) *Frame {
	f := &Frame{Name: "timeline", Columns: []string{"ssrc", "extseq", "bytes", "tx"}}
	f.Columns = append(f.Columns, t.Names...)
	for _, r := range t.Rows {
		row := []any{uint64(r.Key.SSRC), r.Key.ExtSeq, int64(r.Bytes), tb.Seconds(r.Time)}
		for i := range t.Names {
			if r.Seen(i) {
				row = append(row, tb.Seconds(r.At[i]))
			} else {
				row = append(row, "")
			}
		}
		f.add(row...)
	}
	return f
}
