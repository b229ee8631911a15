package testcase

import (
	"time"

	"github.com/quic-go/quic-go/logging"
	"gonum.org/v1/gonum/stat"

	"github.com/mengelbart/mrtp-plots/pkg/correlate"
	"github.com/mengelbart/mrtp-plots/pkg/qlog"
	"github.com/mengelbart/mrtp-plots/pkg/records"
)

const oneRTT = "1RTT"

type HopStats struct {
	SendStack correlate.LatencyStats `json:"send_stack"`
	Network   correlate.LatencyStats `json:"network"`
	RecvStack correlate.LatencyStats `json:"recv_stack"`
}

// Summary condenses an analysis into the numbers kept per run. Latencies
// are in seconds, rates in bit/s.
type Summary struct {
	Name        string                  `json:"name"`
	NetConf     string                  `json:"netconf"`
	AppConf     string                  `json:"appconf"`
	Time        time.Time               `json:"time"`
	Packets     int                     `json:"packets"`
	Latency     *correlate.LatencyStats `json:"latency,omitempty"`
	Loss        correlate.LossTotals    `json:"loss"`
	TxRate      float64                 `json:"tx_rate"`
	RxRate      float64                 `json:"rx_rate"`
	QUICLatency *correlate.LatencyStats `json:"quic_latency,omitempty"`
	QUICLoss    correlate.LossTotals    `json:"quic_loss"`
	Hops        *HopStats               `json:"hops,omitempty"`
	MeanPSNR    float64                 `json:"mean_psnr,omitempty"`
	MeanSSIM    float64                 `json:"mean_ssim,omitempty"`
	LostFrames  int                     `json:"lost_frames"`
}

type Analysis struct {
	Case *Case

	TxRate     []correlate.RatePoint
	RxRate     []correlate.RatePoint
	QUICTxRate []correlate.RatePoint
	QUICRxRate []correlate.RatePoint
	Flows      []correlate.FlowRate
	FlowTotal  []correlate.RatePoint

	OWD      []correlate.Sample[records.RTPKey]
	Loss     []correlate.LossBucket
	Timeline *correlate.Table[records.RTPKey]
	Hops     *correlate.Decomposition[records.RTPKey]

	QUICOWD  []correlate.Sample[logging.PacketNumber]
	QUICLoss []correlate.LossBucket

	DTLSOWD []correlate.Sample[records.DTLSKey]

	Summary Summary
}

// Analyze correlates all loaded series. It fails only if a join finds
// duplicate keys.
func (c *Case) Analyze() (*Analysis, error) {
	a := &Analysis{Case: c}
	tb := c.TimeBase
	opts := c.Options.Rate

	if err := a.rtp(tb, opts); err != nil {
		return nil, err
	}
	if err := a.quic(tb, opts); err != nil {
		return nil, err
	}
	if err := a.dtls(); err != nil {
		return nil, err
	}
	a.summarize()
	return a, nil
}

func (a *Analysis) rtp(tb records.TimeBase, opts correlate.RateOptions) error {
	c := a.Case
	tx := RTPKeyed(c.RTPTx, false)
	rx := RTPKeyed(c.RTPRx, false)
	a.TxRate = correlate.Rate(tb, correlate.Sizes(tx), opts)
	a.RxRate = correlate.Rate(tb, correlate.Sizes(rx), opts)
	if len(tx) == 0 {
		return nil
	}

	var err error
	if a.OWD, err = correlate.OWD(tx, rx); err != nil {
		return err
	}
	if a.Loss, err = correlate.Loss(tb, tx, rx); err != nil {
		return err
	}

	observers := []correlate.Observation[records.RTPKey]{{Name: "rx", Records: rx}}
	for _, ns := range Namespaces {
		if capt := c.Captures[ns]; capt != nil && len(capt.RTP) > 0 {
			observers = append(observers, correlate.Observation[records.RTPKey]{
				Name:    ns,
				Records: RTPKeyed(capt.RTP, true),
			})
		}
	}
	if a.Timeline, err = correlate.Timeline(tx, observers...); err != nil {
		return err
	}

	send, recv := c.Captures[SendNamespace], c.Captures[RecvNamespace]
	if send != nil && recv != nil {
		a.Hops, err = correlate.Decompose(tx, RTPKeyed(send.RTP, true), RTPKeyed(recv.RTP, true), rx)
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *Analysis) quic(tb records.TimeBase, opts correlate.RateOptions) error {
	c := a.Case
	var sent, received []records.QUICPacket
	if c.SenderTrace != nil {
		sent = c.SenderTrace.Packets(qlog.PacketSent)
		a.QUICTxRate = correlate.Rate(tb, correlate.Sizes(QUICKeyed(sent, "")), opts)

		frames := qlog.StreamFrames(qlog.UnnestFrames(sent))
		streamBytes := make([]correlate.StreamBytes, len(frames))
		for i, f := range frames {
			streamBytes[i] = correlate.StreamBytes{StreamID: f.StreamID, Time: f.Time, Bytes: int(f.Length)}
		}
		a.Flows = correlate.FlowRates(tb, c.Mappings, streamBytes, opts)
		a.FlowTotal = correlate.FlowTotal(a.Flows)
	}
	if c.ReceiverTrace != nil {
		received = c.ReceiverTrace.Packets(qlog.PacketReceived)
		a.QUICRxRate = correlate.Rate(tb, correlate.Sizes(QUICKeyed(received, "")), opts)
	}
	if len(sent) == 0 {
		return nil
	}
	tx, rx := QUICKeyed(sent, oneRTT), QUICKeyed(received, oneRTT)
	var err error
	if a.QUICOWD, err = correlate.OWD(tx, rx); err != nil {
		return err
	}
	a.QUICLoss, err = correlate.Loss(tb, tx, rx)
	return err
}

func (a *Analysis) dtls() error {
	send, recv := a.Case.Captures[SendNamespace], a.Case.Captures[RecvNamespace]
	if send == nil || recv == nil || len(send.DTLS) == 0 {
		return nil
	}
	src, dst := dominantFlow(send.DTLS)
	tx := DTLSKeyed(send.DTLS, src, dst)
	rx := DTLSKeyed(recv.DTLS, src, dst)
	var err error
	a.DTLSOWD, err = correlate.OWD(tx, rx)
	return err
}

func (a *Analysis) summarize() {
	c := a.Case
	s := Summary{
		Name:       c.Config.Name,
		NetConf:    c.Config.NetConf,
		AppConf:    c.Config.AppConf,
		Time:       c.Config.Time,
		Packets:    len(c.RTPTx),
		Loss:       correlate.TotalLoss(a.Loss),
		TxRate:     correlate.MeanRate(a.TxRate),
		RxRate:     correlate.MeanRate(a.RxRate),
		QUICLoss:   correlate.TotalLoss(a.QUICLoss),
		LostFrames: len(c.LostFrames),
	}
	if st, ok := correlate.Summarize(correlate.Latencies(a.OWD)); ok {
		s.Latency = &st
	}
	if st, ok := correlate.Summarize(correlate.Latencies(a.QUICOWD)); ok {
		s.QUICLatency = &st
	}
	if a.Hops != nil && len(a.Hops.Hops) > 0 {
		var send, network, recv []float64
		for _, h := range a.Hops.Hops {
			send = append(send, h.SendStack)
			network = append(network, h.Network)
			recv = append(recv, h.RecvStack)
		}
		s.Hops = &HopStats{}
		s.Hops.SendStack, _ = correlate.Summarize(send)
		s.Hops.Network, _ = correlate.Summarize(network)
		s.Hops.RecvStack, _ = correlate.Summarize(recv)
	}
	s.MeanPSNR = meanQuality(c.Quality, "psnr_avg")
	s.MeanSSIM = meanQuality(c.Quality, "ssim_avg")
	a.Summary = s
}

func meanQuality(samples []records.QualitySample, variable string) float64 {
	var vals []float64
	for _, q := range samples {
		if q.Variable == variable {
			vals = append(vals, q.Value)
		}
	}
	if len(vals) == 0 {
		return 0
	}
	return stat.Mean(vals, nil)
}

// RTPKeyed converts RTP packets into join input. Captured packets count
// their frame length, logged packets their payload length.
func RTPKeyed(packets []records.RTPPacket, wire bool) []correlate.Keyed[records.RTPKey] {
	out := make([]correlate.Keyed[records.RTPKey], len(packets))
	for i, p := range packets {
		n := p.PayloadLength
		if wire {
			n = p.Length
		}
		out[i] = correlate.Keyed[records.RTPKey]{Key: p.Key(), Time: p.Time, Bytes: n}
	}
	return out
}

// QUICKeyed converts packets into join input. A non-empty packetType keeps
// only packets of that type, since packet numbers are unique per packet
// number space only.
func QUICKeyed(packets []records.QUICPacket, packetType string) []correlate.Keyed[logging.PacketNumber] {
	var out []correlate.Keyed[logging.PacketNumber]
	for _, p := range packets {
		if packetType != "" && p.PacketType != packetType {
			continue
		}
		out = append(out, correlate.Keyed[logging.PacketNumber]{
			Key:   p.PacketNumber,
			Time:  p.Time,
			Bytes: int(p.Length),
		})
	}
	return out
}

// DTLSKeyed converts the records sent from src to dst into join input.
func DTLSKeyed(recs []records.DTLSRecord, src, dst string) []correlate.Keyed[records.DTLSKey] {
	var out []correlate.Keyed[records.DTLSKey]
	for _, r := range recs {
		if r.Src.IP != src || r.Dst.IP != dst {
			continue
		}
		out = append(out, correlate.Keyed[records.DTLSKey]{Key: r.Key(), Time: r.Time, Bytes: r.Length})
	}
	return out
}

// dominantFlow returns the source and destination address that sent the
// most records. DTLS sequence numbers are only unique per direction.
func dominantFlow(recs []records.DTLSRecord) (string, string) {
	type flow struct{ src, dst string }
	counts := map[flow]int{}
	var best flow
	for _, r := range recs {
		f := flow{r.Src.IP, r.Dst.IP}
		counts[f]++
		if counts[f] > counts[best] {
			best = f
		}
	}
	return best.src, best.dst
}
