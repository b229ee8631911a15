package correlate

import (
	"sort"
	"time"

	"github.com/quic-go/quic-go/logging"

	"github.com/mengelbart/mrtp-plots/pkg/records"
)

// HopSample splits the delay of one packet into the time spent in the
// sending stack, on the network and in the receiving stack. All values
// are in seconds.
type HopSample[K comparable] struct {
	Key       K
	Time      time.Time
	SendStack float64
	Network   float64
	RecvStack float64
}

func (h HopSample[K]) Total() float64 {
	return h.SendStack + h.Network + h.RecvStack
}

type Decomposition[K comparable] struct {
	Hops   []HopSample[K]
	Direct []Sample[K]
}

// Decompose computes the delay of each hop between four observation points
// and keeps packets seen at all of them. Direct holds the end-to-end delay
// between the first and last point; for every packet in Hops its latency
// equals the sum of the hop delays.
func Decompose[K comparable](sendLog, sendCap, recvCap, recvLog []Keyed[K]) (*Decomposition[K], error) {
	send, err := OWD(sendLog, sendCap)
	if err != nil {
		return nil, err
	}
	network, err := OWD(sendCap, recvCap)
	if err != nil {
		return nil, err
	}
	recv, err := OWD(recvCap, recvLog)
	if err != nil {
		return nil, err
	}
	direct, err := OWD(sendLog, recvLog)
	if err != nil {
		return nil, err
	}
	if len(send) == 0 || len(network) == 0 || len(recv) == 0 {
		return nil, nil
	}
	networkByKey := make(map[K]float64, len(network))
	for _, s := range network {
		networkByKey[s.Key] = s.Latency
	}
	recvByKey := make(map[K]float64, len(recv))
	for _, s := range recv {
		recvByKey[s.Key] = s.Latency
	}
	d := &Decomposition[K]{Direct: direct}
	for _, s := range send {
		n, ok := networkByKey[s.Key]
		if !ok {
			continue
		}
		r, ok := recvByKey[s.Key]
		if !ok {
			continue
		}
		d.Hops = append(d.Hops, HopSample[K]{
			Key:       s.Key,
			Time:      s.Time,
			SendStack: s.Latency,
			Network:   n,
			RecvStack: r,
		})
	}
	return d, nil
}

// StreamBytes is the payload a QUIC stream frame carried at a point in
// time.
type StreamBytes struct {
	StreamID logging.StreamID
	Time     time.Time
	Bytes    int
}

type FlowRate struct {
	FlowID string
	Points []RatePoint
}

// FlowRates resolves every flow to the streams announced for it and
// computes the rate of each flow from the frames of those streams. Flows
// without frames are omitted. The result is sorted by flow id.
func FlowRates(tb records.TimeBase, mappings []records.StreamMapping, frames []StreamBytes, opts RateOptions) []FlowRate {
	streams := map[string]map[logging.StreamID]bool{}
	for _, m := range mappings {
		if streams[m.FlowID] == nil {
			streams[m.FlowID] = map[logging.StreamID]bool{}
		}
		streams[m.FlowID][m.StreamID] = true
	}
	var out []FlowRate
	for flow, ids := range streams {
		var sized []Sized
		for _, f := range frames {
			if ids[f.StreamID] {
				sized = append(sized, Sized{Time: f.Time, Bytes: f.Bytes})
			}
		}
		if len(sized) == 0 {
			continue
		}
		out = append(out, FlowRate{FlowID: flow, Points: Rate(tb, sized, opts)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FlowID < out[j].FlowID })
	return out
}

// FlowTotal sums per-flow rate series into one aggregate series.
func FlowTotal(flows []FlowRate) []RatePoint {
	series := make([][]RatePoint, len(flows))
	for i, f := range flows {
		series[i] = f.Points
	}
	return SumRates(series...)
}
