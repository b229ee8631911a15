package correlate

import (
	"sort"
	"time"

	"github.com/mengelbart/mrtp-plots/pkg/records"
)

const DefaultBitsPerByte = 8

// Sample is the one-way delay of a single packet. Latency is in seconds.
type Sample[K comparable] struct {
	Key     K
	Time    time.Time
	Latency float64
}

// OWD computes the one-way delay of every tx record that was received.
// Unmatched tx records are excluded.
func OWD[K comparable](tx, rx []Keyed[K]) ([]Sample[K], error) {
	pairs, err := Join(tx, rx)
	if err != nil {
		return nil, err
	}
	var samples []Sample[K]
	for _, p := range pairs {
		if p.Lost {
			continue
		}
		samples = append(samples, Sample[K]{
			Key:     p.Key,
			Time:    p.TxTime,
			Latency: Seconds(p.Latency()),
		})
	}
	return samples, nil
}

// Latencies returns the latency column of samples.
func Latencies[K comparable](samples []Sample[K]) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Latency
	}
	return out
}

type LossBucket struct {
	Second int64
	Sent   int
	Lost   int
	Rate   float64
}

// Loss counts sent and lost packets per whole second since T0. Buckets are
// keyed by the tx time; a packet on a bucket boundary belongs to the bucket
// starting there.
func Loss[K comparable](tb records.TimeBase, tx, rx []Keyed[K]) ([]LossBucket, error) {
	pairs, err := Join(tx, rx)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}
	buckets := map[int64]*LossBucket{}
	for _, p := range pairs {
		b := tb.Bucket(p.TxTime, time.Second)
		lb, ok := buckets[b]
		if !ok {
			lb = &LossBucket{Second: b}
			buckets[b] = lb
		}
		lb.Sent++
		if p.Lost {
			lb.Lost++
		}
	}
	out := make([]LossBucket, 0, len(buckets))
	for _, lb := range buckets {
		lb.Rate = float64(lb.Lost) / float64(lb.Sent)
		out = append(out, *lb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Second < out[j].Second })
	return out, nil
}

// Sized is a record reduced to what rate computations need.
type Sized struct {
	Time  time.Time
	Bytes int
}

func Sizes[K comparable](recs []Keyed[K]) []Sized {
	out := make([]Sized, len(recs))
	for i, r := range recs {
		out[i] = Sized{Time: r.Time, Bytes: r.Bytes}
	}
	return out
}

type RateOptions struct {
	Bucket      time.Duration
	BitsPerByte float64
}

func (o RateOptions) withDefaults() RateOptions {
	if o.Bucket <= 0 {
		o.Bucket = time.Second
	}
	if o.BitsPerByte <= 0 {
		o.BitsPerByte = DefaultBitsPerByte
	}
	return o
}

// RatePoint is the rate of one bucket. Second is the bucket start relative
// to T0, Value is the bucket's byte sum times BitsPerByte, which is bit/s
// for one second buckets.
type RatePoint struct {
	Bucket int64
	Second float64
	Value  float64
}

// Rate sums bytes per bucket and multiplies the sums by BitsPerByte.
// Sums are not scaled by the bucket width, so 100 ms buckets with a factor
// of 80 reproduce the legacy plots. Buckets between the first and last observation that saw no traffic are emitted
// with a zero rate.
func Rate(tb records.TimeBase, recs []Sized, opts RateOptions) []RatePoint {
	if len(recs) == 0 {
		return nil
	}
	opts = opts.withDefaults()
	sums := map[int64]int{}
	first, last := int64(0), int64(0)
	for i, r := range recs {
		b := tb.Bucket(r.Time, opts.Bucket)
		sums[b] += r.Bytes
		if i == 0 || b < first {
			first = b
		}
		if i == 0 || b > last {
			last = b
		}
	}
	out := make([]RatePoint, 0, last-first+1)
	for b := first; b <= last; b++ {
		out = append(out, RatePoint{
			Bucket: b,
			Second: tb.BucketStart(b, opts.Bucket),
			Value:  float64(sums[b]) * opts.BitsPerByte,
		})
	}
	return out
}

// SumRates outer-joins rate series on their bucket and adds them up. Series
// missing a bucket contribute zero. All series must share the bucket width.
func SumRates(series ...[]RatePoint) []RatePoint {
	sums := map[int64]RatePoint{}
	for _, s := range series {
		for _, p := range s {
			acc, ok := sums[p.Bucket]
			if !ok {
				acc = RatePoint{Bucket: p.Bucket, Second: p.Second}
			}
			acc.Value += p.Value
			sums[p.Bucket] = acc
		}
	}
	if len(sums) == 0 {
		return nil
	}
	out := make([]RatePoint, 0, len(sums))
	for _, p := range sums {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}
