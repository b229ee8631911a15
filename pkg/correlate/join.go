// Package correlate joins records observed at different points of a
// measurement path and derives delay, loss and rate series from them.
//
// All functions are generic over the correlation key. A key must occur at
// most once per input slice; joins fail with a *DuplicateKeyError
// otherwise. Empty inputs yield empty results, never errors.
package correlate

import (
	"fmt"
	"time"

	perrors "github.com/mengelbart/mrtp-plots/pkg/errors"
)

// Keyed is one observation of a packet at a single capture or log point.
type Keyed[K comparable] struct {
	Key   K
	Time  time.Time
	Bytes int
}

// Pair is the result of joining one transmitted record with its reception.
// Lost pairs carry a zero RxTime.
type Pair[K comparable] struct {
	Key    K
	TxTime time.Time
	RxTime time.Time
	Bytes  int
	Lost   bool
}

func (p Pair[K]) Latency() time.Duration {
	if p.Lost {
		return 0
	}
	return p.RxTime.Sub(p.TxTime)
}

type DuplicateKeyError struct {
	Side  string
	Key   any
	Count int
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key %v on %s side (%d occurrences)", e.Key, e.Side, e.Count)
}

func (e *DuplicateKeyError) Is(target error) bool {
	t, ok := target.(*perrors.AnalysisError)
	return ok && t.Code == perrors.ErrCodeDuplicateKey
}

// index maps every key to its position in recs.
func index[K comparable](side string, recs []Keyed[K]) (map[K]int, error) {
	idx := make(map[K]int, len(recs))
	var dup *DuplicateKeyError
	for i, r := range recs {
		if _, ok := idx[r.Key]; ok {
			if dup == nil {
				dup = &DuplicateKeyError{Side: side, Key: r.Key, Count: 1}
			}
			if dup.Key == any(r.Key) {
				dup.Count++
			}
			continue
		}
		idx[r.Key] = i
	}
	if dup != nil {
		return nil, dup
	}
	return idx, nil
}

// Join left-joins tx onto rx by key. The result has one pair per tx record
// in tx order; tx records without a match are marked lost.
func Join[K comparable](tx, rx []Keyed[K]) ([]Pair[K], error) {
	if len(tx) == 0 {
		return nil, nil
	}
	if _, err := index("tx", tx); err != nil {
		return nil, err
	}
	rxIdx, err := index("rx", rx)
	if err != nil {
		return nil, err
	}
	pairs := make([]Pair[K], 0, len(tx))
	for _, t := range tx {
		p := Pair[K]{Key: t.Key, TxTime: t.Time, Bytes: t.Bytes, Lost: true}
		if i, ok := rxIdx[t.Key]; ok {
			p.RxTime = rx[i].Time
			p.Lost = false
		}
		pairs = append(pairs, p)
	}
	return pairs, nil
}

// Seconds converts a duration into fractional seconds through its
// millisecond value.
func Seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond) / 1000
}
