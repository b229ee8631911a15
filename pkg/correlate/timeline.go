package correlate

import (
	"time"
)

// Observation is a named capture or log point that saw some of the
// transmitted records.
type Observation[K comparable] struct {
	Name    string
	Records []Keyed[K]
}

// Row is one transmitted record with the time it was seen at each
// observation point. At is aligned with the observations passed to
// Timeline; a zero time means the point never saw the record.
type Row[K comparable] struct {
	Key   K
	Time  time.Time
	Bytes int
	At    []time.Time
}

func (r Row[K]) Seen(i int) bool {
	return i < len(r.At) && !r.At[i].IsZero()
}

type Table[K comparable] struct {
	Names []string
	Rows  []Row[K]
}

// Column returns the index of the named observation point, or -1.
func (t *Table[K]) Column(name string) int {
	for i, n := range t.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Between returns one Keyed slice for each of two columns, suitable as OWD
// or Loss input. A column index of -1 selects the tx time.
func (t *Table[K]) Between(from, to int) ([]Keyed[K], []Keyed[K]) {
	var a, b []Keyed[K]
	for _, r := range t.Rows {
		if ta, ok := r.time(from); ok {
			a = append(a, Keyed[K]{Key: r.Key, Time: ta, Bytes: r.Bytes})
		}
		if tb, ok := r.time(to); ok {
			b = append(b, Keyed[K]{Key: r.Key, Time: tb, Bytes: r.Bytes})
		}
	}
	return a, b
}

func (r Row[K]) time(col int) (time.Time, bool) {
	if col < 0 {
		return r.Time, true
	}
	if !r.Seen(col) {
		return time.Time{}, false
	}
	return r.At[col], true
}

// Timeline left-joins tx onto every observation. Keys must be unique in tx
// and in each observation.
func Timeline[K comparable](tx []Keyed[K], observers ...Observation[K]) (*Table[K], error) {
	t := &Table[K]{Names: make([]string, len(observers))}
	if _, err := index("tx", tx); err != nil {
		return nil, err
	}
	idx := make([]map[K]int, len(observers))
	for i, o := range observers {
		t.Names[i] = o.Name
		m, err := index(o.Name, o.Records)
		if err != nil {
			return nil, err
		}
		idx[i] = m
	}
	for _, r := range tx {
		row := Row[K]{Key: r.Key, Time: r.Time, Bytes: r.Bytes, At: make([]time.Time, len(observers))}
		for i, o := range observers {
			if j, ok := idx[i][r.Key]; ok {
				row.At[i] = o.Records[j].Time
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
