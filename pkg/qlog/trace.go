// Package qlog reads QUIC qlog traces written as JSON-SEQ or newline
// delimited JSON. Event times in a trace are relative to a single reference
// wall clock time declared in the first record.
package qlog

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/quic-go/quic-go/logging"
	"github.com/valyala/fastjson"
	"k8s.io/klog/v2"

	perrors "github.com/mengelbart/mrtp-plots/pkg/errors"
	"github.com/mengelbart/mrtp-plots/pkg/eventlog"
	"github.com/mengelbart/mrtp-plots/pkg/records"
)

const (
	PacketSent      = "transport:packet_sent"
	PacketReceived  = "transport:packet_received"
	MetricsUpdated  = "recovery:metrics_updated"
	dataPrefix      = "data."
	frameTypeStream = "stream"
)

type Event struct {
	Time     time.Time
	Relative time.Duration
	Name     string
	Fields   map[string]any
	Frames   []records.QUICFrame
}

type Trace struct {
	Path          string
	ReferenceTime time.Time
	Events        []Event

	resolved bool
}

// Parse reads all events of a trace without resolving their times. The
// first line must be the trace header.
func Parse(r io.Reader) (*Trace, error) {
	t := &Trace{}
	first := true
	header := func(line int, err error) error {
		if !first {
			klog.V(5).Infof("dropping malformed qlog line %d: %v", line, err)
			return nil
		}
		klog.Warningf("qlog header on line %d is not valid JSON: %v", line, err)
		return perrors.MissingReferenceTime(perrors.ErrMalformedLine(line, err))
	}
	err := eventlog.ScanAll(r, func(v *fastjson.Value) error {
		if first {
			first = false
			ref, ok := referenceTime(v)
			if !ok {
				return perrors.ErrMissingReferenceTime
			}
			t.ReferenceTime = ref
			return nil
		}
		if e, ok := toEvent(v); ok {
			t.Events = append(t.Events, e)
		}
		return nil
	}, header)
	if err != nil {
		return nil, err
	}
	if first {
		return nil, perrors.ErrMissingReferenceTime
	}
	return t, nil
}

// Read parses a trace and resolves the times of its events.
func Read(r io.Reader) (*Trace, error) {
	t, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if err := t.Resolve(); err != nil {
		return nil, err
	}
	return t, nil
}

func ReadFile(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read qlog %s: %w", path, err)
	}
	t.Path = path
	klog.V(2).Infof("read %d qlog events from %s (reference time %v)", len(t.Events), path, t.ReferenceTime)
	return t, nil
}

// Resolve adds the reference time to the relative offset of every event.
// It must run exactly once per trace; later calls fail with
// ErrAlreadyResolved.
func (t *Trace) Resolve() error {
	if t.resolved {
		return perrors.ErrAlreadyResolved
	}
	for i := range t.Events {
		t.Events[i].Time = t.ReferenceTime.Add(t.Events[i].Relative)
	}
	t.resolved = true
	return nil
}

func (t *Trace) ByName() map[string][]Event {
	m := make(map[string][]Event)
	for _, e := range t.Events {
		m[e.Name] = append(m[e.Name], e)
	}
	return m
}

// Packets returns the packets of all events with the given name, usually
// PacketSent or PacketReceived.
func (t *Trace) Packets(name string) []records.QUICPacket {
	var packets []records.QUICPacket
	for _, e := range t.Events {
		if e.Name != name {
			continue
		}
		pn, ok := intField(e.Fields, "data.header.packet_number")
		if !ok {
			continue
		}
		p := records.QUICPacket{
			Time:         e.Time,
			Event:        e.Name,
			PacketNumber: logging.PacketNumber(pn),
			Frames:       e.Frames,
		}
		if pt, ok := e.Fields["data.header.packet_type"].(string); ok {
			p.PacketType = pt
		}
		if l, ok := intField(e.Fields, "data.raw.length"); ok {
			p.Length = logging.ByteCount(l)
		} else if l, ok := intField(e.Fields, "data.header.packet_size"); ok {
			p.Length = logging.ByteCount(l)
		}
		packets = append(packets, p)
	}
	return packets
}

// Metrics unpivots the numeric fields of recovery:metrics_updated events.
// Metrics of one event are ordered by name.
func (t *Trace) Metrics() []records.Metric {
	var metrics []records.Metric
	for _, e := range t.Events {
		if e.Name != MetricsUpdated {
			continue
		}
		start := len(metrics)
		for k, v := range e.Fields {
			f, ok := v.(float64)
			if !ok {
				continue
			}
			metrics = append(metrics, records.Metric{
				Time:  e.Time,
				Name:  strings.TrimPrefix(k, dataPrefix),
				Value: f,
			})
		}
		ev := metrics[start:]
		sort.Slice(ev, func(i, j int) bool { return ev[i].Name < ev[j].Name })
	}
	return metrics
}

// FrameRow is one frame of a packet. It keeps the time and packet number of
// the packet it was carried in.
type FrameRow struct {
	Time         time.Time
	PacketNumber logging.PacketNumber
	records.QUICFrame
}

// UnnestFrames explodes packets into one row per frame.
func UnnestFrames(packets []records.QUICPacket) []FrameRow {
	var rows []FrameRow
	for _, p := range packets {
		for _, f := range p.Frames {
			rows = append(rows, FrameRow{Time: p.Time, PacketNumber: p.PacketNumber, QUICFrame: f})
		}
	}
	return rows
}

// StreamFrames returns the stream frames of rows.
func StreamFrames(rows []FrameRow) []FrameRow {
	var out []FrameRow
	for _, r := range rows {
		if r.Type == frameTypeStream {
			out = append(out, r)
		}
	}
	return out
}

func referenceTime(v *fastjson.Value) (time.Time, bool) {
	common := v.Get("trace", "common_fields")
	if common == nil {
		return time.Time{}, false
	}
	ref := common.Get("reference_time")
	if ref == nil {
		return time.Time{}, false
	}
	switch ref.Type() {
	case fastjson.TypeObject:
		wall := ref.GetStringBytes("wall_clock_time")
		if wall == nil {
			return time.Time{}, false
		}
		t, err := eventlog.ParseTime(string(wall))
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case fastjson.TypeNumber:
		// legacy traces declare milliseconds since the unix epoch
		ms := ref.GetFloat64()
		sec, frac := math.Modf(ms / 1000)
		return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC(), true
	case fastjson.TypeString:
		t, err := eventlog.ParseTime(string(ref.GetStringBytes()))
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

func toEvent(v *fastjson.Value) (Event, bool) {
	tv := v.Get("time")
	if tv == nil || tv.Type() != fastjson.TypeNumber {
		return Event{}, false
	}
	name := string(v.GetStringBytes("name"))
	if name == "" {
		return Event{}, false
	}
	e := Event{
		Relative: msToDuration(tv.GetFloat64()),
		Name:     name,
		Fields:   make(map[string]any),
	}
	if data := v.Get("data"); data != nil {
		for k, val := range eventlog.Flatten(data) {
			e.Fields[dataPrefix+k] = val
		}
		for _, f := range data.GetArray("frames") {
			e.Frames = append(e.Frames, toFrame(f))
		}
	}
	return e, true
}

func toFrame(v *fastjson.Value) records.QUICFrame {
	f := records.QUICFrame{
		Type:   string(v.GetStringBytes("frame_type")),
		Offset: v.GetInt64("offset"),
		Length: logging.ByteCount(v.GetInt64("length")),
		Fin:    v.GetBool("fin"),
	}
	if id := v.Get("stream_id"); id != nil {
		f.StreamID = logging.StreamID(id.GetInt64())
	}
	return f
}

func intField(fields map[string]any, key string) (int64, bool) {
	f, ok := fields[key].(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}
