package qlog_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	perrors "github.com/mengelbart/mrtp-plots/pkg/errors"
	"github.com/mengelbart/mrtp-plots/pkg/qlog"
)

const senderTrace = "\x1e" + `{"qlog_version":"0.3","qlog_format":"JSON-SEQ","trace":{"vantage_point":{"type":"client"},"common_fields":{"reference_time":{"clock_type":"system","wall_clock_time":"2024-03-01T09:00:00Z"}}}}
` + "\x1e" + `{"time":10.5,"name":"transport:packet_sent","data":{"header":{"packet_type":"1RTT","packet_number":0},"raw":{"length":1252},"frames":[{"frame_type":"stream","stream_id":0,"offset":0,"length":600},{"frame_type":"stream","stream_id":4,"offset":0,"length":600,"fin":true}]}}
` + "\x1e" + `{"time":20,"name":"recovery:metrics_updated","data":{"smoothed_rtt":31.5,"congestion_window":14720}}
` + "\x1e" + `{"time":30,"name":"transport:packet_sent","data":{"header":{"packet_type":"1RTT","packet_number":1},"raw":{"length":300},"frames":[{"frame_type":"ack"}]}}
`

func TestReadResolvesReferenceTime(t *testing.T) {
	trace, err := qlog.Read(strings.NewReader(senderTrace))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	ref := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	if !trace.ReferenceTime.Equal(ref) {
		t.Fatalf("reference time = %v, want %v", trace.ReferenceTime, ref)
	}
	if len(trace.Events) != 3 {
		t.Fatalf("got %d events, want 3", len(trace.Events))
	}
	want := ref.Add(10500 * time.Microsecond)
	if !trace.Events[0].Time.Equal(want) {
		t.Errorf("first event time = %v, want %v", trace.Events[0].Time, want)
	}
}

func TestResolveRunsOnce(t *testing.T) {
	trace, err := qlog.Read(strings.NewReader(senderTrace))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	before := trace.Events[0].Time
	if err := trace.Resolve(); !errors.Is(err, perrors.ErrAlreadyResolved) {
		t.Fatalf("second Resolve err = %v, want ErrAlreadyResolved", err)
	}
	if !trace.Events[0].Time.Equal(before) {
		t.Errorf("time changed by second Resolve: %v -> %v", before, trace.Events[0].Time)
	}
}

func TestMissingReferenceTime(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "no common fields", input: `{"qlog_version":"0.3","trace":{}}` + "\n"},
		{name: "no wall clock", input: `{"trace":{"common_fields":{"reference_time":{"clock_type":"monotonic"}}}}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := qlog.Read(strings.NewReader(tt.input))
			if !errors.Is(err, perrors.ErrMissingReferenceTime) {
				t.Fatalf("err = %v, want ErrMissingReferenceTime", err)
			}
		})
	}
}

func TestLegacyNumericReferenceTime(t *testing.T) {
	input := `{"trace":{"common_fields":{"reference_time":1709283600000}}}
{"time":1,"name":"transport:packet_received","data":{"header":{"packet_number":7},"raw":{"length":100}}}
`
	trace, err := qlog.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := time.Date(2024, 3, 1, 9, 0, 0, int(time.Millisecond), time.UTC)
	if !trace.Events[0].Time.Equal(want) {
		t.Errorf("time = %v, want %v", trace.Events[0].Time, want)
	}
	packets := trace.Packets(qlog.PacketReceived)
	if len(packets) != 1 || packets[0].PacketNumber != 7 || packets[0].Length != 100 {
		t.Errorf("unexpected packets %+v", packets)
	}
}

func TestUnnestFrames(t *testing.T) {
	trace, err := qlog.Read(strings.NewReader(senderTrace))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	packets := trace.Packets(qlog.PacketSent)
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2", len(packets))
	}
	rows := qlog.UnnestFrames(packets)
	if len(rows) != 3 {
		t.Fatalf("got %d frame rows, want 3", len(rows))
	}
	for _, r := range rows[:2] {
		if !r.Time.Equal(packets[0].Time) || r.PacketNumber != 0 {
			t.Errorf("frame row lost parent fields: %+v", r)
		}
	}
	if rows[1].StreamID != 4 || !rows[1].Fin {
		t.Errorf("unexpected second frame %+v", rows[1])
	}
	if got := len(qlog.StreamFrames(rows)); got != 2 {
		t.Errorf("stream frames = %d, want 2", got)
	}
}

func TestMetrics(t *testing.T) {
	trace, err := qlog.Read(strings.NewReader(senderTrace))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	got := map[string]float64{}
	for _, m := range trace.Metrics() {
		got[m.Name] = m.Value
	}
	if got["smoothed_rtt"] != 31.5 || got["congestion_window"] != 14720 {
		t.Errorf("unexpected metrics %v", got)
	}
}

func TestMetricsOrderedByName(t *testing.T) {
	trace, err := qlog.Read(strings.NewReader(senderTrace))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var names []string
	for _, m := range trace.Metrics() {
		names = append(names, m.Name)
	}
	if got, want := strings.Join(names, ","), "congestion_window,smoothed_rtt"; got != want {
		t.Errorf("metric names = %s, want %s", got, want)
	}
}

func TestByName(t *testing.T) {
	trace, err := qlog.Read(strings.NewReader(senderTrace))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	byName := trace.ByName()
	if len(byName) != 2 {
		t.Fatalf("got %d event names, want 2", len(byName))
	}
	if got := len(byName[qlog.PacketSent]); got != 2 {
		t.Errorf("%s events = %d, want 2", qlog.PacketSent, got)
	}
	updates := byName[qlog.MetricsUpdated]
	if len(updates) != 1 || updates[0].Relative != 20*time.Millisecond {
		t.Errorf("%s events = %+v", qlog.MetricsUpdated, updates)
	}
}

func TestMalformedHeader(t *testing.T) {
	input := "\x1e{\"qlog_version\":\"0.3\",\"trace\":{\"common_fields\"\n" +
		"\x1e" + `{"time":1,"name":"transport:packet_received","data":{"header":{"packet_number":7},"raw":{"length":100}}}` + "\n"
	_, err := qlog.Read(strings.NewReader(input))
	if !errors.Is(err, perrors.ErrMissingReferenceTime) {
		t.Fatalf("err = %v, want ErrMissingReferenceTime", err)
	}
	if !errors.Is(err, &perrors.AnalysisError{Code: perrors.ErrCodeMalformedLine}) {
		t.Errorf("err = %v, want malformed line 1 as cause", err)
	}
}

func TestMalformedEventLineSkipped(t *testing.T) {
	input := senderTrace + "\x1e{\"time\":40,\"name\"\n"
	trace, err := qlog.Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(trace.Events) != 3 {
		t.Errorf("got %d events, want 3", len(trace.Events))
	}
}
