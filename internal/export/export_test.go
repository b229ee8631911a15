package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"

	"github.com/mengelbart/mrtp-plots/pkg/correlate"
	"github.com/mengelbart/mrtp-plots/pkg/records"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func analysis() *testcase.Analysis {
	c := &testcase.Case{
		Config:   &testcase.Config{Name: "static_gcc", Time: t0},
		TimeBase: records.NewTimeBase(t0),
		Capacity: []records.CapacityStep{{Time: t0, Bandwidth: 1e6, Delay: "50ms"}},
	}
	key := records.RTPKey{SSRC: 7, ExtSeq: 65537}
	return &testcase.Analysis{
		Case:   c,
		TxRate: []correlate.RatePoint{{Bucket: 0, Second: 0, Value: 8000}, {Bucket: 1, Second: 1, Value: 0}},
		OWD:    []correlate.Sample[records.RTPKey]{{Key: key, Time: t0.Add(500 * time.Millisecond), Latency: 0.05}},
		Loss:   []correlate.LossBucket{{Second: 0, Sent: 5, Lost: 1, Rate: 0.2}},
		Timeline: &correlate.Table[records.RTPKey]{
			Names: []string{"ns4", "ns1"},
			Rows: []correlate.Row[records.RTPKey]{
				{Key: key, Time: t0, Bytes: 1200, At: []time.Time{t0.Add(time.Millisecond), {}}},
			},
		},
	}
}

func TestFrames(t *testing.T) {
	frames := Frames(analysis())
	var names []string
	for _, f := range frames {
		names = append(names, f.Name)
	}
	want := []string{"tx_rate", "owd", "loss", "timeline", "capacity"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
	tl := frames[3]
	if diff := cmp.Diff([]string{"ssrc", "extseq", "bytes", "tx", "ns4", "ns1"}, tl.Columns); diff != "" {
		t.Errorf("timeline columns (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{uint64(7), uint64(65537), int64(1200), 0.0, 0.001, ""}, tl.Rows[0]); diff != "" {
		t.Errorf("timeline row (-want +got):\n%s", diff)
	}
}

func TestFramesQUICMetrics(t *testing.T) {
	a := analysis()
	a.Case.SenderQUICMetrics = []records.Metric{
		{Time: t0.Add(250 * time.Millisecond), Name: "bytes_in_flight", Value: 2504},
		{Time: t0.Add(250 * time.Millisecond), Name: "congestion_window", Value: 12000},
	}
	var got *Frame
	for _, f := range Frames(a) {
		switch f.Name {
		case "qlog_sender_metrics":
			got = f
		case "qlog_receiver_metrics":
			t.Errorf("receiver metrics exported without data")
		}
	}
	if got == nil {
		t.Fatal("qlog_sender_metrics frame missing")
	}
	want := [][]any{{0.25, "bytes_in_flight", 2504.0}, {0.25, "congestion_window", 12000.0}}
	if diff := cmp.Diff(want, got.Rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	f := &Frame{Name: "loss", Columns: []string{"second", "sent", "lost", "rate"}}
	f.add(int64(0), int64(5), int64(1), 0.2)
	f.add(int64(1), int64(3), int64(0), 0.0)
	if err := WriteCSV(&buf, f); err != nil {
		t.Fatal(err)
	}
	want := "second,sent,lost,rate\n0,5,1,0.2\n1,3,0,0\n"
	if got := buf.String(); got != want {
		t.Errorf("WriteCSV() = %q, want %q", got, want)
	}
}

func TestWriteAll(t *testing.T) {
	frames := Frames(analysis())
	for _, tt := range []struct {
		format string
		want   int
	}{
		{FormatNone, 0},
		{FormatCSV, len(frames)},
		{FormatCSVZstd, len(frames)},
		{FormatProto, len(frames)},
	} {
		t.Run(tt.format, func(t *testing.T) {
			dir := t.TempDir()
			written, err := Writer{Format: tt.format}.WriteAll(dir, frames)
			if err != nil {
				t.Fatalf("WriteAll: %v", err)
			}
			if len(written) != tt.want {
				t.Fatalf("wrote %d files, want %d", len(written), tt.want)
			}
			if tt.format == FormatCSVZstd {
				raw, err := os.ReadFile(filepath.Join(dir, "loss.csv.zst"))
				if err != nil {
					t.Fatal(err)
				}
				dec, _ := zstd.NewReader(nil)
				defer dec.Close()
				plain, err := dec.DecodeAll(raw, nil)
				if err != nil {
					t.Fatal(err)
				}
				if got, want := string(plain), "second,sent,lost,rate\n0,5,1,0.2\n"; got != want {
					t.Errorf("loss.csv.zst = %q, want %q", got, want)
				}
			}
		})
	}
}

func TestProtoFrames(t *testing.T) {
	dir := t.TempDir()
	frames := Frames(analysis())
	if _, err := (Writer{Format: FormatProto}).WriteAll(dir, frames); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(filepath.Join(dir, "owd.pb.zst"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := &Frame{
		Name:    "owd",
		Columns: []string{"second", "ssrc", "extseq", "latency"},
		Rows:    [][]any{{0.5, 7.0, 65537.0, 0.05}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestSummary(t *testing.T) {
	dir := t.TempDir()
	s := testcase.Summary{Name: "static_gcc", Time: t0, Packets: 5, Loss: correlate.LossTotals{Sent: 5, Lost: 1, Rate: 0.2}}
	path, err := WriteSummary(dir, s)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ReadSummary(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s, got); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
}
