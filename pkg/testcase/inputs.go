package testcase

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	perrors "github.com/mengelbart/mrtp-plots/pkg/errors"
	"github.com/mengelbart/mrtp-plots/pkg/eventlog"
	"github.com/mengelbart/mrtp-plots/pkg/records"
)

// Config is the reference record of a test case. Name has the form
// "<netconf>_<appconf>".
type Config struct {
	Name    string
	NetConf string
	AppConf string
	Time    time.Time
	Fields  map[string]any
}

func ReadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	v, err := fastjson.ParseBytes(b)
	if err != nil {
		return nil, perrors.ErrInvalidConfig("parse "+path, err)
	}
	c := &Config{Fields: eventlog.Flatten(v)}
	c.Name, _ = c.Fields["name"].(string)
	if c.Name == "" {
		return nil, perrors.ErrInvalidConfig(path+": missing name", nil)
	}
	ts, _ := c.Fields["time"].(string)
	if c.Time, err = eventlog.ParseTime(ts); err != nil {
		return nil, perrors.ErrInvalidConfig(path+": invalid time", err)
	}
	c.NetConf, c.AppConf, _ = strings.Cut(c.Name, "_")
	return c, nil
}

// TestType groups runs that differ only in the last underscore separated
// part of their name, usually the congestion controller.
func TestType(name string) string {
	if i := strings.LastIndex(name, "_"); i > 0 {
		return name[:i]
	}
	return name
}

var bandwidthPattern = regexp.MustCompile(`^(\d+)([a-zA-Z]+)$`)

var bandwidthUnits = map[string]float64{
	"bit":  1,
	"kbit": 1e3,
	"mbit": 1e6,
	"gbit": 1e9,
}

// ParseBandwidth converts tc rate strings like "500kbit" to bit/s. Unknown
// units yield zero.
func ParseBandwidth(s string) (float64, bool) {
	m := bandwidthPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v * bandwidthUnits[strings.ToLower(m[2])], true
}

// ReadTC reads the traffic control schedule applied during a run.
func ReadTC(path string) ([]records.CapacityStep, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var steps []records.CapacityStep
	err = eventlog.Scan(f, func(v *fastjson.Value) error {
		ts, err := eventlog.ParseTime(string(v.GetStringBytes(eventlog.KeyTime)))
		if err != nil {
			return nil
		}
		step := records.CapacityStep{
			Time:  ts,
			Burst: text(v.Get("burst")),
			Limit: text(v.Get("limit")),
			Delay: text(v.Get("delay")),
		}
		if bw, ok := ParseBandwidth(text(v.Get("bandwidth"))); ok {
			step.Bandwidth = bw
		}
		steps = append(steps, step)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return steps, nil
}

func text(v *fastjson.Value) string {
	if v == nil {
		return ""
	}
	if s, ok := eventlog.Value(v).(string); ok {
		return s
	}
	return v.String()
}

const (
	colFrame    = "n"
	colDistFile = "input_file_dist"
	colRefFile  = "input_file_ref"
)

// ReadQuality reads a per-frame video quality report and unpivots every
// numeric column into one sample.
func ReadQuality(path string) ([]records.QualitySample, error) {
	header, rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, nil
	}
	col := columns(header)
	n, ok := col[colFrame]
	if !ok {
		return nil, fmt.Errorf("%s: missing column %q", path, colFrame)
	}
	var samples []records.QualitySample
	for _, row := range rows {
		frame, err := strconv.Atoi(field(row, n))
		if err != nil {
			continue
		}
		dist, ref := field(row, lookup(col, colDistFile)), field(row, lookup(col, colRefFile))
		for i, name := range header {
			if i == n || name == colDistFile || name == colRefFile {
				continue
			}
			v, err := strconv.ParseFloat(field(row, i), 64)
			if err != nil {
				continue
			}
			samples = append(samples, records.QualitySample{
				N:        frame,
				Variable: name,
				Value:    v,
				DistFile: dist,
				RefFile:  ref,
			})
		}
	}
	return samples, nil
}

func ReadLostFrames(path string) ([]records.LostFrame, error) {
	header, rows, err := readCSV(path)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, nil
	}
	col := columns(header)
	fn, ok1 := col["frame_number"]
	ts, ok2 := col["rtp_timestamp"]
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%s: missing frame_number or rtp_timestamp column", path)
	}
	var frames []records.LostFrame
	for _, row := range rows {
		n, err := strconv.ParseInt(field(row, fn), 10, 64)
		if err != nil {
			continue
		}
		t, _ := strconv.ParseInt(field(row, ts), 10, 64)
		frames = append(frames, records.LostFrame{FrameNumber: n, RTPTimestamp: t})
	}
	return frames, nil
}

func readCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return header, rows, nil
}

func columns(header []string) map[string]int {
	m := make(map[string]int, len(header))
	for i, h := range header {
		m[strings.TrimSpace(h)] = i
	}
	return m
}

func lookup(col map[string]int, name string) int {
	if i, ok := col[name]; ok {
		return i
	}
	return -1
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
