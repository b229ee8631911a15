// Package eventlog reads newline delimited JSON event logs. Reading is best
// effort: lines that are not valid JSON are dropped, since logs of a live
// run may end with a truncated line.
package eventlog

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/valyala/fastjson"
	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/pkg/records"
)

const (
	KeyTime = "time"
	KeyMsg  = "msg"

	maxLineSize = 16 << 20
)

// Scan calls fn with every line of r that parses as JSON. Blank and
// malformed lines are skipped. The value passed to fn is only valid until
// fn returns.
func Scan(r io.Reader, fn func(v *fastjson.Value) error) error {
	return ScanAll(r, fn, nil)
}

// ScanAll is Scan with malformed lines passed to bad, which may stop the
// scan by returning an error. A nil bad drops them.
func ScanAll(r io.Reader, fn func(v *fastjson.Value) error, bad func(line int, err error) error) error {
	var p fastjson.Parser
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		// qlog JSON-SEQ files prefix every record with an RS byte
		b := bytes.Trim(sc.Bytes(), "\x1e \t\r\n")
		if len(b) == 0 {
			continue
		}
		v, err := p.ParseBytes(b)
		if err != nil {
			if bad != nil {
				if err := bad(line, err); err != nil {
					return err
				}
				continue
			}
			klog.V(5).Infof("dropping malformed line %d: %v", line, err)
			continue
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Read parses all events of r. Lines without a parseable time or without a
// msg field are dropped like malformed lines.
func Read(r io.Reader) ([]records.Event, error) {
	var events []records.Event
	err := Scan(r, func(v *fastjson.Value) error {
		if e, ok := toEvent(v); ok {
			events = append(events, e)
		}
		return nil
	})
	if err != nil {
		return events, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

func ReadFile(path string) ([]records.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	events, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	klog.V(2).Infof("read %d events from %s", len(events), path)
	return events, nil
}

func toEvent(v *fastjson.Value) (records.Event, bool) {
	fields := Flatten(v)
	ts, ok := fields[KeyTime].(string)
	if !ok {
		return records.Event{}, false
	}
	t, err := ParseTime(ts)
	if err != nil {
		return records.Event{}, false
	}
	msg, ok := fields[KeyMsg].(string)
	if !ok {
		return records.Event{}, false
	}
	delete(fields, KeyTime)
	delete(fields, KeyMsg)
	return records.Event{Time: t, Msg: msg, Fields: fields}, true
}

// ParseTime parses the timezone aware timestamps written by the loggers of
// the test applications.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Flatten turns nested objects into dotted field names, for example
// {"rtp-packet":{"ssrc":1}} becomes "rtp-packet.ssrc". Arrays are kept as
// their JSON text.
func Flatten(v *fastjson.Value) map[string]any {
	out := make(map[string]any)
	flatten("", v, out)
	return out
}

func flatten(prefix string, v *fastjson.Value, out map[string]any) {
	if v.Type() != fastjson.TypeObject {
		if prefix != "" {
			out[prefix] = Value(v)
		}
		return
	}
	o, _ := v.Object()
	o.Visit(func(k []byte, child *fastjson.Value) {
		key := string(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		flatten(key, child, out)
	})
}

// Value converts a scalar JSON value to float64, string, bool or nil.
// Objects and arrays are returned as JSON text.
func Value(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeNull:
		return nil
	default:
		return v.String()
	}
}
