package capture

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	perrors "github.com/mengelbart/mrtp-plots/pkg/errors"
	"github.com/mengelbart/mrtp-plots/pkg/records"
)

const (
	RTPFilter  = "rtp and rtp.version == 2 and not icmp and not quic"
	RTCPFilter = "rtcp or srtcp"
	DTLSFilter = "dtls and not dtls.handshake"
)

var frameFields = []string{
	"frame.time_epoch",
	"frame.len",
	"ip.src",
	"ipv6.src",
	"udp.srcport",
	"ip.dst",
	"ipv6.dst",
	"udp.dstport",
}

var rtpFields = append(append([]string{}, frameFields...),
	"udp.length",
	"rtp.ssrc",
	"rtp.extseq",
	"rtp.timestamp",
	"rtp.p_type",
	"rtp.marker",
	"rtp.cc",
	"rtp.ext",
	"rtp.ext.len",
	"rtp.padding.count",
)

var dtlsFields = append(append([]string{}, frameFields...),
	"dtls.record.content_type",
	"dtls.record.epoch",
	"dtls.record.sequence_number",
	"dtls.record.length",
)

// TShark dissects captures with the tshark binary. DecodeAs entries are
// passed as -d rules, e.g. "udp.port==5000,rtp".
type TShark struct {
	Path     string
	DecodeAs []string
}

func (t *TShark) Dissect(ctx context.Context, path string) (*Capture, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, perrors.ErrDissectorFailed(path, err)
	}
	c := &Capture{Source: SourceName(path)}

	out, err := t.run(ctx, path, RTPFilter, rtpFields)
	if err != nil {
		return nil, err
	}
	if c.RTP, err = parseRTP(bytes.NewReader(out), c.Source); err != nil {
		return nil, perrors.ErrDissectorFailed(path, err)
	}

	out, err = t.run(ctx, path, RTCPFilter, frameFields)
	if err != nil {
		return nil, err
	}
	if c.RTCP, err = parseRTCP(bytes.NewReader(out), c.Source); err != nil {
		return nil, perrors.ErrDissectorFailed(path, err)
	}

	out, err = t.run(ctx, path, DTLSFilter, dtlsFields)
	if err != nil {
		return nil, err
	}
	if c.DTLS, err = parseDTLS(bytes.NewReader(out), c.Source); err != nil {
		return nil, perrors.ErrDissectorFailed(path, err)
	}
	klog.V(2).Infof("%s: %d rtp, %d rtcp, %d dtls", path, len(c.RTP), len(c.RTCP), len(c.DTLS))
	return c, nil
}

func (t *TShark) args(path, filter string, fields []string) []string {
	args := []string{"-r", path}
	for _, d := range t.DecodeAs {
		args = append(args, "-d", d)
	}
	args = append(args,
		"-Y", filter,
		"-T", "fields",
		"-E", "header=y",
		"-E", "separator=,",
		"-E", "quote=d",
		"-E", "occurrence=f",
	)
	for _, f := range fields {
		args = append(args, "-e", f)
	}
	return args
}

func (t *TShark) run(ctx context.Context, path, filter string, fields []string) ([]byte, error) {
	bin := t.Path
	if bin == "" {
		bin = "tshark"
	}
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, t.args(path, filter, fields)...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, perrors.ErrDissectorFailed(path,
			fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
	}
	return out, nil
}

// table is tshark field output indexed by header name.
type table struct {
	cols map[string]int
	rows [][]string
}

func readTable(r io.Reader) (*table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	t := &table{cols: map[string]int{}}
	if len(rows) == 0 {
		return t, nil
	}
	for i, name := range rows[0] {
		t.cols[name] = i
	}
	t.rows = rows[1:]
	return t, nil
}

func (t *table) get(row []string, name string) string {
	i, ok := t.cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (t *table) uint(row []string, name string, bits int) (uint64, bool) {
	s := t.get(row, name)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 0, bits)
	return v, err == nil
}

func (t *table) frame(row []string) (time.Time, records.Endpoint, records.Endpoint, int, bool) {
	ts, err := ParseEpoch(t.get(row, "frame.time_epoch"))
	if err != nil {
		return time.Time{}, records.Endpoint{}, records.Endpoint{}, 0, false
	}
	length, _ := t.uint(row, "frame.len", 32)
	srcPort, _ := t.uint(row, "udp.srcport", 16)
	dstPort, _ := t.uint(row, "udp.dstport", 16)
	src := records.Endpoint{IP: t.get(row, "ip.src"), Port: uint16(srcPort)}
	if src.IP == "" {
		src.IP = t.get(row, "ipv6.src")
	}
	dst := records.Endpoint{IP: t.get(row, "ip.dst"), Port: uint16(dstPort)}
	if dst.IP == "" {
		dst.IP = t.get(row, "ipv6.dst")
	}
	return ts, src, dst, int(length), true
}

func parseRTP(r io.Reader, source string) ([]records.RTPPacket, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, err
	}
	var packets []records.RTPPacket
	for _, row := range t.rows {
		ts, src, dst, length, ok := t.frame(row)
		if !ok {
			continue
		}
		ssrc, ok := t.uint(row, "rtp.ssrc", 32)
		if !ok {
			continue
		}
		extseq, ok := t.uint(row, "rtp.extseq", 64)
		if !ok {
			continue
		}
		rtpTS, _ := t.uint(row, "rtp.timestamp", 32)
		pt, _ := t.uint(row, "rtp.p_type", 8)
		packets = append(packets, records.RTPPacket{
			Time:          ts,
			Source:        source,
			Src:           src,
			Dst:           dst,
			Length:        length,
			PayloadLength: t.payloadLength(row),
			SSRC:          uint32(ssrc),
			ExtSeq:        extseq,
			Timestamp:     uint32(rtpTS),
			PayloadType:   uint8(pt),
			Marker:        parseFlag(t.get(row, "rtp.marker")),
		})
	}
	return packets, nil
}

// payloadLength subtracts the RTP header, CSRC list, header extension and
// padding from the UDP payload.
func (t *table) payloadLength(row []string) int {
	udpLen, ok := t.uint(row, "udp.length", 32)
	if !ok {
		return 0
	}
	n := int(udpLen) - 8 - 12
	cc, _ := t.uint(row, "rtp.cc", 8)
	n -= 4 * int(cc)
	if parseFlag(t.get(row, "rtp.ext")) {
		extLen, _ := t.uint(row, "rtp.ext.len", 16)
		n -= 4 + 4*int(extLen)
	}
	padding, _ := t.uint(row, "rtp.padding.count", 8)
	n -= int(padding)
	if n < 0 {
		return 0
	}
	return n
}

func parseRTCP(r io.Reader, source string) ([]records.RTCPPacket, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, err
	}
	var packets []records.RTCPPacket
	for _, row := range t.rows {
		ts, src, dst, length, ok := t.frame(row)
		if !ok {
			continue
		}
		packets = append(packets, records.RTCPPacket{
			Time:   ts,
			Source: source,
			Src:    src,
			Dst:    dst,
			Length: length,
		})
	}
	return packets, nil
}

func parseDTLS(r io.Reader, source string) ([]records.DTLSRecord, error) {
	t, err := readTable(r)
	if err != nil {
		return nil, err
	}
	var recs []records.DTLSRecord
	for _, row := range t.rows {
		ts, src, dst, _, ok := t.frame(row)
		if !ok {
			continue
		}
		epoch, ok := t.uint(row, "dtls.record.epoch", 16)
		if !ok {
			continue
		}
		seq, ok := t.uint(row, "dtls.record.sequence_number", 64)
		if !ok {
			continue
		}
		ct, _ := t.uint(row, "dtls.record.content_type", 8)
		length, _ := t.uint(row, "dtls.record.length", 32)
		recs = append(recs, records.DTLSRecord{
			Time:        ts,
			Source:      source,
			Src:         src,
			Dst:         dst,
			Length:      int(length),
			ContentType: uint8(ct),
			Epoch:       uint16(epoch),
			Seq:         seq,
		})
	}
	return recs, nil
}

// ParseEpoch parses a decimal seconds-since-epoch timestamp without going
// through float64, keeping nanosecond precision.
func ParseEpoch(s string) (time.Time, error) {
	secs, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse epoch %q: %w", s, err)
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		if nsec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, fmt.Errorf("parse epoch %q: %w", s, err)
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}

func parseFlag(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true":
		return true
	}
	return false
}
