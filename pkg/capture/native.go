package capture

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"k8s.io/klog/v2"

	perrors "github.com/mengelbart/mrtp-plots/pkg/errors"
	"github.com/mengelbart/mrtp-plots/pkg/records"
)

const (
	rtpHeaderLen  = 12
	dtlsHeaderLen = 13

	dtlsHandshake = 22
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Native decodes captures with gopacket. It understands classic pcap and
// pcapng files and demultiplexes UDP payloads into RTP, RTCP and DTLS.
type Native struct{}

func (n *Native) Dissect(ctx context.Context, path string) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, perrors.ErrDissectorFailed(path, err)
	}
	defer f.Close()
	c, err := n.Read(ctx, f, SourceName(path))
	if err != nil {
		if perrors.IsContextError(err) {
			return nil, err
		}
		return nil, perrors.ErrDissectorFailed(path, err)
	}
	klog.V(2).Infof("%s: %d rtp, %d rtcp, %d dtls", path, len(c.RTP), len(c.RTCP), len(c.DTLS))
	return c, nil
}

// Read dissects a pcap or pcapng stream. An empty stream yields an empty
// capture.
func (n *Native) Read(ctx context.Context, r io.Reader, source string) (*Capture, error) {
	c := &Capture{Source: source}
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if len(magic) == 0 && errors.Is(err, io.EOF) {
		return c, nil
	}
	var src packetSource
	if bytes.Equal(magic, pcapngMagic) {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}

	unwrap := newSeqUnwrapper()
	for i := 0; ; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read packet %d: %w", i, err)
		}
		pkt := gopacket.NewPacket(data, src.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		srcEP, dstEP := endpoints(pkt, udp)
		length := ci.Length
		if length == 0 {
			length = len(data)
		}
		c.classify(udp.Payload, ci, length, srcEP, dstEP, unwrap)
	}
	return c, nil
}

func endpoints(pkt gopacket.Packet, udp *layers.UDP) (records.Endpoint, records.Endpoint) {
	src := records.Endpoint{Port: uint16(udp.SrcPort)}
	dst := records.Endpoint{Port: uint16(udp.DstPort)}
	if nl := pkt.NetworkLayer(); nl != nil {
		flow := nl.NetworkFlow()
		src.IP = flow.Src().String()
		dst.IP = flow.Dst().String()
	}
	return src, dst
}

// classify follows the first-byte demultiplexing of RFC 7983: 20-63 is
// DTLS, 128-191 is RTP or RTCP. QUIC and STUN packets are ignored.
func (c *Capture) classify(payload []byte, ci gopacket.CaptureInfo, length int, src, dst records.Endpoint, unwrap *seqUnwrapper) {
	if len(payload) == 0 {
		return
	}
	b := payload[0]
	switch {
	case b >= 20 && b <= 63:
		for _, rec := range parseDTLSRecords(payload) {
			rec.Time = ci.Timestamp
			rec.Source = c.Source
			rec.Src = src
			rec.Dst = dst
			c.DTLS = append(c.DTLS, rec)
		}
	case b >= 128 && b <= 191:
		if len(payload) < 2 {
			return
		}
		if pt := payload[1]; pt >= 200 && pt <= 207 {
			c.RTCP = append(c.RTCP, records.RTCPPacket{
				Time:   ci.Timestamp,
				Source: c.Source,
				Src:    src,
				Dst:    dst,
				Length: length,
			})
			return
		}
		p, ok := decodeRTPHeader(payload)
		if !ok {
			return
		}
		p.Time = ci.Timestamp
		p.Source = c.Source
		p.Src = src
		p.Dst = dst
		p.Length = length
		p.ExtSeq = unwrap.extend(p.SSRC, uint16(p.ExtSeq))
		c.RTP = append(c.RTP, p)
	}
}

// decodeRTPHeader decodes an RTP version 2 header. ExtSeq holds the plain 16 bit
// sequence number.
func decodeRTPHeader(b []byte) (records.RTPPacket, bool) {
	if len(b) < rtpHeaderLen || b[0]>>6 != 2 {
		return records.RTPPacket{}, false
	}
	padding := b[0]&0x20 != 0
	extension := b[0]&0x10 != 0
	cc := int(b[0] & 0x0f)
	p := records.RTPPacket{
		Marker:      b[1]&0x80 != 0,
		PayloadType: b[1] & 0x7f,
		ExtSeq:      uint64(binary.BigEndian.Uint16(b[2:4])),
		Timestamp:   binary.BigEndian.Uint32(b[4:8]),
		SSRC:        binary.BigEndian.Uint32(b[8:12]),
	}
	n := rtpHeaderLen + 4*cc
	if extension {
		if len(b) < n+4 {
			return records.RTPPacket{}, false
		}
		n += 4 + 4*int(binary.BigEndian.Uint16(b[n+2:n+4]))
	}
	payload := len(b) - n
	if padding {
		payload -= int(b[len(b)-1])
	}
	if payload < 0 {
		return records.RTPPacket{}, false
	}
	p.PayloadLength = payload
	return p, true
}

// parseDTLSRecords splits a datagram into DTLS records, dropping handshake
// records.
func parseDTLSRecords(b []byte) []records.DTLSRecord {
	var recs []records.DTLSRecord
	for len(b) >= dtlsHeaderLen {
		ct := b[0]
		version := binary.BigEndian.Uint16(b[1:3])
		if ct < 20 || ct > 25 || (version != 0xfeff && version != 0xfefd) {
			break
		}
		epoch := binary.BigEndian.Uint16(b[3:5])
		seq := uint64(b[5])<<40 | uint64(b[6])<<32 | uint64(binary.BigEndian.Uint32(b[7:11]))
		length := int(binary.BigEndian.Uint16(b[11:13]))
		if ct != dtlsHandshake {
			recs = append(recs, records.DTLSRecord{
				ContentType: ct,
				Epoch:       epoch,
				Seq:         seq,
				Length:      length,
			})
		}
		if len(b) < dtlsHeaderLen+length {
			break
		}
		b = b[dtlsHeaderLen+length:]
	}
	return recs
}

type seqState struct {
	cycles uint64
	max    uint16
}

// seqUnwrapper computes extended sequence numbers per SSRC the way
// Wireshark does: the first cycle is 1, so the first packet of a stream
// gets 65536 + seq.
type seqUnwrapper struct {
	streams map[uint32]*seqState
}

func newSeqUnwrapper() *seqUnwrapper {
	return &seqUnwrapper{streams: map[uint32]*seqState{}}
}

func (u *seqUnwrapper) extend(ssrc uint32, seq uint16) uint64 {
	s, ok := u.streams[ssrc]
	if !ok {
		u.streams[ssrc] = &seqState{cycles: 1, max: seq}
		return 1<<16 | uint64(seq)
	}
	switch {
	case seq < s.max && s.max-seq > 0x8000:
		s.cycles++
		s.max = seq
	case seq > s.max && seq-s.max > 0x8000:
		// reordered packet from before the last wrap
		return (s.cycles-1)<<16 | uint64(seq)
	case seq > s.max:
		s.max = seq
	}
	return s.cycles<<16 | uint64(seq)
}
