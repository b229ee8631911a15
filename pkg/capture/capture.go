// Package capture dissects pcap files into RTP, RTCP and DTLS records.
//
// Two dissectors are available: TShark shells out to Wireshark's command
// line tool, Native decodes the headers in process with gopacket.
package capture

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"

	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/pkg/records"
)

type Capture struct {
	Source string
	RTP    []records.RTPPacket
	RTCP   []records.RTCPPacket
	DTLS   []records.DTLSRecord
}

func (c *Capture) Empty() bool {
	return c == nil || len(c.RTP)+len(c.RTCP)+len(c.DTLS) == 0
}

type Dissector interface {
	Dissect(ctx context.Context, path string) (*Capture, error)
}

// SourceName derives the observation point name from a capture path,
// "ns1" for "run/ns1.pcap".
func SourceName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Pending is a dissection running in the background.
type Pending struct {
	Path    string
	done    chan struct{}
	capture *Capture
	err     error
}

// Start runs d on path in a new goroutine and returns without waiting.
func Start(ctx context.Context, d Dissector, path string) *Pending {
	p := &Pending{Path: path, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		klog.V(2).Infof("dissecting %s", path)
		p.capture, p.err = d.Dissect(ctx, path)
	}()
	return p
}

// Wait blocks until the dissection finished.
func (p *Pending) Wait() (*Capture, error) {
	<-p.done
	return p.capture, p.err
}

// DissectAll dissects every path concurrently. Captures that failed are
// missing from the result and their errors are joined.
func DissectAll(ctx context.Context, d Dissector, paths []string) (map[string]*Capture, error) {
	pending := make([]*Pending, len(paths))
	for i, path := range paths {
		pending[i] = Start(ctx, d, path)
	}
	var (
		mu   sync.Mutex
		errs []error
		out  = make(map[string]*Capture, len(paths))
		wg   sync.WaitGroup
	)
	for _, p := range pending {
		wg.Add(1)
		go func(p *Pending) {
			defer wg.Done()
			c, err := p.Wait()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			out[p.Path] = c
		}(p)
	}
	wg.Wait()
	return out, errors.Join(errs...)
}

// New returns the dissector registered under name.
func New(name, tsharkPath string, decodeAs []string) (Dissector, error) {
	switch name {
	case "", "tshark":
		return &TShark{Path: tsharkPath, DecodeAs: decodeAs}, nil
	case "native":
		return &Native{}, nil
	default:
		return nil, errors.New("unknown dissector " + name)
	}
}
