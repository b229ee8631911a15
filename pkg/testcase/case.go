// Package testcase loads the artifacts of one experiment run from its
// directory and correlates them.
package testcase

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/pkg/capture"
	"github.com/mengelbart/mrtp-plots/pkg/correlate"
	"github.com/mengelbart/mrtp-plots/pkg/eventlog"
	"github.com/mengelbart/mrtp-plots/pkg/qlog"
	"github.com/mengelbart/mrtp-plots/pkg/records"
)

// File names inside a test case directory.
const (
	ConfigFile      = "config.json"
	TCFile          = "tc.log"
	SenderLogFile   = "sender.stderr.log"
	ReceiverLogFile = "receiver.stderr.log"
	SenderQlogFile  = "sender.qlog"
	RecvQlogFile    = "receiver.qlog"
	QualityFile     = "video.quality.csv"
	LostFramesFile  = "lost_frames.csv"
)

// Namespaces whose captures are read, ordered from receiver to sender.
var Namespaces = []string{"ns1", "ns2", "ns3", "ns4"}

// SendNamespace and RecvNamespace are the capture points closest to the
// sender and the receiver.
const (
	SendNamespace = "ns4"
	RecvNamespace = "ns1"
)

type Options struct {
	// Dissector reads pcap files. Captures are skipped when nil.
	Dissector capture.Dissector

	TargetRateMsg   string
	StreamOpenedMsg string
	Rate            correlate.RateOptions
}

type Case struct {
	Dir      string
	Config   *Config
	TimeBase records.TimeBase
	Options  Options

	Capacity    []records.CapacityStep
	SenderLog   []records.Event
	ReceiverLog []records.Event
	RTPTx       []records.RTPPacket
	RTPRx       []records.RTPPacket
	Metrics     []records.Metric
	Mappings    []records.StreamMapping
	Quality     []records.QualitySample
	LostFrames  []records.LostFrame

	SenderTrace   *qlog.Trace
	ReceiverTrace *qlog.Trace

	// QUIC recovery metrics of the sender and receiver traces.
	SenderQUICMetrics   []records.Metric
	ReceiverQUICMetrics []records.Metric

	// Captures is keyed by namespace name.
	Captures map[string]*capture.Capture
}

func (c *Case) Name() string { return c.Config.Name }

// Load reads every input present in dir. Only config.json is required;
// missing inputs leave the corresponding fields empty.
func Load(ctx context.Context, dir string, opts Options) (*Case, error) {
	cfg, err := ReadConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("load test case %s: %w", dir, err)
	}
	c := &Case{
		Dir:      dir,
		Config:   cfg,
		TimeBase: records.NewTimeBase(cfg.Time),
		Options:  opts,
		Captures: map[string]*capture.Capture{},
	}
	klog.V(2).Infof("loading %s from %s", cfg.Name, dir)

	var pending []*capture.Pending
	if opts.Dissector != nil {
		for _, ns := range Namespaces {
			path := filepath.Join(dir, ns+".pcap")
			if isFile(path) {
				pending = append(pending, capture.Start(ctx, opts.Dissector, path))
			}
		}
	}

	if err := c.readFiles(); err != nil {
		for _, p := range pending {
			p.Wait()
		}
		return nil, err
	}

	var errs []error
	for _, p := range pending {
		capt, err := p.Wait()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.Captures[capture.SourceName(p.Path)] = capt
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("load test case %s: %w", cfg.Name, err)
	}
	return c, nil
}

func (c *Case) readFiles() error {
	var err error
	if c.Capacity, err = optional(c.path(TCFile), ReadTC); err != nil {
		return err
	}
	if c.SenderLog, err = optional(c.path(SenderLogFile), eventlog.ReadFile); err != nil {
		return err
	}
	if c.ReceiverLog, err = optional(c.path(ReceiverLogFile), eventlog.ReadFile); err != nil {
		return err
	}
	if c.Quality, err = optional(c.path(QualityFile), ReadQuality); err != nil {
		return err
	}
	if c.LostFrames, err = optional(c.path(LostFramesFile), ReadLostFrames); err != nil {
		return err
	}
	if c.SenderTrace, err = optional(c.path(SenderQlogFile), qlog.ReadFile); err != nil {
		return err
	}
	if c.ReceiverTrace, err = optional(c.path(RecvQlogFile), qlog.ReadFile); err != nil {
		return err
	}

	c.RTPTx = eventlog.RTPPackets(c.SenderLog, "tx")
	c.RTPRx = eventlog.RTPPackets(c.ReceiverLog, "rx")
	c.Mappings = eventlog.StreamMappings(c.SenderLog, c.Options.StreamOpenedMsg)
	c.Metrics = eventlog.TargetRates(c.SenderLog, c.Options.TargetRateMsg)
	if strings.Contains(c.Config.Name, "gcc") {
		c.Metrics = append(c.Metrics, eventlog.GCCMetrics(c.SenderLog)...)
	}
	if c.SenderTrace != nil {
		c.SenderQUICMetrics = c.SenderTrace.Metrics()
	}
	if c.ReceiverTrace != nil {
		c.ReceiverQUICMetrics = c.ReceiverTrace.Metrics()
	}
	return nil
}

func (c *Case) path(name string) string {
	return filepath.Join(c.Dir, name)
}

// optional reads path with read and returns the zero value if the file does
// not exist.
func optional[T any](path string, read func(string) (T, error)) (T, error) {
	var zero T
	v, err := read(path)
	if errors.Is(err, fs.ErrNotExist) {
		klog.V(2).Infof("%s not found, skipping", path)
		return zero, nil
	}
	if err != nil {
		return zero, err
	}
	return v, nil
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// IsCaseDir reports whether dir holds a test case.
func IsCaseDir(dir string) bool {
	return isFile(filepath.Join(dir, ConfigFile))
}
