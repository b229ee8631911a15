// Package config holds the settings file shared by all subcommands.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/pkg/capture"
	"github.com/mengelbart/mrtp-plots/pkg/correlate"
	perrors "github.com/mengelbart/mrtp-plots/pkg/errors"
	"github.com/mengelbart/mrtp-plots/pkg/eventlog"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

type MQTTData struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

type EventData struct {
	TargetRate   string `yaml:"target_rate"`
	StreamOpened string `yaml:"stream_opened"`
}

type Settings struct {
	Workers      int       `yaml:"workers"`
	Dissector    string    `yaml:"dissector"` // tshark or native
	TSharkPath   string    `yaml:"tshark_path"`
	DecodeAs     []string  `yaml:"decode_as"`
	RateBucketMs int       `yaml:"rate_bucket_ms"` // in milliseconds
	BitsPerByte  float64   `yaml:"bits_per_byte"`
	PlotFormat   string    `yaml:"plot_format"`   // png, svg or pdf
	ExportFormat string    `yaml:"export_format"` // none, csv, csv.zst or pb.zst
	StorePath    string    `yaml:"store_path"`
	MetricsFile  string    `yaml:"metrics_file"`
	HTML         bool      `yaml:"html"`
	MQTT         MQTTData  `yaml:"mqtt"`
	Events       EventData `yaml:"events"`
}

var (
	plotFormats   = map[string]bool{"png": true, "svg": true, "pdf": true}
	exportFormats = map[string]bool{"none": true, "csv": true, "csv.zst": true, "pb.zst": true}
	dissectors    = map[string]bool{"tshark": true, "native": true}
)

// Default returns the settings used when no file is given.
func Default() Settings {
	return Settings{
		Workers:      runtime.NumCPU(),
		Dissector:    "tshark",
		TSharkPath:   "tshark",
		RateBucketMs: 1000,
		BitsPerByte:  correlate.DefaultBitsPerByte,
		PlotFormat:   "png",
		ExportFormat: "csv",
		HTML:         true,
		MQTT:         MQTTData{Topic: "mrtp-plots/progress", ClientID: "mrtp-plots", QoS: 1},
		Events:       EventData{TargetRate: eventlog.MsgTargetRate, StreamOpened: eventlog.MsgStreamOpened},
	}
}

// Load reads a YAML settings file on top of the defaults. An empty path
// yields the defaults.
func Load(path string) (Settings, error) {
	s := Default()
	if path == "" {
		return s, nil
	}
	klog.V(2).Infof("Reading settings from %s", path)
	b, err := os.ReadFile(path)
	if err != nil {
		return s, perrors.ErrInvalidConfig("read settings "+path, err)
	}
	if err := yaml.UnmarshalStrict(b, &s); err != nil {
		return s, perrors.ErrInvalidConfig("parse settings "+path, err)
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	switch {
	case s.Workers < 1:
		return perrors.ErrInvalidConfig(fmt.Sprintf("workers must be positive, got %d", s.Workers), nil)
	case !dissectors[s.Dissector]:
		return perrors.ErrInvalidConfig(fmt.Sprintf("unknown dissector %q", s.Dissector), nil)
	case s.RateBucketMs <= 0:
		return perrors.ErrInvalidConfig(fmt.Sprintf("rate_bucket_ms must be positive, got %d", s.RateBucketMs), nil)
	case s.BitsPerByte <= 0:
		return perrors.ErrInvalidConfig(fmt.Sprintf("bits_per_byte must be positive, got %v", s.BitsPerByte), nil)
	case !plotFormats[s.PlotFormat]:
		return perrors.ErrInvalidConfig(fmt.Sprintf("unknown plot_format %q", s.PlotFormat), nil)
	case !exportFormats[s.ExportFormat]:
		return perrors.ErrInvalidConfig(fmt.Sprintf("unknown export_format %q", s.ExportFormat), nil)
	case s.MQTT.QoS > 2:
		return perrors.ErrInvalidConfig(fmt.Sprintf("mqtt qos must be 0, 1 or 2, got %d", s.MQTT.QoS), nil)
	}
	if s.BitsPerByte != correlate.DefaultBitsPerByte || s.RateBucketMs != 1000 {
		klog.Warningf("bits_per_byte is %v with %d ms buckets, rates are not in bit/s", s.BitsPerByte, s.RateBucketMs)
	}
	return nil
}

func (s Settings) RateOptions() correlate.RateOptions {
	return correlate.RateOptions{
		Bucket:      time.Duration(s.RateBucketMs) * time.Millisecond,
		BitsPerByte: s.BitsPerByte,
	}
}

func (s Settings) Dissect() (capture.Dissector, error) {
	return capture.New(s.Dissector, s.TSharkPath, s.DecodeAs)
}

// CaseOptions builds the options used to load every test case.
func (s Settings) CaseOptions() (testcase.Options, error) {
	d, err := s.Dissect()
	if err != nil {
		return testcase.Options{}, err
	}
	return testcase.Options{
		Dissector:       d,
		TargetRateMsg:   s.Events.TargetRate,
		StreamOpenedMsg: s.Events.StreamOpened,
		Rate:            s.RateOptions(),
	}, nil
}
