package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mengelbart/mrtp-plots/pkg/capture"
	"github.com/mengelbart/mrtp-plots/pkg/correlate"
	perrors "github.com/mengelbart/mrtp-plots/pkg/errors"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), s); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeSettings(t, `
workers: 3
dissector: native
rate_bucket_ms: 100
bits_per_byte: 80
plot_format: pdf
export_format: pb.zst
decode_as:
  - udp.port==5000,rtp
mqtt:
  broker: tcp://localhost:1883
events:
  target_rate: NEW_TARGET_RATE
`)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	want.Workers = 3
	want.Dissector = "native"
	want.RateBucketMs = 100
	want.BitsPerByte = 80
	want.PlotFormat = "pdf"
	want.ExportFormat = "pb.zst"
	want.DecodeAs = []string{"udp.port==5000,rtp"}
	want.MQTT.Broker = "tcp://localhost:1883"
	want.Events.TargetRate = "NEW_TARGET_RATE"
	if diff := cmp.Diff(want, s); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}

	if got, want := s.RateOptions(), (correlate.RateOptions{Bucket: 100 * time.Millisecond, BitsPerByte: 80}); got != want {
		t.Errorf("RateOptions() = %+v, want %+v", got, want)
	}
	opts, err := s.CaseOptions()
	if err != nil {
		t.Fatalf("CaseOptions: %v", err)
	}
	if _, ok := opts.Dissector.(*capture.Native); !ok {
		t.Errorf("dissector = %T, want *capture.Native", opts.Dissector)
	}
	if opts.TargetRateMsg != "NEW_TARGET_RATE" {
		t.Errorf("TargetRateMsg = %q", opts.TargetRateMsg)
	}
}

func TestLoadInvalid(t *testing.T) {
	for _, tt := range []struct {
		name string
		body string
	}{
		{"unknown field", "worker: 3\n"},
		{"zero workers", "workers: 0\n"},
		{"dissector", "dissector: wireshark\n"},
		{"bucket", "rate_bucket_ms: -5\n"},
		{"bits", "bits_per_byte: 0\n"},
		{"plot format", "plot_format: gif\n"},
		{"export format", "export_format: parquet\n"},
		{"qos", "mqtt:\n  qos: 3\n"},
		{"syntax", "workers: [\n"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeSettings(t, tt.body))
			var ae *perrors.AnalysisError
			if !errors.As(err, &ae) || ae.Code != perrors.ErrCodeInvalidConfig {
				t.Errorf("Load() error = %v, want INVALID_CONFIG", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want not exist", err)
	}
}
