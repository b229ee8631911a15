package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/internal/batch"
	"github.com/mengelbart/mrtp-plots/internal/config"
	"github.com/mengelbart/mrtp-plots/internal/notify"
	"github.com/mengelbart/mrtp-plots/internal/observability"
	"github.com/mengelbart/mrtp-plots/internal/store"
)

type flags struct {
	fs        *flag.FlagSet
	config    *string
	workers   *int
	dissector *string
	tshark    *string
	format    *string
	export    *string
	store     *string
	broker    *string
	topic     *string
	html      *bool
}

func newFlags(name string) *flags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	f := &flags{
		fs:        fs,
		config:    fs.String("config", "", "YAML settings file"),
		workers:   fs.Int("workers", 0, "number of test cases processed in parallel"),
		dissector: fs.String("dissector", "", "capture dissector: tshark or native"),
		tshark:    fs.String("tshark", "", "path of the tshark binary"),
		format:    fs.String("format", "", "plot format: png, svg or pdf"),
		export:    fs.String("export", "", "export format: none, csv, csv.zst or pb.zst"),
		store:     fs.String("store", "", "SQLite results store (default <output>/results.db)"),
		broker:    fs.String("broker", "", "MQTT broker receiving progress events"),
		topic:     fs.String("topic", "", "MQTT topic for progress events"),
		html:      fs.Bool("html", true, "write index.html"),
	}
	klog.InitFlags(fs)
	return f
}

// settings loads the settings file and applies the flags given on the
// command line on top of it.
func (f *flags) settings() (config.Settings, error) {
	s, err := config.Load(*f.config)
	if err != nil {
		return s, err
	}
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "workers":
			s.Workers = *f.workers
		case "dissector":
			s.Dissector = *f.dissector
		case "tshark":
			s.TSharkPath = *f.tshark
		case "format":
			s.PlotFormat = *f.format
		case "export":
			s.ExportFormat = *f.export
		case "store":
			s.StorePath = *f.store
		case "broker":
			s.MQTT.Broker = *f.broker
		case "topic":
			s.MQTT.Topic = *f.topic
		case "html":
			s.HTML = *f.html
		}
	})
	return s, s.Validate()
}

func (f *flags) parse(args []string) (string, string, bool) {
	if err := f.fs.Parse(args); err != nil {
		return "", "", false
	}
	if f.fs.NArg() != 2 {
		fmt.Fprintf(os.Stderr, "Usage: mrtp-plots %s [flags] <input> <output>\n", f.fs.Name())
		f.fs.PrintDefaults()
		return "", "", false
	}
	return f.fs.Arg(0), f.fs.Arg(1), true
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func connect(ctx context.Context, s config.Settings) (notify.Notifier, error) {
	if s.MQTT.Broker != "" {
		observability.ConfigureLogging()
	}
	return notify.Connect(ctx, notify.Options{
		Broker:   s.MQTT.Broker,
		ClientID: s.MQTT.ClientID,
		Username: s.MQTT.Username,
		Password: s.MQTT.Password,
		Topic:    s.MQTT.Topic,
		QoS:      s.MQTT.QoS,
	})
}

func storePath(s config.Settings, output string) string {
	if s.StorePath == "" {
		return filepath.Join(output, store.DefaultFile)
	}
	return s.StorePath
}

func runBatch(name string, args []string) int {
	f := newFlags(name)
	input, output, ok := f.parse(args)
	if !ok {
		return 2
	}
	defer klog.Flush()
	s, err := f.settings()
	if err != nil {
		klog.Errorf("Invalid settings: %v", err)
		return 2
	}

	stages := batch.Stages{
		Plot:   name != "parse",
		Export: name != "plot",
		Report: name == "generate" && s.HTML,
	}
	ctx, cancel := signalContext()
	defer cancel()

	if err := os.MkdirAll(output, 0o755); err != nil {
		klog.Error(err)
		return 1
	}
	st, err := store.Open(storePath(s, output))
	if err != nil {
		klog.Errorf("Failed to open results store: %v", err)
		return 1
	}
	defer st.Close()
	n, err := connect(ctx, s)
	if err != nil {
		klog.Errorf("Failed to connect to broker: %v", err)
		return 1
	}
	defer n.Close()

	r, err := batch.New(s, stages, st, n)
	if err != nil {
		klog.Errorf("Invalid settings: %v", err)
		return 2
	}
	res, err := r.Run(ctx, input, output)
	if err != nil {
		klog.Errorf("%s %s: %v", name, input, err)
		return 1
	}
	if res.Index != "" {
		klog.Infof("Index written to %s", res.Index)
	}
	if len(res.Failures) > 0 {
		return 1
	}
	return 0
}

func runCompare(args []string) int {
	f := newFlags("compare")
	input, output, ok := f.parse(args)
	if !ok {
		return 2
	}
	defer klog.Flush()
	s, err := f.settings()
	if err != nil {
		klog.Errorf("Invalid settings: %v", err)
		return 2
	}
	ctx, cancel := signalContext()
	defer cancel()

	r, err := batch.New(s, batch.Stages{Report: s.HTML}, nil, nil)
	if err != nil {
		klog.Errorf("Invalid settings: %v", err)
		return 2
	}
	res, err := r.Compare(ctx, input, output)
	if err != nil {
		klog.Errorf("compare %s: %v", input, err)
		return 1
	}
	for _, fl := range res.Failures {
		klog.Warningf("Skipped %s: %v", fl.Input, fl.Err)
	}
	return 0
}

func runRuns(args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	path := fs.String("store", store.DefaultFile, "SQLite results store")
	runID := fs.String("run", "", "show the per test type averages of this run")
	klog.InitFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	defer klog.Flush()
	st, err := store.Open(*path)
	if err != nil {
		klog.Errorf("Failed to open results store: %v", err)
		return 1
	}
	defer st.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	if *runID == "" {
		runs, err := st.Runs()
		if err != nil {
			klog.Error(err)
			return 1
		}
		fmt.Fprintln(w, "RUN\tCREATED\tCASES\tINPUT")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Cases, r.Input)
		}
		return 0
	}
	avgs, err := st.Averages(*runID)
	if err != nil {
		klog.Error(err)
		return 1
	}
	fmt.Fprintln(w, "TEST TYPE\tCASES\tMEDIAN OWD (ms)\tLOSS (%)\tTX RATE (bit/s)\tRX RATE (bit/s)")
	for _, a := range avgs {
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.2f\t%.0f\t%.0f\n", a.TestType, a.Cases, a.LatencyMs, a.LossRate*100, a.TxRate, a.RxRate)
	}
	return 0
}
