package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mengelbart/mrtp-plots/internal/config"
	"github.com/mengelbart/mrtp-plots/internal/store"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

func TestFlagsOverrideSettings(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "settings.yml")
	if err := os.WriteFile(cfg, []byte("workers: 3\nplot_format: pdf\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := newFlags("generate")
	in, out, ok := f.parse([]string{"-config", cfg, "-workers", "5", "-export", "none", "-html=false", "in", "out"})
	if !ok || in != "in" || out != "out" {
		t.Fatalf("parse() = %q, %q, %v", in, out, ok)
	}
	s, err := f.settings()
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	want := config.Default()
	want.Workers = 5
	want.PlotFormat = "pdf"
	want.ExportFormat = "none"
	want.HTML = false
	if s.Workers != want.Workers || s.PlotFormat != want.PlotFormat || s.ExportFormat != want.ExportFormat || s.HTML != want.HTML {
		t.Errorf("settings = %+v, want %+v", s, want)
	}
	if got := storePath(s, "out"); got != filepath.Join("out", store.DefaultFile) {
		t.Errorf("storePath() = %s", got)
	}
}

func TestParseRequiresInputAndOutput(t *testing.T) {
	f := newFlags("plot")
	f.fs.SetOutput(new(nopWriter))
	if _, _, ok := f.parse([]string{"only-input"}); ok {
		t.Error("parse() accepted a single argument")
	}
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func writeConfig(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := `{"name":"wired_gcc","time":"2024-03-01T09:00:00Z"}`
	if err := os.WriteFile(filepath.Join(dir, testcase.ConfigFile), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunBatchGenerate(t *testing.T) {
	in := filepath.Join(t.TempDir(), "wired_gcc")
	writeConfig(t, in)
	out := t.TempDir()
	if code := runBatch("generate", []string{"-dissector", "native", in, out}); code != 0 {
		t.Fatalf("runBatch() = %d, want 0", code)
	}
	for _, p := range []string{"index.html", store.DefaultFile, filepath.Join("wired_gcc", "summary.json")} {
		if _, err := os.Stat(filepath.Join(out, p)); err != nil {
			t.Error(err)
		}
	}
	if code := runRuns([]string{"-store", filepath.Join(out, store.DefaultFile)}); code != 0 {
		t.Errorf("runRuns() = %d, want 0", code)
	}
}

func TestAnalyzeCaseTool(t *testing.T) {
	in := filepath.Join(t.TempDir(), "wired_gcc")
	writeConfig(t, in)
	s := config.Default()
	s.Dissector = "native"
	tl := &tools{settings: s}

	req := mcp.CallToolRequest{}
	req.Params.Name = "analyze_case"
	req.Params.Arguments = map[string]any{"dir": in}
	res, err := tl.analyzeCase(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || len(res.Content) != 1 {
		t.Fatalf("result = %+v", res)
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T, want mcp.TextContent", res.Content[0])
	}
	var sum testcase.Summary
	if err := json.Unmarshal([]byte(text.Text), &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Name != "wired_gcc" {
		t.Errorf("summary name = %q, want wired_gcc", sum.Name)
	}

	req.Params.Arguments = map[string]any{"dir": filepath.Join(in, "missing")}
	res, err = tl.analyzeCase(context.Background(), req)
	if err != nil || !res.IsError {
		t.Errorf("analyzeCase(missing) = %+v, %v; want tool error", res, err)
	}
}
