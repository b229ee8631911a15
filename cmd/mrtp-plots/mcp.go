package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"k8s.io/klog/v2"

	"github.com/mengelbart/mrtp-plots/internal/batch"
	"github.com/mengelbart/mrtp-plots/internal/config"
	"github.com/mengelbart/mrtp-plots/internal/store"
	"github.com/mengelbart/mrtp-plots/pkg/testcase"
)

type tools struct {
	settings config.Settings
}

func runMCP(args []string) int {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	cfg := fs.String("config", "", "YAML settings file")
	klog.InitFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	s, err := config.Load(*cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mrtp-plots mcp: %v\n", err)
		return 2
	}
	t := &tools{settings: s}

	srv := server.NewMCPServer(
		"mrtp-plots",
		version,
		server.WithToolCapabilities(true),
	)

	srv.AddTool(mcp.NewTool("analyze_case",
		mcp.WithDescription("Correlate one test case directory and return its summary: one-way delay statistics, loss, send and receive rates, per hop delays and video quality."),
		mcp.WithString("dir",
			mcp.Required(),
			mcp.Description("Test case directory containing config.json"),
		),
	), t.analyzeCase)

	srv.AddTool(mcp.NewTool("generate",
		mcp.WithDescription("Process every test case below input and write plots, exported tables and an HTML index to output. Returns the run id and per case summaries."),
		mcp.WithString("input",
			mcp.Required(),
			mcp.Description("Directory of test cases, or a single test case"),
		),
		mcp.WithString("output",
			mcp.Required(),
			mcp.Description("Output directory"),
		),
	), t.generate)

	srv.AddTool(mcp.NewTool("run_averages",
		mcp.WithDescription("Return the per test type averages of a recorded run."),
		mcp.WithString("store",
			mcp.Required(),
			mcp.Description("Path of the SQLite results store"),
		),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run id returned by generate"),
		),
	), t.runAverages)

	if err := server.ServeStdio(srv); err != nil {
		fmt.Fprintf(os.Stderr, "mrtp-plots mcp: error: %v\n", err)
		return 1
	}
	return 0
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("JSON encoding failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (t *tools) analyzeCase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir := req.GetString("dir", "")
	opts, err := t.settings.CaseOptions()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	c, err := testcase.Load(ctx, dir, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Loading %s failed: %v", dir, err)), nil
	}
	a, err := c.Analyze()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Analysis of %s failed: %v", dir, err)), nil
	}
	return jsonResult(a.Summary)
}

type generateResult struct {
	RunID     string             `json:"run_id"`
	Output    string             `json:"output"`
	Index     string             `json:"index,omitempty"`
	Store     string             `json:"store"`
	Summaries []testcase.Summary `json:"summaries"`
	Failures  []string           `json:"failures,omitempty"`
}

func (t *tools) generate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input := req.GetString("input", "")
	output := req.GetString("output", "")
	if err := os.MkdirAll(output, 0o755); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path := storePath(t.settings, output)
	st, err := store.Open(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Opening results store failed: %v", err)), nil
	}
	defer st.Close()
	r, err := batch.New(t.settings, batch.Stages{Plot: true, Export: true, Report: t.settings.HTML}, st, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := r.Run(ctx, input, output)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Processing %s failed: %v", input, err)), nil
	}
	out := generateResult{RunID: res.RunID, Output: res.Output, Index: res.Index, Store: path, Summaries: res.Summaries}
	for _, f := range res.Failures {
		out.Failures = append(out.Failures, fmt.Sprintf("%s: %v", f.Input, f.Err))
	}
	return jsonResult(out)
}

func (t *tools) runAverages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := store.Open(req.GetString("store", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Opening results store failed: %v", err)), nil
	}
	defer st.Close()
	avgs, err := st.Averages(req.GetString("run_id", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(avgs)
}
