package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "parse":
		os.Exit(runBatch("parse", args[1:]))
	case "plot":
		os.Exit(runBatch("plot", args[1:]))
	case "generate":
		os.Exit(runBatch("generate", args[1:]))
	case "compare":
		os.Exit(runCompare(args[1:]))
	case "runs":
		os.Exit(runRuns(args[1:]))
	case "mcp":
		os.Exit(runMCP(args[1:]))
	case "help", "-h", "--help":
		printUsage()
		return
	case "version", "--version":
		fmt.Printf("mrtp-plots %s\n", version)
		return
	default:
		fmt.Fprintf(os.Stderr, "mrtp-plots: unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stdout, `Usage: mrtp-plots <command> [flags] <input> <output>

Commands:
  parse     Correlate test cases and export the derived tables
  plot      Correlate test cases and render their figures
  generate  Export, plot and write an HTML index
  compare   Compare test cases across iterations (<input>/<iteration>/<case>)
  runs      List runs recorded in the results store
  mcp       Serve analysis tools over MCP (stdio transport)

Examples:
  mrtp-plots generate -config settings.yml data/ out/
  mrtp-plots compare -workers 8 iterations/ out/compare
  mrtp-plots runs -store out/results.db
`)
}
