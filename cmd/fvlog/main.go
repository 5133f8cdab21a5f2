// Command fvlog views and summarises fvgateway capture files.
//
// Captures are written by fvgateway when capture.enabled is set.
//
// Usage:
//
//	fvlog <command> [flags] <file.fvcap>
//
// Commands:
//
//	view     Print events one per line
//	stats    Show statistics about the capture
//
// Examples:
//
//	# Everything a relay client did
//	fvlog view -origin relay bus.fvcap
//
//	# Timeouts on one controller
//	fvlog view -status timeout -controller F1 bus.fvcap
//
//	# Summary of gateway traffic only
//	fvlog stats -origin gateway bus.fvcap
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nerrad567/fvgateway/cmd/fvlog/commands"
)

const usage = `fvlog - fvgateway capture viewer

Usage:
  fvlog <command> [flags] <file.fvcap>

Commands:
  view     Print events one per line
  stats    Show statistics about the capture

Use "fvlog <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// filterFlags registers the flags view and stats share.
func filterFlags(fs *flag.FlagSet) *commands.FilterOptions {
	opts := &commands.FilterOptions{}
	fs.StringVar(&opts.Origin, "origin", "", "Filter by origin (gateway, relay)")
	fs.StringVar(&opts.Status, "status", "", "Filter by status (ok, timeout, corrupt)")
	fs.StringVar(&opts.Controller, "controller", "", "Filter by controller name")
	fs.StringVar(&opts.Register, "register", "", "Filter by register name")
	fs.StringVar(&opts.Session, "session", "", "Filter by relay session id")
	fs.StringVar(&opts.Run, "run", "", "Filter by gateway run id")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	return opts
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `fvlog view - Print events one per line

Usage:
  fvlog view [flags] <file.fvcap>

Flags:
`)
		fs.PrintDefaults()
	}

	opts := filterFlags(fs)
	txOnly := fs.Bool("tx", false, "Show transactions only, hide published values")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}
	opts.TransactionsOnly = *txOnly

	filter, err := opts.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := commands.RunView(fs.Arg(0), filter, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `fvlog stats - Show statistics about the capture

Usage:
  fvlog stats [flags] <file.fvcap>

Flags:
`)
		fs.PrintDefaults()
	}

	opts := filterFlags(fs)

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: capture file path required")
		fs.Usage()
		os.Exit(1)
	}

	filter, err := opts.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := commands.RunStats(fs.Arg(0), filter, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
