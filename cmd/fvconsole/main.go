// fvconsole is an interactive terminal for the fvgateway relay.
//
// Each line typed is sent to the bus through the gateway and the reply is
// printed. While connected the gateway suspends its own polling.
//
// Usage:
//
//	fvconsole [-addr localhost:1576] [-history ~/.fvconsole_history]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
)

const (
	defaultAddr    = "localhost:1576"
	defaultTimeout = 15 * time.Second
)

func main() {
	addr := flag.String("addr", defaultAddr, "relay address")
	history := flag.String("history", "", "history file (default: none)")
	timeout := flag.Duration("timeout", defaultTimeout, "how long to wait for a reply")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *history, *timeout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, history string, timeout time.Duration) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "fv> ",
		HistoryFile:     history,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	c := newClient(tcpDialer(addr), timeout)
	defer c.Close()

	fmt.Fprintf(rl.Stdout(), "fvgateway relay at %s. Type 'exit' to quit.\n", addr)
	return loop(ctx, rl, c, rl.Stdout())
}

// lineReader is the part of *readline.Instance the loop uses.
type lineReader interface {
	Readline() (string, error)
}

// loop reads lines until exit, EOF or ctx ends. ^C clears the line.
func loop(ctx context.Context, in lineReader, c *client, out io.Writer) error {
	for ctx.Err() == nil {
		line, err := in.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		reply, err := c.Send(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, reply)
	}
	return nil
}
