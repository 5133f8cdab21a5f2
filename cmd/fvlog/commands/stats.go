package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/fvgateway/internal/buslog"
)

// RunStats summarises the events matching filter.
func RunStats(path string, filter buslog.Filter, w io.Writer) error {
	reader, err := buslog.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	summary, err := buslog.Summarize(reader)
	if err != nil {
		return fmt.Errorf("failed to read capture: %w", err)
	}

	printStats(w, summary)
	return nil
}

func printStats(w io.Writer, s *buslog.Summary) {
	fmt.Fprintln(w, "=== fvgateway Capture Statistics ===")
	fmt.Fprintln(w)

	if s.Events > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			s.First.Format(time.RFC3339),
			s.Last.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", s.Last.Sub(s.First).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", s.Events)
	fmt.Fprintf(w, "  %-14s %d\n", "Transactions:", s.Transactions)
	fmt.Fprintf(w, "  %-14s %d\n", "Values:", s.States)
	fmt.Fprintf(w, "Gateway runs: %d\n", s.Runs)
	fmt.Fprintf(w, "Relay sessions: %d\n", s.Sessions)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Transactions by Origin:")
	for _, origin := range []string{"gateway", "relay"} {
		if count := s.ByOrigin[origin]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", origin+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Transactions by Status:")
	for _, status := range []buslog.Status{buslog.StatusOK, buslog.StatusTimeout, buslog.StatusCorrupt} {
		if count := s.ByStatus[status]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", status.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if s.Transactions > 0 {
		fmt.Fprintf(w, "Latency: min %s, avg %s, max %s\n",
			s.MinDuration.Round(time.Microsecond),
			s.AvgDuration().Round(time.Microsecond),
			s.MaxDuration.Round(time.Microsecond))
		fmt.Fprintln(w)
	}

	controllers := s.Controllers()
	fmt.Fprintf(w, "Controllers: %d\n", len(controllers))
	for _, name := range controllers {
		fmt.Fprintf(w, "  %-10s %d events\n", name, s.ByController[name])
	}
}
