package buslog

import (
	"errors"
	"io"
	"maps"
	"slices"
	"time"
)

// Summary aggregates a capture.
type Summary struct {
	Events       int
	Transactions int
	States       int

	ByOrigin     map[string]int
	ByStatus     map[Status]int
	ByController map[string]int

	Runs     int
	Sessions int

	First time.Time
	Last  time.Time

	// Transaction durations.
	MinDuration   time.Duration
	MaxDuration   time.Duration
	TotalDuration time.Duration
}

// AvgDuration returns the mean transaction duration.
func (s *Summary) AvgDuration() time.Duration {
	if s.Transactions == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Transactions)
}

// Controllers returns the controller names seen, sorted.
func (s *Summary) Controllers() []string {
	return slices.Sorted(maps.Keys(s.ByController))
}

// Summarize reads r to the end.
func Summarize(r *Reader) (*Summary, error) {
	s := &Summary{
		ByOrigin:     make(map[string]int),
		ByStatus:     make(map[Status]int),
		ByController: make(map[string]int),
	}
	runs := make(map[string]struct{})
	sessions := make(map[string]struct{})

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s, err
		}
		s.add(ev)
		if ev.Run != "" {
			runs[ev.Run] = struct{}{}
		}
		if ev.Session != "" {
			sessions[ev.Session] = struct{}{}
		}
	}

	s.Runs = len(runs)
	s.Sessions = len(sessions)
	return s, nil
}

func (s *Summary) add(ev Event) {
	s.Events++
	if s.First.IsZero() || ev.Timestamp.Before(s.First) {
		s.First = ev.Timestamp
	}
	if ev.Timestamp.After(s.Last) {
		s.Last = ev.Timestamp
	}
	if ev.Controller != "" {
		s.ByController[ev.Controller]++
	}

	if ev.Kind == KindState {
		s.States++
		return
	}

	s.Transactions++
	s.ByOrigin[ev.Origin]++
	s.ByStatus[ev.Status]++
	s.TotalDuration += ev.Duration
	if s.Transactions == 1 || ev.Duration < s.MinDuration {
		s.MinDuration = ev.Duration
	}
	if ev.Duration > s.MaxDuration {
		s.MaxDuration = ev.Duration
	}
}
