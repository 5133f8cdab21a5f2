// Package commands implements the fvlog CLI commands.
package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/fvgateway/internal/bridges/fvbus"
	"github.com/nerrad567/fvgateway/internal/buslog"
)

// FilterOptions holds the filter flags as typed on the command line.
type FilterOptions struct {
	Origin     string
	Status     string
	Controller string
	Register   string
	Session    string
	Run        string
	TimeStart  string
	TimeEnd    string

	// TransactionsOnly drops published register values.
	TransactionsOnly bool
}

// Build validates the options and converts them to a capture filter.
func (o FilterOptions) Build() (buslog.Filter, error) {
	filter := buslog.Filter{
		Controller: o.Controller,
		Register:   o.Register,
		Session:    o.Session,
		Run:        o.Run,
	}

	if o.Origin != "" {
		origin, err := ParseOrigin(o.Origin)
		if err != nil {
			return buslog.Filter{}, err
		}
		filter.Origin = origin
	}

	if o.Status != "" {
		s, err := buslog.ParseStatus(o.Status)
		if err != nil {
			return buslog.Filter{}, err
		}
		filter.Status = &s
	}

	if o.TimeStart != "" {
		t, err := time.Parse(time.RFC3339, o.TimeStart)
		if err != nil {
			return buslog.Filter{}, fmt.Errorf("invalid time-start format: %w", err)
		}
		filter.TimeStart = &t
	}

	if o.TimeEnd != "" {
		t, err := time.Parse(time.RFC3339, o.TimeEnd)
		if err != nil {
			return buslog.Filter{}, fmt.Errorf("invalid time-end format: %w", err)
		}
		filter.TimeEnd = &t
	}

	if o.TransactionsOnly {
		k := buslog.KindTransaction
		filter.Kind = &k
	}

	return filter, nil
}

// ParseOrigin accepts "gateway" or "relay" in any case.
func ParseOrigin(s string) (string, error) {
	switch origin := fvbus.Origin(strings.ToLower(s)); origin {
	case fvbus.OriginGateway, fvbus.OriginRelay:
		return string(origin), nil
	default:
		return "", fmt.Errorf("invalid origin %q (use gateway or relay)", s)
	}
}
