// Package cron runs workflow jobs on 5-field cron schedules while the
// engine is up. Missed fires are not replayed after a restart.
package cron

import (
	"fmt"
	"strings"
	"time"

	robcron "github.com/robfig/cron/v3"
)

// Schedule is a parsed cron expression.
type Schedule struct {
	expr  string
	sched robcron.Schedule
}

// Parse accepts standard 5-field syntax (minute, hour, day of month,
// month, day of week) and the @hourly style descriptors.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty cron expression")
	}
	sched, err := robcron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &Schedule{expr: expr, sched: sched}, nil
}

func (s *Schedule) String() string { return s.expr }

// Next returns the first fire time strictly after t, or the zero time if
// the expression can never fire.
func (s *Schedule) Next(t time.Time) time.Time {
	return s.sched.Next(t)
}

// NextFireTime parses expr and returns its first fire time after now.
// The result depends only on its inputs.
func NextFireTime(expr string, now time.Time) (time.Time, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q never fires", expr)
	}
	return next, nil
}
