// Package cron wraps robfig/cron with timezone handling for scheduled triggers.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// maxCatchUp bounds how many missed occurrences Between returns.
const maxCatchUp = 1000

type Parser struct {
	parser cron.Parser
}

// NewParser accepts standard five-field expressions and descriptors such as @hourly.
func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	if timezone == "" {
		timezone = "UTC"
	}

	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// Validate reports whether expression and timezone can be scheduled.
func (p *Parser) Validate(expression, timezone string) error {
	_, err := p.Parse(expression, timezone)
	return err
}

type Schedule interface {
	Next(after time.Time) time.Time
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

// Between returns the occurrences in (from, to], in UTC and truncated to the minute.
func Between(s Schedule, from, to time.Time) []time.Time {
	var out []time.Time
	for t := s.Next(from); !t.After(to) && len(out) < maxCatchUp; t = s.Next(t) {
		if t.IsZero() {
			break
		}
		out = append(out, t.UTC().Truncate(time.Minute))
	}
	return out
}
