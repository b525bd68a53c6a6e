// Package recurrence computes next-run times for schedule recurrence rules.
//
// A rule is an hourly, daily, or weekly cadence with an interval and the
// cadence-specific time-of-day fields. All computation is done in UTC, and
// Next always returns a slot strictly after the reference time so a schedule
// never re-triggers on the same instant.
package recurrence

import (
	"fmt"
	"time"
)

// Cadence identifies how often a schedule recurs.
type Cadence string

const (
	Hourly Cadence = "hourly"
	Daily  Cadence = "daily"
	Weekly Cadence = "weekly"
)

// Rule describes a recurrence. The meaning of the time fields depends on the
// cadence:
//
//   - hourly: Minute (slots are multiples of Interval hours since the Unix epoch)
//   - daily:  Hour, Minute
//   - weekly: Weekday, Hour, Minute
//
// Weekday follows time.Weekday numbering (0 = Sunday).
type Rule struct {
	Cadence  Cadence      `bson:"cadence" json:"cadence" koanf:"cadence"`
	Interval int          `bson:"interval" json:"interval" koanf:"interval"`
	Minute   int          `bson:"minute" json:"minute" koanf:"minute"`
	Hour     int          `bson:"hour,omitempty" json:"hour,omitempty" koanf:"hour"`
	Weekday  time.Weekday `bson:"weekday,omitempty" json:"weekday,omitempty" koanf:"weekday"`
}

// InvalidRuleError reports a malformed recurrence rule. It is surfaced when a
// schedule is created or updated, never during a scheduled run.
type InvalidRuleError struct {
	Field  string
	Reason string
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid recurrence rule: %s %s", e.Field, e.Reason)
}

// Validate checks that the rule carries every field its cadence requires.
func (r Rule) Validate() error {
	switch r.Cadence {
	case Hourly, Daily, Weekly:
	default:
		return &InvalidRuleError{Field: "cadence", Reason: fmt.Sprintf("must be hourly, daily, or weekly, got %q", r.Cadence)}
	}
	if r.Interval < 1 {
		return &InvalidRuleError{Field: "interval", Reason: "must be >= 1"}
	}
	if r.Minute < 0 || r.Minute > 59 {
		return &InvalidRuleError{Field: "minute", Reason: "must be in [0, 59]"}
	}
	if r.Cadence == Daily || r.Cadence == Weekly {
		if r.Hour < 0 || r.Hour > 23 {
			return &InvalidRuleError{Field: "hour", Reason: "must be in [0, 23]"}
		}
	}
	if r.Cadence == Weekly {
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return &InvalidRuleError{Field: "weekday", Reason: "must be in [0, 6]"}
		}
	}
	return nil
}

// Next returns the first slot of the rule strictly after from. It fails only
// on a malformed rule.
func (r Rule) Next(from time.Time) (time.Time, error) {
	if err := r.Validate(); err != nil {
		return time.Time{}, err
	}
	from = from.UTC()
	switch r.Cadence {
	case Hourly:
		return r.nextHourly(from), nil
	case Daily:
		return r.nextDaily(from), nil
	default:
		return r.nextWeekly(from), nil
	}
}

// nextHourly aligns slots to multiples of Interval hours since the Unix
// epoch, at Minute past the hour. Aligning to a fixed epoch keeps successive
// computations phase-stable regardless of when the prior run fired.
func (r Rule) nextHourly(from time.Time) time.Time {
	hours := from.Unix() / 3600
	slot := hours - hours%int64(r.Interval)
	for {
		t := time.Unix(slot*3600+int64(r.Minute)*60, 0).UTC()
		if t.After(from) {
			return t
		}
		slot += int64(r.Interval)
	}
}

func (r Rule) nextDaily(from time.Time) time.Time {
	t := time.Date(from.Year(), from.Month(), from.Day(), r.Hour, r.Minute, 0, 0, time.UTC)
	if !t.After(from) {
		t = t.AddDate(0, 0, r.Interval)
	}
	return t
}

func (r Rule) nextWeekly(from time.Time) time.Time {
	days := (int(r.Weekday) - int(from.Weekday()) + 7) % 7
	t := time.Date(from.Year(), from.Month(), from.Day(), r.Hour, r.Minute, 0, 0, time.UTC).AddDate(0, 0, days)
	if !t.After(from) {
		t = t.AddDate(0, 0, 7*r.Interval)
	}
	return t
}
