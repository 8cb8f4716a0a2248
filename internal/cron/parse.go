// Package cron parses the 5-field cron grammar (minute hour
// day-of-month month day-of-week) and solves for the next matching
// time by stepping minute-by-minute, applying the standard
// day-of-month/day-of-week OR-rule.
package cron

import (
	"fmt"
	"strconv"
	"strings"
)

// Field is one parsed cron field: the set of values it matches.
type Field struct {
	values  map[int]bool
	isStar  bool // true if the original field was exactly "*"
}

func (f Field) Matches(v int) bool {
	return f.values[v]
}

// Schedule is a fully parsed 5-field cron expression.
type Schedule struct {
	Minute     Field
	Hour       Field
	DayOfMonth Field
	Month      Field
	DayOfWeek  Field
	raw        string
}

// Parse parses a standard 5-field cron expression: minute hour
// day-of-month month day-of-week, each a `*`, a literal, a range
// `N-M`, a stepped range `N-M/S`, a stepped wildcard `*/S`, or a
// comma-separated list of any of the above.
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have 5 fields, got %d: %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 7) // 0 and 7 both mean Sunday
	if err != nil {
		return nil, fmt.Errorf("day-of-week field: %w", err)
	}
	if dow.values[7] {
		dow.values[0] = true
	}

	return &Schedule{Minute: minute, Hour: hour, DayOfMonth: dom, Month: month, DayOfWeek: dow, raw: expr}, nil
}

func parseField(s string, min, max int) (Field, error) {
	f := Field{values: map[int]bool{}}

	for _, part := range strings.Split(s, ",") {
		if part == "*" {
			f.isStar = true
			for v := min; v <= max; v++ {
				f.values[v] = true
			}
			continue
		}

		step := 1
		rangePart := part
		if idx := strings.Index(part, "/"); idx >= 0 {
			rangePart = part[:idx]
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return Field{}, fmt.Errorf("invalid step in %q", part)
			}
			step = n
		}

		lo, hi := min, max
		if rangePart != "*" {
			if dash := strings.Index(rangePart, "-"); dash >= 0 {
				var err error
				lo, err = strconv.Atoi(rangePart[:dash])
				if err != nil {
					return Field{}, fmt.Errorf("invalid range start in %q", part)
				}
				hi, err = strconv.Atoi(rangePart[dash+1:])
				if err != nil {
					return Field{}, fmt.Errorf("invalid range end in %q", part)
				}
			} else {
				n, err := strconv.Atoi(rangePart)
				if err != nil {
					return Field{}, fmt.Errorf("invalid literal %q", part)
				}
				lo, hi = n, n
			}
		}
		if lo < min || hi > max || lo > hi {
			return Field{}, fmt.Errorf("value out of range in %q (expected %d-%d)", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			f.values[v] = true
		}
	}

	return f, nil
}
