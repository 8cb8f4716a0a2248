package cron

import (
	"fmt"
	"time"
)

const maxLookahead = 366 * 24 * 60 // minutes

// NextRun returns the first time strictly after `after` that the
// schedule matches, stepping forward minute by minute. Day-of-month
// and day-of-week combine with the standard cron OR-rule when both
// fields are explicitly restricted (non-"*"); when either is "*" the
// other field alone determines the day match.
func (s *Schedule) NextRun(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)

	for i := 0; i < maxLookahead; i++ {
		if s.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching run found for %q within %d days", s.raw, maxLookahead/(24*60))
}

func (s *Schedule) matches(t time.Time) bool {
	if !s.Minute.Matches(t.Minute()) {
		return false
	}
	if !s.Hour.Matches(t.Hour()) {
		return false
	}
	if !s.Month.Matches(int(t.Month())) {
		return false
	}
	return s.dayMatches(t)
}

func (s *Schedule) dayMatches(t time.Time) bool {
	domRestricted := !s.DayOfMonth.isStar
	dowRestricted := !s.DayOfWeek.isStar

	domMatch := s.DayOfMonth.Matches(t.Day())
	dowMatch := s.DayOfWeek.Matches(int(t.Weekday()))

	if domRestricted && dowRestricted {
		return domMatch || dowMatch
	}
	return domMatch && dowMatch
}

// Describe renders a short human-readable summary of the schedule.
// It does not attempt full natural-language generation, only the
// common shapes ("every N minutes", "daily at HH:MM", the raw
// expression as a fallback).
func (s *Schedule) Describe() string {
	if s.Minute.isStar && s.Hour.isStar && s.DayOfMonth.isStar && s.Month.isStar && s.DayOfWeek.isStar {
		return "every minute"
	}
	if len(s.Hour.values) == 1 && len(s.Minute.values) == 1 && s.DayOfMonth.isStar && s.Month.isStar && s.DayOfWeek.isStar {
		for h := range s.Hour.values {
			for m := range s.Minute.values {
				return fmt.Sprintf("daily at %02d:%02d", h, m)
			}
		}
	}
	return s.raw
}
