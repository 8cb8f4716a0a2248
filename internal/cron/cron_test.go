package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := Parse(expr)
	require.NoError(t, err)
	return s
}

func TestNextRunDailyAtFixedTime(t *testing.T) {
	s := mustParse(t, "30 9 * * *")
	after := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	next, err := s.NextRun(after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 7, 31, 9, 30, 0, 0, time.UTC), next)
}

func TestNextRunRollsToTomorrowWhenTimePassed(t *testing.T) {
	s := mustParse(t, "30 9 * * *")
	after := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	next, err := s.NextRun(after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC), next)
}

func TestNextRunEveryFiveMinutes(t *testing.T) {
	s := mustParse(t, "*/5 * * * *")
	after := time.Date(2026, 7, 31, 10, 2, 0, 0, time.UTC)
	next, err := s.NextRun(after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 7, 31, 10, 5, 0, 0, time.UTC), next)
}

func TestDayOfMonthAndDayOfWeekUseOrSemanticsWhenBothRestricted(t *testing.T) {
	// "at 00:00 on the 1st of the month OR on Mondays"
	s := mustParse(t, "0 0 1 * 1")
	require.True(t, s.dayMatches(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)))  // 1st, a Saturday
	require.True(t, s.dayMatches(time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC)))  // a Monday, not the 1st
	require.False(t, s.dayMatches(time.Date(2026, 8, 4, 0, 0, 0, 0, time.UTC))) // neither
}

func TestDayOfMonthOnlyWhenDayOfWeekIsWildcard(t *testing.T) {
	s := mustParse(t, "0 0 15 * *")
	require.True(t, s.dayMatches(time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)))
	require.False(t, s.dayMatches(time.Date(2026, 8, 16, 0, 0, 0, 0, time.UTC)))
}

func TestParseRejectsWrongFieldCount(t *testing.T) {
	_, err := Parse("* * *")
	require.Error(t, err)
}

func TestParseRejectsOutOfRangeValue(t *testing.T) {
	_, err := Parse("0 25 * * *")
	require.Error(t, err)
}

func TestDescribeDaily(t *testing.T) {
	s := mustParse(t, "30 9 * * *")
	require.Equal(t, "daily at 09:30", s.Describe())
}

func TestIsValidRejectsGarbage(t *testing.T) {
	require.False(t, IsValid("not a cron expression"))
	require.True(t, IsValid("* * * * *"))
}
