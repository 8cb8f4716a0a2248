package cron

import "github.com/adhocore/gronx"

// IsValid runs a fast syntax legality check via gronx ahead of the
// full Parse — gronx's own next-run semantics aren't used (its
// day-of-month/day-of-week handling doesn't implement the classic cron
// OR-rule our NextRun requires), but its expression validator is a
// cheap, well-tested first gate before we hand-parse.
func IsValid(expr string) bool {
	return gronx.IsValid(expr)
}
