// Package schedule computes run times for cron-like expressions.
package schedule

import (
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// FallbackInterval is used when a cron expression cannot be parsed: the
// schedule degrades to running once an hour instead of crashing the
// batch or hot-looping.
const FallbackInterval = time.Hour

// Valid reports whether expr is a parseable cron expression.
func Valid(expr string) bool {
	return gronx.New().IsValid(expr)
}

// NextRun returns the first run time strictly after from for a 5-field
// cron expression. When both day-of-month and day-of-week are
// constrained, day-of-week wins (instead of standard cron's
// either-matches rule). Malformed expressions fall back to from plus
// one hour, so a broken schedule still advances.
func NextRun(expr string, from time.Time) time.Time {
	next, err := gronx.NextTickAfter(applyWeekdayPrecedence(expr), from, false)
	if err != nil {
		return from.Add(FallbackInterval)
	}
	return next
}

// applyWeekdayPrecedence rewrites day-of-month to * when both day
// fields are constrained, so the weekday constraint alone decides the
// run day.
func applyWeekdayPrecedence(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr
	}
	dom, dow := fields[2], fields[4]
	if dom != "*" && dom != "?" && dow != "*" && dow != "?" {
		fields[2] = "*"
		return strings.Join(fields, " ")
	}
	return expr
}
