package mission

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dere/dere/internal/common/errors"
)

// ScheduleParser turns a natural-language schedule into a five-field
// cron expression and an IANA timezone. Implemented by the LLM helper;
// results must still validate before a mission is accepted.
type ScheduleParser interface {
	ParseSchedule(ctx context.Context, natural string) (cronExpr, timezone string, err error)
}

// Summarizer produces a one-sentence summary of a long text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Five-field cron: minute, hour, day-of-month, month, day-of-week.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateSchedule checks the cron expression and timezone.
func ValidateSchedule(expr, timezone string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return errors.Validation(fmt.Sprintf("invalid cron expression '%s': %v", expr, err))
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return errors.Validation(fmt.Sprintf("invalid timezone '%s': %v", timezone, err))
	}
	return nil
}

// NextOccurrence returns the next fire time of the expression strictly
// after the given instant, evaluated in the mission's timezone.
func NextOccurrence(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, errors.Validation(fmt.Sprintf("invalid cron expression '%s': %v", expr, err))
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, errors.Validation(fmt.Sprintf("invalid timezone '%s': %v", timezone, err))
	}
	return sched.Next(after.In(loc)), nil
}
