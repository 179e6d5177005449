package mission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/common/errors"
)

func TestValidateSchedule(t *testing.T) {
	assert.NoError(t, ValidateSchedule("30 8 * * 1-5", "America/New_York"))
	assert.NoError(t, ValidateSchedule("*/15 * * * *", "UTC"))
	assert.NoError(t, ValidateSchedule("0 0 1 1 *", "Asia/Tokyo"))

	err := ValidateSchedule("not a cron", "UTC")
	assert.True(t, errors.IsValidation(err))

	// Six fields; the schedule grammar is five-field.
	err = ValidateSchedule("0 30 8 * * 1-5", "UTC")
	assert.True(t, errors.IsValidation(err))

	err = ValidateSchedule("30 8 * * 1-5", "Mars/Olympus_Mons")
	assert.True(t, errors.IsValidation(err))
}

func TestNextOccurrence(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Wednesday 2026-01-07 07:00 New York.
	after := time.Date(2026, 1, 7, 7, 0, 0, 0, loc)
	next, err := NextOccurrence("30 8 * * 1-5", "America/New_York", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 7, 8, 30, 0, 0, loc), next)

	// Friday after the fire time rolls to Monday.
	after = time.Date(2026, 1, 9, 9, 0, 0, 0, loc)
	next, err = NextOccurrence("30 8 * * 1-5", "America/New_York", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 12, 8, 30, 0, 0, loc), next)

	// Strictly after: an instant exactly on the fire time yields the
	// next one.
	after = time.Date(2026, 1, 7, 8, 30, 0, 0, loc)
	next, err = NextOccurrence("30 8 * * 1-5", "America/New_York", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 8, 8, 30, 0, 0, loc), next)

	// The after instant is interpreted in the mission's timezone.
	next, err = NextOccurrence("30 8 * * 1-5", "America/New_York",
		time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 7, 8, 30, 0, 0, loc).UTC(), next.UTC())

	_, err = NextOccurrence("bad", "UTC", time.Now())
	assert.True(t, errors.IsValidation(err))
	_, err = NextOccurrence("30 8 * * 1-5", "Nowhere/Here", time.Now())
	assert.True(t, errors.IsValidation(err))
}
