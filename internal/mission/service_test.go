package mission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
)

type fakeParser struct {
	cron string
	tz   string
	err  error
}

func (f *fakeParser) ParseSchedule(_ context.Context, _ string) (string, string, error) {
	return f.cron, f.tz, f.err
}

func newTestMissionService(parser ScheduleParser) *Service {
	return NewService(NewMemoryRepository(), nil, parser, nil, logger.Default())
}

func TestCreateMissionWithCron(t *testing.T) {
	s := newTestMissionService(nil)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, CreateMissionRequest{
		Name:       "standup prep",
		Prompt:     "summarize open work",
		CronExpr:   "30 8 * * 1-5",
		Timezone:   "America/New_York",
		WorkingDir: "/work",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, m.Status)
	assert.Equal(t, "30 8 * * 1-5", m.CronExpr)
	require.NotNil(t, m.NextExecutionAt)
	assert.True(t, m.NextExecutionAt.After(m.CreatedAt))
}

func TestCreateMissionTimezoneDefaultsUTC(t *testing.T) {
	s := newTestMissionService(nil)

	m, err := s.CreateMission(context.Background(), CreateMissionRequest{
		Name:       "hourly",
		Prompt:     "p",
		CronExpr:   "0 * * * *",
		WorkingDir: "/work",
	})
	require.NoError(t, err)
	assert.Equal(t, "UTC", m.Timezone)
}

func TestCreateMissionNaturalLanguageSchedule(t *testing.T) {
	s := newTestMissionService(&fakeParser{cron: "30 8 * * 1-5", tz: "America/New_York"})

	m, err := s.CreateMission(context.Background(), CreateMissionRequest{
		Name:           "weekday briefing",
		Prompt:         "p",
		ScheduleSource: "every weekday at 8:30am New York time",
		WorkingDir:     "/work",
	})
	require.NoError(t, err)
	assert.Equal(t, "30 8 * * 1-5", m.CronExpr)
	assert.Equal(t, "America/New_York", m.Timezone)
	assert.Equal(t, "every weekday at 8:30am New York time", m.ScheduleSource)
}

func TestCreateMissionParserOutputStillValidated(t *testing.T) {
	s := newTestMissionService(&fakeParser{cron: "definitely not cron", tz: "UTC"})

	_, err := s.CreateMission(context.Background(), CreateMissionRequest{
		Name:           "m",
		Prompt:         "p",
		ScheduleSource: "whenever",
		WorkingDir:     "/work",
	})
	assert.True(t, errors.IsValidation(err))
}

func TestCreateMissionValidation(t *testing.T) {
	s := newTestMissionService(nil)
	ctx := context.Background()

	_, err := s.CreateMission(ctx, CreateMissionRequest{Prompt: "p", CronExpr: "* * * * *", WorkingDir: "/w"})
	assert.True(t, errors.IsValidation(err))

	_, err = s.CreateMission(ctx, CreateMissionRequest{Name: "m", CronExpr: "* * * * *", WorkingDir: "/w"})
	assert.True(t, errors.IsValidation(err))

	// Neither cron nor a natural-language source.
	_, err = s.CreateMission(ctx, CreateMissionRequest{Name: "m", Prompt: "p", WorkingDir: "/w"})
	assert.True(t, errors.IsValidation(err))

	_, err = s.CreateMission(ctx, CreateMissionRequest{
		Name: "m", Prompt: "p", CronExpr: "* * * * *", Timezone: "Nope/Nope", WorkingDir: "/w",
	})
	assert.True(t, errors.IsValidation(err))
}

func TestPauseAndResume(t *testing.T) {
	s := newTestMissionService(nil)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, CreateMissionRequest{
		Name: "m", Prompt: "p", CronExpr: "0 * * * *", WorkingDir: "/w",
	})
	require.NoError(t, err)

	paused, err := s.PauseMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	resumed, err := s.ResumeMission(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, resumed.Status)
	require.NotNil(t, resumed.NextExecutionAt)
}

func TestUpdateMissionScheduleRecomputesNextFire(t *testing.T) {
	s := newTestMissionService(nil)
	ctx := context.Background()

	m, err := s.CreateMission(ctx, CreateMissionRequest{
		Name: "m", Prompt: "p", CronExpr: "0 0 * * *", WorkingDir: "/w",
	})
	require.NoError(t, err)
	before := *m.NextExecutionAt

	expr := "*/5 * * * *"
	updated, err := s.UpdateMission(ctx, m.ID, UpdateMissionRequest{CronExpr: &expr})
	require.NoError(t, err)
	assert.Equal(t, expr, updated.CronExpr)
	require.NotNil(t, updated.NextExecutionAt)
	assert.False(t, updated.NextExecutionAt.After(before))

	bad := "nope"
	_, err = s.UpdateMission(ctx, m.ID, UpdateMissionRequest{CronExpr: &bad})
	assert.True(t, errors.IsValidation(err))
}

func TestListMissionsStatusFilter(t *testing.T) {
	s := newTestMissionService(nil)
	ctx := context.Background()

	a, err := s.CreateMission(ctx, CreateMissionRequest{
		Name: "a", Prompt: "p", CronExpr: "0 * * * *", WorkingDir: "/w",
	})
	require.NoError(t, err)
	_, err = s.CreateMission(ctx, CreateMissionRequest{
		Name: "b", Prompt: "p", CronExpr: "0 * * * *", WorkingDir: "/w",
	})
	require.NoError(t, err)

	_, err = s.PauseMission(ctx, a.ID)
	require.NoError(t, err)

	active, err := s.ListMissions(ctx, StatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	all, err := s.ListMissions(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.ListMissions(ctx, MissionStatus("retired"))
	assert.True(t, errors.IsValidation(err))
}
