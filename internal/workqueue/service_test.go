package workqueue

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dere/dere/internal/common/errors"
	"github.com/dere/dere/internal/common/logger"
)

func newTestService() *Service {
	return NewService(NewMemoryRepository(), nil, logger.Default())
}

func createTask(t *testing.T, s *Service, req CreateTaskRequest) *ProjectTask {
	t.Helper()
	if req.WorkingDir == "" {
		req.WorkingDir = "/work"
	}
	task, err := s.CreateTask(context.Background(), req)
	require.NoError(t, err)
	return task
}

func TestCreateTaskInitialStatus(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	ready := createTask(t, s, CreateTaskRequest{Title: "no blockers"})
	assert.Equal(t, StatusReady, ready.Status)

	blocked := createTask(t, s, CreateTaskRequest{
		Title:     "waits on ready task",
		BlockedBy: []string{ready.ID},
	})
	assert.Equal(t, StatusBlocked, blocked.Status)

	// Unknown blockers are trivially satisfied.
	orphan := createTask(t, s, CreateTaskRequest{
		Title:     "unknown blocker",
		BlockedBy: []string{"no-such-task"},
	})
	assert.Equal(t, StatusReady, orphan.Status)

	backlog := createTask(t, s, CreateTaskRequest{Title: "parked", Backlog: true})
	assert.Equal(t, StatusBacklog, backlog.Status)

	_, err := s.CreateTask(ctx, CreateTaskRequest{WorkingDir: "/work"})
	assert.True(t, errors.IsValidation(err))
}

func TestClaimTaskConcurrentSingleWinner(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	task := createTask(t, s, CreateTaskRequest{Title: "contended"})

	const workers = 10
	results := make([]*ProjectTask, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.ClaimTask(ctx, task.ID, "", "agent-"+string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < workers; i++ {
		if errs[i] == nil {
			winners++
			require.NotNil(t, results[i])
			assert.Equal(t, StatusClaimed, results[i].Status)
			assert.Equal(t, 1, results[i].AttemptCount)
			require.NotNil(t, results[i].ClaimedByAgentID)
		} else {
			assert.True(t, errors.IsConflict(errs[i]), "loser must see a conflict, got %v", errs[i])
		}
	}
	assert.Equal(t, 1, winners)
}

func TestClaimTaskValidation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	task := createTask(t, s, CreateTaskRequest{Title: "t"})

	_, err := s.ClaimTask(ctx, task.ID, "", "")
	assert.True(t, errors.IsValidation(err))

	_, err = s.ClaimTask(ctx, task.ID, "sess", "agent")
	assert.True(t, errors.IsValidation(err))

	_, err = s.ClaimTask(ctx, "missing", "sess", "")
	assert.True(t, errors.IsNotFound(err))
}

func TestClaimNotReadyTask(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	parked := createTask(t, s, CreateTaskRequest{Title: "parked", Backlog: true})

	_, err := s.ClaimTask(ctx, parked.ID, "sess", "")
	assert.True(t, errors.IsConflict(err))
}

func TestDependencyCascade(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	a := createTask(t, s, CreateTaskRequest{Title: "a"})
	b := createTask(t, s, CreateTaskRequest{Title: "b", BlockedBy: []string{a.ID}})
	c := createTask(t, s, CreateTaskRequest{Title: "c", BlockedBy: []string{b.ID}})

	assert.Equal(t, StatusReady, a.Status)
	assert.Equal(t, StatusBlocked, b.Status)
	assert.Equal(t, StatusBlocked, c.Status)

	done := StatusDone
	_, newlyReady, err := s.UpdateTask(ctx, a.ID, UpdateTaskRequest{Status: &done})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, newlyReady)

	b2, err := s.GetTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, b2.Status)
	c2, err := s.GetTask(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, c2.Status)

	_, newlyReady, err = s.UpdateTask(ctx, b.ID, UpdateTaskRequest{Status: &done})
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, newlyReady)

	c3, err := s.GetTask(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, c3.Status)

	a2, err := s.GetTask(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, a2.CompletedAt)
}

func TestGetReadyTasksOrdering(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	low := createTask(t, s, CreateTaskRequest{Title: "low", Priority: 1})
	highOld := createTask(t, s, CreateTaskRequest{Title: "high old", Priority: 5})
	highNew := createTask(t, s, CreateTaskRequest{Title: "high new", Priority: 5})

	tasks, err := s.GetReadyTasks(ctx, "/work", "", nil, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, highOld.ID, tasks[0].ID)
	assert.Equal(t, highNew.ID, tasks[1].ID)
	assert.Equal(t, low.ID, tasks[2].ID)
}

func TestGetReadyTasksToolFilter(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	plain := createTask(t, s, CreateTaskRequest{Title: "plain"})
	createTask(t, s, CreateTaskRequest{Title: "needs git", RequiredTools: []string{"git", "docker"}})

	tasks, err := s.GetReadyTasks(ctx, "/work", "", []string{"git"}, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, plain.ID, tasks[0].ID)

	tasks, err = s.GetReadyTasks(ctx, "/work", "", []string{"git", "docker", "sed"}, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestReleasePreservesAttemptCount(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	task := createTask(t, s, CreateTaskRequest{Title: "flaky"})

	claimed, err := s.ClaimTask(ctx, task.ID, "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.AttemptCount)

	released, err := s.ReleaseTask(ctx, task.ID, "worker crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusReady, released.Status)
	assert.Equal(t, 1, released.AttemptCount)
	assert.Nil(t, released.ClaimedBySessionID)
	assert.Equal(t, "worker crashed", released.LastError)

	again, err := s.ClaimTask(ctx, task.ID, "sess-2", "")
	require.NoError(t, err)
	assert.Equal(t, 2, again.AttemptCount)
}

func TestReleaseUnclaimedTask(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	task := createTask(t, s, CreateTaskRequest{Title: "idle"})

	_, err := s.ReleaseTask(ctx, task.ID, "")
	assert.True(t, errors.IsConflict(err))
}

func TestUpdateTerminalTaskRejected(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	task := createTask(t, s, CreateTaskRequest{Title: "done soon"})

	done := StatusDone
	_, _, err := s.UpdateTask(ctx, task.ID, UpdateTaskRequest{Status: &done})
	require.NoError(t, err)

	ready := StatusReady
	_, _, err = s.UpdateTask(ctx, task.ID, UpdateTaskRequest{Status: &ready})
	assert.True(t, errors.IsConflict(err))
}

func TestGetReadyTasksPromotesUnblocked(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	a := createTask(t, s, CreateTaskRequest{Title: "a"})
	b := createTask(t, s, CreateTaskRequest{Title: "b", BlockedBy: []string{a.ID}})

	// Complete the blocker directly in the repository so the service's
	// cascade never ran; listing must still promote b.
	repo := s.repo.(*MemoryRepository)
	stored, err := repo.Get(ctx, a.ID)
	require.NoError(t, err)
	stored.Status = StatusDone
	require.NoError(t, repo.Update(ctx, stored))

	tasks, err := s.GetReadyTasks(ctx, "/work", "", nil, 10)
	require.NoError(t, err)

	ids := make(map[string]bool)
	for _, task := range tasks {
		ids[task.ID] = true
	}
	assert.True(t, ids[b.ID], "blocked task should be promoted on listing")
}

func TestFollowUpLinking(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	parent := createTask(t, s, CreateTaskRequest{Title: "parent"})
	child := createTask(t, s, CreateTaskRequest{Title: "child", ParentTaskID: parent.ID})

	stored, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{child.ID}, stored.FollowUpTaskIDs)

	// Idempotent.
	require.NoError(t, s.AddFollowUpTask(ctx, parent.ID, child.ID))
	stored, err = s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, stored.FollowUpTaskIDs, 1)
}
