package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/models"
)

func TestMemoryTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	first, err := m.CreateTask(ctx, TaskInput{Title: "a", CreatorID: "c1", TargetAccuracy: 0.9, RewardPool: 10})
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, first.Status)
	assert.Zero(t, first.CurrentAccuracy)
	second, err := m.CreateTask(ctx, TaskInput{Title: "b", CreatorID: "c2", TargetAccuracy: 0.8, Status: models.TaskActive})
	require.NoError(t, err)

	all, err := m.ListTasks(ctx, ListTasksFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	active, err := m.ListTasks(ctx, ListTasksFilter{Status: models.TaskActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].Title)

	_, err = m.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateTaskProgressIsConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	task, err := m.CreateTask(ctx, TaskInput{Title: "a", TargetAccuracy: 0.9})
	require.NoError(t, err)

	updated, err := m.UpdateTaskProgress(ctx, TaskProgressUpdate{ID: task.ID, ExpectedAccuracy: 0, CurrentAccuracy: 0.3, Status: models.TaskActive})
	require.NoError(t, err)
	assert.Equal(t, 0.3, updated.CurrentAccuracy)

	_, err = m.UpdateTaskProgress(ctx, TaskProgressUpdate{ID: task.ID, ExpectedAccuracy: 0, CurrentAccuracy: 0.4, Status: models.TaskActive})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = m.UpdateTaskProgress(ctx, TaskProgressUpdate{ID: uuid.New()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCommitRoundConflictLeavesNothing(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	task, err := m.CreateTask(ctx, TaskInput{Title: "a", TargetAccuracy: 0.9})
	require.NoError(t, err)

	_, err = m.CommitRound(ctx, RoundCommit{
		Contribution: ContributionInput{TaskID: task.ID, ContributorID: "alice", RoundNumber: 1},
		Progress:     TaskProgressUpdate{ID: task.ID, ExpectedAccuracy: 0.5, CurrentAccuracy: 0.6},
		Round:        &TrainingRoundInput{TaskID: task.ID, RoundNumber: 1},
	})
	assert.ErrorIs(t, err, ErrConflict)

	contribs, err := m.ListContributions(ctx, ListContributionsFilter{TaskID: &task.ID})
	require.NoError(t, err)
	assert.Empty(t, contribs)
	rounds, err := m.ListTrainingRounds(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, rounds)
}

func TestMemoryDuplicateRoundRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	taskID := uuid.New()
	in := ContributionInput{TaskID: taskID, ContributorID: "alice", RoundNumber: 1}

	_, err := m.CreateContribution(ctx, in)
	require.NoError(t, err)
	_, err = m.CreateContribution(ctx, in)
	assert.ErrorIs(t, err, ErrConflict)

	in.ContributorID = "bob"
	_, err = m.CreateContribution(ctx, in)
	assert.NoError(t, err)
}

func TestMemoryLatestContributionAndPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	taskID := uuid.New()
	for _, round := range []int{2, 5, 3} {
		_, err := m.CreateContribution(ctx, ContributionInput{TaskID: taskID, ContributorID: "alice", RoundNumber: round})
		require.NoError(t, err)
	}

	latest, err := m.GetLatestContribution(ctx, taskID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 5, latest.RoundNumber)

	_, err = m.GetLatestContribution(ctx, taskID, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	page, err := m.ListContributions(ctx, ListContributionsFilter{ContributorID: "alice", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, 5, page[0].RoundNumber)
	assert.Equal(t, 2, page[1].RoundNumber)
}
