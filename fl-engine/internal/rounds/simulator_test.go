package rounds

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/events"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/models"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/randsrc"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/store"
)

// draw returns the source value that makes Uniform yield improvement.
func draw(improvement float64) float64 {
	return (improvement - MinImprovement) / (MaxImprovement - MinImprovement)
}

func seedTask(t *testing.T, st *store.MemoryStore, current, target, pool float64) models.Task {
	t.Helper()
	task := models.Task{
		ID:              uuid.New(),
		Title:           "sentiment",
		CreatorID:       "creator-1",
		TargetAccuracy:  target,
		CurrentAccuracy: current,
		RewardPool:      pool,
		Status:          models.TaskActive,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	st.PutTask(task)
	return task
}

type failingStore struct {
	*store.MemoryStore
	failOn int
	calls  int
}

func (f *failingStore) CommitRound(ctx context.Context, in store.RoundCommit) (store.RoundRecord, error) {
	f.calls++
	if f.calls == f.failOn {
		return store.RoundRecord{}, errors.New("connection reset")
	}
	return f.MemoryStore.CommitRound(ctx, in)
}

func TestRewardAndAccuracyRules(t *testing.T) {
	assert.InDelta(t, 10.0, Reward(0.02, 5000), 1e-9)
	assert.InDelta(t, 0.91, NextAccuracy(0.89, 0.02), 1e-9)
	assert.Equal(t, AccuracyCap, NextAccuracy(0.99, 0.03))
	assert.Equal(t, 0.9995, NextAccuracy(0.9995, 0.01))
	assert.Equal(t, models.TaskCompleted, StatusFor(0.90, 0.90))
	assert.Equal(t, models.TaskActive, StatusFor(0.8999, 0.90))
}

func TestRunCompletesTaskAndStopsEarly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	task := seedTask(t, st, 0.89, 0.90, 5000)
	pub := events.NewMemoryPublisher()
	sim := New(st, Config{Random: randsrc.NewFixed(draw(0.02)), Publisher: pub})

	res, err := sim.Run(ctx, Request{TaskID: task.ID, ContributorID: "alice", Rounds: 5})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.True(t, res.TargetReached)
	assert.InDelta(t, 0.91, res.FinalAccuracy, 1e-9)

	round := res.Results[0]
	assert.Equal(t, 1, round.Round)
	assert.InDelta(t, 200.0, round.Improvement, 1e-6)
	assert.InDelta(t, 10.0, round.RewardAmount, 1e-6)
	assert.True(t, strings.HasPrefix(round.ModelUpdateURI, "ipfs://QmMock1"))

	stored, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, stored.Status)

	contribs, err := st.ListContributions(ctx, store.ListContributionsFilter{TaskID: &task.ID})
	require.NoError(t, err)
	require.Len(t, contribs, 1)
	assert.Equal(t, models.ContributionApproved, contribs[0].Status)
	assert.Equal(t, round.ContributionID, contribs[0].ID)

	rounds, err := st.ListTrainingRounds(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, rounds, 1)
	assert.Equal(t, 1, rounds[0].ParticipantCount)
	assert.Equal(t, models.RoundCompleted, rounds[0].Status)

	assert.Len(t, pub.OfType(events.TypeRoundCompleted), 1)
}

func TestRunContinuesRoundNumbering(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	task := seedTask(t, st, 0.5, 0.95, 1000)
	_, err := st.CreateContribution(ctx, store.ContributionInput{
		TaskID:        task.ID,
		ContributorID: "alice",
		RoundNumber:   3,
		Status:        models.ContributionApproved,
	})
	require.NoError(t, err)

	sim := New(st, Config{Random: randsrc.NewFixed(draw(0.01))})
	res, err := sim.Run(ctx, Request{TaskID: task.ID, ContributorID: "alice", Rounds: 2})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.Equal(t, 4, res.Results[0].Round)
	assert.Equal(t, 5, res.Results[1].Round)
	assert.False(t, res.TargetReached)
	assert.InDelta(t, 0.52, res.FinalAccuracy, 1e-9)

	// Another contributor starts at round one.
	res, err = sim.Run(ctx, Request{TaskID: task.ID, ContributorID: "bob", Rounds: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Results[0].Round)
}

func TestRunDefaultsToFiveRounds(t *testing.T) {
	st := store.NewMemoryStore()
	task := seedTask(t, st, 0, 0.9, 100)
	sim := New(st, Config{Random: randsrc.NewFixed(draw(0.01))})

	res, err := sim.Run(context.Background(), Request{TaskID: task.ID, ContributorID: "alice"})
	require.NoError(t, err)
	assert.Len(t, res.Results, DefaultRounds)
	assert.InDelta(t, 0.05, res.FinalAccuracy, 1e-9)
}

func TestRunCapsAccuracy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	task := seedTask(t, st, 0.99, 0.9995, 100)
	sim := New(st, Config{Random: randsrc.NewFixed(draw(0.03))})

	res, err := sim.Run(ctx, Request{TaskID: task.ID, ContributorID: "alice", Rounds: 3})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	for _, r := range res.Results {
		assert.Equal(t, AccuracyCap, r.NewAccuracy)
	}
	assert.False(t, res.TargetReached)

	stored, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskActive, stored.Status)
}

func TestRunRejectsBadRequests(t *testing.T) {
	st := store.NewMemoryStore()
	task := seedTask(t, st, 0, 0.9, 100)
	sim := New(st, Config{})

	_, err := sim.Run(context.Background(), Request{TaskID: task.ID, ContributorID: "alice", Rounds: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = sim.Run(context.Background(), Request{TaskID: task.ID})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = sim.Run(context.Background(), Request{TaskID: task.ID, ContributorID: "alice", Rounds: MaxRounds + 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = sim.Run(context.Background(), Request{TaskID: task.ID, ContributorID: "alice", Rounds: 1 << 40})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	latest, err := st.GetLatestContribution(context.Background(), task.ID, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound, "rejected request wrote round %d", latest.RoundNumber)

	_, err = sim.Run(context.Background(), Request{TaskID: uuid.New(), ContributorID: "alice"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunKeepsCommittedRoundsOnFailure(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	task := seedTask(t, mem, 0.1, 0.9, 100)
	st := &failingStore{MemoryStore: mem, failOn: 3}
	sim := New(st, Config{Random: randsrc.NewFixed(draw(0.01))})

	res, err := sim.Run(ctx, Request{TaskID: task.ID, ContributorID: "alice", Rounds: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "round 3")
	require.Len(t, res.Results, 2)
	assert.InDelta(t, 0.12, res.FinalAccuracy, 1e-9)

	contribs, err := mem.ListContributions(ctx, store.ListContributionsFilter{TaskID: &task.ID})
	require.NoError(t, err)
	assert.Len(t, contribs, 2)

	stored, err := mem.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, stored.CurrentAccuracy, 1e-9)
}

func TestRunPublishFailureDoesNotFailRound(t *testing.T) {
	st := store.NewMemoryStore()
	task := seedTask(t, st, 0, 0.9, 100)
	pub := events.NewMemoryPublisher()
	pub.Err = errors.New("broker down")
	sim := New(st, Config{Random: randsrc.NewFixed(draw(0.01)), Publisher: pub})

	res, err := sim.Run(context.Background(), Request{TaskID: task.ID, ContributorID: "alice", Rounds: 2})
	require.NoError(t, err)
	assert.Len(t, res.Results, 2)
}

func TestRunHonoursCancellation(t *testing.T) {
	st := store.NewMemoryStore()
	task := seedTask(t, st, 0, 0.9, 100)
	sim := New(st, Config{DelayMin: time.Hour, DelayMax: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := sim.Run(ctx, Request{TaskID: task.ID, ContributorID: "alice", Rounds: 2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, res.Results)
}

func TestConcurrentRunsOnOneTaskAreSerialised(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	task := seedTask(t, st, 0, 0.99, 100)
	sim := New(st, Config{Random: randsrc.NewSeeded(7)})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = sim.Run(ctx, Request{
				TaskID:        task.ID,
				ContributorID: "worker-" + string(rune('a'+i)),
				Rounds:        3,
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	rounds, err := st.ListTrainingRounds(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, rounds, 12)
	assert.Empty(t, sim.locks.locks)
}
