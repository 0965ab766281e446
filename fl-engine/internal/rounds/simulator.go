package rounds

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/events"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/metrics"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/models"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/randsrc"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/store"
)

const (
	DefaultRounds = 5
	// MaxRounds bounds one simulation request.
	MaxRounds = 100

	MinImprovement = 0.005
	MaxImprovement = 0.03

	// RewardRate is the share of the pool paid per 100% of accuracy improvement.
	RewardRate = 0.1

	// AccuracyCap keeps tasks strictly below a perfect model.
	AccuracyCap = 0.999

	BasisPoints = 10000

	participantsPerRound = 1
)

var ErrInvalidRequest = errors.New("invalid simulation request")

// Reward is the payout for one contribution. The external submission path uses
// the same formula.
func Reward(improvement, rewardPool float64) float64 {
	return improvement * rewardPool * RewardRate
}

// NextAccuracy applies an improvement, capped at AccuracyCap and never below current.
func NextAccuracy(current, improvement float64) float64 {
	next := current + improvement
	if next > AccuracyCap {
		next = AccuracyCap
	}
	if next < current {
		return current
	}
	return next
}

// StatusFor derives the task status after an accuracy change.
func StatusFor(accuracy, target float64) models.TaskStatus {
	if accuracy >= target {
		return models.TaskCompleted
	}
	return models.TaskActive
}

type Config struct {
	// DelayMin and DelayMax bound the simulated compute time of a round.
	DelayMin time.Duration
	DelayMax time.Duration

	Random    randsrc.Source
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type Request struct {
	TaskID        uuid.UUID
	ContributorID string
	Rounds        int
}

type RoundResult struct {
	Round          int       `json:"round"`
	Improvement    float64   `json:"improvement"`
	NewAccuracy    float64   `json:"newAccuracy"`
	RewardAmount   float64   `json:"rewardAmount"`
	ModelUpdateURI string    `json:"modelUpdateUri"`
	ContributionID uuid.UUID `json:"contributionId"`
}

type Result struct {
	TaskID        uuid.UUID     `json:"taskId"`
	ContributorID string        `json:"contributorId"`
	Results       []RoundResult `json:"results"`
	FinalAccuracy float64       `json:"finalAccuracy"`
	TargetReached bool          `json:"targetReached"`
}

// Simulator advances a task through sequential improvement rounds for one
// contributor. Runs against the same task are serialised within the process.
type Simulator struct {
	store     store.Store
	cfg       Config
	random    randsrc.Source
	publisher events.Publisher
	logger    *zap.Logger
	locks     *taskLocks
}

func New(st store.Store, cfg Config) *Simulator {
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	random := cfg.Random
	if random == nil {
		random = randsrc.Global
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		store:     st,
		cfg:       cfg,
		random:    random,
		publisher: publisher,
		logger:    logger.Named("rounds"),
		locks:     newTaskLocks(),
	}
}

// Run simulates req.Rounds rounds (DefaultRounds when zero). Rounds committed
// before a failure stay committed; the partial ledger is returned with the error.
func (s *Simulator) Run(ctx context.Context, req Request) (Result, error) {
	if req.TaskID == uuid.Nil || req.ContributorID == "" {
		return Result{}, fmt.Errorf("%w: taskId and contributorId required", ErrInvalidRequest)
	}
	if req.Rounds < 0 || req.Rounds > MaxRounds {
		return Result{}, fmt.Errorf("%w: rounds must be between 1 and %d", ErrInvalidRequest, MaxRounds)
	}
	if req.Rounds == 0 {
		req.Rounds = DefaultRounds
	}

	if _, err := s.store.GetTask(ctx, req.TaskID); err != nil {
		return Result{}, fmt.Errorf("load task %s: %w", req.TaskID, err)
	}

	release, err := s.locks.acquire(ctx, req.TaskID)
	if err != nil {
		return Result{}, err
	}
	defer release()

	// Reload under the lock; another simulation may have moved the accuracy.
	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return Result{}, fmt.Errorf("load task %s: %w", req.TaskID, err)
	}
	startRound := 1
	latest, err := s.store.GetLatestContribution(ctx, req.TaskID, req.ContributorID)
	switch {
	case err == nil:
		startRound = latest.RoundNumber + 1
	case errors.Is(err, store.ErrNotFound):
	default:
		return Result{}, fmt.Errorf("load latest contribution: %w", err)
	}

	begin := time.Now()
	result := Result{
		TaskID:        task.ID,
		ContributorID: req.ContributorID,
		Results:       make([]RoundResult, 0, min(req.Rounds, DefaultRounds)),
		FinalAccuracy: task.CurrentAccuracy,
		TargetReached: task.TargetReached(),
	}
	defer func() {
		s.cfg.Metrics.ObserveSimulation(time.Since(begin), result.TargetReached)
	}()

	s.logger.Info("simulation started",
		zap.String("task_id", task.ID.String()),
		zap.String("contributor_id", req.ContributorID),
		zap.Int("start_round", startRound),
		zap.Int("rounds", req.Rounds))

	for round := startRound; round <= startRound+req.Rounds-1; round++ {
		if err := s.pace(ctx); err != nil {
			return result, fmt.Errorf("round %d: %w", round, err)
		}

		rr, updated, err := s.runRound(ctx, task, req.ContributorID, round)
		if err != nil {
			s.logger.Warn("round failed",
				zap.String("task_id", task.ID.String()),
				zap.Int("round", round),
				zap.Int("committed", len(result.Results)),
				zap.Error(err))
			return result, fmt.Errorf("round %d: %w", round, err)
		}
		task = updated
		result.Results = append(result.Results, rr)
		result.FinalAccuracy = task.CurrentAccuracy
		result.TargetReached = task.TargetReached()

		if result.TargetReached {
			break
		}
	}

	s.logger.Info("simulation finished",
		zap.String("task_id", task.ID.String()),
		zap.Int("rounds_run", len(result.Results)),
		zap.Float64("final_accuracy", result.FinalAccuracy),
		zap.Bool("target_reached", result.TargetReached))
	return result, nil
}

func (s *Simulator) runRound(ctx context.Context, task models.Task, contributorID string, round int) (RoundResult, models.Task, error) {
	improvement := randsrc.Uniform(s.random, MinImprovement, MaxImprovement)
	improvementBp := improvement * BasisPoints
	reward := Reward(improvement, task.RewardPool)
	accuracy := NextAccuracy(task.CurrentAccuracy, improvement)
	status := StatusFor(accuracy, task.TargetAccuracy)
	now := time.Now().UTC()
	modelURI := fmt.Sprintf("ipfs://QmMock%d%d", round, now.UnixMilli())

	rec, err := s.store.CommitRound(ctx, store.RoundCommit{
		Contribution: store.ContributionInput{
			TaskID:         task.ID,
			ContributorID:  contributorID,
			RoundNumber:    round,
			ImprovementBp:  improvementBp,
			ModelUpdateURI: modelURI,
			RewardAmount:   reward,
			Status:         models.ContributionApproved,
		},
		Progress: store.TaskProgressUpdate{
			ID:               task.ID,
			ExpectedAccuracy: task.CurrentAccuracy,
			CurrentAccuracy:  accuracy,
			Status:           status,
		},
		Round: &store.TrainingRoundInput{
			TaskID:           task.ID,
			RoundNumber:      round,
			GlobalAccuracy:   accuracy,
			ParticipantCount: participantsPerRound,
			Status:           models.RoundCompleted,
			CompletedAt:      now,
		},
	})
	if err != nil {
		return RoundResult{}, task, err
	}

	rr := RoundResult{
		Round:          round,
		Improvement:    improvementBp,
		NewAccuracy:    rec.Task.CurrentAccuracy,
		RewardAmount:   rec.Contribution.RewardAmount,
		ModelUpdateURI: modelURI,
		ContributionID: rec.Contribution.ID,
	}
	s.cfg.Metrics.ObserveRound(reward)
	if err := s.publisher.Publish(ctx, events.Event{
		Type: events.TypeRoundCompleted,
		Key:  task.ID.String(),
		Payload: map[string]interface{}{
			"taskId":         task.ID,
			"contributorId":  contributorID,
			"round":          round,
			"improvementBp":  improvementBp,
			"rewardAmount":   reward,
			"globalAccuracy": rec.Round.GlobalAccuracy,
			"status":         rec.Task.Status,
			"contributionId": rec.Contribution.ID,
		},
		TS: now,
	}); err != nil {
		s.logger.Warn("publish round event", zap.Int("round", round), zap.Error(err))
	}
	return rr, rec.Task, nil
}

// pace waits out the simulated compute time of a round.
func (s *Simulator) pace(ctx context.Context) error {
	d := s.cfg.DelayMin
	if span := s.cfg.DelayMax - s.cfg.DelayMin; span > 0 {
		d += time.Duration(s.random.Float64() * float64(span))
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
