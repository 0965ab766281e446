package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/events"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/models"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/rounds"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/store"
)

// conflictRetries bounds how often a submission re-reads a task whose accuracy
// moved between read and write.
const conflictRetries = 3

type ContributionRequest struct {
	TaskID         uuid.UUID `json:"taskId"`
	ContributorID  string    `json:"contributorId"`
	RoundNumber    int       `json:"roundNumber"`
	ImprovementBp  float64   `json:"improvementBp"`
	ModelUpdateURI string    `json:"modelUpdateUri"`
}

// SubmitContribution records an externally produced model update. It pays the
// same reward as a simulated round and moves the task accuracy under the same
// cap, but the contribution stays PENDING until reviewed.
func (s *Service) SubmitContribution(ctx context.Context, req ContributionRequest) (models.Contribution, error) {
	if req.TaskID == uuid.Nil || req.ContributorID == "" || req.ModelUpdateURI == "" {
		return models.Contribution{}, validationError("taskId, contributorId and modelUpdateUri required")
	}
	if req.RoundNumber <= 0 {
		return models.Contribution{}, validationError("roundNumber must be positive")
	}
	if req.ImprovementBp < 1 || req.ImprovementBp > rounds.BasisPoints {
		return models.Contribution{}, validationError("improvementBp must be between 1 and %d", rounds.BasisPoints)
	}

	var lastErr error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		rec, err := s.submitOnce(ctx, req)
		if err == nil {
			s.logger.Info("contribution submitted",
				zap.String("task_id", req.TaskID.String()),
				zap.String("contributor_id", req.ContributorID),
				zap.Int("round", req.RoundNumber),
				zap.Float64("reward", rec.Contribution.RewardAmount))
			s.publish(ctx, events.TypeContributionSubmitted, req.TaskID.String(), map[string]interface{}{
				"contribution": rec.Contribution,
				"taskStatus":   rec.Task.Status,
				"accuracy":     rec.Task.CurrentAccuracy,
			})
			return rec.Contribution, nil
		}
		if !isAccuracyConflict(err) {
			return models.Contribution{}, err
		}
		lastErr = err
	}
	return models.Contribution{}, lastErr
}

func (s *Service) submitOnce(ctx context.Context, req ContributionRequest) (store.RoundRecord, error) {
	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return store.RoundRecord{}, fmt.Errorf("load task %s: %w", req.TaskID, err)
	}
	latest, err := s.store.GetLatestContribution(ctx, req.TaskID, req.ContributorID)
	switch {
	case err == nil:
		if req.RoundNumber <= latest.RoundNumber {
			return store.RoundRecord{}, validationError("roundNumber must exceed %d", latest.RoundNumber)
		}
	case errors.Is(err, store.ErrNotFound):
	default:
		return store.RoundRecord{}, fmt.Errorf("load latest contribution: %w", err)
	}

	improvement := req.ImprovementBp / rounds.BasisPoints
	accuracy := rounds.NextAccuracy(task.CurrentAccuracy, improvement)
	return s.store.CommitRound(ctx, store.RoundCommit{
		Contribution: store.ContributionInput{
			TaskID:         req.TaskID,
			ContributorID:  req.ContributorID,
			RoundNumber:    req.RoundNumber,
			ImprovementBp:  req.ImprovementBp,
			ModelUpdateURI: req.ModelUpdateURI,
			RewardAmount:   rounds.Reward(improvement, task.RewardPool),
			Status:         models.ContributionPending,
		},
		Progress: store.TaskProgressUpdate{
			ID:               task.ID,
			ExpectedAccuracy: task.CurrentAccuracy,
			CurrentAccuracy:  accuracy,
			Status:           rounds.StatusFor(accuracy, task.TargetAccuracy),
		},
	})
}

// isAccuracyConflict distinguishes a lost optimistic update, which is worth
// retrying, from a duplicate round, which is not.
func isAccuracyConflict(err error) bool {
	return errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrDuplicateRound)
}

func (s *Service) ListContributions(ctx context.Context, filter store.ListContributionsFilter) ([]models.Contribution, error) {
	out, err := s.store.ListContributions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Contribution{}
	}
	return out, nil
}
