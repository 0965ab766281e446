package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/models"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/rounds"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/store"
)

// statusContributionLimit caps the contributions embedded in a status view.
const statusContributionLimit = 500

type SimulateRequest struct {
	TaskID        uuid.UUID `json:"taskId"`
	ContributorID string    `json:"contributorId"`
	Rounds        int       `json:"rounds"`
}

type SimulationResult struct {
	rounds.Result
	InitialAccuracy float64 `json:"initialAccuracy"`
	Message         string  `json:"message"`
}

// Simulate runs the round simulator. When a round fails after others were
// committed, the partial result is returned together with the error.
func (s *Service) Simulate(ctx context.Context, req SimulateRequest) (SimulationResult, error) {
	if req.TaskID == uuid.Nil || req.ContributorID == "" {
		return SimulationResult{}, validationError("taskId and contributorId required")
	}
	if req.Rounds < 0 || req.Rounds > rounds.MaxRounds {
		return SimulationResult{}, validationError("rounds must be between 1 and %d", rounds.MaxRounds)
	}
	if req.Rounds == 0 {
		req.Rounds = s.defaultRounds
	}
	task, err := s.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return SimulationResult{}, fmt.Errorf("load task %s: %w", req.TaskID, err)
	}

	res, err := s.simulator.Run(ctx, rounds.Request{
		TaskID:        req.TaskID,
		ContributorID: req.ContributorID,
		Rounds:        req.Rounds,
	})
	if errors.Is(err, rounds.ErrInvalidRequest) {
		return SimulationResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	out := SimulationResult{
		Result:          res,
		InitialAccuracy: task.CurrentAccuracy,
		Message: fmt.Sprintf("Simulation completed. Task accuracy improved from %.2f%% to %.2f%%",
			task.CurrentAccuracy*100, res.FinalAccuracy*100),
	}
	if err != nil {
		out.Message = fmt.Sprintf("Simulation stopped after %d rounds", len(res.Results))
		return out, err
	}
	return out, nil
}

type TrainingProgress struct {
	CurrentAccuracy    float64 `json:"currentAccuracy"`
	TargetAccuracy     float64 `json:"targetAccuracy"`
	Progress           float64 `json:"progress"`
	RoundsCompleted    int     `json:"roundsCompleted"`
	TotalContributions int     `json:"totalContributions"`
}

type SimulationStatus struct {
	Task             models.Task            `json:"task"`
	TrainingRounds   []models.TrainingRound `json:"trainingRounds"`
	Contributions    []models.Contribution  `json:"contributions"`
	TrainingProgress TrainingProgress       `json:"trainingProgress"`
}

func (s *Service) SimulationStatus(ctx context.Context, taskID uuid.UUID) (SimulationStatus, error) {
	if taskID == uuid.Nil {
		return SimulationStatus{}, validationError("taskId required")
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return SimulationStatus{}, err
	}
	trainingRounds, err := s.store.ListTrainingRounds(ctx, taskID)
	if err != nil {
		return SimulationStatus{}, err
	}
	contributions, err := s.store.ListContributions(ctx, store.ListContributionsFilter{
		TaskID: &taskID,
		Limit:  statusContributionLimit,
	})
	if err != nil {
		return SimulationStatus{}, err
	}
	if trainingRounds == nil {
		trainingRounds = []models.TrainingRound{}
	}
	if contributions == nil {
		contributions = []models.Contribution{}
	}

	progress := 0.0
	if task.TargetAccuracy > 0 {
		progress = task.CurrentAccuracy / task.TargetAccuracy * 100
	}
	return SimulationStatus{
		Task:           task,
		TrainingRounds: trainingRounds,
		Contributions:  contributions,
		TrainingProgress: TrainingProgress{
			CurrentAccuracy:    task.CurrentAccuracy,
			TargetAccuracy:     task.TargetAccuracy,
			Progress:           progress,
			RoundsCompleted:    len(trainingRounds),
			TotalContributions: len(contributions),
		},
	}, nil
}
