package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/archive"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/curve"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/events"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/models"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/rounds"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/signing"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/store"
)

// ErrValidation marks requests rejected before any side effect.
var ErrValidation = errors.New("validation failed")

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

type Service struct {
	store         store.Store
	simulator     *rounds.Simulator
	synth         *curve.Synthesizer
	signer        signing.Signer
	archiver      archive.Archiver
	publisher     events.Publisher
	logger        *zap.Logger
	defaultRounds int
}

type Options struct {
	Simulator   *rounds.Simulator
	Synthesizer *curve.Synthesizer
	Signer      signing.Signer
	Archiver    archive.Archiver
	Publisher   events.Publisher
	Logger      *zap.Logger
	// DefaultRounds applies when a simulation request names no round count.
	DefaultRounds int
}

func New(st store.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.Archiver == nil {
		opts.Archiver = archive.LocalPaths{}
	}
	if opts.Simulator == nil {
		opts.Simulator = rounds.New(st, rounds.Config{Publisher: opts.Publisher, Logger: opts.Logger})
	}
	if opts.Synthesizer == nil {
		opts.Synthesizer = curve.NewSynthesizer(curve.Options{Logger: opts.Logger})
	}
	if opts.DefaultRounds <= 0 {
		opts.DefaultRounds = rounds.DefaultRounds
	}
	if opts.DefaultRounds > rounds.MaxRounds {
		opts.DefaultRounds = rounds.MaxRounds
	}
	return &Service{
		store:         st,
		simulator:     opts.Simulator,
		synth:         opts.Synthesizer,
		signer:        opts.Signer,
		archiver:      opts.Archiver,
		publisher:     opts.Publisher,
		logger:        opts.Logger.Named("service"),
		defaultRounds: opts.DefaultRounds,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// publish never fails the caller; delivery problems are logged.
func (s *Service) publish(ctx context.Context, eventType, key string, payload interface{}) {
	err := s.publisher.Publish(ctx, events.Event{
		Type:    eventType,
		Key:     key,
		Payload: payload,
		TS:      time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("publish event", zap.String("type", eventType), zap.String("key", key), zap.Error(err))
	}
}

type CreateTaskRequest struct {
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	DatasetURI     string  `json:"datasetUri"`
	TargetAccuracy float64 `json:"targetAccuracy"`
	RewardPool     float64 `json:"rewardPool"`
	CreatorID      string  `json:"creatorId"`
}

func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest) (models.Task, error) {
	if req.Title == "" || req.Description == "" || req.DatasetURI == "" || req.CreatorID == "" {
		return models.Task{}, validationError("title, description, datasetUri and creatorId required")
	}
	if req.TargetAccuracy <= 0 || req.TargetAccuracy > 1 {
		return models.Task{}, validationError("targetAccuracy must be in (0,1]")
	}
	if req.RewardPool < 0 {
		return models.Task{}, validationError("rewardPool must not be negative")
	}
	task, err := s.store.CreateTask(ctx, store.TaskInput{
		Title:          req.Title,
		Description:    req.Description,
		DatasetURI:     req.DatasetURI,
		CreatorID:      req.CreatorID,
		TargetAccuracy: req.TargetAccuracy,
		RewardPool:     req.RewardPool,
		Status:         models.TaskPending,
	})
	if err != nil {
		return models.Task{}, err
	}
	s.logger.Info("task created", zap.String("task_id", task.ID.String()), zap.String("creator_id", task.CreatorID))
	s.publish(ctx, events.TypeTaskCreated, task.ID.String(), task)
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, id uuid.UUID) (models.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context, filter store.ListTasksFilter) ([]models.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationError("unknown status %q", filter.Status)
	}
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return tasks, nil
}
