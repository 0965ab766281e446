package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/models"
)

// MemoryStore is an in-process Store used by tests and local runs without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	tasks         map[uuid.UUID]models.Task
	contributions map[uuid.UUID]models.Contribution
	rounds        map[uuid.UUID]models.TrainingRound
	// seq orders records created within the same clock tick.
	seq map[uuid.UUID]int64
	n   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:         map[uuid.UUID]models.Task{},
		contributions: map[uuid.UUID]models.Contribution{},
		rounds:        map[uuid.UUID]models.TrainingRound{},
		seq:           map[uuid.UUID]int64{},
	}
}

func (m *MemoryStore) stamp(id uuid.UUID) {
	m.n++
	m.seq[id] = m.n
}

func (m *MemoryStore) CreateTask(ctx context.Context, in TaskInput) (models.Task, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Status == "" {
		in.Status = models.TaskPending
	}
	now := time.Now().UTC()
	task := models.Task{
		ID:             in.ID,
		Title:          in.Title,
		Description:    in.Description,
		DatasetURI:     in.DatasetURI,
		CreatorID:      in.CreatorID,
		TargetAccuracy: in.TargetAccuracy,
		RewardPool:     in.RewardPool,
		Status:         in.Status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	m.stamp(task.ID)
	return task, nil
}

// PutTask stores a task as given, bypassing defaults. Tests use it to seed
// tasks with an existing accuracy.
func (m *MemoryStore) PutTask(task models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	m.stamp(task.ID)
}

func (m *MemoryStore) GetTask(ctx context.Context, id uuid.UUID) (models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	return task, nil
}

func (m *MemoryStore) ListTasks(ctx context.Context, filter ListTasksFilter) ([]models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var tasks []models.Task
	for _, task := range m.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.CreatorID != "" && task.CreatorID != filter.CreatorID {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return m.seq[tasks[i].ID] > m.seq[tasks[j].ID]
	})
	return page(tasks, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) UpdateTaskProgress(ctx context.Context, in TaskProgressUpdate) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateTaskProgressLocked(in)
}

func (m *MemoryStore) updateTaskProgressLocked(in TaskProgressUpdate) (models.Task, error) {
	task, ok := m.tasks[in.ID]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	if task.CurrentAccuracy != in.ExpectedAccuracy {
		return models.Task{}, ErrConflict
	}
	task.CurrentAccuracy = in.CurrentAccuracy
	task.Status = in.Status
	task.UpdatedAt = time.Now().UTC()
	m.tasks[in.ID] = task
	return task, nil
}

func (m *MemoryStore) CreateContribution(ctx context.Context, in ContributionInput) (models.Contribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkRoundFreeLocked(in); err != nil {
		return models.Contribution{}, err
	}
	return m.createContributionLocked(in), nil
}

func (m *MemoryStore) checkRoundFreeLocked(in ContributionInput) error {
	for _, c := range m.contributions {
		if c.TaskID == in.TaskID && c.ContributorID == in.ContributorID && c.RoundNumber == in.RoundNumber {
			return fmt.Errorf("%w: round %d for %s", ErrDuplicateRound, in.RoundNumber, in.ContributorID)
		}
	}
	return nil
}

func (m *MemoryStore) createContributionLocked(in ContributionInput) models.Contribution {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	c := models.Contribution{
		ID:             in.ID,
		TaskID:         in.TaskID,
		ContributorID:  in.ContributorID,
		RoundNumber:    in.RoundNumber,
		ImprovementBp:  in.ImprovementBp,
		ModelUpdateURI: in.ModelUpdateURI,
		RewardAmount:   in.RewardAmount,
		Status:         in.Status,
		CreatedAt:      time.Now().UTC(),
	}
	m.contributions[c.ID] = c
	m.stamp(c.ID)
	return c
}

func (m *MemoryStore) GetLatestContribution(ctx context.Context, taskID uuid.UUID, contributorID string) (models.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		latest models.Contribution
		found  bool
	)
	for _, c := range m.contributions {
		if c.TaskID != taskID || c.ContributorID != contributorID {
			continue
		}
		if !found || c.RoundNumber > latest.RoundNumber {
			latest = c
			found = true
		}
	}
	if !found {
		return models.Contribution{}, ErrNotFound
	}
	return latest, nil
}

func (m *MemoryStore) ListContributions(ctx context.Context, filter ListContributionsFilter) ([]models.Contribution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Contribution
	for _, c := range m.contributions {
		if filter.TaskID != nil && c.TaskID != *filter.TaskID {
			continue
		}
		if filter.ContributorID != "" && c.ContributorID != filter.ContributorID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[out[i].ID] > m.seq[out[j].ID]
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (m *MemoryStore) CreateTrainingRound(ctx context.Context, in TrainingRoundInput) (models.TrainingRound, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createTrainingRoundLocked(in), nil
}

func (m *MemoryStore) createTrainingRoundLocked(in TrainingRoundInput) models.TrainingRound {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CompletedAt.IsZero() {
		in.CompletedAt = time.Now().UTC()
	}
	r := models.TrainingRound{
		ID:               in.ID,
		TaskID:           in.TaskID,
		RoundNumber:      in.RoundNumber,
		GlobalAccuracy:   in.GlobalAccuracy,
		ParticipantCount: in.ParticipantCount,
		Status:           in.Status,
		CompletedAt:      in.CompletedAt,
	}
	m.rounds[r.ID] = r
	m.stamp(r.ID)
	return r
}

func (m *MemoryStore) ListTrainingRounds(ctx context.Context, taskID uuid.UUID) ([]models.TrainingRound, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TrainingRound
	for _, r := range m.rounds {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoundNumber != out[j].RoundNumber {
			return out[i].RoundNumber < out[j].RoundNumber
		}
		return m.seq[out[i].ID] < m.seq[out[j].ID]
	})
	return out, nil
}

// CommitRound applies a round under a single lock; the task check runs first so a
// conflict leaves nothing behind.
func (m *MemoryStore) CommitRound(ctx context.Context, in RoundCommit) (RoundRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[in.Progress.ID]; !ok {
		return RoundRecord{}, ErrNotFound
	}
	if m.tasks[in.Progress.ID].CurrentAccuracy != in.Progress.ExpectedAccuracy {
		return RoundRecord{}, ErrConflict
	}
	if err := m.checkRoundFreeLocked(in.Contribution); err != nil {
		return RoundRecord{}, err
	}
	contribution := m.createContributionLocked(in.Contribution)
	task, err := m.updateTaskProgressLocked(in.Progress)
	if err != nil {
		return RoundRecord{}, err
	}
	rec := RoundRecord{Contribution: contribution, Task: task}
	if in.Round != nil {
		rec.Round = m.createTrainingRoundLocked(*in.Round)
	}
	return rec, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func page[T any](items []T, offset, limit int) []T {
	start := offset
	if start < 0 {
		start = 0
	}
	if start > len(items) {
		start = len(items)
	}
	if limit <= 0 {
		limit = 50
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	result := make([]T, end-start)
	copy(result, items[start:end])
	return result
}
