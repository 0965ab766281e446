package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional task update finds the accuracy
	// changed underneath it.
	ErrConflict = errors.New("task modified concurrently")
	// ErrDuplicateRound is a conflict on (task, contributor, round).
	ErrDuplicateRound = fmt.Errorf("%w: round already recorded", ErrConflict)
)

type Store interface {
	CreateTask(ctx context.Context, in TaskInput) (models.Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (models.Task, error)
	ListTasks(ctx context.Context, filter ListTasksFilter) ([]models.Task, error)
	UpdateTaskProgress(ctx context.Context, in TaskProgressUpdate) (models.Task, error)
	CreateContribution(ctx context.Context, in ContributionInput) (models.Contribution, error)
	GetLatestContribution(ctx context.Context, taskID uuid.UUID, contributorID string) (models.Contribution, error)
	ListContributions(ctx context.Context, filter ListContributionsFilter) ([]models.Contribution, error)
	CreateTrainingRound(ctx context.Context, in TrainingRoundInput) (models.TrainingRound, error)
	ListTrainingRounds(ctx context.Context, taskID uuid.UUID) ([]models.TrainingRound, error)
	CommitRound(ctx context.Context, in RoundCommit) (RoundRecord, error)
	Ping(ctx context.Context) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

type TaskInput struct {
	ID             uuid.UUID
	Title          string
	Description    string
	DatasetURI     string
	CreatorID      string
	TargetAccuracy float64
	RewardPool     float64
	Status         models.TaskStatus
}

type ListTasksFilter struct {
	Status    models.TaskStatus
	CreatorID string
	Limit     int
	Offset    int
}

// TaskProgressUpdate moves a task's accuracy and status. The write only applies
// while the stored accuracy still equals ExpectedAccuracy.
type TaskProgressUpdate struct {
	ID               uuid.UUID
	ExpectedAccuracy float64
	CurrentAccuracy  float64
	Status           models.TaskStatus
}

type ContributionInput struct {
	ID             uuid.UUID
	TaskID         uuid.UUID
	ContributorID  string
	RoundNumber    int
	ImprovementBp  float64
	ModelUpdateURI string
	RewardAmount   float64
	Status         models.ContributionStatus
}

type ListContributionsFilter struct {
	TaskID        *uuid.UUID
	ContributorID string
	Limit         int
	Offset        int
}

type TrainingRoundInput struct {
	ID               uuid.UUID
	TaskID           uuid.UUID
	RoundNumber      int
	GlobalAccuracy   float64
	ParticipantCount int
	Status           string
	CompletedAt      time.Time
}

// RoundCommit is everything one contribution writes. Round is nil for
// contributions submitted from outside the simulator.
type RoundCommit struct {
	Contribution ContributionInput
	Progress     TaskProgressUpdate
	Round        *TrainingRoundInput
}

type RoundRecord struct {
	Contribution models.Contribution
	Task         models.Task
	Round        models.TrainingRound
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const (
	taskColumns         = `id, title, description, dataset_uri, creator_id, target_accuracy, current_accuracy, reward_pool, status, created_at, updated_at`
	contributionColumns = `id, task_id, contributor_id, round_number, improvement_bp, model_update_uri, reward_amount, status, created_at`
	roundColumns        = `id, task_id, round_number, global_accuracy, participant_count, status, completed_at`
)

func scanTask(row rowScanner) (models.Task, error) {
	var (
		task   models.Task
		status string
	)
	if err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.DatasetURI,
		&task.CreatorID,
		&task.TargetAccuracy,
		&task.CurrentAccuracy,
		&task.RewardPool,
		&status,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return models.Task{}, err
	}
	task.Status = models.TaskStatus(status)
	return task, nil
}

func scanContribution(row rowScanner) (models.Contribution, error) {
	var (
		c      models.Contribution
		uri    sql.NullString
		status string
	)
	if err := row.Scan(
		&c.ID,
		&c.TaskID,
		&c.ContributorID,
		&c.RoundNumber,
		&c.ImprovementBp,
		&uri,
		&c.RewardAmount,
		&status,
		&c.CreatedAt,
	); err != nil {
		return models.Contribution{}, err
	}
	if uri.Valid {
		c.ModelUpdateURI = uri.String
	}
	c.Status = models.ContributionStatus(status)
	return c, nil
}

func scanTrainingRound(row rowScanner) (models.TrainingRound, error) {
	var r models.TrainingRound
	if err := row.Scan(
		&r.ID,
		&r.TaskID,
		&r.RoundNumber,
		&r.GlobalAccuracy,
		&r.ParticipantCount,
		&r.Status,
		&r.CompletedAt,
	); err != nil {
		return models.TrainingRound{}, err
	}
	return r, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) CreateTask(ctx context.Context, in TaskInput) (models.Task, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Status == "" {
		in.Status = models.TaskPending
	}
	query := `
		INSERT INTO tasks (id, title, description, dataset_uri, creator_id, target_accuracy, current_accuracy, reward_pool, status)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)
		RETURNING ` + taskColumns
	row := s.db.QueryRowContext(ctx, query, in.ID, in.Title, in.Description, in.DatasetURI, in.CreatorID, in.TargetAccuracy, in.RewardPool, string(in.Status))
	task, err := scanTask(row)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

func (s *PGStore) GetTask(ctx context.Context, id uuid.UUID) (models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id=$1`
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, ErrNotFound
		}
		return models.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *PGStore) ListTasks(ctx context.Context, filter ListTasksFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(filter.Status))
		argPos++
	}
	if filter.CreatorID != "" {
		query += fmt.Sprintf(" AND creator_id = $%d", argPos)
		args = append(args, filter.CreatorID)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *PGStore) UpdateTaskProgress(ctx context.Context, in TaskProgressUpdate) (models.Task, error) {
	return updateTaskProgress(ctx, s.db, in)
}

func updateTaskProgress(ctx context.Context, q execQuerier, in TaskProgressUpdate) (models.Task, error) {
	query := `
		UPDATE tasks
		SET current_accuracy=$2, status=$3, updated_at=NOW()
		WHERE id=$1 AND current_accuracy=$4
		RETURNING ` + taskColumns
	task, err := scanTask(q.QueryRowContext(ctx, query, in.ID, in.CurrentAccuracy, string(in.Status), in.ExpectedAccuracy))
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("update task progress: %w", err)
	}
	// Zero rows: either the task vanished or its accuracy moved.
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id=$1)`, in.ID).Scan(&exists); err != nil {
		return models.Task{}, fmt.Errorf("check task: %w", err)
	}
	if !exists {
		return models.Task{}, ErrNotFound
	}
	return models.Task{}, ErrConflict
}

func (s *PGStore) CreateContribution(ctx context.Context, in ContributionInput) (models.Contribution, error) {
	return insertContribution(ctx, s.db, in)
}

func insertContribution(ctx context.Context, q execQuerier, in ContributionInput) (models.Contribution, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO contributions (id, task_id, contributor_id, round_number, improvement_bp, model_update_uri, reward_amount, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING ` + contributionColumns
	row := q.QueryRowContext(ctx, query, in.ID, in.TaskID, in.ContributorID, in.RoundNumber, in.ImprovementBp, in.ModelUpdateURI, in.RewardAmount, string(in.Status))
	c, err := scanContribution(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Contribution{}, fmt.Errorf("%w: round %d for %s", ErrDuplicateRound, in.RoundNumber, in.ContributorID)
		}
		return models.Contribution{}, fmt.Errorf("insert contribution: %w", err)
	}
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PGStore) GetLatestContribution(ctx context.Context, taskID uuid.UUID, contributorID string) (models.Contribution, error) {
	query := `
		SELECT ` + contributionColumns + `
		FROM contributions
		WHERE task_id=$1 AND contributor_id=$2
		ORDER BY round_number DESC
		LIMIT 1`
	c, err := scanContribution(s.db.QueryRowContext(ctx, query, taskID, contributorID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Contribution{}, ErrNotFound
		}
		return models.Contribution{}, fmt.Errorf("get latest contribution: %w", err)
	}
	return c, nil
}

func (s *PGStore) ListContributions(ctx context.Context, filter ListContributionsFilter) ([]models.Contribution, error) {
	query := `SELECT ` + contributionColumns + ` FROM contributions WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	if filter.TaskID != nil {
		query += fmt.Sprintf(" AND task_id = $%d", argPos)
		args = append(args, *filter.TaskID)
		argPos++
	}
	if filter.ContributorID != "" {
		query += fmt.Sprintf(" AND contributor_id = $%d", argPos)
		args = append(args, filter.ContributorID)
		argPos++
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argPos)
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()

	var out []models.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contributions: %w", err)
	}
	return out, nil
}

func (s *PGStore) CreateTrainingRound(ctx context.Context, in TrainingRoundInput) (models.TrainingRound, error) {
	return insertTrainingRound(ctx, s.db, in)
}

func insertTrainingRound(ctx context.Context, q execQuerier, in TrainingRoundInput) (models.TrainingRound, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CompletedAt.IsZero() {
		in.CompletedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO training_rounds (id, task_id, round_number, global_accuracy, participant_count, status, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING ` + roundColumns
	row := q.QueryRowContext(ctx, query, in.ID, in.TaskID, in.RoundNumber, in.GlobalAccuracy, in.ParticipantCount, in.Status, in.CompletedAt)
	r, err := scanTrainingRound(row)
	if err != nil {
		return models.TrainingRound{}, fmt.Errorf("insert training round: %w", err)
	}
	return r, nil
}

func (s *PGStore) ListTrainingRounds(ctx context.Context, taskID uuid.UUID) ([]models.TrainingRound, error) {
	query := `SELECT ` + roundColumns + ` FROM training_rounds WHERE task_id=$1 ORDER BY round_number ASC`
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list training rounds: %w", err)
	}
	defer rows.Close()

	var out []models.TrainingRound
	for rows.Next() {
		r, err := scanTrainingRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan training round: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate training rounds: %w", err)
	}
	return out, nil
}

// CommitRound writes the contribution, the task progress and the training round
// in one transaction.
func (s *PGStore) CommitRound(ctx context.Context, in RoundCommit) (RoundRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RoundRecord{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var rec RoundRecord
	rec.Contribution, err = insertContribution(ctx, tx, in.Contribution)
	if err != nil {
		return RoundRecord{}, err
	}
	rec.Task, err = updateTaskProgress(ctx, tx, in.Progress)
	if err != nil {
		return RoundRecord{}, err
	}
	if in.Round != nil {
		rec.Round, err = insertTrainingRound(ctx, tx, *in.Round)
		if err != nil {
			return RoundRecord{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return RoundRecord{}, fmt.Errorf("commit round: %w", err)
	}
	return rec, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	return nil
}
