package models

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskActive    TaskStatus = "ACTIVE"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Valid reports whether s is one of the known task states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskActive, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

type ContributionStatus string

const (
	ContributionPending  ContributionStatus = "PENDING"
	ContributionApproved ContributionStatus = "APPROVED"
	ContributionRejected ContributionStatus = "REJECTED"
)

const RoundCompleted = "COMPLETED"

type Task struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	DatasetURI      string     `json:"datasetUri"`
	CreatorID       string     `json:"creatorId"`
	TargetAccuracy  float64    `json:"targetAccuracy"`
	CurrentAccuracy float64    `json:"currentAccuracy"`
	RewardPool      float64    `json:"rewardPool"`
	Status          TaskStatus `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// TargetReached reports whether the running accuracy has met the target.
func (t Task) TargetReached() bool {
	return t.CurrentAccuracy >= t.TargetAccuracy
}

type Contribution struct {
	ID             uuid.UUID          `json:"id"`
	TaskID         uuid.UUID          `json:"taskId"`
	ContributorID  string             `json:"contributorId"`
	RoundNumber    int                `json:"roundNumber"`
	ImprovementBp  float64            `json:"improvementBp"`
	ModelUpdateURI string             `json:"modelUpdateUri"`
	RewardAmount   float64            `json:"rewardAmount"`
	Status         ContributionStatus `json:"status"`
	CreatedAt      time.Time          `json:"createdAt"`
}

type TrainingRound struct {
	ID               uuid.UUID `json:"id"`
	TaskID           uuid.UUID `json:"taskId"`
	RoundNumber      int       `json:"roundNumber"`
	GlobalAccuracy   float64   `json:"globalAccuracy"`
	ParticipantCount int       `json:"participantCount"`
	Status           string    `json:"status"`
	CompletedAt      time.Time `json:"completedAt"`
}
