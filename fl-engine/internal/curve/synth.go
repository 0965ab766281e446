package curve

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/metrics"
	"github.com/ILLUVRSE/fedlearn/fl-engine/internal/randsrc"
)

const (
	initialLoss     = 2.5
	initialAccuracy = 0.1
	minLoss         = 0.01
	maxAccuracy     = 0.99
	minRegression   = 0.7
	decayRate       = 0.02

	DefaultEpochPace = 100 * time.Millisecond
	DefaultMaxDelay  = 10 * time.Second
)

// Epoch is one row of the synthetic history. Regression runs report MAE fields,
// the other task types report accuracy fields.
type Epoch struct {
	Epoch       int      `json:"epoch"`
	Loss        float64  `json:"loss"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	MAE         *float64 `json:"mae,omitempty"`
	ValLoss     float64  `json:"valLoss"`
	ValAccuracy *float64 `json:"valAccuracy,omitempty"`
	ValMAE      *float64 `json:"valMae,omitempty"`
	Time        float64  `json:"time"`
}

type Summary struct {
	Architecture string   `json:"architecture"`
	TaskType     TaskType `json:"taskType"`
	Structure
	FinalAccuracy float64 `json:"finalAccuracy"`
	FinalLoss     float64 `json:"finalLoss"`
	// TrainingTime is the synthesis wall-clock in milliseconds.
	TrainingTime  int64 `json:"trainingTime"`
	EpochsTrained int   `json:"epochsTrained"`
}

type Result struct {
	ModelID string  `json:"modelId"`
	Config  Config  `json:"config"`
	Summary Summary `json:"modelSummary"`
	History []Epoch `json:"trainingHistory"`
}

type Options struct {
	Random randsrc.Source
	// EpochPace is the simulated time per epoch spent before synthesis.
	EpochPace time.Duration
	// MaxDelay caps the pacing regardless of epoch count.
	MaxDelay time.Duration
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

type Synthesizer struct {
	random    randsrc.Source
	epochPace time.Duration
	maxDelay  time.Duration
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewSynthesizer(opts Options) *Synthesizer {
	if opts.Random == nil {
		opts.Random = randsrc.Global
	}
	if opts.EpochPace < 0 {
		opts.EpochPace = 0
	}
	if opts.MaxDelay < 0 {
		opts.MaxDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Synthesizer{
		random:    opts.Random,
		epochPace: opts.EpochPace,
		maxDelay:  opts.MaxDelay,
		metrics:   opts.Metrics,
		logger:    opts.Logger.Named("curve"),
		now:       opts.Now,
	}
}

// Synthesize fabricates a training run for cfg. The configuration is defaulted
// first; an unknown task type fails before any pacing or computation.
func (s *Synthesizer) Synthesize(ctx context.Context, cfg Config) (Result, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return Result{}, err
	}

	s.logger.Info("training synthesis started",
		zap.String("task_type", string(cfg.TaskType)),
		zap.String("model_type", cfg.ModelType),
		zap.Int("epochs", cfg.Hyperparameters.Epochs))

	if err := s.pace(ctx, cfg.Hyperparameters.Epochs); err != nil {
		return Result{}, fmt.Errorf("training paced out: %w", err)
	}

	start := s.now()
	structure := EstimateParams(cfg)
	history, err := s.generate(ctx, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("training interrupted: %w", err)
	}
	summary := Summary{
		Architecture:  cfg.ModelType,
		TaskType:      cfg.TaskType,
		Structure:     structure,
		EpochsTrained: cfg.Hyperparameters.Epochs,
	}
	summary.FinalAccuracy, summary.FinalLoss = finalMetrics(history[len(history)-1])
	modelID := s.modelID()
	elapsed := s.now().Sub(start)
	summary.TrainingTime = elapsed.Milliseconds()

	s.metrics.ObserveTraining(string(cfg.TaskType), elapsed)
	s.logger.Info("training synthesis completed",
		zap.String("model_id", modelID),
		zap.Float64("final_accuracy", summary.FinalAccuracy),
		zap.Float64("final_loss", summary.FinalLoss))

	return Result{
		ModelID: modelID,
		Config:  cfg,
		Summary: summary,
		History: history,
	}, nil
}

func (s *Synthesizer) generate(ctx context.Context, cfg Config) ([]Epoch, error) {
	epochs := cfg.Hyperparameters.Epochs
	lr := cfg.Hyperparameters.LearningRate
	regression := cfg.TaskType == TaskRegression

	history := make([]Epoch, 0, epochs)
	loss, acc := initialLoss, initialAccuracy
	for e := 1; e <= epochs; e++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		decay := math.Exp(-float64(e) * decayRate)

		loss = math.Max(minLoss, loss-lr*decay*0.5+s.uniform(-0.01, 0.01))
		if regression {
			acc = math.Max(minRegression, acc+lr*decay*2+s.uniform(-0.005, 0.005))
		} else {
			acc = math.Min(maxAccuracy, acc+lr*decay*3+s.uniform(-0.01, 0.01))
		}
		valLoss := loss + s.uniform(0, 0.1)
		valAcc := math.Max(0, acc-s.uniform(0, 0.05))

		row := Epoch{
			Epoch:   e,
			Loss:    loss,
			ValLoss: valLoss,
			Time:    s.uniform(100, 300),
		}
		trainMetric, valMetric := acc, valAcc
		if regression {
			row.MAE, row.ValMAE = &trainMetric, &valMetric
		} else {
			row.Accuracy, row.ValAccuracy = &trainMetric, &valMetric
		}
		history = append(history, row)
	}
	return history, nil
}

// finalMetrics prefers validation figures and falls back to training ones when
// validation is missing or zero.
func finalMetrics(last Epoch) (accuracy, loss float64) {
	for _, v := range []*float64{last.ValAccuracy, last.ValMAE, last.Accuracy, last.MAE} {
		if v != nil && *v != 0 {
			accuracy = *v
			break
		}
	}
	loss = last.ValLoss
	if loss == 0 {
		loss = last.Loss
	}
	return accuracy, loss
}

func (s *Synthesizer) uniform(lo, hi float64) float64 {
	return randsrc.Uniform(s.random, lo, hi)
}

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// modelID has the form model_<unix millis>_<9 base36 chars>.
func (s *Synthesizer) modelID() string {
	suffix := make([]byte, 9)
	for i := range suffix {
		suffix[i] = idAlphabet[int(s.random.Float64()*float64(len(idAlphabet)))%len(idAlphabet)]
	}
	return fmt.Sprintf("model_%d_%s", s.now().UnixMilli(), suffix)
}

// PaceFor returns the simulated training delay for an epoch count.
func (s *Synthesizer) PaceFor(epochs int) time.Duration {
	if epochs <= 0 || s.epochPace <= 0 {
		return 0
	}
	if s.epochPace > s.maxDelay/time.Duration(epochs) {
		return s.maxDelay
	}
	return time.Duration(epochs) * s.epochPace
}

func (s *Synthesizer) pace(ctx context.Context, epochs int) error {
	d := s.PaceFor(epochs)
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
