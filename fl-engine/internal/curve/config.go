package curve

import (
	"errors"
	"fmt"
)

type TaskType string

const (
	TaskClassification TaskType = "classification"
	TaskRegression     TaskType = "regression"
	TaskSentiment      TaskType = "sentiment"
)

var ErrUnsupportedTaskType = errors.New("unsupported task type")

// TaskTypes lists the supported task types in display order.
var TaskTypes = []TaskType{TaskClassification, TaskRegression, TaskSentiment}

func (t TaskType) Supported() bool {
	switch t {
	case TaskClassification, TaskRegression, TaskSentiment:
		return true
	}
	return false
}

const (
	DefaultTaskType     = TaskClassification
	DefaultModelType    = "dense"
	DefaultLearningRate = 0.001
	DefaultBatchSize    = 32
	DefaultEpochs       = 50
	DefaultDropoutRate  = 0.2
	DefaultEmbeddingDim = 50
	DefaultNumSamples   = 1000
	DefaultNumFeatures  = 10
	DefaultNumClasses   = 3
	DefaultVocabSize    = 1000
	DefaultMaxLength    = 50

	// MaxEpochs caps the configured epoch count; larger values are clamped.
	MaxEpochs = 1000
)

type Hyperparameters struct {
	LearningRate float64 `json:"learningRate"`
	BatchSize    int     `json:"batchSize"`
	Epochs       int     `json:"epochs"`
	DropoutRate  float64 `json:"dropoutRate"`
	EmbeddingDim int     `json:"embeddingDim"`
}

type DatasetConfig struct {
	NumSamples  int `json:"numSamples"`
	NumFeatures int `json:"numFeatures"`
	NumClasses  int `json:"numClasses"`
	VocabSize   int `json:"vocabSize"`
	MaxLength   int `json:"maxLength"`
}

// Config describes the training run to fabricate. Zero or negative fields take
// their defaults; only the task type can be rejected.
type Config struct {
	TaskType        TaskType        `json:"taskType"`
	ModelType       string          `json:"modelType"`
	Hyperparameters Hyperparameters `json:"hyperparameters"`
	DatasetConfig   DatasetConfig   `json:"datasetConfig"`
}

func (c Config) WithDefaults() Config {
	if c.TaskType == "" {
		c.TaskType = DefaultTaskType
	}
	if c.ModelType == "" {
		c.ModelType = DefaultModelType
	}
	h := &c.Hyperparameters
	if h.LearningRate <= 0 {
		h.LearningRate = DefaultLearningRate
	}
	h.BatchSize = orInt(h.BatchSize, DefaultBatchSize)
	h.Epochs = orInt(h.Epochs, DefaultEpochs)
	if h.Epochs > MaxEpochs {
		h.Epochs = MaxEpochs
	}
	if h.DropoutRate <= 0 || h.DropoutRate >= 1 {
		h.DropoutRate = DefaultDropoutRate
	}
	h.EmbeddingDim = orInt(h.EmbeddingDim, DefaultEmbeddingDim)

	d := &c.DatasetConfig
	d.NumSamples = orInt(d.NumSamples, DefaultNumSamples)
	d.NumFeatures = orInt(d.NumFeatures, DefaultNumFeatures)
	d.NumClasses = orInt(d.NumClasses, DefaultNumClasses)
	d.VocabSize = orInt(d.VocabSize, DefaultVocabSize)
	d.MaxLength = orInt(d.MaxLength, DefaultMaxLength)
	return c
}

// Validate applies defaults and rejects unknown task types.
func (c Config) Validate() (Config, error) {
	c = c.WithDefaults()
	if !c.TaskType.Supported() {
		return Config{}, fmt.Errorf("%w %q: use classification, regression, or sentiment", ErrUnsupportedTaskType, c.TaskType)
	}
	return c, nil
}

func orInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
