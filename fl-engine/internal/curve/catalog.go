package curve

type TrainingDefaults struct {
	Epochs          int      `json:"epochs"`
	BatchSize       int      `json:"batchSize"`
	ValidationSplit float64  `json:"validationSplit"`
	Optimizer       string   `json:"optimizer"`
	Loss            string   `json:"loss"`
	Metrics         []string `json:"metrics"`
}

type HyperparameterGrid struct {
	LearningRate []float64 `json:"learningRate"`
	BatchSize    []int     `json:"batchSize"`
	Epochs       []int     `json:"epochs"`
	DropoutRate  []float64 `json:"dropoutRate"`
}

// Catalog describes what the synthesizer accepts, for clients building a config.
type Catalog struct {
	AvailableTasks  []TaskType                    `json:"availableTasks"`
	AvailableModels map[TaskType][]string         `json:"availableModels"`
	DefaultConfigs  map[TaskType]TrainingDefaults `json:"defaultConfigs"`
	Hyperparameters HyperparameterGrid            `json:"hyperparameters"`
}

func NewCatalog() Catalog {
	tasks := make([]TaskType, len(TaskTypes))
	copy(tasks, TaskTypes)
	return Catalog{
		AvailableTasks: tasks,
		AvailableModels: map[TaskType][]string{
			TaskClassification: {"dense", "cnn", "rnn"},
			TaskRegression:     {"dense", "polynomial"},
			TaskSentiment:      {"lstm", "transformer", "cnn"},
		},
		DefaultConfigs: map[TaskType]TrainingDefaults{
			TaskClassification: {
				Epochs:          50,
				BatchSize:       32,
				ValidationSplit: 0.2,
				Optimizer:       "adam",
				Loss:            "categoricalCrossentropy",
				Metrics:         []string{"accuracy"},
			},
			TaskRegression: {
				Epochs:          100,
				BatchSize:       32,
				ValidationSplit: 0.2,
				Optimizer:       "adam",
				Loss:            "meanSquaredError",
				Metrics:         []string{"mae"},
			},
			TaskSentiment: {
				Epochs:          30,
				BatchSize:       32,
				ValidationSplit: 0.2,
				Optimizer:       "adam",
				Loss:            "binaryCrossentropy",
				Metrics:         []string{"accuracy"},
			},
		},
		Hyperparameters: HyperparameterGrid{
			LearningRate: []float64{0.0001, 0.001, 0.01, 0.1},
			BatchSize:    []int{16, 32, 64, 128},
			Epochs:       []int{10, 25, 50, 100},
			DropoutRate:  []float64{0.1, 0.2, 0.3, 0.5},
		},
	}
}
