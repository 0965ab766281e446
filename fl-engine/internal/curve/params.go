package curve

const (
	hiddenWidth1 = 128
	hiddenWidth2 = 64
	layerCount   = 4
)

// Structure is the part of a result that depends only on the configuration.
type Structure struct {
	TotalParams int   `json:"totalParams"`
	Layers      int   `json:"layers"`
	InputShape  []int `json:"inputShape"`
	OutputShape []int `json:"outputShape"`
}

// EstimateParams counts weights and biases of the fixed dense topology
// input->128->64->output. cfg must already carry its defaults.
func EstimateParams(cfg Config) Structure {
	d := cfg.DatasetConfig
	input := d.NumFeatures
	if cfg.TaskType == TaskSentiment {
		input = d.VocabSize * cfg.Hyperparameters.EmbeddingDim
	}
	output := 1
	if cfg.TaskType == TaskClassification {
		output = d.NumClasses
	}

	params := input*hiddenWidth1 + hiddenWidth1
	params += hiddenWidth1*hiddenWidth2 + hiddenWidth2
	params += hiddenWidth2*output + output

	inputShape := []int{d.NumFeatures}
	if cfg.TaskType == TaskSentiment {
		inputShape = []int{d.MaxLength}
	}
	return Structure{
		TotalParams: params,
		Layers:      layerCount,
		InputShape:  inputShape,
		OutputShape: []int{output},
	}
}
