package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalid is returned when a field holds an unusable value.
	ErrInvalid = errors.New("invalid configuration")
	// ErrDynamicThreshold is returned when a pseudo-label threshold other
	// than a single number is used. Per-class and adaptive thresholds are not
	// supported.
	ErrDynamicThreshold = errors.New("only a static scalar pseudo-label threshold is supported")
)

// Config represents the complete training configuration
type Config struct {
	Model       ModelConfig       `yaml:"model"`
	Contrastive ContrastiveConfig `yaml:"contrastive"`
	Train       TrainConfig       `yaml:"train"`
	Worker      WorkerConfig      `yaml:"worker"`
	Index       IndexConfig       `yaml:"index"`
	Seed        uint64            `yaml:"seed"`
}

// ModelConfig describes the detector shape the core must agree with
type ModelConfig struct {
	ProjectorDim int  `yaml:"projector_dim"`
	WithRPN      bool `yaml:"with_rpn"`
}

// ContrastiveConfig holds the memory bank and both contrastive losses
type ContrastiveConfig struct {
	MemoryK            int     `yaml:"memory_k"`
	Ctr1T              float64 `yaml:"ctr1_t"`
	Ctr2T              float64 `yaml:"ctr2_t"`
	Ctr1LamSup         float64 `yaml:"ctr1_lam_sup"`
	Ctr1LamUnsup       float64 `yaml:"ctr1_lam_unsup"`
	Ctr2LamSup         float64 `yaml:"ctr2_lam_sup"`
	Ctr2LamUnsup       float64 `yaml:"ctr2_lam_unsup"`
	Ctr2Num            int     `yaml:"ctr2_num"`
	ExemplarMaxRetries int     `yaml:"exemplar_max_retries"`
}

// TrainConfig holds the pseudo-labelling and loss weighting settings
type TrainConfig struct {
	UnsupWeight                float64   `yaml:"unsup_weight"`
	PseudoLabelInitialScoreThr Threshold `yaml:"pseudo_label_initial_score_thr"`
	ClsPseudoThreshold         float64   `yaml:"cls_pseudo_threshold"`
	RPNPseudoThreshold         float64   `yaml:"rpn_pseudo_threshold"`
	MinPseudoBoxSize           float64   `yaml:"min_pseudo_box_size"`
	UseTeacherProposal         bool      `yaml:"use_teacher_proposal"`
}

// WorkerConfig locates the Python detector backend
type WorkerConfig struct {
	Python string   `yaml:"python"`
	Script string   `yaml:"script"`
	Args   []string `yaml:"args"`
}

// IndexConfig selects the labeled-item index
type IndexConfig struct {
	Driver string `yaml:"driver"` // postgres, sqlite, memory
	DSN    string `yaml:"dsn"`
}

// Threshold is a pseudo-label score threshold. Only a plain number is usable;
// any other YAML value still loads so the error can surface where the
// threshold is applied.
type Threshold struct {
	value  float64
	set    bool
	static bool
	raw    string
}

// StaticThreshold returns a usable scalar threshold.
func StaticThreshold(v float64) Threshold {
	return Threshold{value: v, set: true, static: true}
}

func (t *Threshold) UnmarshalYAML(node *yaml.Node) error {
	*t = Threshold{set: true}
	if node.Kind == yaml.ScalarNode {
		var v float64
		if err := node.Decode(&v); err == nil {
			t.value, t.static = v, true
			return nil
		}
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return err
	}
	t.raw = string(out)
	return nil
}

// Static returns the scalar value or ErrDynamicThreshold.
func (t Threshold) Static() (float64, error) {
	if !t.static {
		return 0, fmt.Errorf("%w: got %q", ErrDynamicThreshold, t.raw)
	}
	return t.value, nil
}

// Default returns the stock configuration. Load decodes on top of it, so any
// key absent from the file keeps these values.
func Default() *Config {
	return &Config{
		Model: ModelConfig{ProjectorDim: 128},
		Contrastive: ContrastiveConfig{
			MemoryK:            65536,
			Ctr1T:              0.2,
			Ctr2T:              0.2,
			Ctr1LamSup:         0.1,
			Ctr1LamUnsup:       0.1,
			Ctr2LamSup:         0.1,
			Ctr2LamUnsup:       0.1,
			Ctr2Num:            2,
			ExemplarMaxRetries: 32,
		},
		Train: TrainConfig{
			UnsupWeight:                4.0,
			PseudoLabelInitialScoreThr: StaticThreshold(0.5),
			ClsPseudoThreshold:         0.9,
			RPNPseudoThreshold:         0.9,
		},
		Worker: WorkerConfig{Python: "python3", Script: "python/detector_worker.py"},
		Index:  IndexConfig{Driver: "postgres"},
	}
}

// Load reads configuration from a YAML file and validates it
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
