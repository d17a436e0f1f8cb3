package config

import "fmt"

// Validate checks ranges. Zero is a legal value for every weight and
// threshold; defaults come from Default, not from here.
func Validate(cfg *Config) error {
	if cfg.Model.ProjectorDim <= 0 {
		return fmt.Errorf("%w: model.projector_dim must be > 0", ErrInvalid)
	}

	c := &cfg.Contrastive
	if c.MemoryK <= 0 {
		return fmt.Errorf("%w: contrastive.memory_k must be > 0", ErrInvalid)
	}
	for name, t := range map[string]float64{"ctr1_t": c.Ctr1T, "ctr2_t": c.Ctr2T} {
		if t <= 0 {
			return fmt.Errorf("%w: contrastive.%s must be > 0", ErrInvalid, name)
		}
	}
	lams := map[string]float64{
		"ctr1_lam_sup":   c.Ctr1LamSup,
		"ctr1_lam_unsup": c.Ctr1LamUnsup,
		"ctr2_lam_sup":   c.Ctr2LamSup,
		"ctr2_lam_unsup": c.Ctr2LamUnsup,
	}
	for name, lam := range lams {
		if lam < 0 {
			return fmt.Errorf("%w: contrastive.%s must be >= 0", ErrInvalid, name)
		}
	}
	if c.Ctr2Num <= 0 {
		return fmt.Errorf("%w: contrastive.ctr2_num must be > 0", ErrInvalid)
	}
	if c.ExemplarMaxRetries <= 0 {
		return fmt.Errorf("%w: contrastive.exemplar_max_retries must be > 0", ErrInvalid)
	}

	tr := &cfg.Train
	if tr.UnsupWeight < 0 {
		return fmt.Errorf("%w: train.unsup_weight must be >= 0", ErrInvalid)
	}
	if !tr.PseudoLabelInitialScoreThr.set {
		return fmt.Errorf("%w: train.pseudo_label_initial_score_thr is required", ErrInvalid)
	}
	if tr.ClsPseudoThreshold < 0 || tr.RPNPseudoThreshold < 0 {
		return fmt.Errorf("%w: pseudo-label thresholds must be >= 0", ErrInvalid)
	}
	if tr.MinPseudoBoxSize < 0 {
		return fmt.Errorf("%w: train.min_pseudo_box_size must be >= 0", ErrInvalid)
	}

	if cfg.Worker.Python == "" || cfg.Worker.Script == "" {
		return fmt.Errorf("%w: worker.python and worker.script are required", ErrInvalid)
	}

	switch cfg.Index.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("%w: index.driver must be postgres, sqlite or memory, got %q", ErrInvalid, cfg.Index.Driver)
	}
	if cfg.Index.Driver == "sqlite" && cfg.Index.DSN == "" {
		cfg.Index.DSN = "softteacher.db"
	}

	return nil
}
