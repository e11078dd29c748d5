package refine

import "github.com/banshee-data/recalibrate/internal/config"

// Config carries the tunables of the iterative bundle adjustment.
type Config struct {
	// Iterations is the number of outlier-rejection rounds.
	Iterations int `json:"iterations"`
	// StartMu and EndMu bound the per-round inlier threshold in pixels. The
	// threshold decays from StartMu to EndMu across the rounds.
	StartMu float64 `json:"start_mu"`
	EndMu   float64 `json:"end_mu"`
	// MaxEvaluations caps cost evaluations per optimisation pass.
	MaxEvaluations int `json:"max_evaluations"`
	// FTol is the relative cost change below which a pass stops.
	FTol float64 `json:"ftol"`
	// SampleIter and SampleFull cap the columns used per round and in the
	// final pass.
	SampleIter int `json:"sample_iter"`
	SampleFull int `json:"sample_full"`
	// ErrorThreshold stops the rounds early once the median error drops
	// below it.
	ErrorThreshold float64 `json:"error_threshold"`
	OnlyExtrinsics bool    `json:"only_extrinsics"`
	Verbose        bool    `json:"verbose"`
}

// DefaultConfig returns the stock schedule.
func DefaultConfig() Config {
	return ConfigFromTuning(config.EmptyRecalibConfig())
}

// ConfigFromTuning converts a loaded tuning file into a solver Config. A nil
// tuning yields the defaults.
func ConfigFromTuning(t *config.RecalibConfig) Config {
	if t == nil {
		t = config.EmptyRecalibConfig()
	}
	return Config{
		Iterations:     t.GetIterations(),
		StartMu:        t.GetStartMu(),
		EndMu:          t.GetEndMu(),
		MaxEvaluations: t.GetMaxEvaluations(),
		FTol:           t.GetFTol(),
		SampleIter:     t.GetSampleIter(),
		SampleFull:     t.GetSampleFull(),
		ErrorThreshold: t.GetErrorThreshold(),
		OnlyExtrinsics: t.GetOnlyExtrinsics(),
		Verbose:        t.GetVerbose(),
	}
}
