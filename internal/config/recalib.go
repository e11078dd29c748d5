package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/recalib.defaults.json"

// RecalibConfig holds the refinement tunables and service limits. Every field
// is optional and the Get* accessors fall back to the stock schedule, so
// partial files are safe.
type RecalibConfig struct {
	// Bundle-adjustment schedule
	Iterations     *int     `json:"iterations,omitempty"`
	StartMu        *float64 `json:"start_mu,omitempty"`
	EndMu          *float64 `json:"end_mu,omitempty"`
	MaxEvaluations *int     `json:"max_evaluations,omitempty"`
	FTol           *float64 `json:"ftol,omitempty"`
	SampleIter     *int     `json:"sample_iter,omitempty"`
	SampleFull     *int     `json:"sample_full,omitempty"`
	ErrorThreshold *float64 `json:"error_threshold,omitempty"`
	OnlyExtrinsics *bool    `json:"only_extrinsics,omitempty"`
	Verbose        *bool    `json:"verbose,omitempty"`

	// Service limits
	RequestTimeout *string `json:"request_timeout,omitempty"` // duration string like "10m"
	MaxUploadBytes *int64  `json:"max_upload_bytes,omitempty"`
}

// EmptyRecalibConfig returns a config with every field unset.
func EmptyRecalibConfig() *RecalibConfig {
	return &RecalibConfig{}
}

// LoadRecalibConfig loads a RecalibConfig from a JSON file.
// The file must have a .json extension and be at most 1MB.
func LoadRecalibConfig(path string) (*RecalibConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRecalibConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configured values are usable.
func (c *RecalibConfig) Validate() error {
	if c.Iterations != nil && *c.Iterations < 0 {
		return fmt.Errorf("iterations must be non-negative, got %d", *c.Iterations)
	}
	if c.StartMu != nil && *c.StartMu <= 0 {
		return fmt.Errorf("start_mu must be positive, got %f", *c.StartMu)
	}
	if c.EndMu != nil && *c.EndMu <= 0 {
		return fmt.Errorf("end_mu must be positive, got %f", *c.EndMu)
	}
	if c.GetEndMu() > c.GetStartMu() {
		return fmt.Errorf("end_mu (%f) must not exceed start_mu (%f)", c.GetEndMu(), c.GetStartMu())
	}
	if c.MaxEvaluations != nil && *c.MaxEvaluations < 1 {
		return fmt.Errorf("max_evaluations must be at least 1, got %d", *c.MaxEvaluations)
	}
	if c.FTol != nil && (*c.FTol <= 0 || *c.FTol >= 1) {
		return fmt.Errorf("ftol must be between 0 and 1, got %f", *c.FTol)
	}
	if c.SampleIter != nil && *c.SampleIter < 1 {
		return fmt.Errorf("sample_iter must be at least 1, got %d", *c.SampleIter)
	}
	if c.SampleFull != nil && *c.SampleFull < 1 {
		return fmt.Errorf("sample_full must be at least 1, got %d", *c.SampleFull)
	}
	if c.ErrorThreshold != nil && *c.ErrorThreshold < 0 {
		return fmt.Errorf("error_threshold must be non-negative, got %f", *c.ErrorThreshold)
	}
	if c.RequestTimeout != nil && *c.RequestTimeout != "" {
		d, err := time.ParseDuration(*c.RequestTimeout)
		if err != nil {
			return fmt.Errorf("invalid request_timeout '%s': %w", *c.RequestTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("request_timeout must be positive, got %s", d)
		}
	}
	if c.MaxUploadBytes != nil && *c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive, got %d", *c.MaxUploadBytes)
	}
	return nil
}

// GetIterations returns the number of outlier-rejection rounds.
func (c *RecalibConfig) GetIterations() int {
	if c.Iterations == nil {
		return 10
	}
	return *c.Iterations
}

// GetStartMu returns the inlier threshold (pixels) of the first round.
func (c *RecalibConfig) GetStartMu() float64 {
	if c.StartMu == nil {
		return 15
	}
	return *c.StartMu
}

// GetEndMu returns the inlier threshold (pixels) of the final round.
func (c *RecalibConfig) GetEndMu() float64 {
	if c.EndMu == nil {
		return 1
	}
	return *c.EndMu
}

// GetMaxEvaluations returns the per-pass cost evaluation budget.
func (c *RecalibConfig) GetMaxEvaluations() int {
	if c.MaxEvaluations == nil {
		return 200
	}
	return *c.MaxEvaluations
}

// GetFTol returns the relative cost change that ends a pass.
func (c *RecalibConfig) GetFTol() float64 {
	if c.FTol == nil {
		return 1e-4
	}
	return *c.FTol
}

// GetSampleIter returns the column sample size of each round.
func (c *RecalibConfig) GetSampleIter() int {
	if c.SampleIter == nil {
		return 200
	}
	return *c.SampleIter
}

// GetSampleFull returns the column sample size of the final pass.
func (c *RecalibConfig) GetSampleFull() int {
	if c.SampleFull == nil {
		return 1000
	}
	return *c.SampleFull
}

// GetErrorThreshold returns the median error (pixels) that stops early.
func (c *RecalibConfig) GetErrorThreshold() float64 {
	if c.ErrorThreshold == nil {
		return 0.3
	}
	return *c.ErrorThreshold
}

// GetOnlyExtrinsics reports whether intrinsics stay fixed.
func (c *RecalibConfig) GetOnlyExtrinsics() bool {
	if c.OnlyExtrinsics == nil {
		return false
	}
	return *c.OnlyExtrinsics
}

// GetVerbose reports whether the solver logs its progress.
func (c *RecalibConfig) GetVerbose() bool {
	if c.Verbose == nil {
		return true
	}
	return *c.Verbose
}

// GetRequestTimeout parses and returns the RequestTimeout as a time.Duration.
func (c *RecalibConfig) GetRequestTimeout() time.Duration {
	if c.RequestTimeout == nil || *c.RequestTimeout == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(*c.RequestTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetMaxUploadBytes returns the largest accepted request body.
func (c *RecalibConfig) GetMaxUploadBytes() int64 {
	if c.MaxUploadBytes == nil {
		return 64 << 20
	}
	return *c.MaxUploadBytes
}
