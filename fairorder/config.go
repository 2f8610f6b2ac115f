package fairorder

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidAnalyzerConfig = errors.New("invalid analyzer configuration")

// AnalyzerConfig holds the risk-analysis thresholds and weights. The policy
// shape is fixed; the numbers are configuration.
type AnalyzerConfig struct {
	// TopPercentile flags value or gas price in the top percentile of recent
	// pool activity.
	TopPercentile float64 `yaml:"top_percentile"`
	// GasPriceMultiple flags gas prices at or above this multiple of the
	// pool's recent median as front-running targets.
	GasPriceMultiple float64 `yaml:"gas_price_multiple"`
	// DensityThreshold is the number of pending transactions touching the
	// same recipient that raises MEV-competition risk.
	DensityThreshold int `yaml:"density_threshold"`

	SizeWeight    float64 `yaml:"size_weight"`
	GasWeight     float64 `yaml:"gas_weight"`
	DensityWeight float64 `yaml:"density_weight"`

	// FeeFactors maps protection level names to the fraction of estimated
	// MEV charged as a protection fee.
	FeeFactors map[string]float64 `yaml:"fee_factors"`
}

func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		TopPercentile:    0.90,
		GasPriceMultiple: 2.0,
		DensityThreshold: 2,
		SizeWeight:       0.4,
		GasWeight:        0.4,
		DensityWeight:    0.2,
		FeeFactors: map[string]float64{
			"none":     0.01,
			"standard": 0.05,
			"high":     0.10,
			"maximum":  0.15,
		},
	}
}

func (c *AnalyzerConfig) validate() error {
	if c.TopPercentile <= 0 || c.TopPercentile > 1 {
		return ErrInvalidAnalyzerConfig
	}
	if c.GasPriceMultiple <= 1 {
		return ErrInvalidAnalyzerConfig
	}
	if c.DensityThreshold < 1 {
		return ErrInvalidAnalyzerConfig
	}
	if c.SizeWeight < 0 || c.GasWeight < 0 || c.DensityWeight < 0 {
		return ErrInvalidAnalyzerConfig
	}
	return nil
}

// feeFactor is monotonic in the protection level, so a higher requested level
// always yields a higher fee.
func (c *AnalyzerConfig) feeFactor(level ProtectionLevel) float64 {
	if f, ok := c.FeeFactors[level.String()]; ok {
		return f
	}
	return DefaultAnalyzerConfig().FeeFactors[level.String()]
}

// LoadAnalyzerConfig parses an analyzer config from a file. Fields left at
// zero fall back to the defaults.
func LoadAnalyzerConfig(file string) (AnalyzerConfig, error) {
	config := DefaultAnalyzerConfig()

	data, err := os.ReadFile(file)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, err
	}
	if config.FeeFactors == nil {
		config.FeeFactors = DefaultAnalyzerConfig().FeeFactors
	}
	if err := config.validate(); err != nil {
		return config, err
	}
	return config, nil
}
