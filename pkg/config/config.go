// Package config loads the data-driven scoring policy: fusion cutoffs,
// detector thresholds, the indicator rule table, and model freshness
// bounds. Everything here fails fast at run start; a malformed policy
// must never reach the scoring path.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"riskwatch/pkg/detectors"
	"riskwatch/pkg/fusion"
	"riskwatch/pkg/indicators"
)

// Policy is the full scoring configuration for one run.
type Policy struct {
	Fusion   fusion.Policy             `koanf:"fusion"`
	Forecast detectors.ForecastConfig  `koanf:"forecast"`
	Outlier  detectors.OutlierConfig   `koanf:"outlier"`
	Cluster  detectors.ClusterConfig   `koanf:"cluster"`
	Rules    []indicators.Rule         `koanf:"rules"`

	// ModelFreshness bounds artifact age, e.g. "720h". Empty disables
	// the check.
	ModelFreshness string `koanf:"model_freshness"`
	// BlockOnStaleModel decides whether a stale artifact fails the run
	// or only logs a warning.
	BlockOnStaleModel bool `koanf:"block_on_stale_model"`
}

// Default returns the reference policy used when no file is given.
func Default() Policy {
	return Policy{
		Fusion:   fusion.DefaultPolicy(),
		Forecast: detectors.DefaultForecastConfig(),
		Outlier:  detectors.DefaultOutlierConfig(),
		Cluster:  detectors.DefaultClusterConfig(),
		Rules: []indicators.Rule{
			{Name: "terminated-subject", Kind: indicators.RuleTerminatedSubject, Weight: 1.0, HardOverride: true},
			{Name: "suspended-subject", Kind: indicators.RuleSuspendedSubject, Weight: 0.8},
			{Name: "known-bad-source", Kind: indicators.RuleKnownBadSource, Weight: 0.9},
			{Name: "impossible-travel", Kind: indicators.RuleImpossibleTravel, Weight: 0.7, MaxTravelSpeedKmh: 900},
		},
	}
}

// Load reads the YAML policy file over the defaults and validates the
// result.
func Load(path string) (*Policy, error) {
	cfg := Default()
	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read policy file %s: %w", path, err)
		}
		if err := k.Unmarshal("", &cfg); err != nil {
			return nil, fmt.Errorf("parse policy file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every table the scoring path depends on.
func (p *Policy) Validate() error {
	if err := p.Fusion.Validate(); err != nil {
		return err
	}
	if _, err := indicators.NewCorrelator(p.Rules); err != nil {
		return err
	}
	if err := p.Forecast.Validate(); err != nil {
		return err
	}
	if err := p.Outlier.Validate(); err != nil {
		return err
	}
	if err := p.Cluster.Validate(); err != nil {
		return err
	}
	if _, err := p.Freshness(); err != nil {
		return err
	}
	return nil
}

// Freshness parses the model freshness bound; zero means disabled.
func (p *Policy) Freshness() (time.Duration, error) {
	if p.ModelFreshness == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.ModelFreshness)
	if err != nil {
		return 0, fmt.Errorf("model_freshness: %w", err)
	}
	return d, nil
}
