package rollout

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kestrelmem/kestrel/pkg/types"
)

// fileConfig is the on-disk YAML shape. Durations are parsed from Go
// duration strings ("500ms", "1m").
type fileConfig struct {
	Mode             string          `yaml:"mode"`
	ActiveAdapters   []string        `yaml:"active_adapters"`
	PerUserConsent   map[string]bool `yaml:"per_user_consent"`
	DefaultConsent   *bool           `yaml:"default_consent"`
	ShadowSampleRate float64         `yaml:"shadow_sample_rate"`
	CanonicalTimeout string          `yaml:"canonical_timeout"`
	AdapterTimeout   string          `yaml:"adapter_timeout"`
	MaxFanoutRetries int             `yaml:"max_fanout_retries"`
	RetryBaseBackoff string          `yaml:"retry_base_backoff"`
	RetryMaxBackoff  string          `yaml:"retry_max_backoff"`
	SweepInterval    string          `yaml:"sweep_interval"`
}

// LoadFile parses and validates a rollout config file. Unset operational
// fields inherit DefaultState values so a minimal config file only needs
// mode and active_adapters.
func LoadFile(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.RolloutConfigError{Path: path, Err: err}
	}
	s, err := Parse(data)
	if err != nil {
		return nil, &types.RolloutConfigError{Path: path, Err: err}
	}
	return s, nil
}

// Parse builds a validated State from raw YAML.
func Parse(data []byte) (*State, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	s := DefaultState()
	s.Mode = types.RolloutMode(fc.Mode)
	s.ActiveAdapters = fc.ActiveAdapters
	s.ShadowSampleRate = fc.ShadowSampleRate
	if fc.PerUserConsent != nil {
		s.PerUserConsent = fc.PerUserConsent
	}
	if fc.DefaultConsent != nil {
		s.DefaultConsent = *fc.DefaultConsent
	}
	if fc.MaxFanoutRetries != 0 {
		s.MaxFanoutRetries = fc.MaxFanoutRetries
	}

	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"canonical_timeout", fc.CanonicalTimeout, &s.CanonicalTimeout},
		{"adapter_timeout", fc.AdapterTimeout, &s.AdapterTimeout},
		{"retry_base_backoff", fc.RetryBaseBackoff, &s.RetryBaseBackoff},
		{"retry_max_backoff", fc.RetryMaxBackoff, &s.RetryMaxBackoff},
		{"sweep_interval", fc.SweepInterval, &s.SweepInterval},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dst = v
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
