/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config implements the YAML configuration surface consumed
// by the core (spec §6), following the teacher's
// sptp/client/config.go ReadConfig(path) pattern.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/facebookincubator/ntpd/timeutil"
)

// PeerConfig names one configured server: either a single standalone
// address, or a DNS pool with a target member count.
type PeerConfig struct {
	Name     string `yaml:"name"`
	Pool     bool   `yaml:"pool"`
	MaxPeers int    `yaml:"max_peers"` // only meaningful when Pool is true
}

// ThresholdConfig is a forward/backward pair of durations, in
// seconds; either side may be omitted to mean "no limit".
type ThresholdConfig struct {
	ForwardSeconds  *float64 `yaml:"forward_seconds"`
	BackwardSeconds *float64 `yaml:"backward_seconds"`
}

// PollLimitsConfig bounds the log2-seconds poll interval.
type PollLimitsConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Config is the daemon's full configuration surface.
type Config struct {
	MinIntersectionSurvivors int               `yaml:"min_intersection_survivors"`
	PanicThreshold           ThresholdConfig   `yaml:"panic_threshold"`
	StartupPanicThreshold    ThresholdConfig   `yaml:"startup_panic_threshold"`
	AccumulatedThresholdSecs *float64          `yaml:"accumulated_threshold_seconds"`
	LocalStratum             uint8             `yaml:"local_stratum"`
	PollLimits               PollLimitsConfig  `yaml:"poll_limits"`
	InitialPoll              int               `yaml:"initial_poll"`
	Peers                    []PeerConfig      `yaml:"peers"`
	NetworkWaitPeriodSeconds float64           `yaml:"network_wait_period_seconds"`
	ObservationHTTPAddr      string            `yaml:"observation_http_addr"`
	MetricsHTTPAddr          string            `yaml:"metrics_http_addr"`
	PPS                      *PPSConfig        `yaml:"pps"`
}

// PPSConfig enables the optional pulse-per-second fusion helper.
type PPSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	// UncertaintySeconds is the receiver's published PPS jitter. Zero
	// means the caller should apply its own default.
	UncertaintySeconds float64 `yaml:"uncertainty_seconds"`
}

// Default returns a Config with the spec's documented defaults (§6).
func Default() Config {
	return Config{
		MinIntersectionSurvivors: 3,
		LocalStratum:             16,
		PollLimits:               PollLimitsConfig{Min: timeutil.MinPoll, Max: timeutil.MaxPoll},
		InitialPoll:              6,
		NetworkWaitPeriodSeconds: 1,
	}
}

// ReadConfig reads and parses a YAML config file at path, following
// defaults up for any field the file leaves zero.
func ReadConfig(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if cfg.PollLimits.Min == 0 && cfg.PollLimits.Max == 0 {
		cfg.PollLimits = PollLimitsConfig{Min: timeutil.MinPoll, Max: timeutil.MaxPoll}
	}
	if cfg.MinIntersectionSurvivors == 0 {
		cfg.MinIntersectionSurvivors = 3
	}
	if cfg.LocalStratum == 0 {
		cfg.LocalStratum = 16
	}
	return &cfg, nil
}

// PanicThresholdSeconds converts a ThresholdConfig's seconds into
// NtpDuration, defaulting an unset side to Infinite.
func PanicThresholdSeconds(t ThresholdConfig, infinite timeutil.NtpDuration) (forward, backward timeutil.NtpDuration) {
	forward, backward = infinite, infinite
	if t.ForwardSeconds != nil {
		forward = timeutil.DurationFromSeconds(*t.ForwardSeconds)
	}
	if t.BackwardSeconds != nil {
		backward = timeutil.DurationFromSeconds(*t.BackwardSeconds)
	}
	return forward, backward
}
