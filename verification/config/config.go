// Copyright the refcheck authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the settings of the verification pipeline: logging
// verbosity, worker parallelism and the meter budgets that bound how much a
// single untrusted module may cost to verify.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	// The global config file
	configFile string
)

// SetGlobalConfig sets the global config filename.
func SetGlobalConfig(filename string) {
	configFile = filename
}

// LoadGlobal loads the config file that has been set by SetGlobalConfig.
func LoadGlobal() (*Config, error) {
	return Load(configFile)
}

// Config contains the verification pipeline settings. If some field is not
// defined in the config file, it keeps its default.
type Config struct {
	sourceFile string

	// LogLevel controls the verbosity of the pipeline logger.
	LogLevel int `yaml:"log-level"`

	// NumWorkers is the number of functions verified concurrently. Zero
	// means one worker per CPU is chosen by the caller.
	NumWorkers int `yaml:"num-workers"`

	// FunctionMeterBudget bounds the verification cost of one function.
	// Zero means unlimited.
	FunctionMeterBudget uint64 `yaml:"function-meter-budget"`

	// ModuleMeterBudget bounds the verification cost of a whole module.
	// Zero means unlimited.
	ModuleMeterBudget uint64 `yaml:"module-meter-budget"`

	// StepCost is the meter charge per abstract instruction step. Zero
	// means the default of one unit.
	StepCost uint64 `yaml:"step-cost"`

	// MaxBlockVisits overrides the driver's re-analysis cap for loop blocks.
	MaxBlockVisits int `yaml:"max-block-visits"`
}

// NewDefault returns the configuration used when no config file is given.
func NewDefault() *Config {
	return &Config{
		LogLevel:            int(InfoLevel),
		FunctionMeterBudget: 8_000_000,
		ModuleMeterBudget:   80_000_000,
		StepCost:            1,
	}
}

// Load reads a Config from a yaml file.
func Load(filename string) (*Config, error) {
	contents, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", filename, err)
	}
	cfg := NewDefault()
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("could not parse config file %s: %w", filename, err)
	}
	cfg.sourceFile = filename
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	return cfg, nil
}

// Validate rejects settings that would make verification unsound or unbounded.
func (c *Config) Validate() error {
	if c.LogLevel < int(ErrLevel) || c.LogLevel > int(TraceLevel) {
		return fmt.Errorf("log-level must be between %d and %d", ErrLevel, TraceLevel)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num-workers must not be negative")
	}
	if c.MaxBlockVisits < 0 {
		return fmt.Errorf("max-block-visits must not be negative")
	}
	return nil
}

// SourceFile returns the file the config was loaded from, if any.
func (c *Config) SourceFile() string { return c.sourceFile }
