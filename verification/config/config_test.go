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

package config

import (
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	file := filepath.Join("testdata", "config.yaml")
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load(%s): %v", file, err)
	}
	if cfg.LogLevel != int(DebugLevel) {
		t.Errorf("LogLevel = %d, want %d", cfg.LogLevel, DebugLevel)
	}
	if cfg.NumWorkers != 2 {
		t.Errorf("NumWorkers = %d, want 2", cfg.NumWorkers)
	}
	if cfg.FunctionMeterBudget != 1000 {
		t.Errorf("FunctionMeterBudget = %d, want 1000", cfg.FunctionMeterBudget)
	}
	if cfg.ModuleMeterBudget != 5000 {
		t.Errorf("ModuleMeterBudget = %d, want 5000", cfg.ModuleMeterBudget)
	}
	if cfg.StepCost != 3 {
		t.Errorf("StepCost = %d, want 3", cfg.StepCost)
	}
	if cfg.MaxBlockVisits != 64 {
		t.Errorf("MaxBlockVisits = %d, want 64", cfg.MaxBlockVisits)
	}
	if cfg.SourceFile() != file {
		t.Errorf("SourceFile() = %q, want %q", cfg.SourceFile(), file)
	}
}

func TestLoadConfigKeepsDefaults(t *testing.T) {
	// fields absent from the file keep their defaults
	cfg := NewDefault()
	if cfg.LogLevel != int(InfoLevel) {
		t.Errorf("default LogLevel = %d, want %d", cfg.LogLevel, InfoLevel)
	}
	if cfg.FunctionMeterBudget == 0 || cfg.ModuleMeterBudget == 0 {
		t.Error("default meter budgets must be bounded")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("the default config must validate: %v", err)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	if _, err := Load(filepath.Join("testdata", "bad-config.yaml")); err == nil {
		t.Fatal("out-of-range settings must be rejected")
	}
}

func TestLoadGlobal(t *testing.T) {
	SetGlobalConfig(filepath.Join("testdata", "config.yaml"))
	cfg, err := LoadGlobal()
	if err != nil {
		t.Fatalf("LoadGlobal: %v", err)
	}
	if cfg.NumWorkers != 2 {
		t.Errorf("NumWorkers = %d, want 2", cfg.NumWorkers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join("testdata", "no-such.yaml")); err == nil {
		t.Fatal("a missing config file must be an error")
	}
}

func TestLogGroupLevels(t *testing.T) {
	cfg := NewDefault()
	cfg.LogLevel = int(InfoLevel)
	logger := NewLogGroup(cfg)
	if logger.LogsTrace() {
		t.Error("info-level logger must not log trace")
	}
	cfg.LogLevel = int(TraceLevel)
	if !NewLogGroup(cfg).LogsTrace() {
		t.Error("trace-level logger must log trace")
	}
}
