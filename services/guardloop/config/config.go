// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the guardloop YAML configuration.
//
// A file only needs the keys it changes; everything else keeps the value
// from Default. The guardrail section can be reloaded while serving, see
// Watcher.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/guardloop/services/guardloop/guardrail"
	"github.com/AleutianAI/guardloop/services/guardloop/loop"
	badgerkv "github.com/AleutianAI/guardloop/services/guardloop/storage/badger"
	"github.com/AleutianAI/guardloop/services/guardloop/telemetry"
	"github.com/AleutianAI/guardloop/services/guardloop/workers"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the guardloop configuration file.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Guardrail GuardrailConfig `yaml:"guardrail"`
	Loop      LoopConfig      `yaml:"loop"`
	LLM       LLMConfig       `yaml:"llm"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Events    EventsConfig    `yaml:"events"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend    string        `yaml:"backend" validate:"oneof=memory badger"`
	Path       string        `yaml:"path" validate:"required_if=Backend badger"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// GuardrailConfig holds the reloadable guardrail tunables.
type GuardrailConfig struct {
	EchoThreshold      int     `yaml:"echo_threshold" validate:"gte=1"`
	MinImprovement     float64 `yaml:"min_improvement" validate:"gte=0,lte=1"`
	FatigueStep        float64 `yaml:"fatigue_step" validate:"gte=0,lte=1"`
	FatigueDecay       float64 `yaml:"fatigue_decay" validate:"gte=0,lte=1"`
	FatigueCritical    float64 `yaml:"fatigue_critical" validate:"gte=0,lte=1"`
	AlignmentThreshold float64 `yaml:"alignment_threshold" validate:"gte=0,lte=1"`
	DriftThreshold     float64 `yaml:"drift_threshold" validate:"gte=0,lte=1"`
	DefaultMaxReruns   int     `yaml:"default_max_reruns" validate:"gte=0"`

	NeutralScore    float64                  `yaml:"neutral_score" validate:"gte=0,lte=1"`
	ReviewerTimeout time.Duration            `yaml:"reviewer_timeout" validate:"gt=0"`
	Reviewers       []ReviewerConfig         `yaml:"reviewers" validate:"required,min=1,dive"`
	ConflictRules   []guardrail.ConflictRule `yaml:"conflict_rules"`
}

// ReviewerConfig binds a reviewer role to a worker.
type ReviewerConfig struct {
	Role       string  `yaml:"role" validate:"required"`
	Worker     string  `yaml:"worker" validate:"required"`
	ScoreField string  `yaml:"score_field" validate:"required"`
	Weight     float64 `yaml:"weight" validate:"gte=0,lte=1"`
}

// LoopConfig bounds controller iterations.
type LoopConfig struct {
	MaxSteps        int           `yaml:"max_steps" validate:"gte=1"`
	MaxPendingPolls int           `yaml:"max_pending_polls" validate:"gte=0"`
	PendingBackoff  time.Duration `yaml:"pending_backoff" validate:"gte=0"`
}

// LLMConfig configures the LLM-backed workers.
type LLMConfig struct {
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	Model             string  `yaml:"model" validate:"required"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
	Temperature       float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int     `yaml:"max_tokens" validate:"gte=0"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	Exporter    string `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint    string `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// EventsConfig configures reasoning publication. An empty URL disables it.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Default returns the documented defaults.
func Default() Config {
	g := guardrail.DefaultSettings()
	l := loop.DefaultSettings()

	reviewers := make([]ReviewerConfig, 0, len(g.Reflection.Reviewers))
	for _, r := range g.Reflection.Reviewers {
		reviewers = append(reviewers, ReviewerConfig{
			Role:       string(r.Role),
			Worker:     r.WorkerKey,
			ScoreField: r.ScoreField,
			Weight:     r.Weight,
		})
	}

	return Config{
		Server: ServerConfig{
			Addr:            ":8089",
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend:    BackendMemory,
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
		},
		Guardrail: GuardrailConfig{
			EchoThreshold:      g.Bias.EchoThreshold,
			MinImprovement:     g.Fatigue.MinImprovement,
			FatigueStep:        g.Fatigue.Step,
			FatigueDecay:       g.Fatigue.Decay,
			FatigueCritical:    g.Fatigue.Critical,
			AlignmentThreshold: g.Decision.AlignmentThreshold,
			DriftThreshold:     g.Decision.DriftThreshold,
			DefaultMaxReruns:   g.DefaultMaxReruns,
			NeutralScore:       g.Reflection.NeutralScore,
			ReviewerTimeout:    g.Reflection.ReviewerTimeout,
			Reviewers:          reviewers,
			ConflictRules:      g.Reflection.ConflictRules,
		},
		Loop: LoopConfig{
			MaxSteps:        l.MaxSteps,
			MaxPendingPolls: l.MaxPendingPolls,
			PendingBackoff:  l.PendingBackoff,
		},
		LLM: LLMConfig{
			APIKeyEnv:         "OPENAI_API_KEY",
			Model:             "gpt-4o-mini",
			RequestsPerSecond: 2,
			Burst:             4,
			Temperature:       0.2,
		},
		Telemetry: TelemetryConfig{
			Exporter:    telemetry.ExporterNone,
			ServiceName: "guardloop",
		},
		Events: EventsConfig{},
	}
}

// DefaultPath returns ~/.guardloop/guardloop.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".guardloop", "guardloop.yaml"), nil
}

// Parse overlays data onto Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrCreate loads path, writing the defaults there first when the file
// does not exist yet.
//
// Outputs:
//
//	Config - The loaded configuration.
//	bool - True if the file was created.
//	error - Non-nil on read, parse, validation or write failure.
func LoadOrCreate(path string) (Config, bool, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return Config{}, false, err
		}
		cfg, err := Load(path)
		return cfg, true, err
	}
	cfg, err := Load(path)
	return cfg, false, err
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks field rules and the consistency of the guardrail
// settings.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.GuardrailSettings().Validate(); err != nil {
		return fmt.Errorf("invalid guardrail config: %w", err)
	}
	if err := c.LoopSettings().Validate(); err != nil {
		return fmt.Errorf("invalid loop config: %w", err)
	}
	return nil
}

// GuardrailSettings converts the guardrail section.
func (c Config) GuardrailSettings() guardrail.Settings {
	g := c.Guardrail
	reviewers := make([]guardrail.ReviewerSpec, 0, len(g.Reviewers))
	for _, r := range g.Reviewers {
		reviewers = append(reviewers, guardrail.ReviewerSpec{
			Role:       guardrail.ReviewerRole(r.Role),
			WorkerKey:  r.Worker,
			ScoreField: r.ScoreField,
			Weight:     r.Weight,
		})
	}
	return guardrail.Settings{
		Bias: guardrail.BiasSettings{EchoThreshold: g.EchoThreshold},
		Fatigue: guardrail.FatigueSettings{
			MinImprovement: g.MinImprovement,
			Step:           g.FatigueStep,
			Decay:          g.FatigueDecay,
			Critical:       g.FatigueCritical,
		},
		Decision: guardrail.DecisionSettings{
			AlignmentThreshold: g.AlignmentThreshold,
			DriftThreshold:     g.DriftThreshold,
		},
		Reflection: guardrail.ReflectionSettings{
			Reviewers:       reviewers,
			NeutralScore:    g.NeutralScore,
			ReviewerTimeout: g.ReviewerTimeout,
			ConflictRules:   g.ConflictRules,
		},
		DefaultMaxReruns: g.DefaultMaxReruns,
	}
}

// LoopSettings converts the loop section.
func (c Config) LoopSettings() loop.Settings {
	return loop.Settings{
		MaxSteps:        c.Loop.MaxSteps,
		MaxPendingPolls: c.Loop.MaxPendingPolls,
		PendingBackoff:  c.Loop.PendingBackoff,
	}
}

// LLMSettings converts the llm section, reading the API key from the
// configured environment variable.
func (c Config) LLMSettings() workers.LLMConfig {
	var key string
	if c.LLM.APIKeyEnv != "" {
		key = os.Getenv(c.LLM.APIKeyEnv)
	}
	return workers.LLMConfig{
		BaseURL:           c.LLM.BaseURL,
		APIKey:            key,
		Model:             c.LLM.Model,
		RequestsPerSecond: c.LLM.RequestsPerSecond,
		Burst:             c.LLM.Burst,
		Temperature:       c.LLM.Temperature,
		MaxTokens:         c.LLM.MaxTokens,
	}
}

// TracingSettings converts the telemetry section.
func (c Config) TracingSettings() telemetry.TracingConfig {
	return telemetry.TracingConfig{
		Exporter:    c.Telemetry.Exporter,
		Endpoint:    c.Telemetry.Endpoint,
		Insecure:    c.Telemetry.Insecure,
		ServiceName: c.Telemetry.ServiceName,
	}
}

// BadgerSettings converts the storage section for the badger backend.
func (c Config) BadgerSettings() badgerkv.Config {
	bc := badgerkv.DefaultConfig(c.Storage.Path)
	bc.SyncWrites = c.Storage.SyncWrites
	bc.GCInterval = c.Storage.GCInterval
	return bc
}
