package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Validation errors.
var (
	ErrNoThreads      = errors.New("config: maintenance.numThreads must be at least 1")
	ErrBadPollingMs   = errors.New("config: maintenance.pollingIntervalMs must be positive")
	ErrBadHistorySize = errors.New("config: maintenance.historySize must be at least 1")
)

// Load returns the default configuration with environment overrides applied.
func Load() (*Config, error) {
	cfg := Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a YAML file, then applies
// environment overrides on top.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Maintenance.NumThreads < 1 {
		return ErrNoThreads
	}
	if c.Maintenance.PollingIntervalMs <= 0 {
		return ErrBadPollingMs
	}
	if c.Maintenance.HistorySize < 1 {
		return ErrBadHistorySize
	}
	return nil
}

// applyEnvOverrides walks the config structs and overrides any field whose
// `env` tag names a set environment variable.
func applyEnvOverrides(cfg *Config) {
	v := reflect.ValueOf(cfg).Elem()
	for i := 0; i < v.NumField(); i++ {
		section := v.Field(i)
		if section.Kind() != reflect.Struct {
			continue
		}
		st := section.Type()
		for j := 0; j < section.NumField(); j++ {
			tag := st.Field(j).Tag.Get("env")
			if tag == "" {
				continue
			}
			val, ok := os.LookupEnv(tag)
			if !ok {
				continue
			}
			field := section.Field(j)
			switch field.Kind() {
			case reflect.String:
				field.SetString(val)
			case reflect.Int, reflect.Int64:
				if n, err := strconv.ParseInt(val, 10, 64); err == nil {
					field.SetInt(n)
				}
			case reflect.Bool:
				if b, err := strconv.ParseBool(val); err == nil {
					field.SetBool(b)
				}
			}
		}
	}
}
