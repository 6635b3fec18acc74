package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	minBatchSize = 1
	// Google rejects batches with more than 1000 parts.
	maxBatchSize = 1000
)

var (
	validBackends = map[string]bool{"json": true, "sqlite": true}
	validSources  = map[string]bool{"json": true, "taskwarrior": true, "org": true}
	validLevels   = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error

	if c.Sync.BatchSize < minBatchSize || c.Sync.BatchSize > maxBatchSize {
		errs = append(errs, fmt.Errorf("sync.batch_size must be in %d..%d, got %d", minBatchSize, maxBatchSize, c.Sync.BatchSize))
	}
	if c.Sync.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries))
	}
	errs = append(errs, nonNegative("sync.batch_delay", c.Sync.BatchDelay.Duration)...)
	errs = append(errs, nonNegative("sync.retry_base", c.Sync.RetryBase.Duration)...)
	errs = append(errs, nonNegative("sync.retry_max", c.Sync.RetryMax.Duration)...)
	if c.Sync.DefaultDuration.Duration <= 0 {
		errs = append(errs, errors.New("sync.default_duration must be positive"))
	}

	if c.Identity.DescriptionLimit < 0 {
		errs = append(errs, errors.New("identity.description_limit must not be negative"))
	}

	if !validBackends[c.State.Backend] {
		errs = append(errs, fmt.Errorf("state.backend %q is not one of json, sqlite", c.State.Backend))
	}
	if !validSources[c.Source.Kind] {
		errs = append(errs, fmt.Errorf("source.kind %q is not one of json, taskwarrior, org", c.Source.Kind))
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	}

	return errors.Join(errs...)
}

func nonNegative(name string, d time.Duration) []error {
	if d < 0 {
		return []error{fmt.Errorf("%s must not be negative, got %s", name, d)}
	}
	return nil
}
