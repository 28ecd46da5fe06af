// Package thresholds holds the alert threshold configuration behind a short-lived cache.
package thresholds

import (
	"fmt"

	"procodus.dev/irrigation-hub/internal/store"
)

// Config is the alert threshold configuration.
type Config struct {
	TemperatureLow          float64 `json:"temperatureLow"`
	TemperatureCriticalLow  float64 `json:"temperatureCriticalLow"`
	TemperatureHigh         float64 `json:"temperatureHigh"`
	TemperatureCriticalHigh float64 `json:"temperatureCriticalHigh"`
	HumidityLow             float64 `json:"humidityLow"`
	HumidityHigh            float64 `json:"humidityHigh"`
}

// Defaults returns the built-in thresholds used when nothing is persisted or the store fails.
func Defaults() Config {
	return Config{
		TemperatureLow:          18,
		TemperatureCriticalLow:  15,
		TemperatureHigh:         32,
		TemperatureCriticalHigh: 35,
		HumidityLow:             45,
		HumidityHigh:            75,
	}
}

// Partial is a merge-update. Nil fields keep their current value.
type Partial struct {
	TemperatureLow          *float64 `json:"temperatureLow,omitempty"`
	TemperatureCriticalLow  *float64 `json:"temperatureCriticalLow,omitempty"`
	TemperatureHigh         *float64 `json:"temperatureHigh,omitempty"`
	TemperatureCriticalHigh *float64 `json:"temperatureCriticalHigh,omitempty"`
	HumidityLow             *float64 `json:"humidityLow,omitempty"`
	HumidityHigh            *float64 `json:"humidityHigh,omitempty"`
}

// Empty reports whether p sets no field.
func (p Partial) Empty() bool {
	return p.TemperatureLow == nil && p.TemperatureCriticalLow == nil &&
		p.TemperatureHigh == nil && p.TemperatureCriticalHigh == nil &&
		p.HumidityLow == nil && p.HumidityHigh == nil
}

// Merge returns c with every non-nil field of p applied.
func (c Config) Merge(p Partial) Config {
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&c.TemperatureLow, p.TemperatureLow)
	set(&c.TemperatureCriticalLow, p.TemperatureCriticalLow)
	set(&c.TemperatureHigh, p.TemperatureHigh)
	set(&c.TemperatureCriticalHigh, p.TemperatureCriticalHigh)
	set(&c.HumidityLow, p.HumidityLow)
	set(&c.HumidityHigh, p.HumidityHigh)
	return c
}

// ValidationError reports an inconsistent threshold configuration.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

// Validate checks criticalLow <= low < high <= criticalHigh and humidityLow < humidityHigh.
func (c Config) Validate() error {
	switch {
	case c.TemperatureCriticalLow > c.TemperatureLow:
		return &ValidationError{Field: "temperatureCriticalLow", Message: "must not exceed temperatureLow"}
	case c.TemperatureLow >= c.TemperatureHigh:
		return &ValidationError{Field: "temperatureLow", Message: "must be below temperatureHigh"}
	case c.TemperatureHigh > c.TemperatureCriticalHigh:
		return &ValidationError{Field: "temperatureHigh", Message: "must not exceed temperatureCriticalHigh"}
	case c.HumidityLow < 0 || c.HumidityHigh > 100:
		return &ValidationError{Field: "humidity", Message: "must be between 0 and 100"}
	case c.HumidityLow >= c.HumidityHigh:
		return &ValidationError{Field: "humidityLow", Message: "must be below humidityHigh"}
	}
	return nil
}

func fromRow(t *store.Threshold) Config {
	return Config{
		TemperatureLow:          t.TemperatureLow,
		TemperatureCriticalLow:  t.TemperatureCriticalLow,
		TemperatureHigh:         t.TemperatureHigh,
		TemperatureCriticalHigh: t.TemperatureCriticalHigh,
		HumidityLow:             t.HumidityLow,
		HumidityHigh:            t.HumidityHigh,
	}
}

func toRow(key string, c Config) *store.Threshold {
	return &store.Threshold{
		Key:                     key,
		TemperatureLow:          c.TemperatureLow,
		TemperatureCriticalLow:  c.TemperatureCriticalLow,
		TemperatureHigh:         c.TemperatureHigh,
		TemperatureCriticalHigh: c.TemperatureCriticalHigh,
		HumidityLow:             c.HumidityLow,
		HumidityHigh:            c.HumidityHigh,
	}
}
