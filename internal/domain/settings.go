package domain

import (
	"fmt"
	"time"
)

// Intensity controls how hungry background processing is allowed to be.
// It caps concurrency and sets the pacing hint handed to task bodies.
type Intensity string

const (
	IntensityLow        Intensity = "low"
	IntensityMedium     Intensity = "medium"
	IntensityHigh       Intensity = "high"
	IntensityAggressive Intensity = "aggressive"
)

func (i Intensity) Valid() bool {
	switch i {
	case IntensityLow, IntensityMedium, IntensityHigh, IntensityAggressive:
		return true
	}
	return false
}

// ConcurrencyCap is the hard ceiling this intensity permits regardless of
// the configured max_concurrent.
func (i Intensity) ConcurrencyCap() int {
	switch i {
	case IntensityLow:
		return 1
	case IntensityMedium:
		return 2
	case IntensityHigh:
		return 3
	case IntensityAggressive:
		return 4
	}
	return 2
}

// YieldInterval is the suggested back-off sleep a task body takes at a
// checkpoint when asked to yield. Lower intensities yield longer.
func (i Intensity) YieldInterval() time.Duration {
	switch i {
	case IntensityLow:
		return 100 * time.Millisecond
	case IntensityMedium:
		return 50 * time.Millisecond
	case IntensityHigh:
		return 20 * time.Millisecond
	case IntensityAggressive:
		return 5 * time.Millisecond
	}
	return 50 * time.Millisecond
}

const (
	MinConcurrent = 1
	MaxConcurrent = 4
)

// Settings is the user-facing processing policy. It is mutated only through
// UpdateSettings and read on every scheduling decision.
type Settings struct {
	Intensity         Intensity `json:"intensity" yaml:"intensity"`
	MaxConcurrent     int       `json:"max_concurrent" yaml:"max_concurrent"`
	BatteryThreshold  float64   `json:"battery_threshold" yaml:"battery_threshold"`
	MemoryThreshold   float64   `json:"memory_threshold" yaml:"memory_threshold"`
	PauseOnLowBattery bool      `json:"pause_on_low_battery" yaml:"pause_on_low_battery"`
	PauseOnHighMemory bool      `json:"pause_on_high_memory" yaml:"pause_on_high_memory"`
	PauseOnThermal    bool      `json:"pause_on_thermal" yaml:"pause_on_thermal"`
}

func DefaultSettings() Settings {
	return Settings{
		Intensity:         IntensityMedium,
		MaxConcurrent:     IntensityMedium.ConcurrencyCap(),
		BatteryThreshold:  0.20,
		MemoryThreshold:   0.85,
		PauseOnLowBattery: true,
		PauseOnHighMemory: true,
		PauseOnThermal:    true,
	}
}

func (s Settings) Validate() error {
	if !s.Intensity.Valid() {
		return fmt.Errorf("invalid intensity %q", s.Intensity)
	}
	if s.MaxConcurrent < MinConcurrent || s.MaxConcurrent > MaxConcurrent {
		return fmt.Errorf("max_concurrent must be in [%d,%d], got %d", MinConcurrent, MaxConcurrent, s.MaxConcurrent)
	}
	if s.BatteryThreshold < 0 || s.BatteryThreshold > 1 {
		return fmt.Errorf("battery_threshold must be in [0,1], got %v", s.BatteryThreshold)
	}
	if s.MemoryThreshold < 0 || s.MemoryThreshold > 1 {
		return fmt.Errorf("memory_threshold must be in [0,1], got %v", s.MemoryThreshold)
	}
	return nil
}

// Ceiling is the effective concurrency limit.
func (s Settings) Ceiling() int {
	if cap := s.Intensity.ConcurrencyCap(); cap < s.MaxConcurrent {
		return cap
	}
	return s.MaxConcurrent
}

// Violation returns the first enabled resource policy the snapshot violates,
// or "" if processing may run. Policies are OR'd: any single hit pauses.
func (s Settings) Violation(rs ResourceStatus) string {
	if s.PauseOnLowBattery && !rs.Charging && rs.BatteryLevel < s.BatteryThreshold {
		return "battery below threshold"
	}
	if s.PauseOnHighMemory && rs.MemoryUsage > s.MemoryThreshold {
		return "memory above threshold"
	}
	if s.PauseOnThermal && rs.Thermal.Severity() >= ThermalSerious.Severity() {
		return "thermal state " + string(rs.Thermal)
	}
	return ""
}

// SettingsPatch is a partial settings update; nil fields keep their value.
type SettingsPatch struct {
	Intensity         *Intensity `json:"intensity,omitempty"`
	MaxConcurrent     *int       `json:"max_concurrent,omitempty"`
	BatteryThreshold  *float64   `json:"battery_threshold,omitempty"`
	MemoryThreshold   *float64   `json:"memory_threshold,omitempty"`
	PauseOnLowBattery *bool      `json:"pause_on_low_battery,omitempty"`
	PauseOnHighMemory *bool      `json:"pause_on_high_memory,omitempty"`
	PauseOnThermal    *bool      `json:"pause_on_thermal,omitempty"`
}

// Apply merges the patch onto s and validates the result. On error the
// original settings are returned unchanged, so no partial mutation occurs.
func (p SettingsPatch) Apply(s Settings) (Settings, error) {
	next := s
	if p.Intensity != nil {
		next.Intensity = *p.Intensity
	}
	if p.MaxConcurrent != nil {
		next.MaxConcurrent = *p.MaxConcurrent
	}
	if p.BatteryThreshold != nil {
		next.BatteryThreshold = *p.BatteryThreshold
	}
	if p.MemoryThreshold != nil {
		next.MemoryThreshold = *p.MemoryThreshold
	}
	if p.PauseOnLowBattery != nil {
		next.PauseOnLowBattery = *p.PauseOnLowBattery
	}
	if p.PauseOnHighMemory != nil {
		next.PauseOnHighMemory = *p.PauseOnHighMemory
	}
	if p.PauseOnThermal != nil {
		next.PauseOnThermal = *p.PauseOnThermal
	}
	if err := next.Validate(); err != nil {
		return s, err
	}
	return next, nil
}
