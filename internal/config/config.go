// Package config loads the YAML config file and watches it for changes so
// processing settings can be adjusted without a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"photoflow/internal/domain"
)

type File struct {
	Listen      string      `yaml:"listen"`
	DB          string      `yaml:"db"`
	Driver      string      `yaml:"driver"`
	Processing  Processing  `yaml:"processing"`
	Monitor     Monitor     `yaml:"monitor"`
	Maintenance Maintenance `yaml:"maintenance"`
}

type Processing struct {
	Intensity         string   `yaml:"intensity"`
	MaxConcurrent     int      `yaml:"max_concurrent"`
	BatteryThreshold  *float64 `yaml:"battery_threshold"`
	MemoryThreshold   *float64 `yaml:"memory_threshold"`
	PauseOnLowBattery *bool    `yaml:"pause_on_low_battery"`
	PauseOnHighMemory *bool    `yaml:"pause_on_high_memory"`
	PauseOnThermal    *bool    `yaml:"pause_on_thermal"`
}

type Monitor struct {
	PollEvery string `yaml:"poll_every"`
}

type Maintenance struct {
	CurationCron string `yaml:"curation_cron"`
	PruneAfter   string `yaml:"prune_after"`
}

func Default() *File {
	return &File{
		Listen: ":8080",
		DB:     "photoflow.db",
		Driver: "sqlite",
	}
}

// Load reads and parses the config file. A missing file is not an error;
// defaults apply.
func Load(path string) (*File, error) {
	f := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

// Settings merges the processing section onto the defaults and validates.
func (f *File) Settings() (domain.Settings, error) {
	s := domain.DefaultSettings()
	p := f.Processing
	if p.Intensity != "" {
		s.Intensity = domain.Intensity(p.Intensity)
		s.MaxConcurrent = s.Intensity.ConcurrencyCap()
	}
	if p.MaxConcurrent != 0 {
		s.MaxConcurrent = p.MaxConcurrent
	}
	if p.BatteryThreshold != nil {
		s.BatteryThreshold = *p.BatteryThreshold
	}
	if p.MemoryThreshold != nil {
		s.MemoryThreshold = *p.MemoryThreshold
	}
	if p.PauseOnLowBattery != nil {
		s.PauseOnLowBattery = *p.PauseOnLowBattery
	}
	if p.PauseOnHighMemory != nil {
		s.PauseOnHighMemory = *p.PauseOnHighMemory
	}
	if p.PauseOnThermal != nil {
		s.PauseOnThermal = *p.PauseOnThermal
	}
	if err := s.Validate(); err != nil {
		return domain.Settings{}, err
	}
	return s, nil
}

// SettingsPatch converts the processing section into a partial update for
// the running scheduler (used on hot reload).
func (f *File) SettingsPatch() domain.SettingsPatch {
	var patch domain.SettingsPatch
	p := f.Processing
	if p.Intensity != "" {
		i := domain.Intensity(p.Intensity)
		patch.Intensity = &i
	}
	if p.MaxConcurrent != 0 {
		mc := p.MaxConcurrent
		patch.MaxConcurrent = &mc
	}
	patch.BatteryThreshold = p.BatteryThreshold
	patch.MemoryThreshold = p.MemoryThreshold
	patch.PauseOnLowBattery = p.PauseOnLowBattery
	patch.PauseOnHighMemory = p.PauseOnHighMemory
	patch.PauseOnThermal = p.PauseOnThermal
	return patch
}

// PollEvery parses the monitor poll interval with a fallback default.
func (f *File) PollEvery() (time.Duration, error) {
	return parseDuration("monitor.poll_every", f.Monitor.PollEvery, 5*time.Second)
}

// PruneAfter parses the terminal-task retention window.
func (f *File) PruneAfter() (time.Duration, error) {
	return parseDuration("maintenance.prune_after", f.Maintenance.PruneAfter, 7*24*time.Hour)
}

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
