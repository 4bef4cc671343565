package resource

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"photoflow/internal/domain"
)

// Static always reports the same snapshot. Dev/non-Linux fallback.
type Static struct{ Status domain.ResourceStatus }

func (s Static) Sample() (domain.ResourceStatus, error) { return s.Status, nil }

// Sysfs samples battery, memory and thermal state from the Linux sysfs/proc
// trees. Root is "/" in production; tests point it at a fixture dir.
type Sysfs struct {
	Root string
}

func (s Sysfs) Sample() (domain.ResourceStatus, error) {
	root := s.Root
	if root == "" {
		root = "/"
	}
	st := domain.ResourceStatus{BatteryLevel: 1, Charging: true, Thermal: domain.ThermalNominal}

	level, charging, err := s.battery(root)
	if err == nil {
		st.BatteryLevel = level
		st.Charging = charging
	}

	usage, memErr := s.memory(root)
	if memErr == nil {
		st.MemoryUsage = usage
	}

	st.Thermal = s.thermal(root)

	if err != nil && memErr != nil {
		return st, fmt.Errorf("no readable sources: battery: %v; memory: %v", err, memErr)
	}
	return st, nil
}

func (s Sysfs) battery(root string) (float64, bool, error) {
	supplies, _ := filepath.Glob(filepath.Join(root, "sys/class/power_supply/*"))
	for _, dir := range supplies {
		capB, err := os.ReadFile(filepath.Join(dir, "capacity"))
		if err != nil {
			continue
		}
		pct, err := strconv.Atoi(strings.TrimSpace(string(capB)))
		if err != nil {
			continue
		}
		status := ""
		if b, err := os.ReadFile(filepath.Join(dir, "status")); err == nil {
			status = strings.TrimSpace(string(b))
		}
		charging := status == "Charging" || status == "Full"
		return float64(pct) / 100, charging, nil
	}
	return 0, false, errors.New("no battery found")
}

func (s Sysfs) memory(root string) (float64, error) {
	b, err := os.ReadFile(filepath.Join(root, "proc/meminfo"))
	if err != nil {
		return 0, err
	}
	var total, avail float64
	for _, line := range strings.Split(string(b), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			avail = v
		}
	}
	if total <= 0 {
		return 0, errors.New("meminfo: missing MemTotal")
	}
	return 1 - avail/total, nil
}

// thermal buckets the hottest thermal zone into the coarse states the
// pause policy understands. Zones report millidegrees Celsius.
func (s Sysfs) thermal(root string) domain.ThermalState {
	zones, _ := filepath.Glob(filepath.Join(root, "sys/class/thermal/thermal_zone*/temp"))
	maxMilli := 0
	for _, z := range zones {
		b, err := os.ReadFile(z)
		if err != nil {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(string(b)))
		if err != nil {
			continue
		}
		if v > maxMilli {
			maxMilli = v
		}
	}
	switch c := maxMilli / 1000; {
	case c >= 90:
		return domain.ThermalCritical
	case c >= 80:
		return domain.ThermalSerious
	case c >= 65:
		return domain.ThermalFair
	default:
		return domain.ThermalNominal
	}
}
