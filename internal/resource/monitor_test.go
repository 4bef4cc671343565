package resource

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"photoflow/internal/domain"
)

type fakeSampler struct {
	mu sync.Mutex
	st domain.ResourceStatus
}

func (f *fakeSampler) Sample() (domain.ResourceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, nil
}

func (f *fakeSampler) set(st domain.ResourceStatus) {
	f.mu.Lock()
	f.st = st
	f.mu.Unlock()
}

func TestPollerNotifiesOnChangeOnly(t *testing.T) {
	good := domain.ResourceStatus{BatteryLevel: 0.9, Charging: true, Thermal: domain.ThermalNominal}
	fs := &fakeSampler{st: good}
	p := NewPoller(fs, 5*time.Millisecond)

	ch, unsubscribe := p.Subscribe(4)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	// Unchanged snapshots produce no notifications.
	select {
	case st := <-ch:
		t.Fatalf("unexpected notification: %+v", st)
	case <-time.After(50 * time.Millisecond):
	}

	hot := good
	hot.Thermal = domain.ThermalCritical
	fs.set(hot)

	select {
	case st := <-ch:
		if st.Thermal != domain.ThermalCritical {
			t.Fatalf("got %+v, want critical thermal", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification for changed snapshot")
	}

	if got := p.Snapshot(); got.Thermal != domain.ThermalCritical {
		t.Fatalf("snapshot = %+v, want critical", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewPoller(Static{Status: domain.ResourceStatus{Thermal: domain.ThermalNominal}}, time.Hour)
	ch, unsubscribe := p.Subscribe(1)
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	p.Set(domain.ResourceStatus{Thermal: domain.ThermalCritical})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSysfsSampler(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sys/class/power_supply/BAT0/capacity"), "42\n")
	writeFile(t, filepath.Join(root, "sys/class/power_supply/BAT0/status"), "Discharging\n")
	writeFile(t, filepath.Join(root, "proc/meminfo"),
		"MemTotal:       8000000 kB\nMemFree:         900000 kB\nMemAvailable:    2000000 kB\n")
	writeFile(t, filepath.Join(root, "sys/class/thermal/thermal_zone0/temp"), "45000\n")
	writeFile(t, filepath.Join(root, "sys/class/thermal/thermal_zone1/temp"), "83000\n")

	st, err := Sysfs{Root: root}.Sample()
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if st.BatteryLevel != 0.42 {
		t.Fatalf("battery = %v, want 0.42", st.BatteryLevel)
	}
	if st.Charging {
		t.Fatal("discharging battery reported as charging")
	}
	if st.MemoryUsage != 0.75 {
		t.Fatalf("memory usage = %v, want 0.75", st.MemoryUsage)
	}
	if st.Thermal != domain.ThermalSerious {
		t.Fatalf("thermal = %s, want serious (hottest zone wins)", st.Thermal)
	}
}

func TestSysfsSamplerNoSources(t *testing.T) {
	if _, err := (Sysfs{Root: t.TempDir()}).Sample(); err == nil {
		t.Fatal("expected error with no readable sources")
	}
}
