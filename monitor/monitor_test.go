package monitor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedSampler replays a CPU sequence; RAM fixed, GPU present.
func scriptedSampler(cpuSeq []float64) Sampler {
	var mu sync.Mutex
	i := 0
	return func(gpuIndex int) Sample {
		mu.Lock()
		defer mu.Unlock()
		v := cpuSeq[len(cpuSeq)-1]
		if i < len(cpuSeq) {
			v = cpuSeq[i]
		}
		i++
		return Sample{Time: time.Now(), CPU: v, RAM: 40.0, GPU: 50.0, VRAM: 55.0}
	}
}

func runMonitor(t *testing.T, m *Monitor, stopAfter int, got chan Sample) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	seen := 0
	m.cfg.OnSample = func(s Sample) {
		got <- s
		seen++
		if seen >= stopAfter {
			cancel()
		}
	}
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("Monitor did not stop")
	}
}

func TestMonitorWritesSummaryAndAlerts(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "samples.csv")
	summaryPath := filepath.Join(dir, "summary.json")
	alertPath := filepath.Join(dir, "alerts.csv")

	var alerts []string
	m := New(Config{
		Interval:        10 * time.Millisecond,
		GPUIndex:        -1,
		LogPath:         logPath,
		SummaryPath:     summaryPath,
		AlertLogPath:    alertPath,
		AlertThresholds: map[string]float64{"CPU": 20},
		AlertCooldown:   0,
		Sampler:         scriptedSampler([]float64{10, 25, 60, 45, 30}),
		OnAlert:         func(metric string, value float64) { alerts = append(alerts, metric) },
	})

	got := make(chan Sample, 16)
	runMonitor(t, m, 5, got)

	if len(alerts) == 0 {
		t.Error("Alert callback should have fired")
	}
	if m.AlertCount() == 0 {
		t.Error("Alert history should not be empty")
	}

	text := m.SummaryText()
	if !strings.Contains(text, "Resource Summary:") || !strings.Contains(text, "Alerts triggered") {
		t.Errorf("Unexpected summary text:\n%s", text)
	}
	if !strings.Contains(text, "CPU:") {
		t.Errorf("Summary should include CPU stats:\n%s", text)
	}

	data, err := os.ReadFile(summaryPath)
	if err != nil {
		t.Fatalf("Summary file missing: %v", err)
	}
	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		t.Fatalf("Summary is not valid JSON: %v", err)
	}
	cpuStats, ok := summary.Metrics["cpu"]
	if !ok {
		t.Fatal("Summary missing cpu metrics")
	}
	if cpuStats.Maximum != 60 || cpuStats.Minimum != 10 {
		t.Errorf("Unexpected cpu stats: %+v", cpuStats)
	}
	if summary.AlertsTriggered != m.AlertCount() {
		t.Errorf("Summary alert count %d != %d", summary.AlertsTriggered, m.AlertCount())
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("Sample log missing: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("Sample log is not valid CSV: %v", err)
	}
	if len(rows) < 2 {
		t.Fatalf("Expected header plus samples, got %d rows", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][3] != "gpu" {
		t.Errorf("Unexpected header: %v", rows[0])
	}

	if _, err := os.Stat(alertPath); err != nil {
		t.Errorf("Alert log missing: %v", err)
	}
}

func TestMonitorAlertCooldown(t *testing.T) {
	var alerts int
	m := New(Config{
		Interval:        10 * time.Millisecond,
		GPUIndex:        -1,
		AlertThresholds: map[string]float64{"cpu": 10},
		AlertCooldown:   time.Hour,
		Sampler:         scriptedSampler([]float64{90, 90, 90, 90, 90, 90}),
		OnAlert:         func(string, float64) { alerts++ },
	})

	got := make(chan Sample, 16)
	runMonitor(t, m, 6, got)

	if alerts != 1 {
		t.Errorf("Expected exactly one alert under cooldown, got %d", alerts)
	}
}

func TestMonitorPauseSkipsSampling(t *testing.T) {
	sampled := 0
	m := New(Config{
		Interval: 10 * time.Millisecond,
		GPUIndex: -1,
		Sampler: func(int) Sample {
			sampled++
			return Sample{Time: time.Now(), CPU: 1, RAM: 1, GPU: math.NaN(), VRAM: math.NaN()}
		},
	})
	m.Pause()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if sampled != 0 {
		t.Errorf("Expected no samples while paused, got %d", sampled)
	}

	m.Resume()
	if m.paused.Load() {
		t.Error("Resume should clear the pause flag")
	}
}

func TestMonitorNaNMetricsSkipped(t *testing.T) {
	var alerts []string
	m := New(Config{
		Interval:        10 * time.Millisecond,
		GPUIndex:        -1,
		AlertThresholds: map[string]float64{"gpu": 1, "cpu": 1},
		Sampler: func(int) Sample {
			return Sample{Time: time.Now(), CPU: 50, RAM: 50, GPU: math.NaN(), VRAM: math.NaN()}
		},
		OnAlert: func(metric string, value float64) { alerts = append(alerts, metric) },
	})

	got := make(chan Sample, 8)
	runMonitor(t, m, 3, got)

	for _, metric := range alerts {
		if metric == "gpu" {
			t.Error("NaN GPU metric must not alert")
		}
	}
	if summary := m.SummaryData(); summary != nil {
		if _, ok := summary.Metrics["gpu"]; ok {
			t.Error("NaN-only GPU metric must not appear in summary")
		}
		if _, ok := summary.Metrics["cpu"]; !ok {
			t.Error("CPU metric missing from summary")
		}
	}
}

func TestMonitorHistoryRing(t *testing.T) {
	m := New(Config{
		Interval:    10 * time.Millisecond,
		GPUIndex:    -1,
		HistorySize: 3,
		Sampler:     scriptedSampler([]float64{1, 2, 3, 4, 5, 6}),
	})

	got := make(chan Sample, 16)
	runMonitor(t, m, 6, got)

	history := m.History()
	if len(history) != 3 {
		t.Fatalf("Expected ring of 3, got %d", len(history))
	}
	latest, ok := m.Latest()
	if !ok {
		t.Fatal("Expected a latest sample")
	}
	if latest.CPU != history[len(history)-1].CPU {
		t.Error("Latest should match the end of the ring")
	}
}

func TestParseSMILine(t *testing.T) {
	load, vram, ok := parseSMILine("42, 2048, 8192")
	if !ok || load != 42 || vram != 25 {
		t.Errorf("parseSMILine = %v %v %v, want 42 25 true", load, vram, ok)
	}
	if _, _, ok := parseSMILine("garbage"); ok {
		t.Error("Expected parse failure on garbage")
	}
	if _, _, ok := parseSMILine("1, 2, 0"); ok {
		t.Error("Expected parse failure on zero total memory")
	}
}
