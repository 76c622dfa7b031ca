package monitor

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Sample is one telemetry reading. GPU/VRAM are NaN when no GPU is
// available; NaN values are skipped by alerts, summaries and the CSV log.
type Sample struct {
	Time time.Time `json:"time"`
	CPU  float64   `json:"cpu"`
	RAM  float64   `json:"ram"`
	GPU  float64   `json:"gpu"`
	VRAM float64   `json:"vram"`
}

// Sampler produces one reading. Swappable for tests.
type Sampler func(gpuIndex int) Sample

// AlertFunc receives threshold breaches ("cpu", 92.5). It must not block
// for long; the monitor calls it inline.
type AlertFunc func(metric string, value float64)

// MetricStats summarizes one metric over a run.
type MetricStats struct {
	Average float64 `json:"average"`
	Maximum float64 `json:"maximum"`
	Minimum float64 `json:"minimum"`
}

// Summary is the end-of-run aggregate written to resource_summary_path.
type Summary struct {
	Generated       time.Time              `json:"generated"`
	Interval        float64                `json:"interval"`
	TrendWindow     float64                `json:"trend_window"`
	Metrics         map[string]MetricStats `json:"metrics"`
	Trend           map[string]float64     `json:"trend"`
	AlertsTriggered int                    `json:"alerts_triggered"`
}

type alertRecord struct {
	Time   time.Time
	Metric string
	Value  float64
}

type Config struct {
	Interval        time.Duration
	GPUIndex        int // negative disables GPU sampling
	LogPath         string
	SummaryPath     string
	AlertLogPath    string
	AlertThresholds map[string]float64
	AlertCooldown   time.Duration
	TrendWindow     time.Duration
	HistorySize     int
	OnSample        func(Sample)
	OnAlert         AlertFunc
	Sampler         Sampler
}

// Monitor polls system resources on an interval until its context ends,
// then writes the summary artifacts.
type Monitor struct {
	cfg    Config
	paused atomic.Bool

	mu           sync.Mutex
	samples      []Sample
	history      []Sample
	lastAlerts   map[string]time.Time
	alertHistory []alertRecord
	summary      *Summary
	summaryText  string
}

var metricNames = []string{"cpu", "ram", "gpu", "vram"}

func New(cfg Config) *Monitor {
	if cfg.Interval < 100*time.Millisecond {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.TrendWindow < 10*time.Second {
		cfg.TrendWindow = 60 * time.Second
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 90
	}
	if cfg.Sampler == nil {
		cfg.Sampler = systemSample
	}
	normalized := make(map[string]float64, len(cfg.AlertThresholds))
	for k, v := range cfg.AlertThresholds {
		normalized[strings.ToLower(k)] = v
	}
	cfg.AlertThresholds = normalized
	return &Monitor{cfg: cfg, lastAlerts: make(map[string]time.Time)}
}

// Pause suspends sampling without stopping the loop.
func (m *Monitor) Pause() { m.paused.Store(true) }

// Resume restarts sampling after Pause.
func (m *Monitor) Resume() { m.paused.Store(false) }

// Run blocks until ctx is done, then finalizes the summary.
func (m *Monitor) Run(ctx context.Context) {
	var csvFile *os.File
	var writer *csv.Writer
	if m.cfg.LogPath != "" {
		if f, err := openLogFile(m.cfg.LogPath); err != nil {
			log.Printf("Resource log disabled: %v", err)
		} else {
			csvFile = f
			writer = csv.NewWriter(f)
			writer.Write([]string{"timestamp", "cpu", "ram", "gpu", "vram"})
			writer.Flush()
		}
	}

	// Prime CPU counters so the first reading isn't 0
	cpu.Percent(0, false)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if csvFile != nil {
				writer.Flush()
				csvFile.Close()
			}
			m.finalizeSummary()
			return
		case <-ticker.C:
			if m.paused.Load() {
				continue
			}
			sample := m.cfg.Sampler(m.cfg.GPUIndex)
			m.record(sample)
			if writer != nil {
				writer.Write([]string{
					sample.Time.UTC().Format(time.RFC3339),
					fmt.Sprintf("%.2f", sample.CPU),
					fmt.Sprintf("%.2f", sample.RAM),
					formatMaybe(sample.GPU),
					formatMaybe(sample.VRAM),
				})
				writer.Flush()
			}
			if m.cfg.OnSample != nil {
				m.cfg.OnSample(sample)
			}
			m.checkAlerts(sample)
		}
	}
}

func (m *Monitor) record(s Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, s)
	m.history = append(m.history, s)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

// History returns a copy of the recent-sample ring.
func (m *Monitor) History() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, len(m.history))
	copy(out, m.history)
	return out
}

// Latest returns the most recent sample, if any.
func (m *Monitor) Latest() (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Sample{}, false
	}
	return m.history[len(m.history)-1], true
}

// AlertCount returns how many alerts have fired so far.
func (m *Monitor) AlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alertHistory)
}

// SummaryText returns the human-readable end-of-run block; empty until
// Run has finished.
func (m *Monitor) SummaryText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summaryText
}

// SummaryData returns the aggregate; nil until Run has finished.
func (m *Monitor) SummaryData() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.summary
}

func (m *Monitor) checkAlerts(s Sample) {
	if len(m.cfg.AlertThresholds) == 0 || m.cfg.OnAlert == nil {
		return
	}
	values := metricValues(s)
	for metric, threshold := range m.cfg.AlertThresholds {
		value, ok := values[metric]
		if !ok || math.IsNaN(value) || value < threshold {
			continue
		}
		m.mu.Lock()
		last, seen := m.lastAlerts[metric]
		if seen && s.Time.Sub(last) < m.cfg.AlertCooldown {
			m.mu.Unlock()
			continue
		}
		m.lastAlerts[metric] = s.Time
		m.alertHistory = append(m.alertHistory, alertRecord{Time: s.Time, Metric: metric, Value: value})
		m.mu.Unlock()
		// Alerts must never break monitoring
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Alert callback panicked: %v", r)
				}
			}()
			m.cfg.OnAlert(metric, value)
		}()
	}
}

func (m *Monitor) finalizeSummary() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.samples) == 0 {
		return
	}

	stats := make(map[string]MetricStats)
	trend := make(map[string]float64)
	cutoff := m.samples[len(m.samples)-1].Time.Add(-m.cfg.TrendWindow)

	for _, metric := range metricNames {
		var values []float64
		var window []float64
		for _, s := range m.samples {
			v := metricValues(s)[metric]
			if math.IsNaN(v) {
				continue
			}
			values = append(values, v)
			if !s.Time.Before(cutoff) {
				window = append(window, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		stats[metric] = MetricStats{
			Average: sum / float64(len(values)),
			Maximum: sorted[len(sorted)-1],
			Minimum: sorted[0],
		}
		if len(window) > 0 {
			trend[metric] = window[len(window)-1] - window[0]
		}
	}

	m.summary = &Summary{
		Generated:       time.Now().UTC(),
		Interval:        m.cfg.Interval.Seconds(),
		TrendWindow:     m.cfg.TrendWindow.Seconds(),
		Metrics:         stats,
		Trend:           trend,
		AlertsTriggered: len(m.alertHistory),
	}
	m.summaryText = renderSummary(stats, trend, len(m.alertHistory))

	if m.cfg.SummaryPath != "" {
		if err := writeJSON(m.cfg.SummaryPath, m.summary); err != nil {
			log.Printf("Failed to write resource summary: %v", err)
		}
	}
	if m.cfg.AlertLogPath != "" && len(m.alertHistory) > 0 {
		if err := writeAlertLog(m.cfg.AlertLogPath, m.alertHistory); err != nil {
			log.Printf("Failed to write alert history: %v", err)
		}
	}
}

func renderSummary(stats map[string]MetricStats, trend map[string]float64, alerts int) string {
	lines := []string{"Resource Summary:"}
	for _, metric := range metricNames {
		st, ok := stats[metric]
		if !ok {
			continue
		}
		trendText := ""
		if delta, ok := trend[metric]; ok {
			direction := "stayed level"
			if delta > 0 {
				direction = "increased"
			} else if delta < 0 {
				direction = "decreased"
			}
			trendText = fmt.Sprintf(" (trend %s by %.1f%%)", direction, math.Abs(delta))
		}
		lines = append(lines, fmt.Sprintf("- %s: avg %.1f%% | max %.1f%% | min %.1f%%%s",
			strings.ToUpper(metric), st.Average, st.Maximum, st.Minimum, trendText))
	}
	if alerts > 0 {
		lines = append(lines, fmt.Sprintf("- Alerts triggered: %d (see alert log)", alerts))
	} else {
		lines = append(lines, "- Alerts triggered: none")
	}
	return strings.Join(lines, "\n")
}

func metricValues(s Sample) map[string]float64 {
	return map[string]float64{"cpu": s.CPU, "ram": s.RAM, "gpu": s.GPU, "vram": s.VRAM}
}

func formatMaybe(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return fmt.Sprintf("%.2f", v)
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}

func writeJSON(path string, v interface{}) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func writeAlertLog(path string, alerts []alertRecord) error {
	f, err := openLogFile(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	w.Write([]string{"timestamp", "metric", "value"})
	for _, a := range alerts {
		w.Write([]string{
			a.Time.UTC().Format(time.RFC3339),
			strings.ToUpper(a.Metric),
			fmt.Sprintf("%.2f", a.Value),
		})
	}
	w.Flush()
	return w.Error()
}

// systemSample reads CPU and RAM via gopsutil and GPU stats via nvidia-smi.
func systemSample(gpuIndex int) Sample {
	s := Sample{Time: time.Now(), GPU: math.NaN(), VRAM: math.NaN()}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		s.CPU = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.RAM = vm.UsedPercent
	}
	if gpuIndex >= 0 {
		if load, vram, ok := gpuUsage(gpuIndex); ok {
			s.GPU = load
			s.VRAM = vram
		}
	}
	return s
}
