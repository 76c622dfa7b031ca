package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config mirrors the flat config.yaml surface. Secrets (API key) may also
// arrive via .env / environment and win over the file.
type Config struct {
	VideoPath      string   `koanf:"video_path"`
	OutputTextPath string   `koanf:"output_text_path"`
	UseGPU         bool     `koanf:"use_gpu"`
	GPUIndex       int      `koanf:"gpu_index"`
	OCRLanguages   []string `koanf:"ocr_languages"`
	PromptTemplate string   `koanf:"prompt_template"`
	Threads        int      `koanf:"threads"`
	Theme          string   `koanf:"theme"`
	LLMModel       string   `koanf:"llm_model"`
	FrameStep      int      `koanf:"frame_step"`

	ShowResourceUsage      bool               `koanf:"show_resource_usage"`
	MonitorInterval        float64            `koanf:"monitor_interval"`
	ResourceHistorySeconds int                `koanf:"resource_history_seconds"`
	ResourceAlerts         map[string]float64 `koanf:"resource_alerts"`
	AlertCooldownSeconds   float64            `koanf:"alert_cooldown_seconds"`
	ResourceLogPath        string             `koanf:"resource_log_path"`
	ResourceSummaryPath    string             `koanf:"resource_summary_path"`
	AlertLogPath           string             `koanf:"alert_log_path"`

	LogPath  string `koanf:"log_path"`
	LogLevel string `koanf:"log_level"`

	StatusAddr       string `koanf:"status_addr"`
	TranscriptDBPath string `koanf:"transcript_db_path"`

	APIKey     string   `koanf:"api_key"`
	APIBaseURL string   `koanf:"api_base_url"`
	Providers  []string `koanf:"providers"`
}

// Load reads config.yaml and applies env overrides and defaults.
func Load(path string) (*Config, error) {
	loadDotEnv()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Environment wins over the file for secrets and the model.
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("PROVIDERS"); v != "" {
		cfg.Providers = splitProviders(v)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 1.0
	}
	if c.ResourceHistorySeconds < 10 {
		c.ResourceHistorySeconds = 90
	}
	if c.AlertCooldownSeconds < 0 {
		c.AlertCooldownSeconds = 0
	}
	if c.Threads <= 0 {
		c.Threads = runtime.NumCPU()
	}
	if c.FrameStep < 1 {
		c.FrameStep = 1
	}
	if len(c.OCRLanguages) == 0 {
		c.OCRLanguages = []string{"en"}
	}
	if c.PromptTemplate == "" {
		c.PromptTemplate = "Correct OCR errors in the following game chat text. Return only the corrected text.\n{text}"
	}
	if c.OutputTextPath == "" {
		c.OutputTextPath = "transcript.txt"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the fields a processing run cannot start without.
func (c *Config) Validate() error {
	if c.VideoPath == "" {
		return fmt.Errorf("video_path is required")
	}
	if c.LLMModel == "" {
		return fmt.Errorf("llm_model is required (config or MODEL env)")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (config, .env or OPENROUTER_API_KEY env)")
	}
	return nil
}

// loadDotEnv tries .env in the working directory, then next to the
// executable, so a single shipped binary can keep a sidecar secrets file.
func loadDotEnv() {
	envPaths := []string{".env"}
	if execPath, err := os.Executable(); err == nil {
		envPaths = append(envPaths, filepath.Join(filepath.Dir(execPath), ".env"))
	}
	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err == nil {
			godotenv.Load(envPath)
			break
		}
	}
}

func splitProviders(s string) []string {
	var providers []string
	for _, provider := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(provider); trimmed != "" {
			providers = append(providers, trimmed)
		}
	}
	return providers
}
