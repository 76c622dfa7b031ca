package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
video_path: recordings/match.mp4
output_text_path: out/chat.txt
use_gpu: true
gpu_index: 1
ocr_languages: [en, ko]
prompt_template: "Fix: {text}"
threads: 3
theme: dark
llm_model: google/gemini-flash
frame_step: 5
show_resource_usage: true
monitor_interval: 0.5
resource_history_seconds: 120
resource_alerts:
  cpu: 85
  vram: 90
alert_cooldown_seconds: 30
resource_log_path: logs/resources.csv
log_path: logs/app.log
log_level: debug
status_addr: "127.0.0.1:8484"
api_key: file-key
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.VideoPath != "recordings/match.mp4" {
		t.Errorf("Expected VideoPath 'recordings/match.mp4', got '%s'", cfg.VideoPath)
	}
	if !cfg.UseGPU || cfg.GPUIndex != 1 {
		t.Errorf("Expected UseGPU=true GPUIndex=1, got %v %d", cfg.UseGPU, cfg.GPUIndex)
	}
	if len(cfg.OCRLanguages) != 2 || cfg.OCRLanguages[1] != "ko" {
		t.Errorf("Unexpected OCRLanguages: %v", cfg.OCRLanguages)
	}
	if cfg.Threads != 3 {
		t.Errorf("Expected Threads 3, got %d", cfg.Threads)
	}
	if cfg.FrameStep != 5 {
		t.Errorf("Expected FrameStep 5, got %d", cfg.FrameStep)
	}
	if cfg.MonitorInterval != 0.5 {
		t.Errorf("Expected MonitorInterval 0.5, got %v", cfg.MonitorInterval)
	}
	if cfg.ResourceAlerts["cpu"] != 85 || cfg.ResourceAlerts["vram"] != 90 {
		t.Errorf("Unexpected ResourceAlerts: %v", cfg.ResourceAlerts)
	}
	if cfg.APIKey != "file-key" {
		t.Errorf("Expected APIKey 'file-key', got '%s'", cfg.APIKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
video_path: a.mp4
monitor_interval: -2
resource_history_seconds: 3
threads: 0
frame_step: 0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.MonitorInterval != 1.0 {
		t.Errorf("Expected MonitorInterval clamped to 1.0, got %v", cfg.MonitorInterval)
	}
	if cfg.ResourceHistorySeconds != 90 {
		t.Errorf("Expected ResourceHistorySeconds default 90, got %d", cfg.ResourceHistorySeconds)
	}
	if cfg.Threads != runtime.NumCPU() {
		t.Errorf("Expected Threads default NumCPU, got %d", cfg.Threads)
	}
	if cfg.FrameStep != 1 {
		t.Errorf("Expected FrameStep clamped to 1, got %d", cfg.FrameStep)
	}
	if len(cfg.OCRLanguages) != 1 || cfg.OCRLanguages[0] != "en" {
		t.Errorf("Expected default language 'en', got %v", cfg.OCRLanguages)
	}
	if cfg.OutputTextPath != "transcript.txt" {
		t.Errorf("Expected default output path, got '%s'", cfg.OutputTextPath)
	}
	if cfg.PromptTemplate == "" {
		t.Error("Expected a default prompt template")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	os.Setenv("OPENROUTER_API_KEY", "env-key")
	os.Setenv("MODEL", "env-model")
	os.Setenv("PROVIDERS", "DeepInfra, Together ,")
	defer func() {
		os.Unsetenv("OPENROUTER_API_KEY")
		os.Unsetenv("MODEL")
		os.Unsetenv("PROVIDERS")
	}()

	path := writeConfig(t, `
video_path: a.mp4
api_key: file-key
llm_model: file-model
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load configuration: %v", err)
	}

	if cfg.APIKey != "env-key" {
		t.Errorf("Expected env key to win, got '%s'", cfg.APIKey)
	}
	if cfg.LLMModel != "env-model" {
		t.Errorf("Expected env model to win, got '%s'", cfg.LLMModel)
	}
	if len(cfg.Providers) != 2 || cfg.Providers[0] != "DeepInfra" || cfg.Providers[1] != "Together" {
		t.Errorf("Unexpected Providers: %v", cfg.Providers)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for missing video_path")
	}
	cfg.VideoPath = "a.mp4"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for missing llm_model")
	}
	cfg.LLMModel = "m"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for missing api_key")
	}
	cfg.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}
