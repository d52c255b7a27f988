package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all onboard server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	AuthToken  string `json:"auth_token"`

	SimulatorURL     string `json:"simulator_url"`
	SimulatorKey     string `json:"simulator_key"`
	ProfitabilityURL string `json:"profitability_url"`
	ProfitabilityKey string `json:"profitability_key"`
	ContractURL      string `json:"contract_url"`
	ContractKey      string `json:"contract_key"`
	ESignURL         string `json:"esign_url"`
	ESignKey         string `json:"esign_key"`
	VisionURL        string `json:"vision_url"`
	VisionKey        string `json:"vision_key"`
	WebhookURL       string `json:"webhook_url"`

	ClientTimeout string `json:"client_timeout"`
	StepTimeout   string `json:"step_timeout"`

	ProfitabilityMinimum float64 `json:"profitability_minimum"`
	ProfitabilityTarget  float64 `json:"profitability_target"`

	RetentionYears int    `json:"retention_years"`
	RetentionCron  string `json:"retention_cron"`

	BreakerThreshold   int    `json:"breaker_threshold"`
	BreakerCooldown    string `json:"breaker_cooldown"`
	BreakerHalfOpenMax int    `json:"breaker_half_open_max"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:           ":4200",
		DBPath:               filepath.Join(onboardDir(), "onboard.db"),
		LogLevel:             "info",
		ClientTimeout:        "30s",
		StepTimeout:          "30s",
		ProfitabilityMinimum: 0.05,
		ProfitabilityTarget:  0.15,
		RetentionYears:       7,
		RetentionCron:        "0 3 * * *",
		BreakerThreshold:     5,
		BreakerCooldown:      "30s",
		BreakerHalfOpenMax:   1,
	}
}

func onboardDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".onboard"
	}
	return filepath.Join(home, ".onboard")
}

func settingsPath() string {
	return filepath.Join(onboardDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	stringVars := map[string]*string{
		"ONBOARD_LISTEN_ADDR":       &cfg.ListenAddr,
		"ONBOARD_DB_PATH":           &cfg.DBPath,
		"ONBOARD_LOG_LEVEL":         &cfg.LogLevel,
		"ONBOARD_AUTH_TOKEN":        &cfg.AuthToken,
		"ONBOARD_SIMULATOR_URL":     &cfg.SimulatorURL,
		"ONBOARD_SIMULATOR_KEY":     &cfg.SimulatorKey,
		"ONBOARD_PROFITABILITY_URL": &cfg.ProfitabilityURL,
		"ONBOARD_PROFITABILITY_KEY": &cfg.ProfitabilityKey,
		"ONBOARD_CONTRACT_URL":      &cfg.ContractURL,
		"ONBOARD_CONTRACT_KEY":      &cfg.ContractKey,
		"ONBOARD_ESIGN_URL":         &cfg.ESignURL,
		"ONBOARD_ESIGN_KEY":         &cfg.ESignKey,
		"ONBOARD_VISION_URL":        &cfg.VisionURL,
		"ONBOARD_VISION_KEY":        &cfg.VisionKey,
		"ONBOARD_WEBHOOK_URL":       &cfg.WebhookURL,
		"ONBOARD_CLIENT_TIMEOUT":    &cfg.ClientTimeout,
		"ONBOARD_STEP_TIMEOUT":      &cfg.StepTimeout,
		"ONBOARD_RETENTION_CRON":    &cfg.RetentionCron,
		"ONBOARD_BREAKER_COOLDOWN":  &cfg.BreakerCooldown,
	}
	for key, target := range stringVars {
		if v := os.Getenv(key); v != "" {
			*target = v
		}
	}

	if v := os.Getenv("ONBOARD_PROFITABILITY_MINIMUM"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ProfitabilityMinimum = f
		}
	}
	if v := os.Getenv("ONBOARD_PROFITABILITY_TARGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ProfitabilityTarget = f
		}
	}
	if v := os.Getenv("ONBOARD_RETENTION_YEARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionYears = n
		}
	}
	if v := os.Getenv("ONBOARD_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BreakerThreshold = n
		}
	}
	if v := os.Getenv("ONBOARD_BREAKER_HALF_OPEN_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BreakerHalfOpenMax = n
		}
	}

	return cfg
}

// duration parses a config duration string, falling back when unparseable.
func duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
