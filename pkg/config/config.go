// Package config loads environment-driven settings. Broker credentials
// come from the environment only; the risk policy lives in a YAML file
// referenced here.
package config

import (
	"errors"
	"os"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the OMS.
type Config struct {
	Port   string
	DBPath string

	// RiskPolicyPath points to the YAML risk policy; empty means
	// built-in defaults.
	RiskPolicyPath string

	// DryRun swaps the KIS client for the in-memory mock broker.
	DryRun bool

	// Korea Investment & Securities credentials.
	KISAppKey    string
	KISAppSecret string
	KISAccount   string // CANO + ACNT_PRDT_CD, e.g. "12345678-01"
	KISBaseURL   string

	// APISecret enables bearer auth on the /admin surface when set.
	APISecret string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "./data/oms.db"),
		RiskPolicyPath: getEnv("RISK_POLICY_PATH", ""),
		DryRun:         getEnv("DRY_RUN", "false") == "true",
		KISAppKey:      os.Getenv("KIS_APP_KEY"),
		KISAppSecret:   os.Getenv("KIS_APP_SECRET"),
		KISAccount:     os.Getenv("KIS_ACCOUNT"),
		KISBaseURL:     getEnv("KIS_BASE_URL", "https://openapi.koreainvestment.com:9443"),
		APISecret:      os.Getenv("OMS_API_SECRET"),
	}

	if !cfg.DryRun {
		if cfg.KISAppKey == "" || cfg.KISAppSecret == "" || cfg.KISAccount == "" {
			return nil, errors.New("KIS_APP_KEY, KIS_APP_SECRET, and KIS_ACCOUNT are required unless DRY_RUN=true")
		}
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
