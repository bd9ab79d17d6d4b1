package risk

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Action is a risk check's verdict on an intent.
type Action int

const (
	Approve Action = iota
	Modify
	Reject
	Defer
)

func (a Action) String() string {
	switch a {
	case Approve:
		return "APPROVE"
	case Modify:
		return "MODIFY"
	case Reject:
		return "REJECT"
	case Defer:
		return "DEFER"
	}
	return "UNKNOWN"
}

// Decision is the outcome of one check, or of the whole gateway run.
// Qty is meaningful only for Modify.
type Decision struct {
	Action        Action
	Qty           int64
	Reason        string
	CooldownUntil time.Time
}

func approve() Decision { return Decision{Action: Approve} }

// Budget is a per-strategy cap set.
type Budget struct {
	MaxPositions         int     `yaml:"max_positions"`
	MaxRiskPct           float64 `yaml:"max_risk_pct"`
	CapitalAllocationPct float64 `yaml:"capital_allocation_pct"`
	EntryLockSec         int     `yaml:"entry_lock_sec"`
}

// Config is the portfolio risk policy, loaded from YAML.
type Config struct {
	DailyLossWarnPct    float64            `yaml:"daily_loss_warn_pct"`
	DailyLossHaltPct    float64            `yaml:"daily_loss_halt_pct"`
	MaxGrossExposurePct float64            `yaml:"max_gross_exposure_pct"`
	MaxNetExposurePct   float64            `yaml:"max_net_exposure_pct"`
	MaxPositionPct      float64            `yaml:"max_position_pct"`
	MaxPositionsCount   int                `yaml:"max_positions_count"`
	MaxSectorPct        float64            `yaml:"max_sector_pct"`
	MaxSectorCount      int                `yaml:"max_sector_count"`
	MaxSpreadBps        float64            `yaml:"max_spread_bps"`
	VICooldownSec       int                `yaml:"vi_cooldown_sec"`
	RegimeCaps          map[string]float64 `yaml:"regime_caps"`
	UnknownSectorPolicy string             `yaml:"unknown_sector_policy"` // allow | block
	Sectors             map[string]string  `yaml:"sectors"`               // symbol -> sector
	Budgets             map[string]Budget  `yaml:"strategy_budgets"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DailyLossWarnPct:    0.02,
		DailyLossHaltPct:    0.03,
		MaxGrossExposurePct: 0.80,
		MaxNetExposurePct:   0.80,
		MaxPositionPct:      0.15,
		MaxPositionsCount:   10,
		MaxSectorPct:        0.30,
		MaxSectorCount:      4,
		MaxSpreadBps:        50,
		VICooldownSec:       600,
		RegimeCaps: map[string]float64{
			"CRISIS": 0.20,
			"WEAK":   0.50,
			"NORMAL": 0.80,
			"STRONG": 1.00,
		},
		UnknownSectorPolicy: "allow",
	}
}

// LoadConfig reads a YAML policy file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read risk policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse risk policy: %w", err)
	}
	return cfg, nil
}

// ValidRegimes enumerates the accepted market regimes.
var ValidRegimes = map[string]bool{
	"CRISIS": true,
	"WEAK":   true,
	"NORMAL": true,
	"STRONG": true,
}
