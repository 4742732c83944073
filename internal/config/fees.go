package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/esogbengastephen/sendapp-offramp/internal/domain/models"
	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type feeFile struct {
	Tiers []struct {
		UpTo string `yaml:"up_to"`
		Fee  string `yaml:"fee"`
	} `yaml:"tiers"`
}

// FeeSchedule loads the schedule file, or the built-in tiers when no path is configured.
func (s Settlement) FeeSchedule() (models.FeeSchedule, error) {
	if strings.TrimSpace(s.FeeSchedulePath) == "" {
		return models.DefaultFeeSchedule(), nil
	}
	raw, err := os.ReadFile(s.FeeSchedulePath)
	if err != nil {
		return models.FeeSchedule{}, apperrors.NewConfigurationError(fmt.Sprintf("SETTLEMENT_FEE_SCHEDULE: %v", err))
	}
	return ParseFeeSchedule(raw)
}

// ParseFeeSchedule reads tiers of the form
//
//	tiers:
//	  - up_to: "1000"
//	    fee: "20"
//	  - fee: "500"   # open top tier
func ParseFeeSchedule(raw []byte) (models.FeeSchedule, error) {
	var file feeFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return models.FeeSchedule{}, apperrors.NewConfigurationError(fmt.Sprintf("fee schedule: %v", err))
	}
	if len(file.Tiers) == 0 {
		return models.FeeSchedule{}, apperrors.NewConfigurationError("fee schedule: no tiers")
	}

	tiers := make([]models.FeeTier, 0, len(file.Tiers))
	open := 0
	for i, t := range file.Tiers {
		upTo := decimal.Zero
		if strings.TrimSpace(t.UpTo) != "" {
			v, err := decimal.NewFromString(strings.TrimSpace(t.UpTo))
			if err != nil || !v.IsPositive() {
				return models.FeeSchedule{}, apperrors.NewConfigurationError(fmt.Sprintf("fee schedule: tier %d: up_to must be positive", i))
			}
			upTo = v
		} else {
			open++
		}
		fee, err := decimal.NewFromString(strings.TrimSpace(t.Fee))
		if err != nil || fee.IsNegative() {
			return models.FeeSchedule{}, apperrors.NewConfigurationError(fmt.Sprintf("fee schedule: tier %d: fee must be a non-negative decimal", i))
		}
		tiers = append(tiers, models.FeeTier{UpTo: upTo, Fee: fee})
	}
	if open > 1 {
		return models.FeeSchedule{}, apperrors.NewConfigurationError("fee schedule: more than one open tier")
	}
	return models.NewFeeSchedule(tiers), nil
}
