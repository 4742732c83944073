package config

import (
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/esogbengastephen/sendapp-offramp/internal/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFeeSchedule(t *testing.T) {
	schedule, err := ParseFeeSchedule([]byte(`
tiers:
  - fee: "400"
  - up_to: "5000"
    fee: "40"
  - up_to: "1000"
    fee: "15"
`))
	require.NoError(t, err)
	require.Len(t, schedule.Tiers, 3)

	assert.True(t, decimal.NewFromInt(15).Equal(schedule.FeeFor(decimal.NewFromInt(1000))))
	assert.True(t, decimal.NewFromInt(40).Equal(schedule.FeeFor(decimal.RequireFromString("1000.01"))))
	assert.True(t, decimal.NewFromInt(400).Equal(schedule.FeeFor(decimal.NewFromInt(9_000_000))))
}

func TestParseFeeScheduleRejects(t *testing.T) {
	cases := map[string]string{
		"empty":     "tiers: []",
		"bad bound": "tiers:\n  - up_to: \"-5\"\n    fee: \"1\"",
		"bad fee":   "tiers:\n  - up_to: \"5\"\n    fee: \"abc\"",
		"two open":  "tiers:\n  - fee: \"1\"\n  - fee: \"2\"",
		"not yaml":  "tiers: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFeeSchedule([]byte(raw))
			var cerr *apperrors.ConfigurationError
			assert.ErrorAs(t, err, &cerr)
		})
	}
}

func TestSettlementFeeScheduleFile(t *testing.T) {
	s := Settlement{}
	schedule, err := s.FeeSchedule()
	require.NoError(t, err)
	assert.NotEmpty(t, schedule.Tiers)

	path := filepath.Join(t.TempDir(), "fees.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  - fee: \"75\"\n"), 0o600))
	s.FeeSchedulePath = path
	schedule, err = s.FeeSchedule()
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(75).Equal(schedule.FeeFor(decimal.NewFromInt(10))))
}
