package models

import (
	"sort"

	"github.com/shopspring/decimal"
)

// FeeTier charges Fee for fiat amounts up to and including UpTo. A zero UpTo is the open top tier.
type FeeTier struct {
	UpTo decimal.Decimal
	Fee  decimal.Decimal
}

// FeeSchedule is an ordered set of flat fee tiers in fiat.
type FeeSchedule struct {
	Tiers []FeeTier
}

// DefaultFeeSchedule is used when no schedule file is configured.
func DefaultFeeSchedule() FeeSchedule {
	return NewFeeSchedule([]FeeTier{
		{UpTo: decimal.NewFromInt(1000), Fee: decimal.NewFromInt(20)},
		{UpTo: decimal.NewFromInt(5000), Fee: decimal.NewFromInt(50)},
		{UpTo: decimal.NewFromInt(50000), Fee: decimal.NewFromInt(100)},
		{UpTo: decimal.NewFromInt(500000), Fee: decimal.NewFromInt(250)},
		{UpTo: decimal.Zero, Fee: decimal.NewFromInt(500)},
	})
}

// NewFeeSchedule sorts bounded tiers ascending and keeps at most one open tier last.
func NewFeeSchedule(tiers []FeeTier) FeeSchedule {
	bounded := make([]FeeTier, 0, len(tiers))
	var open *FeeTier
	for i := range tiers {
		if tiers[i].UpTo.IsZero() {
			t := tiers[i]
			open = &t
			continue
		}
		bounded = append(bounded, tiers[i])
	}
	sort.Slice(bounded, func(i, j int) bool { return bounded[i].UpTo.LessThan(bounded[j].UpTo) })
	if open != nil {
		bounded = append(bounded, *open)
	}
	return FeeSchedule{Tiers: bounded}
}

// FeeFor returns the flat fee for a fiat amount. Amounts above the last bounded tier
// with no open tier pay the last tier's fee.
func (s FeeSchedule) FeeFor(amount decimal.Decimal) decimal.Decimal {
	if len(s.Tiers) == 0 {
		return decimal.Zero
	}
	for _, tier := range s.Tiers {
		if tier.UpTo.IsZero() || amount.LessThanOrEqual(tier.UpTo) {
			return tier.Fee
		}
	}
	return s.Tiers[len(s.Tiers)-1].Fee
}
