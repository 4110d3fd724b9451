package model

import "math/big"

type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

func (t Tier) String() string {
	return string(t)
}

// Tier thresholds on cumulative deposit, whole-token units, highest first.
var tierThresholds = []struct {
	tier Tier
	min  *big.Int
}{
	{TierPlatinum, big.NewInt(10000)},
	{TierGold, big.NewInt(2000)},
	{TierSilver, big.NewInt(1000)},
}

// TierForCumulativeDeposit maps a cumulative deposit total to a tier.
func TierForCumulativeDeposit(cumulative *big.Int) Tier {
	if cumulative == nil {
		return TierBronze
	}
	for _, th := range tierThresholds {
		if cumulative.Cmp(th.min) >= 0 {
			return th.tier
		}
	}
	return TierBronze
}

// MaxReferralLevels bounds the commission fan-out walk.
const MaxReferralLevels = 3

// commissionRatesBps holds per-tier referral rates in basis points,
// indexed by level-1.
var commissionRatesBps = map[Tier][MaxReferralLevels]int64{
	TierBronze:   {500, 200, 100},
	TierSilver:   {600, 300, 150},
	TierGold:     {800, 400, 200},
	TierPlatinum: {1000, 500, 300},
}

// CommissionRateBps returns the referral rate for a referrer of the given
// tier at the given level (1-based). Unknown tiers fall back to bronze;
// out-of-range levels return 0.
func CommissionRateBps(tier Tier, level int) int64 {
	if level < 1 || level > MaxReferralLevels {
		return 0
	}
	rates, ok := commissionRatesBps[tier]
	if !ok {
		rates = commissionRatesBps[TierBronze]
	}
	return rates[level-1]
}

// CommissionAmount computes amount * rateBps / 10000 in base units,
// truncating toward zero. Returns nil if amount is not a valid integer.
func CommissionAmount(amount string, rateBps int64) *big.Int {
	base, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil
	}
	out := new(big.Int).Mul(base, big.NewInt(rateBps))
	return out.Quo(out, big.NewInt(10000))
}
