// Package rate implements spec.md §4.1's RateController and the pool-level
// aggregates it owns. It is pure arithmetic: no I/O, no dependency on
// pkg/collateral or pkg/position (pkg/position reads a *Pool but never
// mutates it directly, per spec.md §9's design note on avoiding a cycle
// between the position engine and the rate controller).
package rate

import (
	"github.com/holiman/uint256"
	"github.com/usdstar/marginvault/pkg/fixedpoint"
)

// Rate bounds and curve shape, spec.md §3/§4.1.
const (
	MinRateBps = uint64(50)
	MaxRateBps = uint64(5000)

	// Kinked utilization curve: 0->80% maps linearly to 0->1000bps,
	// 80->100% maps linearly to 1000->5000bps.
	KinkUtilPct      = uint64(80)
	BaseRateAtKink   = uint64(1000)
	BaseRateAtMaxUtil = uint64(5000)

	// Payout-velocity premium breakpoints, in percent of total_deposits.
	PayoutPremiumFreePct = uint64(10)
	PayoutPremiumKinkPct = uint64(20)
	// bps added per percentage point in [10,20) and [20,100] respectively.
	PayoutModerateSlopeBps = uint64(20)
	PayoutSteepSlopeBps    = uint64(80)
	PayoutPremiumCapBps    = uint64(1000)

	VolatilityPremiumCapBps = uint64(200)

	// Hysteresis band for the high_vol_flag, in percentage points of
	// deviation between the current and EMA utilization ratios.
	HighVolEnterPct = uint64(10)
	HighVolExitPct  = uint64(2)

	// Self-damping thresholds, applied to the rate before this reprice.
	DampHighThresholdBps = uint64(2000)
	DampLowThresholdBps  = uint64(500)
)

// Pool is the process-wide aggregate of spec.md §3. Fields are exported
// because a Pool is a persisted record (spec.md §6's "Persisted state
// layout"), not an encapsulated object — callers read it directly to
// decide what to persist and to feed pkg/position's util_factor input.
type Pool struct {
	TotalDeposits       uint64
	TotalDepositSeconds *uint256.Int
	TotalDrawn          uint64
	SumTPPaid           *uint256.Int
	MAUtil              uint64 // Q32
	MAPayout            uint64 // Q32
	DynRateBps          uint64
	LastRateChange      int64
	HighVolFlag         bool
	LastUpdated         int64
}

// NewPool creates a Pool seeded at seedRateBps. Per spec.md §8's S1, the
// seed rate persists until the first operation that actually calls
// Reprice (a plain free-USD* deposit never does).
func NewPool(seedRateBps uint64, now int64) *Pool {
	return &Pool{
		TotalDepositSeconds: new(uint256.Int),
		SumTPPaid:           new(uint256.Int),
		DynRateBps:          clampRate(seedRateBps),
		LastUpdated:         now,
	}
}

func clampRate(r uint64) uint64 {
	if r < MinRateBps {
		return MinRateBps
	}
	if r > MaxRateBps {
		return MaxRateBps
	}
	return r
}

// AccrueDepositSeconds folds total_deposits·(now-LastUpdated) into
// TotalDepositSeconds and advances LastUpdated to now, per spec.md §4.4's
// `acc += balance · (now − last_updated)` idiom. Must run before any
// mutation to TotalDeposits, per spec.md §5's ordering contract.
func (p *Pool) AccrueDepositSeconds(now int64) {
	elapsed := now - p.LastUpdated
	if elapsed > 0 {
		delta := new(uint256.Int).Mul(uint256.NewInt(p.TotalDeposits), uint256.NewInt(uint64(elapsed)))
		p.TotalDepositSeconds.Add(p.TotalDepositSeconds, delta)
	}
	p.LastUpdated = now
}

// Utilisation adjusts TotalDrawn by a signed delta, saturating at zero on
// underflow, then reprices.
func (p *Pool) Utilisation(deltaDrawn int64) {
	if deltaDrawn < 0 {
		mag := uint64(-deltaDrawn)
		if mag > p.TotalDrawn {
			p.TotalDrawn = 0
		} else {
			p.TotalDrawn -= mag
		}
	} else {
		p.TotalDrawn += uint64(deltaDrawn)
	}
	p.Reprice()
}

// RecordTakeProfit adds amount to the cumulative take-profit payout
// counter, then reprices.
func (p *Pool) RecordTakeProfit(amount uint64) {
	p.SumTPPaid.Add(p.SumTPPaid, uint256.NewInt(amount))
	p.Reprice()
}

// utilisationQ32 returns total_drawn/total_deposits as a Q32 ratio,
// saturating at 1<<32 when total_drawn >= total_deposits (Open Question 1
// in DESIGN.md: a structurally over-drawn pool sits at the curve's top
// rather than overflowing or wrapping).
func (p *Pool) utilisationQ32() uint64 {
	if p.TotalDeposits == 0 {
		if p.TotalDrawn == 0 {
			return 0
		}
		return fixedpoint.Q32One
	}
	return fixedpoint.Q32Ratio(p.TotalDrawn, p.TotalDeposits)
}

// payoutQ32 returns sum_tp_paid/(total_deposits+1) as a Q32 ratio.
func (p *Pool) payoutQ32() uint64 {
	den := new(uint256.Int).AddUint64(uint256.NewInt(p.TotalDeposits), 1)
	num := p.SumTPPaid
	if !den.IsUint64() {
		return fixedpoint.Q32One
	}
	if num.Gt(den) {
		return fixedpoint.Q32One
	}
	var numU64 uint64
	if num.IsUint64() {
		numU64 = num.Uint64()
	} else {
		numU64 = ^uint64(0)
	}
	return fixedpoint.Q32Ratio(numU64, den.Uint64())
}

// q32ToPct converts a Q32 ratio to an integer percentage [0,100].
func q32ToPct(q32 uint64) uint64 {
	return fixedpoint.MulDivSat(q32, 100, fixedpoint.Q32One)
}

func absDiffPct(a, b uint64) uint64 {
	pa, pb := q32ToPct(a), q32ToPct(b)
	if pa > pb {
		return pa - pb
	}
	return pb - pa
}

// UtilisationPercent returns the current utilization ratio as an integer
// percentage in [0,100]; pkg/position reads this to derive util_factor.
func (p *Pool) UtilisationPercent() uint64 {
	return q32ToPct(p.utilisationQ32())
}

// Reprice recomputes the EMAs and dyn_rate_bps from the pool's current
// aggregates, applying spec.md §4.1's kinked utilization curve, payout and
// volatility premiums, self-damping and velocity damping.
func (p *Pool) Reprice() {
	u := p.utilisationQ32()
	pay := p.payoutQ32()

	swing := absDiffPct(u, p.MAUtil)
	if swing > 10 {
		p.HighVolFlag = true
	} else if swing < 2 {
		p.HighVolFlag = false
	}

	utilAlpha, payAlpha := uint64(3), uint64(5)
	if p.HighVolFlag {
		utilAlpha, payAlpha = 2, 4
	}
	p.MAUtil = fixedpoint.EMAStep(u, p.MAUtil, utilAlpha)
	p.MAPayout = fixedpoint.EMAStep(pay, p.MAPayout, payAlpha)

	utilPct := q32ToPct(u)
	payoutPct := q32ToPct(pay)

	raw := baseRateFromUtilisation(utilPct)
	raw += payoutPremium(payoutPct)
	raw += volatilityPremium(u, p.MAUtil, pay, p.MAPayout)
	raw = applySelfDamping(raw, p.DynRateBps)
	raw = clampRate(raw)

	delta := int64(raw) - int64(p.DynRateBps)
	applied := delta
	if delta != 0 && p.LastRateChange != 0 {
		sameSign := (delta > 0) == (p.LastRateChange > 0)
		if !sameSign {
			applied = delta / 2
		}
	}

	newRate := int64(p.DynRateBps) + applied
	p.DynRateBps = clampRate(uint64(clampInt64(newRate, int64(MinRateBps), int64(MaxRateBps))))
	p.LastRateChange = delta
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// baseRateFromUtilisation implements the kinked 0->80->100% curve.
func baseRateFromUtilisation(utilPct uint64) uint64 {
	if utilPct <= KinkUtilPct {
		return fixedpoint.MulDivSat(BaseRateAtKink, utilPct, KinkUtilPct)
	}
	span := uint64(100) - KinkUtilPct
	over := utilPct - KinkUtilPct
	if over > span {
		over = span
	}
	return BaseRateAtKink + fixedpoint.MulDivSat(BaseRateAtMaxUtil-BaseRateAtKink, over, span)
}

// payoutPremium implements the flat/moderate/steep payout-velocity
// premium, capped at PayoutPremiumCapBps.
func payoutPremium(payoutPct uint64) uint64 {
	if payoutPct < PayoutPremiumFreePct {
		return 0
	}
	if payoutPct < PayoutPremiumKinkPct {
		premium := (payoutPct - PayoutPremiumFreePct) * PayoutModerateSlopeBps
		return minU64(premium, PayoutPremiumCapBps)
	}
	atKink := (PayoutPremiumKinkPct - PayoutPremiumFreePct) * PayoutModerateSlopeBps
	premium := atKink + (payoutPct-PayoutPremiumKinkPct)*PayoutSteepSlopeBps
	return minU64(premium, PayoutPremiumCapBps)
}

// volatilityPremium is half the sum of the current-vs-EMA deviations in
// utilization and payout ratios, capped at VolatilityPremiumCapBps.
func volatilityPremium(u, maU, pay, maPay uint64) uint64 {
	devU := absDiffPct(u, maU)
	devP := absDiffPct(pay, maPay)
	premium := (devU + devP) / 2
	return minU64(premium, VolatilityPremiumCapBps)
}

// applySelfDamping scales raw by 0.9 when currentRate > 2000bps, by 1.1
// when currentRate < 500bps, and leaves it unchanged otherwise.
func applySelfDamping(raw, currentRate uint64) uint64 {
	switch {
	case currentRate > DampHighThresholdBps:
		return fixedpoint.MulDivSat(raw, 9, 10)
	case currentRate < DampLowThresholdBps:
		return fixedpoint.MulDivSat(raw, 11, 10)
	default:
		return raw
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
