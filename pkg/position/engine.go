// Package position implements spec.md §4.3's Repo state machine: the
// per-position lifecycle that accrues continuous-compounding interest,
// classifies a position against its ±10% collar, and resolves a breach
// either by self-funded repair, ordinary exposure issuance/redemption, or
// amortised liquidation. Ordinary issuance also autocenters exposure back
// inside the band when it pushes the position back out, per spec.md
// §4.3's Collar autocenter paragraph.
//
// Repo reads a *rate.Pool but never mutates it — spec.md §9's design note
// keeps PositionEngine and RateController acyclic by having the host
// (pkg/margin) apply the returned Result to the Pool after Repo returns,
// in the explicit step order spec.md §5 lays out.
package position

import (
	"errors"
	"fmt"

	"github.com/usdstar/marginvault/pkg/collateral"
	"github.com/usdstar/marginvault/pkg/fixedpoint"
	"github.com/usdstar/marginvault/pkg/rate"
)

const (
	// MaxAgeSeconds bounds how long a position may sit untouched before an
	// amortised liquidation call is rejected with ErrTooSoon: a slice is
	// only taken while elapsed < MaxAgeSeconds since the position's last
	// touch, and elapsed/MaxAgeSeconds scales its size, per spec.md §4.3.
	MaxAgeSeconds = int64(300)

	// AmortisationDivisor spreads a forced liquidation over roughly 1152
	// MaxAgeSeconds windows (4 days' worth of 300s slices) at util_factor
	// 1; util_factor scales this down as utilization rises.
	AmortisationDivisor = uint64(1152)

	// LiquidatorFeeDivisor is the liquidator's cut of any delta it
	// triggers: 1/250 == 0.4%.
	LiquidatorFeeDivisor = uint64(250)

	// SecondsPerYear anchors the interest-rate bps to a continuously
	// compounding per-second rate.
	SecondsPerYear = uint64(31_536_000)
)

var (
	// ErrDepositFirst is returned when ticker has no existing position in
	// the book; Repo only ever adjusts a position collateral.Book.Renege
	// has already opened.
	ErrDepositFirst = errors.New("position: no existing position for ticker, deposit first")
	// ErrNoPrice is returned when the position carries nonzero exposure
	// (or the caller wants to open one) and the oracle price is zero.
	ErrNoPrice = errors.New("position: exposure present but price is zero")
	// ErrUndercollateralised is returned when a breached position can't be
	// self-funded from the book's free balance and the caller is not a
	// liquidator (amount != 0).
	ErrUndercollateralised = errors.New("position: insufficient free balance to repair, and caller is not a liquidator")
	// ErrTooSoon is returned when a liquidator (amount == 0) calls on a
	// breached position whose last touch is MaxAgeSeconds or more in the
	// past: the amortised slice is only taken while elapsed < MaxAgeSeconds.
	ErrTooSoon = errors.New("position: amortised liquidation requires elapsed < MaxAgeSeconds since last touch")
	// ErrNotUndercollateralised is returned when a liquidator (amount ==
	// 0) calls Repo on a healthy or flat position: there is nothing to
	// liquidate.
	ErrNotUndercollateralised = errors.New("position: liquidator call on a healthy position")
)

// Result reports the pool-level effects of a single Repo call. The host
// applies these to *rate.Pool itself; Repo never calls Pool's mutating
// methods directly.
type Result struct {
	// PoolDelta is the signed USD* flow between the owner's free balance
	// and the pool's depository stake: positive means the owner paid in
	// (a self-funded repair; ordinary issuance leaves it at 0), negative
	// means the pool paid out (redemption, take-profit, or a liquidated
	// slice).
	PoolDelta int64
	// Interest is the accrued cost-of-carry deducted from Pledged this
	// call, owed to the pool as yield.
	Interest uint64
	// DrawnDelta is the signed change to feed into pool.Utilisation.
	DrawnDelta int64
	// TakeProfit is the amount to feed into pool.RecordTakeProfit: per
	// spec.md §4.3, only the overflow beyond a redemption's pre-call
	// Pledged counts as realized profit, so this is 0 whenever a
	// redemption's value was fully covered by the position's own pledged
	// collateral.
	TakeProfit uint64
	// LiquidatorFee is the amount owed to the caller's own wallet when
	// amount == 0 (a liquidator call); zero otherwise.
	LiquidatorFee uint64
	// PledgedDecrease is the amount by which this call structurally
	// shrank pos.Pledged. The host decrements pool.TotalDeposits by this,
	// not by |PoolDelta|: a redemption's Vault credit (PoolDelta) pays
	// the caller the full value including any pool-funded overflow, but
	// only the portion that actually left Pledged was ever counted in
	// TotalDeposits to begin with.
	PledgedDecrease uint64
}

// Repo runs spec.md §4.3's state machine against the position matching
// ticker in book. amount is a signed exposure delta in ticker base units
// (not a USD* amount): positive grows a long or covers a short, negative
// covers a long or grows a short, and zero signals a liquidator call that
// may only act on a breached position.
//
// Repo mutates book's matching Position and, when a repair is
// self-funded, book.DepositedUSDStar. It reads pool only to derive
// util_factor for the amortised-liquidation divisor.
func Repo(book *collateral.Book, pool *rate.Pool, ticker string, amount int64, price uint64, now int64, interestRateBps uint64) (Result, error) {
	key, err := collateral.EncodeTicker(ticker)
	if err != nil {
		return Result{}, err
	}
	idx := -1
	for i := range book.Balances {
		if book.Balances[i].Ticker == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrDepositFirst, ticker)
	}
	pos := &book.Balances[idx]

	if (pos.Exposure != 0 || amount != 0) && price == 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrNoPrice, ticker)
	}

	if pos.IsFlat() && amount == 0 {
		return Result{}, ErrNotUndercollateralised
	}

	elapsed := now - pos.Updated
	if elapsed < 0 {
		elapsed = 0
	}

	interest := accrueInterest(pos, price, interestRateBps, elapsed)
	utilFactor := utilisationFactor(pool)

	var res Result
	if pos.IsLong() || (pos.IsFlat() && amount > 0) {
		res, err = repoLong(book, pos, amount, price, now, elapsed, utilFactor)
	} else {
		res, err = repoShort(book, pos, amount, price, now, elapsed, utilFactor)
	}
	if err != nil {
		return Result{}, err
	}
	res.Interest = interest
	return res, nil
}

// accrueInterest deducts continuous-compounding cost-of-carry from
// pos.Pledged and returns the amount deducted, per spec.md §4.3's
// e^(rate·t) growth-in-units model. Saturates at Pledged rather than
// going negative, and clamps the Taylor input to ExpQ16's accurate
// domain — neither constraint is load-bearing in ordinary operation
// (MaxAgeSeconds-scale gaps between touches keep x well under 0.5), but
// both guard a position that sat untouched for an unusually long time.
func accrueInterest(pos *collateral.Position, price, interestRateBps uint64, elapsed int64) uint64 {
	if pos.Exposure == 0 || elapsed <= 0 {
		return 0
	}
	mag := absExposure(pos.Exposure)

	kQ16 := fixedpoint.MulDivSat(interestRateBps, fixedpoint.Q16One, 10_000)
	xQ16 := fixedpoint.MulDivSat(kQ16, uint64(elapsed), SecondsPerYear)
	if xQ16 > fixedpoint.Q16One/2 {
		xQ16 = fixedpoint.Q16One / 2
	}

	growth := fixedpoint.ExpQ16(xQ16) - fixedpoint.Q16One
	growthUnits := fixedpoint.MulDivSat(mag, growth, fixedpoint.Q16One)
	accrued := fixedpoint.MulDivSat(growthUnits, price, fixedpoint.ScaleUSDStar)
	if accrued > pos.Pledged {
		accrued = pos.Pledged
	}
	pos.Pledged -= accrued
	return accrued
}

// utilisationFactor scales the amortised-liquidation divisor: 1 at low
// utilization, rising to 10 at 90%+ utilization, so a single call takes at
// most util_factor/AmortisationDivisor of exposure (about 0.09% up to
// 0.87%), per spec.md §4.3.
func utilisationFactor(pool *rate.Pool) uint64 {
	pct := pool.UtilisationPercent()
	if pct > 90 {
		pct = 90
	}
	return 1 + pct/10
}

func absExposure(e int64) uint64 {
	if e < 0 {
		return uint64(-e)
	}
	return uint64(e)
}

// repoLong handles a long or flat-opening-long position. The collar is
// [0.9·pledged, 1.1·pledged] measured against V = exposure·price:
//
//	V > ceiling (L-ITM-excess): repair tops up Pledged from free USD*, so
//	  the collateral catches up to the unrealized gain; failing that, an
//	  amortised liquidation shrinks exposure toward zero.
//	V < floor (L-OTM-breach): repair buys more exposure with free USD*, so
//	  V catches back up to Pledged; failing that, the same amortised
//	  liquidation applies.
//	otherwise: ordinary issuance or redemption, autocentering exposure
//	  back inside the band when an issuance pushes it back out.
func repoLong(book *collateral.Book, pos *collateral.Position, amount int64, price uint64, now, elapsed int64, utilFactor uint64) (Result, error) {
	if pos.IsFlat() {
		// A freshly pledged position carries V=0, which sits below any
		// nonzero floor — without this the first issuance on a brand-new
		// position would misclassify as an OTM breach instead of an
		// ordinary open.
		return ordinaryLong(pos, amount, price, now), nil
	}
	v := pos.Value(price)
	ceiling := fixedpoint.MulDivSat(pos.Pledged, 11, 10)
	floor := fixedpoint.MulDivSat(pos.Pledged, 9, 10)

	switch {
	case v > ceiling:
		distance := v - ceiling
		need, fee := withFee(distance)
		if book.DepositedUSDStar >= need {
			book.DepositedUSDStar -= need
			pos.Pledged += distance
			pos.Updated = now
			_ = fee
			return Result{PoolDelta: int64(need), DrawnDelta: int64(need)}, nil
		}
		if amount != 0 {
			return Result{}, ErrUndercollateralised
		}
		return liquidateExposure(pos, price, now, elapsed, utilFactor, true)

	case v < floor:
		distance := floor - v
		need, _ := withFee(distance)
		if book.DepositedUSDStar >= need {
			book.DepositedUSDStar -= need
			units := fixedpoint.MulDivSat(distance, fixedpoint.ScaleUSDStar, price)
			pos.Exposure += int64(units)
			pos.Updated = now
			return Result{PoolDelta: int64(need), DrawnDelta: int64(need)}, nil
		}
		if amount != 0 {
			return Result{}, ErrUndercollateralised
		}
		return liquidateExposure(pos, price, now, elapsed, utilFactor, true)

	default:
		if amount == 0 {
			return Result{}, ErrNotUndercollateralised
		}
		res := ordinaryLong(pos, amount, price, now)
		if amount > 0 {
			autocenterLong(pos, price)
		}
		return res, nil
	}
}

// repoShort is repoLong's mirror: V < floor is the profiting (ITM-excess)
// side — repair buys back exposure to realize part of the gain — and
// V > ceiling is the losing (OTM-breach) side — repair tops up Pledged.
func repoShort(book *collateral.Book, pos *collateral.Position, amount int64, price uint64, now, elapsed int64, utilFactor uint64) (Result, error) {
	if pos.IsFlat() {
		return ordinaryShort(pos, amount, price, now), nil
	}
	v := pos.Value(price)
	ceiling := fixedpoint.MulDivSat(pos.Pledged, 11, 10)
	floor := fixedpoint.MulDivSat(pos.Pledged, 9, 10)

	switch {
	case v < floor:
		distance := floor - v
		need, _ := withFee(distance)
		if book.DepositedUSDStar >= need {
			book.DepositedUSDStar -= need
			units := fixedpoint.MulDivSat(distance, fixedpoint.ScaleUSDStar, price)
			pos.Exposure += int64(units)
			pos.Updated = now
			return Result{PoolDelta: int64(need), DrawnDelta: int64(need)}, nil
		}
		if amount != 0 {
			return Result{}, ErrUndercollateralised
		}
		return liquidateExposure(pos, price, now, elapsed, utilFactor, false)

	case v > ceiling:
		distance := v - ceiling
		need, _ := withFee(distance)
		if book.DepositedUSDStar >= need {
			book.DepositedUSDStar -= need
			pos.Pledged += distance
			pos.Updated = now
			return Result{PoolDelta: int64(need), DrawnDelta: int64(need)}, nil
		}
		if amount != 0 {
			return Result{}, ErrUndercollateralised
		}
		return liquidateExposure(pos, price, now, elapsed, utilFactor, false)

	default:
		if amount == 0 {
			return Result{}, ErrNotUndercollateralised
		}
		res := ordinaryShort(pos, amount, price, now)
		if amount < 0 {
			autocenterShort(pos, price)
		}
		return res, nil
	}
}

// autocenterLong silently nudges exposure after an ordinary long issuance,
// per spec.md §4.3's Collar autocenter paragraph: if the new exposure
// leaves V comfortably below the floor, exposure grows to meet it; if it
// leaves V above the ceiling, exposure shrinks back to meet it. Pure
// bookkeeping — no cash moves and no pool-facing delta, unlike the
// repair branches in repoLong.
func autocenterLong(pos *collateral.Position, price uint64) {
	if pos.Pledged == 0 || price == 0 {
		return
	}
	v := pos.Value(price)
	ceiling := fixedpoint.MulDivSat(pos.Pledged, 11, 10)
	floor := fixedpoint.MulDivSat(pos.Pledged, 9, 10)
	switch {
	case v > ceiling:
		units := fixedpoint.MulDivSat(v-ceiling, fixedpoint.ScaleUSDStar, price)
		pos.Exposure -= int64(units)
	case v < floor:
		units := fixedpoint.MulDivSat(floor-v, fixedpoint.ScaleUSDStar, price)
		pos.Exposure += int64(units)
	}
}

// autocenterShort mirrors autocenterLong for a short's own issuance
// direction (amount < 0): growing |exposure| shrinks it back toward the
// ceiling, shrinking it grows it back toward the floor.
func autocenterShort(pos *collateral.Position, price uint64) {
	if pos.Pledged == 0 || price == 0 {
		return
	}
	v := pos.Value(price)
	ceiling := fixedpoint.MulDivSat(pos.Pledged, 11, 10)
	floor := fixedpoint.MulDivSat(pos.Pledged, 9, 10)
	switch {
	case v > ceiling:
		units := fixedpoint.MulDivSat(v-ceiling, fixedpoint.ScaleUSDStar, price)
		pos.Exposure += int64(units)
	case v < floor:
		units := fixedpoint.MulDivSat(floor-v, fixedpoint.ScaleUSDStar, price)
		pos.Exposure -= int64(units)
	}
}

// withFee adds LiquidatorFeeDivisor's cut on top of distance, returning
// the total the book's free balance must cover and the fee component.
func withFee(distance uint64) (need, fee uint64) {
	fee = distance / LiquidatorFeeDivisor
	return distance + fee, fee
}

// liquidateExposure is the amortised forced-reduction shared by both
// breach directions and both long/short: it shrinks |exposure| toward
// zero by a fraction of the position capped at elapsed/MaxAgeSeconds and
// scaled down by utilFactor, paying LiquidatorFeeDivisor's cut of the
// USD value freed to the caller and crediting the remainder back to the
// pool. long selects which sign to apply the shrink against.
func liquidateExposure(pos *collateral.Position, price uint64, now, elapsed int64, utilFactor uint64, long bool) (Result, error) {
	if elapsed >= MaxAgeSeconds {
		return Result{}, ErrTooSoon
	}
	mag := absExposure(pos.Exposure)
	deltaUnits := fixedpoint.MulMulDivSat(mag, uint64(elapsed), utilFactor, uint64(MaxAgeSeconds)*AmortisationDivisor)
	if deltaUnits > mag {
		deltaUnits = mag
	}
	deltaUSD := fixedpoint.MulDivSat(deltaUnits, price, fixedpoint.ScaleUSDStar)
	if deltaUSD > pos.Pledged {
		deltaUSD = pos.Pledged
	}

	if long {
		pos.Exposure -= int64(deltaUnits)
	} else {
		pos.Exposure += int64(deltaUnits)
	}
	pos.Pledged -= deltaUSD
	pos.Updated = now

	fee := deltaUSD / LiquidatorFeeDivisor
	net := deltaUSD - fee
	return Result{PoolDelta: -int64(net), DrawnDelta: -int64(deltaUSD), LiquidatorFee: fee, PledgedDecrease: deltaUSD}, nil
}

// ordinaryLong applies a healthy-band exposure change: amount < 0 redeems,
// paying the full redemption value out of the position's own Pledged
// first; only the overflow beyond pre-call Pledged is funded by the pool
// and booked as a take-profit. amount > 0 issues more exposure funded by
// the position's own headroom.
func ordinaryLong(pos *collateral.Position, amount int64, price uint64, now int64) Result {
	if amount < 0 {
		redeemed := -amount
		newExposure := pos.Exposure + amount
		if newExposure < 0 {
			redeemed += newExposure
			newExposure = 0
		}
		value := fixedpoint.MulDivSat(uint64(redeemed), price, fixedpoint.ScaleUSDStar)
		pledgedBefore := pos.Pledged
		var takeProfit, pledgedDecrease uint64
		if value > pledgedBefore {
			takeProfit = value - pledgedBefore
			pledgedDecrease = pledgedBefore
			pos.Pledged = 0
		} else {
			pledgedDecrease = value
			pos.Pledged -= value
		}
		pos.Exposure = newExposure
		pos.Updated = now
		return Result{PoolDelta: -int64(value), DrawnDelta: -int64(value), TakeProfit: takeProfit, PledgedDecrease: pledgedDecrease}
	}

	pos.Exposure += amount
	pos.Updated = now
	issued := fixedpoint.MulDivSat(uint64(amount), price, fixedpoint.ScaleUSDStar)
	return Result{DrawnDelta: int64(issued)}
}

// ordinaryShort mirrors ordinaryLong: amount > 0 covers (redeems) part of
// the short, amount < 0 issues more short exposure.
func ordinaryShort(pos *collateral.Position, amount int64, price uint64, now int64) Result {
	if amount > 0 {
		covered := amount
		newExposure := pos.Exposure + amount
		if newExposure > 0 {
			covered -= newExposure
			newExposure = 0
		}
		value := fixedpoint.MulDivSat(uint64(covered), price, fixedpoint.ScaleUSDStar)
		pledgedBefore := pos.Pledged
		var takeProfit, pledgedDecrease uint64
		if value > pledgedBefore {
			takeProfit = value - pledgedBefore
			pledgedDecrease = pledgedBefore
			pos.Pledged = 0
		} else {
			pledgedDecrease = value
			pos.Pledged -= value
		}
		pos.Exposure = newExposure
		pos.Updated = now
		return Result{PoolDelta: -int64(value), DrawnDelta: -int64(value), TakeProfit: takeProfit, PledgedDecrease: pledgedDecrease}
	}

	pos.Exposure += amount
	pos.Updated = now
	issued := fixedpoint.MulDivSat(uint64(-amount), price, fixedpoint.ScaleUSDStar)
	return Result{DrawnDelta: int64(issued)}
}
