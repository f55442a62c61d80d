package position_test

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
	"github.com/usdstar/marginvault/pkg/collateral"
	"github.com/usdstar/marginvault/pkg/position"
	"github.com/usdstar/marginvault/pkg/rate"
)

func newBook(t *testing.T, pledged uint64, exposure int64, updated int64) *collateral.Book {
	t.Helper()
	ticker, err := collateral.EncodeTicker("BTC")
	if err != nil {
		t.Fatalf("EncodeTicker: %v", err)
	}
	return &collateral.Book{
		Owner:          "alice",
		DepositSeconds: new(uint256.Int),
		Balances: []collateral.Position{
			{Ticker: ticker, Pledged: pledged, Exposure: exposure, Updated: updated},
		},
	}
}

func newPool(t *testing.T) *rate.Pool {
	t.Helper()
	return rate.NewPool(1200, 0)
}

func TestRepoMissingPositionFailsDepositFirst(t *testing.T) {
	b := &collateral.Book{DepositSeconds: new(uint256.Int)}
	_, err := position.Repo(b, newPool(t), "BTC", 1_000_000, 1_000_000, 100, 1200)
	if !errors.Is(err, position.ErrDepositFirst) {
		t.Fatalf("expected ErrDepositFirst, got %v", err)
	}
}

func TestRepoNoPriceOnOpenExposure(t *testing.T) {
	b := newBook(t, 100_000_000, 100_000_000, 0)
	_, err := position.Repo(b, newPool(t), "BTC", 10_000_000, 0, 100, 1200)
	if !errors.Is(err, position.ErrNoPrice) {
		t.Fatalf("expected ErrNoPrice, got %v", err)
	}
}

func TestRepoOrdinaryLongIssue(t *testing.T) {
	b := newBook(t, 100_000_000, 100_000_000, 0)
	res, err := position.Repo(b, newPool(t), "BTC", 10_000_000, 1_000_000, 100, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Exposure != 110_000_000 {
		t.Errorf("Exposure = %d, want 110000000", b.Balances[0].Exposure)
	}
	if res.DrawnDelta != 10_000_000 {
		t.Errorf("DrawnDelta = %d, want 10000000", res.DrawnDelta)
	}
	if res.TakeProfit != 0 || res.PoolDelta != 0 {
		t.Errorf("unexpected payout fields: %+v", res)
	}
}

func TestRepoOrdinaryLongRedeem(t *testing.T) {
	b := newBook(t, 100_000_000, 100_000_000, 0)
	res, err := position.Repo(b, newPool(t), "BTC", -10_000_000, 1_000_000, 100, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Exposure != 90_000_000 {
		t.Errorf("Exposure = %d, want 90000000", b.Balances[0].Exposure)
	}
	if b.Balances[0].Pledged != 90_000_000 {
		t.Errorf("Pledged = %d, want 90000000", b.Balances[0].Pledged)
	}
	// Redemption value (10e6) sits entirely inside pledged (100e6): no
	// overflow, so this is an ordinary close, not a take-profit event.
	if res.TakeProfit != 0 {
		t.Errorf("TakeProfit = %d, want 0 (value did not exceed pledged)", res.TakeProfit)
	}
	if res.PoolDelta != -10_000_000 {
		t.Errorf("PoolDelta = %d, want -10000000", res.PoolDelta)
	}
	if res.PledgedDecrease != 10_000_000 {
		t.Errorf("PledgedDecrease = %d, want 10000000", res.PledgedDecrease)
	}
}

// TestRepoOrdinaryLongRedeemOverflowsPledged covers the case a prior
// review flagged: a healthy-band redemption whose USD value exceeds the
// position's own pre-call Pledged. Only the overflow may be booked as a
// take-profit; TotalDeposits' decrement (PledgedDecrease) is capped at the
// pre-call Pledged, which is the position getting its own collateral back.
func TestRepoOrdinaryLongRedeemOverflowsPledged(t *testing.T) {
	b := newBook(t, 100_000_000, 100_000_000, 0)
	// V = 100e6 * 1.09 = 109e6, still inside the 110e6 ceiling: redeeming
	// the full exposure gives value=109e6 > pledged=100e6.
	res, err := position.Repo(b, newPool(t), "BTC", -100_000_000, 1_090_000, 100, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Exposure != 0 {
		t.Errorf("Exposure = %d, want 0", b.Balances[0].Exposure)
	}
	if b.Balances[0].Pledged != 0 {
		t.Errorf("Pledged = %d, want 0", b.Balances[0].Pledged)
	}
	if res.PoolDelta != -109_000_000 {
		t.Errorf("PoolDelta = %d, want -109000000 (caller receives the full value)", res.PoolDelta)
	}
	if res.TakeProfit != 9_000_000 {
		t.Errorf("TakeProfit = %d, want 9000000 (the overflow only)", res.TakeProfit)
	}
	if res.PledgedDecrease != 100_000_000 {
		t.Errorf("PledgedDecrease = %d, want 100000000 (Pledged can only shrink by its own pre-call value)", res.PledgedDecrease)
	}
}

func TestRepoLiquidatorOnHealthyPositionRejected(t *testing.T) {
	b := newBook(t, 100_000_000, 100_000_000, 0)
	_, err := position.Repo(b, newPool(t), "BTC", 0, 1_000_000, 100, 1200)
	if !errors.Is(err, position.ErrNotUndercollateralised) {
		t.Fatalf("expected ErrNotUndercollateralised, got %v", err)
	}
}

func TestRepoLiquidatorOnFlatPositionRejected(t *testing.T) {
	b := newBook(t, 50_000_000, 0, 0)
	_, err := position.Repo(b, newPool(t), "BTC", 0, 1_000_000, 100, 1200)
	if !errors.Is(err, position.ErrNotUndercollateralised) {
		t.Fatalf("expected ErrNotUndercollateralised, got %v", err)
	}
}

func TestRepoLongITMExcessSelfFundedRepair(t *testing.T) {
	b := newBook(t, 100_000_000, 100_000_000, 0)
	b.DepositedUSDStar = 30_000_000
	// V = 100e6 * 1.3 = 130e6, ceiling = 110e6: distance = 20e6.
	res, err := position.Repo(b, newPool(t), "BTC", 0, 1_300_000, 100, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Pledged != 120_000_000 {
		t.Errorf("Pledged = %d, want 120000000", b.Balances[0].Pledged)
	}
	wantNeed := uint64(20_000_000 + 20_000_000/250)
	if b.DepositedUSDStar != 30_000_000-wantNeed {
		t.Errorf("DepositedUSDStar = %d, want %d", b.DepositedUSDStar, 30_000_000-wantNeed)
	}
	if res.PoolDelta != int64(wantNeed) || res.DrawnDelta != int64(wantNeed) {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRepoLongITMExcessAmortisedLiquidation(t *testing.T) {
	b := newBook(t, 100_000_000, 100_000_000, 0)
	// no free balance to self-fund; elapsed well under MaxAgeSeconds.
	res, err := position.Repo(b, newPool(t), "BTC", 0, 1_300_000, 150, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Exposure >= 100_000_000 {
		t.Errorf("Exposure = %d, want shrunk below 100000000", b.Balances[0].Exposure)
	}
	if res.PoolDelta >= 0 {
		t.Errorf("PoolDelta = %d, want negative (pool gains)", res.PoolDelta)
	}
	if res.LiquidatorFee == 0 {
		t.Errorf("expected a nonzero liquidator fee")
	}
}

func TestRepoLongBreachTooSoon(t *testing.T) {
	b := newBook(t, 100_000_000, 100_000_000, 0)
	// V well under floor, no free balance, elapsed >= MaxAgeSeconds.
	_, err := position.Repo(b, newPool(t), "BTC", 0, 700_000, position.MaxAgeSeconds, 1200)
	if !errors.Is(err, position.ErrTooSoon) {
		t.Fatalf("expected ErrTooSoon, got %v", err)
	}
}

func TestRepoLongBreachUndercollateralisedForNonLiquidator(t *testing.T) {
	b := newBook(t, 100_000_000, 100_000_000, 0)
	_, err := position.Repo(b, newPool(t), "BTC", 5_000_000, 700_000, 150, 1200)
	if !errors.Is(err, position.ErrUndercollateralised) {
		t.Fatalf("expected ErrUndercollateralised, got %v", err)
	}
}

func TestRepoShortITMExcessRepairBuysBackExposure(t *testing.T) {
	b := newBook(t, 100_000_000, -100_000_000, 0)
	b.DepositedUSDStar = 30_000_000
	// V = 100e6 * 0.7 = 70e6, floor = 90e6: distance = 20e6.
	_, err := position.Repo(b, newPool(t), "BTC", 0, 700_000, 100, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Exposure >= -100_000_000 {
		// exposure moved toward zero (less negative)
	} else {
		t.Errorf("Exposure = %d, want shrunk toward zero from -100000000", b.Balances[0].Exposure)
	}
}

func TestRepoShortOTMBreachRepairTopsUpPledged(t *testing.T) {
	b := newBook(t, 100_000_000, -100_000_000, 0)
	b.DepositedUSDStar = 30_000_000
	// V = 100e6 * 1.3 = 130e6, ceiling = 110e6: distance = 20e6.
	res, err := position.Repo(b, newPool(t), "BTC", 0, 1_300_000, 100, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Pledged != 120_000_000 {
		t.Errorf("Pledged = %d, want 120000000", b.Balances[0].Pledged)
	}
	if res.PoolDelta <= 0 {
		t.Errorf("PoolDelta = %d, want positive (owner self-funded)", res.PoolDelta)
	}
}

func TestRepoOrdinaryShortCover(t *testing.T) {
	b := newBook(t, 100_000_000, -100_000_000, 0)
	res, err := position.Repo(b, newPool(t), "BTC", 10_000_000, 1_000_000, 100, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Exposure != -90_000_000 {
		t.Errorf("Exposure = %d, want -90000000", b.Balances[0].Exposure)
	}
	// Covered value (10e6) sits entirely inside pledged (100e6): no
	// overflow, so this is an ordinary cover, not a take-profit event.
	if res.TakeProfit != 0 {
		t.Errorf("TakeProfit = %d, want 0 (value did not exceed pledged)", res.TakeProfit)
	}
	if res.PledgedDecrease != 10_000_000 {
		t.Errorf("PledgedDecrease = %d, want 10000000", res.PledgedDecrease)
	}
}

// TestRepoOrdinaryShortCoverOverflowsPledged mirrors
// TestRepoOrdinaryLongRedeemOverflowsPledged for the short side.
func TestRepoOrdinaryShortCoverOverflowsPledged(t *testing.T) {
	b := newBook(t, 100_000_000, -100_000_000, 0)
	// V = 100e6 * 1.09 = 109e6, still inside the 110e6 ceiling: covering
	// the full short gives value=109e6 > pledged=100e6.
	res, err := position.Repo(b, newPool(t), "BTC", 100_000_000, 1_090_000, 100, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Exposure != 0 {
		t.Errorf("Exposure = %d, want 0", b.Balances[0].Exposure)
	}
	if b.Balances[0].Pledged != 0 {
		t.Errorf("Pledged = %d, want 0", b.Balances[0].Pledged)
	}
	if res.PoolDelta != -109_000_000 {
		t.Errorf("PoolDelta = %d, want -109000000 (caller receives the full value)", res.PoolDelta)
	}
	if res.TakeProfit != 9_000_000 {
		t.Errorf("TakeProfit = %d, want 9000000 (the overflow only)", res.TakeProfit)
	}
	if res.PledgedDecrease != 100_000_000 {
		t.Errorf("PledgedDecrease = %d, want 100000000", res.PledgedDecrease)
	}
}

// TestRepoOrdinaryLongIssueAutocentersAboveCeiling covers spec.md §4.3's
// Collar autocenter paragraph: an ordinary issuance that pushes V above
// the ceiling is silently nudged back down via exposure alone, with no
// pool-facing delta.
func TestRepoOrdinaryLongIssueAutocentersAboveCeiling(t *testing.T) {
	b := newBook(t, 100_000_000, 90_000_000, 0)
	res, err := position.Repo(b, newPool(t), "BTC", 30_000_000, 1_000_000, 100, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Exposure != 110_000_000 {
		t.Errorf("Exposure = %d, want 110000000 (nudged back to the ceiling)", b.Balances[0].Exposure)
	}
	if b.Balances[0].Pledged != 100_000_000 {
		t.Errorf("Pledged = %d, want unchanged at 100000000", b.Balances[0].Pledged)
	}
	if res.PoolDelta != 0 {
		t.Errorf("PoolDelta = %d, want 0 (autocenter is pure bookkeeping)", res.PoolDelta)
	}
}

func TestRepoOpensFlatLongPosition(t *testing.T) {
	b := newBook(t, 50_000_000, 0, 0)
	res, err := position.Repo(b, newPool(t), "BTC", 10_000_000, 1_000_000, 0, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Exposure != 10_000_000 {
		t.Errorf("Exposure = %d, want 10000000", b.Balances[0].Exposure)
	}
	if res.DrawnDelta != 10_000_000 {
		t.Errorf("DrawnDelta = %d, want 10000000", res.DrawnDelta)
	}
}

func TestRepoOpensFlatShortPosition(t *testing.T) {
	b := newBook(t, 50_000_000, 0, 0)
	res, err := position.Repo(b, newPool(t), "BTC", -10_000_000, 1_000_000, 0, 1200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Exposure != -10_000_000 {
		t.Errorf("Exposure = %d, want -10000000", b.Balances[0].Exposure)
	}
	if res.DrawnDelta != 10_000_000 {
		t.Errorf("DrawnDelta = %d, want 10000000", res.DrawnDelta)
	}
}

func TestRepoInterestAccrualDeductsFromPledged(t *testing.T) {
	b := newBook(t, 100_000_000, 100_000_000, 0)
	before := b.Balances[0].Pledged
	// One day at a high rate exercises the accrual path without pushing
	// the position out of its healthy band.
	_, err := position.Repo(b, newPool(t), "BTC", 1, 1_000_000, 86_400, 5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Balances[0].Pledged >= before {
		t.Errorf("Pledged = %d, want reduced by accrued interest (was %d)", b.Balances[0].Pledged, before)
	}
}
