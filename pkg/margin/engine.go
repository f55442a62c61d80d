// Package margin wires pkg/rate, pkg/collateral and pkg/position into
// spec.md §6's three host-facing verbs — Deposit, Withdraw and Liquidate —
// enforcing spec.md §5's six-step ordering contract (accrue pool
// deposit-seconds, accrue book deposit-seconds, run repo/renege, apply the
// resulting pool mutations, move vault funds, write back) around each call.
package margin

import (
	"context"
	"errors"
	"fmt"

	"cosmossdk.io/log"
	"github.com/holiman/uint256"

	"github.com/usdstar/marginvault/pkg/collateral"
	"github.com/usdstar/marginvault/pkg/oracle"
	"github.com/usdstar/marginvault/pkg/position"
	"github.com/usdstar/marginvault/pkg/rate"
	"github.com/usdstar/marginvault/pkg/vault"
)

// MinDeposit is spec.md §6's minimum deposit: $100 in micro-USD*.
const MinDeposit = uint64(100_000_000)

var (
	// ErrInvalidUser is returned for an empty caller identity.
	ErrInvalidUser = errors.New("margin: invalid user")
	// ErrMinimumDeposit is returned when a deposit is below MinDeposit.
	ErrMinimumDeposit = errors.New("margin: deposit below minimum")
	// ErrUnknownUser is returned when an operation targets a depositor
	// with no open CollateralBook.
	ErrUnknownUser = errors.New("margin: unknown user")
	// ErrInsufficientFunds is returned when a withdrawal's unfilled
	// remainder exceeds the free balance's time-weighted share cap.
	ErrInsufficientFunds = errors.New("margin: insufficient free balance after collateral drain")
)

// Clock supplies the current transaction time, matching pkg/clock.Clock's
// single-method shape so Engine needs no import-cycle-prone dependency on
// pkg/clock itself.
type Clock interface {
	Now() int64
}

// Engine is the host dispatcher spec.md §6 describes: one Pool per vault
// mint, one CollateralBook per depositor, created lazily on first deposit.
type Engine struct {
	Vault  vault.Vault
	Oracle oracle.PriceOracle
	Clock  Clock
	Pool   *rate.Pool
	Books  map[string]*collateral.Book
	Logger log.Logger
}

// NewEngine constructs an Engine around an already-seeded Pool.
func NewEngine(v vault.Vault, o oracle.PriceOracle, c Clock, pool *rate.Pool, logger log.Logger) *Engine {
	return &Engine{
		Vault:  v,
		Oracle: o,
		Clock:  c,
		Pool:   pool,
		Books:  make(map[string]*collateral.Book),
		Logger: logger,
	}
}

func (e *Engine) bookFor(caller string) *collateral.Book {
	b, ok := e.Books[caller]
	if !ok {
		b = collateral.NewBook(caller, e.Clock.Now())
		e.Books[caller] = b
	}
	return b
}

// accruePre runs spec.md §5's steps (1) and (2): fold both the pool's and
// the book's deposit-seconds accumulators up to now before any mutation.
func (e *Engine) accruePre(book *collateral.Book, now int64) {
	e.Pool.AccrueDepositSeconds(now)
	book.AdjustDepositSeconds(0, now)
}

// applyRepoResult runs spec.md §5's step (4) and the vault leg of step
// (5) for any call that went through pkg/position.Repo: pool.Utilisation
// and pool.RecordTakeProfit are applied here, never inside pkg/position.
//
// A positive PoolDelta (self-funded repair) has already been fully moved
// between book.DepositedUSDStar and the position's Pledged by
// pkg/position itself — both sides of that transfer live inside the same
// book, so pool.TotalDeposits (the sum of every book's free and pledged
// USD*) is unchanged and no Vault call is needed. A negative PoolDelta
// (a take-profit redemption or a liquidated residual) is real cash
// leaving custody to caller's wallet, per spec.md §6's Return contract
// ("pool_delta < 0 means the pool must debit — profit payout or
// liquidator credit") — but TotalDeposits is drawn down by
// res.PledgedDecrease, not by |PoolDelta|: the two diverge exactly when a
// redemption's value overflows the position's own pre-call Pledged, and
// only the part that actually left Pledged was ever counted in
// TotalDeposits (the overflow is pool surplus, tracked instead via
// RecordTakeProfit's sum_tp_paid).
func (e *Engine) applyRepoResult(caller string, res position.Result) error {
	e.Pool.Utilisation(res.DrawnDelta)
	if res.TakeProfit > 0 {
		e.Pool.RecordTakeProfit(res.TakeProfit)
	}
	if res.PoolDelta < 0 {
		amt := uint64(-res.PoolDelta)
		if err := e.Vault.Credit(context.Background(), caller, amt); err != nil {
			return err
		}
	}
	if res.PledgedDecrease > 0 {
		if res.PledgedDecrease > e.Pool.TotalDeposits {
			e.Pool.TotalDeposits = 0
		} else {
			e.Pool.TotalDeposits -= res.PledgedDecrease
		}
	}
	if res.LiquidatorFee > 0 {
		if err := e.Vault.Credit(context.Background(), caller, res.LiquidatorFee); err != nil {
			return err
		}
	}
	return nil
}

// Deposit implements spec.md §6's deposit verb.
func (e *Engine) Deposit(caller string, amount uint64, ticker string) error {
	if caller == "" {
		return ErrInvalidUser
	}
	if amount < MinDeposit {
		return fmt.Errorf("%w: %d < %d", ErrMinimumDeposit, amount, MinDeposit)
	}

	now := e.Clock.Now()
	book := e.bookFor(caller)
	e.accruePre(book, now)

	if err := e.Vault.Debit(context.Background(), caller, amount); err != nil {
		return err
	}

	if ticker == "" {
		book.DepositedUSDStar += amount
	} else if _, err := book.Renege(&ticker, int64(amount), nil, now); err != nil {
		return err
	}
	e.Pool.TotalDeposits += amount

	e.Logger.Info("deposit", "caller", caller, "amount", amount, "ticker", ticker)
	return nil
}

// Withdraw implements spec.md §6's withdraw verb. amount's sign encodes
// direction the same way pkg/collateral.Book.Renege and pkg/position.Repo
// do: a negative amount removes, a positive amount adds.
func (e *Engine) Withdraw(caller string, amount int64, ticker string, exposure bool) error {
	if caller == "" {
		return ErrInvalidUser
	}
	book, ok := e.Books[caller]
	if !ok {
		return ErrUnknownUser
	}

	now := e.Clock.Now()
	e.accruePre(book, now)

	if exposure && ticker == "" {
		return e.withdrawAllExposure(caller, book, amount, now)
	}
	if exposure {
		return e.withdrawTickerExposure(caller, book, ticker, amount, now)
	}
	return e.withdrawPledgeOnly(caller, book, ticker, amount, now)
}

// withdrawAllExposure drains pledged collateral from every open position
// (largest pledge first, per collateral.Book.Renege's Case A), then draws
// any unfilled remainder from free USD*, capped by the depositor's
// time-weighted share of the pool.
func (e *Engine) withdrawAllExposure(caller string, book *collateral.Book, amount int64, now int64) error {
	prices, err := e.pricesFor(book)
	if err != nil {
		return err
	}
	remainder, err := book.Renege(nil, amount, prices, now)
	if err != nil {
		return err
	}
	if remainder > 0 {
		cap := e.timeWeightedShareCap(book)
		draw := uint64(remainder)
		if draw > cap {
			draw = cap
		}
		if draw > book.DepositedUSDStar {
			draw = book.DepositedUSDStar
		}
		book.DepositedUSDStar -= draw
		remainder -= int64(draw)
	}
	if remainder > 0 {
		return fmt.Errorf("%w: %d unfilled", ErrInsufficientFunds, remainder)
	}
	paid := uint64(-amount)
	if err := e.Vault.Credit(context.Background(), caller, paid); err != nil {
		return err
	}
	if paid > e.Pool.TotalDeposits {
		e.Pool.TotalDeposits = 0
	} else {
		e.Pool.TotalDeposits -= paid
	}
	e.Logger.Info("withdraw_all_exposure", "caller", caller, "amount", amount)
	return nil
}

// timeWeightedShareCap bounds a free-balance withdrawal by the
// depositor's time-weighted share of the pool's deposit-seconds
// accumulator, per pkg/rate.Pool's deposit_seconds bookkeeping.
func (e *Engine) timeWeightedShareCap(book *collateral.Book) uint64 {
	if e.Pool.TotalDepositSeconds.IsZero() {
		return book.DepositedUSDStar
	}
	num := new(uint256.Int).Mul(book.DepositSeconds, uint256.NewInt(e.Pool.TotalDeposits))
	num.Div(num, e.Pool.TotalDepositSeconds)
	cap := ^uint64(0)
	if num.IsUint64() {
		cap = num.Uint64()
	}
	if cap > book.DepositedUSDStar {
		return book.DepositedUSDStar
	}
	return cap
}

// withdrawTickerExposure delegates to pkg/position.Repo and applies the
// result to the pool, per spec.md §6's "delegates to repo" clause.
func (e *Engine) withdrawTickerExposure(caller string, book *collateral.Book, ticker string, amount int64, now int64) error {
	price, err := e.Oracle.FetchPrice(context.Background(), ticker)
	if err != nil {
		return err
	}
	res, err := position.Repo(book, e.Pool, ticker, amount, price, now, e.Pool.DynRateBps)
	if err != nil {
		return err
	}
	e.Pool.TotalDeposits -= minU64(res.Interest, e.Pool.TotalDeposits)
	if err := e.applyRepoResult(caller, res); err != nil {
		return err
	}
	e.Logger.Info("withdraw_exposure", "caller", caller, "ticker", ticker, "amount", amount, "pool_delta", res.PoolDelta)
	return nil
}

// withdrawPledgeOnly implements spec.md §6's "without exposure, delegates
// to renege" clause. An empty ticker means the free balance itself — the
// mirror of Deposit's ticker == "" branch — since collateral.Book.Renege
// only ever adjusts a position's pledged collateral, never
// book.DepositedUSDStar directly. A nonempty ticker adjusts that one
// position's pledge via Renege's Case B/C, exposure untouched.
func (e *Engine) withdrawPledgeOnly(caller string, book *collateral.Book, ticker string, amount int64, now int64) error {
	if ticker == "" {
		return e.withdrawFreeBalance(caller, book, amount)
	}

	prices, err := e.pricesFor(book)
	if err != nil {
		return err
	}
	remainder, err := book.Renege(&ticker, amount, prices, now)
	if err != nil {
		return err
	}
	if amount < 0 && remainder != 0 {
		return fmt.Errorf("%w: %d unfilled", ErrInsufficientFunds, remainder)
	}
	if amount < 0 {
		if err := e.Vault.Credit(context.Background(), caller, uint64(-amount)); err != nil {
			return err
		}
	}
	e.Logger.Info("withdraw_pledge", "caller", caller, "ticker", ticker, "amount", amount)
	return nil
}

// withdrawFreeBalance moves amount directly against book.DepositedUSDStar:
// amount < 0 pays the caller out of free USD*, amount > 0 pledges more of
// the caller's wallet into it (the mirror of Deposit's ticker == ""
// branch, expressed as a withdraw-shaped call).
func (e *Engine) withdrawFreeBalance(caller string, book *collateral.Book, amount int64) error {
	if amount < 0 {
		draw := uint64(-amount)
		if draw > book.DepositedUSDStar {
			return fmt.Errorf("%w: %d > %d free balance", ErrInsufficientFunds, draw, book.DepositedUSDStar)
		}
		book.DepositedUSDStar -= draw
		if err := e.Vault.Credit(context.Background(), caller, draw); err != nil {
			return err
		}
		if draw > e.Pool.TotalDeposits {
			e.Pool.TotalDeposits = 0
		} else {
			e.Pool.TotalDeposits -= draw
		}
	} else {
		add := uint64(amount)
		if err := e.Vault.Debit(context.Background(), caller, add); err != nil {
			return err
		}
		book.DepositedUSDStar += add
		e.Pool.TotalDeposits += add
	}
	e.Logger.Info("withdraw_free_balance", "caller", caller, "amount", amount)
	return nil
}

// Liquidate implements spec.md §6's liquidate verb: caller is the
// liquidator, owner identifies the CollateralBook under attack. This adds
// an explicit owner parameter the prose interface elides — on Solana the
// target book is a separate account in the instruction's accounts list;
// here it must be named directly (see DESIGN.md).
func (e *Engine) Liquidate(caller, owner, ticker string) error {
	if caller == "" {
		return ErrInvalidUser
	}
	book, ok := e.Books[owner]
	if !ok {
		return ErrUnknownUser
	}

	now := e.Clock.Now()
	e.accruePre(book, now)

	price, err := e.Oracle.FetchPrice(context.Background(), ticker)
	if err != nil {
		return err
	}
	res, err := position.Repo(book, e.Pool, ticker, 0, price, now, e.Pool.DynRateBps)
	if err != nil {
		return err
	}
	e.Pool.TotalDeposits -= minU64(res.Interest, e.Pool.TotalDeposits)
	if err := e.applyRepoResult(caller, res); err != nil {
		return err
	}
	e.Logger.Info("liquidate", "caller", caller, "owner", owner, "ticker", ticker, "delta", res.PoolDelta, "fee", res.LiquidatorFee)
	return nil
}

// pricesFor fetches the current oracle price for every position in book,
// required by collateral.Book.Renege's Case A and by withdrawAllExposure.
func (e *Engine) pricesFor(book *collateral.Book) (map[string]uint64, error) {
	prices := make(map[string]uint64, len(book.Balances))
	for _, pos := range book.Balances {
		ticker := collateral.DecodeTicker(pos.Ticker)
		if pos.IsFlat() {
			continue
		}
		price, err := e.Oracle.FetchPrice(context.Background(), ticker)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", oracle.ErrUnknownSymbol, ticker)
		}
		prices[ticker] = price
	}
	return prices, nil
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
