// Package collateral implements spec.md §4.2's CollateralBook: the
// per-depositor ledger of free USD*, time-weighted deposit-seconds and
// pledged ticker positions, together with the collar-preserving Renege
// operation. It depends only on pkg/fixedpoint; it has no knowledge of
// pkg/rate or pkg/position, matching spec.md §9's design note that
// CollateralBook is pure bookkeeping.
package collateral

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/usdstar/marginvault/pkg/fixedpoint"
)

const (
	// MaxPositions is the bounded list length spec.md §3 assigns to a
	// CollateralBook's balances.
	MaxPositions = 8

	// DustFloor is the minimum pledged balance a position may retain;
	// below this it is purged. 10_000_000 micro-USD* == $10.
	DustFloor = uint64(10_000_000)

	tickerLen = 8
)

var (
	// ErrMaxPositionsReached is returned when opening a new position
	// would exceed MaxPositions.
	ErrMaxPositionsReached = errors.New("collateral: max positions reached")
	// ErrTakeProfit is returned when a renege would reduce collateral on a
	// position in-the-money beyond its collar (long or short), or add
	// collateral to an in-the-money short, which would effectively steal
	// value from the pool rather than the owner's own free balance.
	ErrTakeProfit = errors.New("collateral: position is in-the-money, must take profit instead")
	// ErrPositionNotFound is returned by single-ticker Renege calls when
	// amount < 0 and no position exists for the ticker.
	ErrPositionNotFound = errors.New("collateral: position not found")
	// ErrMissingPrice is returned when Case A (withdraw-all) is invoked
	// without a price for every open position.
	ErrMissingPrice = errors.New("collateral: missing price for an open position")
	// ErrTickerTooLong is returned when a ticker does not fit the fixed
	// 8-byte ASCII encoding.
	ErrTickerTooLong = errors.New("collateral: ticker exceeds 8 bytes")
	// ErrInvalidAmount is returned for a zero amount where a nonzero
	// amount is required.
	ErrInvalidAmount = errors.New("collateral: invalid amount")
)

// EncodeTicker packs a ticker string into spec.md §3's fixed 8-byte,
// null-padded ASCII representation.
func EncodeTicker(ticker string) ([8]byte, error) {
	var out [8]byte
	if len(ticker) > tickerLen {
		return out, fmt.Errorf("%w: %q", ErrTickerTooLong, ticker)
	}
	copy(out[:], ticker)
	return out, nil
}

// DecodeTicker strips the null padding from a fixed 8-byte ticker.
func DecodeTicker(raw [8]byte) string {
	i := 0
	for i < len(raw) && raw[i] != 0 {
		i++
	}
	return string(raw[:i])
}

// Position is spec.md §3's value type: a single pledged synthetic exposure.
type Position struct {
	Ticker   [8]byte
	Pledged  uint64
	Exposure int64
	Updated  int64
}

// IsLong reports whether the position is long (positive exposure).
func (p Position) IsLong() bool { return p.Exposure > 0 }

// IsShort reports whether the position is short (negative exposure).
func (p Position) IsShort() bool { return p.Exposure < 0 }

// IsFlat reports whether the position carries no exposure.
func (p Position) IsFlat() bool { return p.Exposure == 0 }

// Value returns the USD*-scaled notional value of the position at price:
// |exposure| * price / ScaleUSDStar.
func (p Position) Value(price uint64) uint64 {
	return fixedpoint.NotionalValue(p.Exposure, price)
}

// maxDeductible returns the largest amount that may be withdrawn from
// Pledged while keeping the position inside its collar, per spec.md §4.2's
// Case A formulas:
//
//	long:  (pledged + pledged/10) - V
//	short: V - (pledged - pledged/10)
//	flat:  pledged
//
// A negative result means the position is already in-the-money beyond the
// collar: Case B (renegeReduce) rejects with ErrTakeProfit, while Case A
// (renegeAll) skips the position and draws from the next one.
func (p Position) maxDeductible(price uint64) int64 {
	if p.IsFlat() {
		return int64(p.Pledged)
	}
	v := int64(p.Value(price))
	pledged := int64(p.Pledged)
	if p.IsLong() {
		return pledged + pledged/10 - v
	}
	return v - (pledged - pledged/10)
}

// maxAddable returns the largest amount that may be added to Pledged
// without pushing V below the collar floor (pledged_new such that
// V >= 0.9*pledged_new, i.e. pledged_new <= V*10/9). Flat positions
// have no ceiling since they carry no value at risk.
func (p Position) maxAddable(price uint64) int64 {
	if p.IsFlat() {
		return int64(^uint64(0) >> 1) // no ceiling; caller still bounds by wallet/free balance
	}
	v := p.Value(price)
	ceiling := fixedpoint.MulDivSat(v, 10, 9)
	if ceiling <= p.Pledged {
		return 0
	}
	return int64(ceiling - p.Pledged)
}

// Book is spec.md §3's per-depositor aggregate.
type Book struct {
	Owner            string
	DepositedUSDStar uint64
	DepositSeconds   *uint256.Int
	LastUpdated      int64
	Balances         []Position
}

// NewBook creates an empty Book for owner, created lazily on first deposit
// per spec.md §3's lifecycle note.
func NewBook(owner string, now int64) *Book {
	return &Book{
		Owner:          owner,
		DepositSeconds: new(uint256.Int),
		LastUpdated:    now,
	}
}

// find returns the index of ticker's position in Balances, or -1.
func (b *Book) find(ticker [8]byte) int {
	for i := range b.Balances {
		if b.Balances[i].Ticker == ticker {
			return i
		}
	}
	return -1
}

// AdjustDepositSeconds folds accrued deposit-seconds up to now, then
// proportionally shrinks the accumulator by the ratio of the post-reduction
// free balance to the pre-reduction one, preserving the average age of the
// remaining balance (spec.md §4.2/§4.4). reduced is the amount about to
// leave DepositedUSDStar; call this before applying that reduction.
func (b *Book) AdjustDepositSeconds(reduced uint64, now int64) {
	elapsed := now - b.LastUpdated
	if elapsed > 0 {
		delta := new(uint256.Int).Mul(uint256.NewInt(b.DepositedUSDStar), uint256.NewInt(uint64(elapsed)))
		b.DepositSeconds.Add(b.DepositSeconds, delta)
	}
	b.LastUpdated = now

	oldBalance := b.DepositedUSDStar
	if oldBalance == 0 {
		return
	}
	newBalance := uint64(0)
	if reduced < oldBalance {
		newBalance = oldBalance - reduced
	}
	b.DepositSeconds.Mul(b.DepositSeconds, uint256.NewInt(newBalance))
	b.DepositSeconds.Div(b.DepositSeconds, uint256.NewInt(oldBalance))
}

// Renege implements spec.md §4.2's four cases:
//
//	A: ticker == nil, amount < 0, prices for every open position — drain
//	   pledged across all positions, largest pledged first.
//	B: ticker != nil, amount < 0 — reduce one position's pledged.
//	C: ticker != nil, amount > 0, position exists — add pledged.
//	D: ticker != nil, amount > 0, position absent — open a new flat
//	   position.
//
// It returns the unfilled remainder (positive means the caller must still
// cover that much from free USD*) and purges any position whose pledged
// balance falls under DustFloor as a result.
func (b *Book) Renege(ticker *string, amount int64, prices map[string]uint64, now int64) (int64, error) {
	if amount == 0 {
		return 0, fmt.Errorf("%w: amount must be nonzero", ErrInvalidAmount)
	}

	var remainder int64
	var err error

	switch {
	case ticker == nil && amount < 0:
		remainder, err = b.renegeAll(-amount, prices, now)
	case ticker != nil && amount < 0:
		remainder, err = b.renegeReduce(*ticker, -amount, prices, now)
	case ticker != nil && amount > 0:
		remainder, err = b.renegeAdd(*ticker, amount, prices, now)
	default:
		return 0, fmt.Errorf("%w: ticker required when amount > 0", ErrInvalidAmount)
	}
	if err != nil {
		return 0, err
	}

	b.purgeDust()
	return remainder, nil
}

// renegeAll implements Case A.
func (b *Book) renegeAll(want int64, prices map[string]uint64, now int64) (int64, error) {
	order := make([]int, len(b.Balances))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return b.Balances[order[i]].Pledged > b.Balances[order[j]].Pledged
	})

	remaining := want
	for _, idx := range order {
		if remaining <= 0 {
			break
		}
		pos := &b.Balances[idx]
		ticker := DecodeTicker(pos.Ticker)
		price, ok := prices[ticker]
		if !pos.IsFlat() && !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingPrice, ticker)
		}
		maxDed := pos.maxDeductible(price)
		if maxDed <= 0 {
			continue
		}
		take := maxDed
		if take > remaining {
			take = remaining
		}
		if take > int64(pos.Pledged) {
			take = int64(pos.Pledged)
		}
		pos.Pledged -= uint64(take)
		pos.Updated = now
		remaining -= take
	}
	return remaining, nil
}

// renegeReduce implements Case B.
func (b *Book) renegeReduce(ticker string, want int64, prices map[string]uint64, now int64) (int64, error) {
	key, err := EncodeTicker(ticker)
	if err != nil {
		return 0, err
	}
	idx := b.find(key)
	if idx < 0 {
		return 0, fmt.Errorf("%w: %s", ErrPositionNotFound, ticker)
	}
	pos := &b.Balances[idx]

	price := prices[ticker]
	if !pos.IsFlat() && price == 0 {
		return 0, fmt.Errorf("%w: %s", ErrMissingPrice, ticker)
	}

	maxDed := pos.maxDeductible(price)
	if maxDed < 0 {
		return 0, fmt.Errorf("%w: %s", ErrTakeProfit, ticker)
	}
	take := want
	if take > maxDed {
		take = maxDed
	}
	if take > int64(pos.Pledged) {
		take = int64(pos.Pledged)
	}
	if take < 0 {
		take = 0
	}
	pos.Pledged -= uint64(take)
	pos.Updated = now
	return want - take, nil
}

// renegeAdd implements Cases C and D.
func (b *Book) renegeAdd(ticker string, amount int64, prices map[string]uint64, now int64) (int64, error) {
	key, err := EncodeTicker(ticker)
	if err != nil {
		return 0, err
	}
	idx := b.find(key)
	if idx < 0 {
		if len(b.Balances) >= MaxPositions {
			return 0, fmt.Errorf("%w: %s", ErrMaxPositionsReached, ticker)
		}
		b.Balances = append(b.Balances, Position{
			Ticker:  key,
			Pledged: uint64(amount),
			Updated: now,
		})
		return 0, nil
	}

	pos := &b.Balances[idx]
	price := prices[ticker]
	if !pos.IsFlat() && price == 0 {
		return 0, fmt.Errorf("%w: %s", ErrMissingPrice, ticker)
	}
	if pos.IsShort() {
		v := pos.Value(price)
		if v < pos.Pledged-pos.Pledged/10 {
			return 0, fmt.Errorf("%w: %s", ErrTakeProfit, ticker)
		}
	}

	maxAdd := pos.maxAddable(price)
	add := amount
	if add > maxAdd {
		add = maxAdd
	}
	pos.Pledged += uint64(add)
	pos.Updated = now
	return amount - add, nil
}

// purgeDust removes any position whose Pledged balance fell below
// DustFloor, per spec.md §3's invariant that pledged > dust_floor.
func (b *Book) purgeDust() {
	kept := b.Balances[:0]
	for _, pos := range b.Balances {
		if pos.Pledged >= DustFloor {
			kept = append(kept, pos)
		}
	}
	b.Balances = kept
}
