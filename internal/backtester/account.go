package backtester

import (
	"time"

	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
)

// Account is the simulated futures account: cash plus at most one open
// position per run, long or short. PnL accounting is margin-free: opening
// a position costs only commission, equity marks the open position to the
// last seen price. Owned by one engine run; not safe for concurrent use.
type Account struct {
	cash        decimal.Decimal
	initialCash decimal.Decimal
	leverage    decimal.Decimal
	position    types.Position
	lastPrice   decimal.Decimal
	peakEquity  decimal.Decimal
}

// NewAccount creates an account trading a single symbol with the given
// starting cash. Leverage zero or one means unlevered.
func NewAccount(symbol string, initialCash, leverage decimal.Decimal) *Account {
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	return &Account{
		cash:        initialCash,
		initialCash: initialCash,
		leverage:    leverage,
		position:    types.Position{Symbol: symbol, Side: types.PositionSideFlat},
		peakEquity:  initialCash,
	}
}

// Cash returns free cash.
func (a *Account) Cash() decimal.Decimal { return a.cash }

// Leverage returns the configured leverage multiple.
func (a *Account) Leverage() decimal.Decimal { return a.leverage }

// BuyingPower returns the maximum notional the account may hold open:
// equity times leverage.
func (a *Account) BuyingPower() decimal.Decimal {
	return a.Equity().Mul(a.leverage)
}

// Position returns a copy of the open position. Side is flat when nothing
// is open.
func (a *Account) Position() types.Position { return a.position }

// Equity returns cash plus unrealized PnL at the last marked price.
func (a *Account) Equity() decimal.Decimal {
	return a.cash.Add(a.unrealized(a.lastPrice))
}

// Drawdown returns the fractional drop from peak equity, zero at a new peak.
func (a *Account) Drawdown() decimal.Decimal {
	if !a.peakEquity.IsPositive() {
		return decimal.Zero
	}
	eq := a.Equity()
	if eq.GreaterThanOrEqual(a.peakEquity) {
		return decimal.Zero
	}
	return a.peakEquity.Sub(eq).Div(a.peakEquity)
}

// MarkToMarket revalues the open position at price and updates the peak.
func (a *Account) MarkToMarket(price decimal.Decimal) {
	a.lastPrice = price
	if a.position.Side != types.PositionSideFlat {
		a.position.CurrentPrice = price
		a.position.UnrealizedPnL = a.unrealized(price)
	}
	eq := a.Equity()
	if eq.GreaterThan(a.peakEquity) {
		a.peakEquity = eq
	}
}

// ApplyFill mutates the account for one executed fill and returns the
// realized PnL (zero for opens and adds). A fill against an opposite
// position reduces it first; any excess quantity flips the position.
func (a *Account) ApplyFill(side types.OrderSide, quantity, price, commission decimal.Decimal, at time.Time) decimal.Decimal {
	a.cash = a.cash.Sub(commission)
	a.lastPrice = price

	dir := types.PositionSideLong
	if side == types.OrderSideSell {
		dir = types.PositionSideShort
	}

	pos := &a.position

	switch {
	case pos.Side == types.PositionSideFlat:
		a.open(dir, quantity, price, at)
		return decimal.Zero

	case pos.Side == dir:
		// Add to the position at a weighted average entry.
		totalQty := pos.Quantity.Add(quantity)
		totalCost := pos.Quantity.Mul(pos.EntryPrice).Add(quantity.Mul(price))
		pos.EntryPrice = totalCost.Div(totalQty)
		pos.Quantity = totalQty
		pos.CurrentPrice = price
		return decimal.Zero

	default:
		closed := decimal.Min(quantity, pos.Quantity)
		realized := a.realize(closed, price)
		a.cash = a.cash.Add(realized)

		pos.Quantity = pos.Quantity.Sub(closed)
		if pos.Quantity.IsZero() {
			a.flatten()
		} else {
			pos.CurrentPrice = price
			pos.UnrealizedPnL = a.unrealized(price)
		}

		if excess := quantity.Sub(closed); excess.IsPositive() {
			a.open(dir, excess, price, at)
		}
		return realized
	}
}

// CloseAll liquidates the position at price and returns the realized PnL.
func (a *Account) CloseAll(price decimal.Decimal) decimal.Decimal {
	if a.position.Side == types.PositionSideFlat {
		return decimal.Zero
	}
	realized := a.realize(a.position.Quantity, price)
	a.cash = a.cash.Add(realized)
	a.lastPrice = price
	a.flatten()
	return realized
}

func (a *Account) open(dir types.PositionSide, quantity, price decimal.Decimal, at time.Time) {
	a.position = types.Position{
		Symbol:       a.position.Symbol,
		Side:         dir,
		Quantity:     quantity,
		EntryPrice:   price,
		CurrentPrice: price,
		OpenedAt:     at,
	}
}

func (a *Account) flatten() {
	a.position = types.Position{Symbol: a.position.Symbol, Side: types.PositionSideFlat}
}

// realize computes signed PnL for closing quantity units at price.
func (a *Account) realize(quantity, price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(a.position.EntryPrice)
	if a.position.Side == types.PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(quantity)
}

// unrealized computes open-position PnL at price, zero when flat.
func (a *Account) unrealized(price decimal.Decimal) decimal.Decimal {
	if a.position.Side == types.PositionSideFlat || price.IsZero() {
		return decimal.Zero
	}
	diff := price.Sub(a.position.EntryPrice)
	if a.position.Side == types.PositionSideShort {
		diff = diff.Neg()
	}
	return diff.Mul(a.position.Quantity)
}
