package backtester

import (
	"time"

	"github.com/google/uuid"
	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var one = decimal.NewFromInt(1)

// Executor converts order intents into simulated fills against an account.
// Intents fill in the order the strategy emitted them, at the given price
// degraded by the slippage model, with commission taken on notional.
type Executor struct {
	logger     *zap.Logger
	commission decimal.Decimal
	slippage   SlippageModel
}

// NewExecutor creates an executor. commission is a fractional rate on fill
// notional.
func NewExecutor(logger *zap.Logger, commission decimal.Decimal, slippage SlippageModel) *Executor {
	return &Executor{logger: logger, commission: commission, slippage: slippage}
}

// Execute fills every intent at price (the bar close or next open,
// depending on fill timing) and returns the resulting trades. Intents with
// non-positive quantity are skipped, as are intents whose resulting
// position notional would exceed the account's buying power.
func (x *Executor) Execute(intents []types.OrderIntent, price decimal.Decimal, bar types.Bar, account *Account) []types.Trade {
	if len(intents) == 0 {
		return nil
	}

	trades := make([]types.Trade, 0, len(intents))
	for _, intent := range intents {
		if !intent.Quantity.IsPositive() {
			continue
		}
		if exceedsBuyingPower(account, intent.Side, intent.Quantity, price) {
			x.logger.Warn("fill rejected: insufficient buying power",
				zap.String("side", string(intent.Side)),
				zap.String("quantity", intent.Quantity.String()),
				zap.String("buyingPower", account.BuyingPower().String()),
			)
			continue
		}

		rate := x.slippage.Rate(intent.Quantity, bar)
		fillPrice := price.Mul(one.Add(rate))
		if intent.Side == types.OrderSideSell {
			fillPrice = price.Mul(one.Sub(rate))
		}

		commission := intent.Quantity.Mul(fillPrice).Mul(x.commission)
		realized := account.ApplyFill(intent.Side, intent.Quantity, fillPrice, commission, bar.Timestamp)

		trade := types.Trade{
			ID:         uuid.New().String(),
			Symbol:     intent.Symbol,
			Side:       intent.Side,
			Quantity:   intent.Quantity,
			Price:      fillPrice,
			Commission: commission,
			Slippage:   rate,
			PnL:        realized,
			Reason:     intent.Reason,
			ExecutedAt: bar.Timestamp,
		}
		trades = append(trades, trade)

		x.logger.Debug("fill",
			zap.String("side", string(intent.Side)),
			zap.String("reason", string(intent.Reason)),
			zap.String("price", fillPrice.String()),
			zap.String("quantity", intent.Quantity.String()),
			zap.String("pnl", realized.String()),
		)
	}
	return trades
}

// exceedsBuyingPower reports whether filling the intent would leave an open
// position whose notional exceeds equity times leverage. Fills that reduce
// or close the position always pass.
func exceedsBuyingPower(account *Account, side types.OrderSide, quantity, price decimal.Decimal) bool {
	dir := types.PositionSideLong
	if side == types.OrderSideSell {
		dir = types.PositionSideShort
	}

	pos := account.Position()
	var projected decimal.Decimal
	switch {
	case pos.Side == types.PositionSideFlat:
		projected = quantity
	case pos.Side == dir:
		projected = pos.Quantity.Add(quantity)
	default:
		if quantity.LessThanOrEqual(pos.Quantity) {
			return false
		}
		projected = quantity.Sub(pos.Quantity)
	}

	return projected.Mul(price).GreaterThan(account.BuyingPower())
}

// Liquidate force-closes any open position at price, returning the closing
// trade if one was made. Used at the end of a run so every entry has a
// realized outcome.
func (x *Executor) Liquidate(account *Account, price decimal.Decimal, at time.Time) (types.Trade, bool) {
	pos := account.Position()
	if pos.Side == types.PositionSideFlat {
		return types.Trade{}, false
	}

	side := types.OrderSideSell
	if pos.Side == types.PositionSideShort {
		side = types.OrderSideBuy
	}

	commission := pos.Quantity.Mul(price).Mul(x.commission)
	realized := account.ApplyFill(side, pos.Quantity, price, commission, at)

	return types.Trade{
		ID:         uuid.New().String(),
		Symbol:     pos.Symbol,
		Side:       side,
		Quantity:   pos.Quantity,
		Price:      price,
		Commission: commission,
		PnL:        realized,
		Reason:     types.ReasonFlatten,
		ExecutedAt: at,
	}, true
}
