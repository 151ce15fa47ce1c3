package payment

import (
	"math/big"
	"time"

	"github.com/unicitynetwork/aggregator-proxy/keys"
)

// amountRequired computes the price of upgrading to target, crediting the
// unused portion of the current plan. The discount is
// currentPrice × unusedMillis / windowMillis in integer arithmetic; prices
// are up to 78 decimal digits and must never touch floating point.
//
// The result is floored at minimum unless the target plan's own price is
// already below the minimum, in which case the plan price is charged
// unchanged.
func amountRequired(
	target *keys.Plan,
	current *keys.Plan,
	activeUntil *time.Time,
	now time.Time,
	grace, window time.Duration,
	minimum int64,
) *big.Int {
	min := big.NewInt(minimum)
	if target.Price.Cmp(min) < 0 {
		return new(big.Int).Set(target.Price)
	}

	amount := new(big.Int).Set(target.Price)
	if current != nil && activeUntil != nil {
		cutoff := now.Add(grace)
		if activeUntil.After(cutoff) {
			unusedMillis := big.NewInt(activeUntil.Sub(cutoff).Milliseconds())
			windowMillis := big.NewInt(window.Milliseconds())
			if unusedMillis.Cmp(windowMillis) > 0 {
				unusedMillis.Set(windowMillis)
			}
			discount := new(big.Int).Mul(current.Price, unusedMillis)
			discount.Div(discount, windowMillis)
			amount.Sub(amount, discount)
		}
	}
	if amount.Cmp(min) < 0 {
		return min
	}
	return amount
}
