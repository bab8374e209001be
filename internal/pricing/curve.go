// Package pricing implements the linear bonding curve used to price issuer
// tokens:
//
//	price(supply) = price(0) + step * supply
//
// All functions are pure; callers own the curve state and persist the
// transitions returned here.
package pricing

import (
	"fmt"
	"math"
)

// Dust is the magnitude below which supply, quantities and pooled currency
// are treated as zero. It absorbs floating error left by buy/sell round trips.
const Dust = 1e-9

// State is the curve state of one issuer at a point in time.
type State struct {
	Supply float64
	Price  float64
	Step   float64
	Pool   float64
}

// Quote is the outcome of applying a trade to a curve.
type Quote struct {
	Tokens     float64 `json:"tokens"`
	Currency   float64 `json:"currency"`
	AvgPrice   float64 `json:"avg_price"`
	StartPrice float64 `json:"start_price"`
	EndPrice   float64 `json:"end_price"`
	NewSupply  float64 `json:"new_supply"`
	NewPool    float64 `json:"new_pool"`
}

// NewPrice is the curve price after the trade.
func (q Quote) NewPrice() float64 {
	return q.EndPrice
}

// TokensForCurrency returns how many tokens spend buys starting at
// currentPrice. It solves t*currentPrice + step*t^2/2 = spend for t.
func TokensForCurrency(spend, currentPrice, step float64) (float64, error) {
	if spend <= 0 {
		return 0, nil
	}
	if step <= 0 {
		return 0, fmt.Errorf("%w: step must be positive, got %v", ErrInvalidConfiguration, step)
	}
	if currentPrice < 0 {
		return 0, fmt.Errorf("%w: price must not be negative, got %v", ErrInvalidConfiguration, currentPrice)
	}

	discriminant := currentPrice*currentPrice + 2*step*spend
	if discriminant < 0 || math.IsNaN(discriminant) || math.IsInf(discriminant, 0) {
		return 0, fmt.Errorf("%w: discriminant %v", ErrComputation, discriminant)
	}

	// Rationalized form of (-p + sqrt(d)) / step; avoids cancellation when
	// the spend is tiny relative to the price.
	tokens := 2 * spend / (currentPrice + math.Sqrt(discriminant))
	if tokens < 0 {
		tokens = 0
	}
	return tokens, nil
}

// CurrencyForTokens returns the proceeds of selling tokens starting at
// currentPrice: the area under the curve between the end price and the
// current price.
func CurrencyForTokens(tokens, currentPrice, step float64) (float64, error) {
	if tokens <= 0 {
		return 0, nil
	}
	if step <= 0 {
		return 0, fmt.Errorf("%w: step must be positive, got %v", ErrInvalidConfiguration, step)
	}

	endPrice := currentPrice - step*tokens
	if endPrice < 0 {
		if endPrice > -Dust {
			endPrice = 0
		} else {
			return 0, fmt.Errorf("%w: selling %v tokens at price %v would end at %v",
				ErrCurveExhausted, tokens, currentPrice, endPrice)
		}
	}
	return (currentPrice + endPrice) / 2 * tokens, nil
}

// ApplyBuy spends currency against the curve.
func ApplyBuy(s State, spend float64) (Quote, error) {
	if spend <= 0 || math.IsNaN(spend) {
		return Quote{}, fmt.Errorf("%w: spend %v", ErrInvalidAmount, spend)
	}

	tokens, err := TokensForCurrency(spend, s.Price, s.Step)
	if err != nil {
		return Quote{}, err
	}
	if tokens <= 0 {
		return Quote{}, fmt.Errorf("%w: spend %v buys no tokens", ErrComputation, spend)
	}

	endPrice := s.Price + s.Step*tokens
	return Quote{
		Tokens:     tokens,
		Currency:   spend,
		AvgPrice:   spend / tokens,
		StartPrice: s.Price,
		EndPrice:   endPrice,
		NewSupply:  s.Supply + tokens,
		NewPool:    s.Pool + spend,
	}, nil
}

// ApplySell sells tokens back into the curve.
func ApplySell(s State, tokens float64) (Quote, error) {
	if tokens <= 0 || math.IsNaN(tokens) {
		return Quote{}, fmt.Errorf("%w: tokens %v", ErrInvalidAmount, tokens)
	}
	if tokens > s.Supply+Dust {
		return Quote{}, fmt.Errorf("%w: selling %v tokens, supply is %v", ErrInsufficientSupply, tokens, s.Supply)
	}

	proceeds, err := CurrencyForTokens(tokens, s.Price, s.Step)
	if err != nil {
		return Quote{}, err
	}

	newPool := ClampDust(s.Pool - proceeds)
	if newPool < 0 {
		return Quote{}, fmt.Errorf("%w: pool %v cannot pay %v", ErrNegativePool, s.Pool, proceeds)
	}

	endPrice := ClampDust(s.Price - s.Step*tokens)
	return Quote{
		Tokens:     tokens,
		Currency:   proceeds,
		AvgPrice:   proceeds / tokens,
		StartPrice: s.Price,
		EndPrice:   endPrice,
		NewSupply:  ClampDust(s.Supply - tokens),
		NewPool:    newPool,
	}, nil
}

// CostBasisAfterBuy re-averages a position's cost basis after acquiring
// addedQty tokens at executionPrice.
func CostBasisAfterBuy(oldQty, oldBasis, addedQty, executionPrice float64) float64 {
	total := oldQty + addedQty
	if total <= 0 {
		return 0
	}
	return (oldQty*oldBasis + addedQty*executionPrice) / total
}

// CostBasisAfterSell keeps the basis on a partial sell and resets it once
// the position is closed.
func CostBasisAfterSell(remainingQty, oldBasis float64) float64 {
	if remainingQty <= 0 {
		return 0
	}
	return oldBasis
}

// ClampDust snaps values within Dust of zero to zero. Larger negative
// values are returned untouched so callers can reject them.
func ClampDust(v float64) float64 {
	if math.Abs(v) < Dust {
		return 0
	}
	return v
}
