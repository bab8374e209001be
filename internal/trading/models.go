package trading

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ksred/curvex/internal/pricing"
	"github.com/ksred/curvex/internal/types"
	"github.com/shopspring/decimal"
)

// maxAmountPlaces is the finest amount granularity accepted at the API.
const maxAmountPlaces = 8

var (
	ErrInvalidOrderRequest = errors.New("invalid order request")
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderNotCancellable = errors.New("order is no longer pending")
	ErrIssuerNotFound      = errors.New("issuer not found")
	ErrAccountNotFound     = errors.New("account not found")
)

// OrderRequest is the ingress payload. Amounts accept JSON numbers or
// strings; exactly one of them is set depending on kind.
type OrderRequest struct {
	Ticker         string              `json:"ticker" binding:"required"`
	Kind           string              `json:"kind" binding:"required"`
	CurrencyAmount decimal.NullDecimal `json:"currency_amount"`
	TokenAmount    decimal.NullDecimal `json:"token_amount"`
}

// Normalize validates the request and returns the order it describes.
func (r *OrderRequest) Normalize() (*types.Order, error) {
	order := &types.Order{
		Ticker: strings.ToUpper(strings.TrimSpace(r.Ticker)),
		Kind:   strings.ToLower(strings.TrimSpace(r.Kind)),
	}
	if order.Ticker == "" {
		return nil, fmt.Errorf("%w: ticker is required", ErrInvalidOrderRequest)
	}

	switch order.Kind {
	case types.KindBuy:
		if nonZero(r.TokenAmount) {
			return nil, fmt.Errorf("%w: buy orders take currency_amount only", ErrInvalidOrderRequest)
		}
		amount, err := parseAmount("currency_amount", r.CurrencyAmount)
		if err != nil {
			return nil, err
		}
		order.CurrencyAmount = amount
	case types.KindSell:
		if nonZero(r.CurrencyAmount) {
			return nil, fmt.Errorf("%w: sell orders take token_amount only", ErrInvalidOrderRequest)
		}
		amount, err := parseAmount("token_amount", r.TokenAmount)
		if err != nil {
			return nil, err
		}
		order.TokenAmount = amount
	default:
		return nil, fmt.Errorf("%w: kind must be buy or sell", ErrInvalidOrderRequest)
	}
	return order, nil
}

func nonZero(d decimal.NullDecimal) bool {
	return d.Valid && !d.Decimal.IsZero()
}

func parseAmount(field string, d decimal.NullDecimal) (float64, error) {
	if !d.Valid {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidOrderRequest, field)
	}
	if !d.Decimal.IsPositive() {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidOrderRequest, field)
	}
	if !d.Decimal.Equal(d.Decimal.Truncate(maxAmountPlaces)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidOrderRequest, field, maxAmountPlaces)
	}
	return d.Decimal.InexactFloat64(), nil
}

// QuoteResponse previews a trade against the current curve.
type QuoteResponse struct {
	Ticker string        `json:"ticker"`
	Kind   string        `json:"kind"`
	Quote  pricing.Quote `json:"quote"`
}

// PortfolioPosition is a position valued at the current curve price.
type PortfolioPosition struct {
	types.Position
	CurrentPrice float64 `json:"current_price"`
	MarketValue  float64 `json:"market_value"`
	CostValue    float64 `json:"cost_value"`
	UnrealizedPL float64 `json:"unrealized_pl"`
}
