package pricing

import "errors"

var (
	ErrInvalidConfiguration = errors.New("invalid curve configuration")
	ErrComputation          = errors.New("curve computation error")
	ErrCurveExhausted       = errors.New("curve exhausted")
	ErrInsufficientSupply   = errors.New("insufficient supply")
	ErrNegativePool         = errors.New("pooled currency would go negative")
	ErrInvalidAmount        = errors.New("amount must be positive")
)
