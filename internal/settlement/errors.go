package settlement

import "errors"

var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientHoldings = errors.New("insufficient holdings")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrIssuerNotFound       = errors.New("issuer not found")
	ErrClaimLost            = errors.New("order claim lost to another worker")
	ErrClaimContention      = errors.New("could not claim an order after repeated contention")
	ErrAttemptsExhausted    = errors.New("order abandoned after repeated lease expiry")
)
