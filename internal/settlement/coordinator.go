package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/curvex/internal/pricing"
	"github.com/ksred/curvex/internal/types"
)

const (
	DefaultLease       = 30 * time.Second
	DefaultMaxAttempts = 3
)

// Coordinator settles queued orders one at a time against the bonding
// curve. Run a single Coordinator per queue to get a deterministic price
// path; the claim protocol keeps extra instances from double-settling.
type Coordinator struct {
	store       Store
	lease       time.Duration
	maxAttempts int
	now         func() time.Time
}

type Option func(*Coordinator)

// WithLease sets how long a claim is held before another worker may take
// the order over.
func WithLease(d time.Duration) Option {
	return func(c *Coordinator) { c.lease = d }
}

// WithMaxAttempts caps how many times an order may be claimed.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) { c.maxAttempts = n }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		lease:       DefaultLease,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProcessNextOrder settles the oldest claimable order. It returns nil, nil
// when the queue is empty. The error return is reserved for failures to
// claim; anything that goes wrong after the claim is reported in the result.
func (c *Coordinator) ProcessNextOrder(ctx context.Context) (*types.SettlementResult, error) {
	order, err := c.store.ClaimNext(ctx, Claim{
		Token: uuid.New().String(),
		Now:   c.now(),
		Lease: c.lease,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim next order: %w", err)
	}
	if order == nil {
		return nil, nil
	}
	return c.processOrder(ctx, order), nil
}

// ProcessAllPendingOrders drains the queue sequentially.
func (c *Coordinator) ProcessAllPendingOrders(ctx context.Context) ([]*types.SettlementResult, error) {
	var results []*types.SettlementResult
	for {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := c.ProcessNextOrder(ctx)
		if err != nil {
			return results, err
		}
		if result == nil {
			return results, nil
		}
		results = append(results, result)
	}
}

func (c *Coordinator) PendingOrderCount(ctx context.Context) (int64, error) {
	return c.store.CountPending(ctx)
}

func (c *Coordinator) processOrder(ctx context.Context, order *types.Order) (result *types.SettlementResult) {
	logger := log.With().
		Str("component", "settlement_coordinator").
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Str("ticker", order.Ticker).
		Str("kind", order.Kind).
		Int("attempt", order.Attempts).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			result = c.fail(ctx, logger, order, fmt.Errorf("settlement panicked: %v", r))
		}
	}()

	if order.Attempts > c.maxAttempts {
		return c.fail(ctx, logger, order, fmt.Errorf("%w: claimed %d times", ErrAttemptsExhausted, order.Attempts))
	}

	logger.Debug().
		Float64("currency_amount", order.CurrencyAmount).
		Float64("token_amount", order.TokenAmount).
		Msg("settling order")

	var record *types.TransactionRecord
	err := c.store.Atomic(ctx, func(tx Repositories) error {
		var err error
		record, err = c.settle(ctx, tx, order)
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, ErrClaimLost):
		logger.Warn().Msg("claim lost before commit, leaving order to its new owner")
		return newResult(order.OrderID, false, "claim lost to another worker", err)
	case ctx.Err() != nil:
		logger.Warn().Err(err).Msg("settlement interrupted, order will be reclaimed after lease expiry")
		return newResult(order.OrderID, false, "settlement interrupted", err)
	default:
		return c.fail(ctx, logger, order, err)
	}

	logger.Info().
		Str("transaction_id", record.TransactionID).
		Float64("currency_amount", record.CurrencyAmount).
		Float64("token_amount", record.TokenAmount).
		Float64("avg_price", record.AvgPrice).
		Float64("start_price", record.StartPrice).
		Float64("end_price", record.EndPrice).
		Msg("order settled")

	var message string
	if order.Kind == types.KindBuy {
		message = fmt.Sprintf("bought %.6f %s for %.2f", record.TokenAmount, order.Ticker, record.CurrencyAmount)
	} else {
		message = fmt.Sprintf("sold %.6f %s for %.2f", record.TokenAmount, order.Ticker, record.CurrencyAmount)
	}
	result = newResult(order.OrderID, true, message, nil)
	result.TransactionID = record.TransactionID
	return result
}

// settle validates and applies one order. It runs inside Store.Atomic, so
// returning an error discards every write made here.
func (c *Coordinator) settle(ctx context.Context, tx Repositories, order *types.Order) (*types.TransactionRecord, error) {
	if err := validateOrder(order); err != nil {
		return nil, err
	}

	issuer, err := tx.GetIssuerForUpdate(ctx, order.Ticker)
	if err != nil {
		return nil, err
	}
	account, err := tx.GetAccount(ctx, order.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	position, err := tx.GetPosition(ctx, order.UserID, order.Ticker)
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}

	curve := pricing.State{
		Supply: issuer.Supply,
		Price:  issuer.Price,
		Step:   issuer.Step,
		Pool:   issuer.Pool,
	}

	var quote pricing.Quote
	switch order.Kind {
	case types.KindBuy:
		if account == nil {
			return nil, fmt.Errorf("%w: user %s has no account", ErrInsufficientBalance, order.UserID)
		}
		if account.Balance < order.CurrencyAmount {
			return nil, fmt.Errorf("%w: have %.2f, need %.2f", ErrInsufficientBalance, account.Balance, order.CurrencyAmount)
		}
		quote, err = pricing.ApplyBuy(curve, order.CurrencyAmount)
		if err != nil {
			return nil, err
		}

		if position == nil {
			position = &types.Position{UserID: order.UserID, Ticker: order.Ticker}
		}
		position.CostBasis = pricing.CostBasisAfterBuy(position.Quantity, position.CostBasis, quote.Tokens, quote.AvgPrice)
		position.Quantity += quote.Tokens
		account.Balance = pricing.ClampDust(account.Balance - quote.Currency)

	case types.KindSell:
		if position == nil {
			return nil, fmt.Errorf("%w: no %s position", ErrInsufficientHoldings, order.Ticker)
		}
		if order.TokenAmount > position.Quantity+pricing.Dust {
			return nil, fmt.Errorf("%w: have %.6f, selling %.6f", ErrInsufficientHoldings, position.Quantity, order.TokenAmount)
		}
		quote, err = pricing.ApplySell(curve, order.TokenAmount)
		if err != nil {
			return nil, err
		}

		if account == nil {
			account = &types.Account{UserID: order.UserID}
		}
		account.Balance += quote.Currency
		position.Quantity = math.Max(0, pricing.ClampDust(position.Quantity-quote.Tokens))
		position.CostBasis = pricing.CostBasisAfterSell(position.Quantity, position.CostBasis)
	}

	now := c.now()
	issuer.Supply = quote.NewSupply
	issuer.Price = quote.NewPrice()
	issuer.Pool = quote.NewPool

	record := &types.TransactionRecord{
		TransactionID:  "TX_" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		OrderID:        order.OrderID,
		UserID:         order.UserID,
		Ticker:         order.Ticker,
		Kind:           order.Kind,
		CurrencyAmount: quote.Currency,
		TokenAmount:    quote.Tokens,
		AvgPrice:       quote.AvgPrice,
		StartPrice:     quote.StartPrice,
		EndPrice:       quote.EndPrice,
		SettledAt:      now,
	}

	if err := tx.SaveIssuer(ctx, issuer); err != nil {
		return nil, fmt.Errorf("failed to update issuer curve: %w", err)
	}
	if err := tx.AppendTransaction(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}
	if err := tx.SaveAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	if err := tx.UpsertPosition(ctx, position); err != nil {
		return nil, fmt.Errorf("failed to update position: %w", err)
	}
	if err := tx.Finalize(ctx, order.OrderID, order.ClaimToken, Outcome{
		Status:        types.StatusCompleted,
		TransactionID: record.TransactionID,
		At:            now,
	}); err != nil {
		return nil, err
	}

	return record, nil
}

func validateOrder(order *types.Order) error {
	switch order.Kind {
	case types.KindBuy:
		if !(order.CurrencyAmount > 0) || math.IsInf(order.CurrencyAmount, 0) {
			return fmt.Errorf("%w: buy needs a positive currency amount", ErrInvalidOrder)
		}
	case types.KindSell:
		if !(order.TokenAmount > 0) || math.IsInf(order.TokenAmount, 0) {
			return fmt.Errorf("%w: sell needs a positive token amount", ErrInvalidOrder)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOrder, order.Kind)
	}
	if order.Ticker == "" || order.UserID == "" {
		return fmt.Errorf("%w: ticker and user are required", ErrInvalidOrder)
	}
	return nil
}

// fail marks the order failed. Marking is best effort: if it errors the
// order keeps its lease and is picked up again once the lease expires.
func (c *Coordinator) fail(ctx context.Context, logger zerolog.Logger, order *types.Order, cause error) *types.SettlementResult {
	if IsBusinessError(cause) {
		logger.Warn().Err(cause).Msg("order rejected")
	} else {
		logger.Error().Err(cause).Msg("order settlement failed")
	}

	err := c.store.Finalize(context.WithoutCancel(ctx), order.OrderID, order.ClaimToken, Outcome{
		Status: types.StatusFailed,
		Reason: cause.Error(),
		At:     c.now(),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark order as failed")
	}

	return newResult(order.OrderID, false, cause.Error(), cause)
}

// IsBusinessError reports whether err is an expected validation outcome
// rather than a data or infrastructure problem.
func IsBusinessError(err error) bool {
	for _, target := range []error{
		ErrInsufficientBalance,
		ErrInsufficientHoldings,
		ErrInvalidOrder,
		pricing.ErrCurveExhausted,
		pricing.ErrInsufficientSupply,
		pricing.ErrNegativePool,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func newResult(orderID string, success bool, message string, err error) *types.SettlementResult {
	result := &types.SettlementResult{
		Success:   success,
		OrderID:   orderID,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}
