package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/curvex/internal/auth"
	"github.com/ksred/curvex/internal/pricing"
	"github.com/ksred/curvex/internal/types"
	"github.com/ksred/curvex/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	idempotencyTTL   = 24 * time.Hour
	defaultListLimit = 50
	maxListLimit     = 500
)

// Service accepts trade intents into the settlement queue and serves the
// read side of accounts, positions, issuers and the ledger.
type Service struct {
	db       *Database
	now      func() time.Time
	onSubmit func()
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:  NewDatabase(gormDB),
		now: time.Now,
	}
}

// OnSubmit registers a callback fired after every newly queued order, used
// to wake the settlement processor.
func (s *Service) OnSubmit(fn func()) {
	s.onSubmit = fn
}

// SubmitOrder queues a pending order for userID. Repeating an idempotency
// key within 24 hours returns the order created by the first call.
func (s *Service) SubmitOrder(ctx context.Context, userID string, req OrderRequest, idempotencyKey string) (*types.Order, error) {
	key := userID + ":" + idempotencyKey
	now := s.now()

	record, err := s.db.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if record != nil && record.ExpiresAt.After(now) {
		existing, err := s.db.GetOrder(ctx, record.ResourceID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrOrderNotFound
		}
		return existing, nil
	}

	order, err := req.Normalize()
	if err != nil {
		return nil, err
	}

	issuer, err := s.db.GetIssuer(ctx, order.Ticker)
	if err != nil {
		return nil, err
	}
	if issuer == nil {
		return nil, fmt.Errorf("%w: %s", ErrIssuerNotFound, order.Ticker)
	}

	order.OrderID = uuid.New().String()
	order.UserID = userID
	order.Status = types.StatusPending
	order.SubmittedAt = now

	if err := s.db.CreateOrderWithIdempotency(ctx, order, key, now.Add(idempotencyTTL)); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "trading").
		Str("order_id", order.OrderID).
		Str("user_id", userID).
		Str("ticker", order.Ticker).
		Str("kind", order.Kind).
		Float64("currency_amount", order.CurrencyAmount).
		Float64("token_amount", order.TokenAmount).
		Msg("order queued")

	if s.onSubmit != nil {
		s.onSubmit()
	}
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrderByOrderIDAndUserID(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, userID, status string, limit int) ([]types.Order, error) {
	return s.db.ListOrders(ctx, userID, status, clampLimit(limit))
}

// CancelOrder withdraws an order that has not been claimed yet.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	cancelled, err := s.db.CancelPendingOrder(ctx, orderID, userID, s.now())
	if err != nil {
		return nil, err
	}

	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if !cancelled {
		return nil, fmt.Errorf("%w: status is %s", ErrOrderNotCancellable, order.Status)
	}

	log.Info().Str("service", "trading").Str("order_id", orderID).Str("user_id", userID).Msg("order cancelled")
	return order, nil
}

func (s *Service) GetAccount(ctx context.Context, userID string) (*types.Account, error) {
	account, err := s.db.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, ErrAccountNotFound
	}
	return account, nil
}

// GetPortfolio values each open position at its issuer's current price.
func (s *Service) GetPortfolio(ctx context.Context, userID string) ([]PortfolioPosition, error) {
	positions, err := s.db.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	tickers := make([]string, 0, len(positions))
	for _, p := range positions {
		tickers = append(tickers, p.Ticker)
	}
	issuers, err := s.db.GetIssuersByTicker(ctx, tickers)
	if err != nil {
		return nil, err
	}

	portfolio := make([]PortfolioPosition, 0, len(positions))
	for _, p := range positions {
		price := issuers[p.Ticker].Price
		entry := PortfolioPosition{
			Position:     p,
			CurrentPrice: price,
			MarketValue:  p.Quantity * price,
			CostValue:    p.Quantity * p.CostBasis,
		}
		entry.UnrealizedPL = entry.MarketValue - entry.CostValue
		portfolio = append(portfolio, entry)
	}
	return portfolio, nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]types.TransactionRecord, error) {
	return s.db.ListTransactions(ctx, userID, clampLimit(limit))
}

func (s *Service) GetIssuer(ctx context.Context, ticker string) (*types.IssuerCurveState, error) {
	issuer, err := s.db.GetIssuer(ctx, strings.ToUpper(ticker))
	if err != nil {
		return nil, err
	}
	if issuer == nil {
		return nil, fmt.Errorf("%w: %s", ErrIssuerNotFound, ticker)
	}
	return issuer, nil
}

func (s *Service) ListIssuers(ctx context.Context) ([]types.IssuerCurveState, error) {
	return s.db.ListIssuers(ctx)
}

// Quote prices a hypothetical trade against the current curve without
// queuing anything. Settlement may execute at a different price if other
// orders settle first.
func (s *Service) Quote(ctx context.Context, ticker, kind string, amount decimal.Decimal) (*QuoteResponse, error) {
	issuer, err := s.GetIssuer(ctx, ticker)
	if err != nil {
		return nil, err
	}

	curve := pricing.State{Supply: issuer.Supply, Price: issuer.Price, Step: issuer.Step, Pool: issuer.Pool}
	value := amount.InexactFloat64()

	var quote pricing.Quote
	switch strings.ToLower(kind) {
	case types.KindBuy:
		quote, err = pricing.ApplyBuy(curve, value)
	case types.KindSell:
		quote, err = pricing.ApplySell(curve, value)
	default:
		return nil, fmt.Errorf("%w: kind must be buy or sell", ErrInvalidOrderRequest)
	}
	if err != nil {
		return nil, err
	}

	return &QuoteResponse{Ticker: issuer.Ticker, Kind: strings.ToLower(kind), Quote: quote}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// writeError maps trading and pricing errors to responses
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidOrderRequest), errors.Is(err, pricing.ErrInvalidAmount):
		response.BadRequest(c, err.Error())
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrIssuerNotFound), errors.Is(err, ErrAccountNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, ErrOrderNotCancellable):
		response.StateConflict(c, err.Error())
	case errors.Is(err, pricing.ErrCurveExhausted),
		errors.Is(err, pricing.ErrInsufficientSupply),
		errors.Is(err, pricing.ErrNegativePool),
		errors.Is(err, pricing.ErrInvalidConfiguration),
		errors.Is(err, pricing.ErrComputation):
		response.ValidationFailed(c, err.Error())
	default:
		log.Error().Err(err).Str("service", "trading").Str("path", c.FullPath()).Msg("request failed")
		response.Handle(c, nil, err)
	}
}

func queryLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	return limit
}

// CreateOrderHandler queues a new order. Requires an Idempotency-Key header.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.SubmitOrder(c.Request.Context(), auth.UserID(c), req, idempotencyKey)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Accepted(c, order)
	}
}

// GetOrderStatusHandler returns one of the caller's orders
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Request.Context(), auth.UserID(c), c.Param("order_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, order)
	}
}

// ListOrdersHandler returns the caller's orders, newest first. Optional
// query parameters: status, limit.
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.service.ListOrders(c.Request.Context(), auth.UserID(c), c.Query("status"), queryLimit(c))
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, orders)
	}
}

func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), auth.UserID(c), c.Param("order_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, order)
	}
}

func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, err := h.service.GetAccount(c.Request.Context(), auth.UserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, account)
	}
}

func (h *GinHandlers) GetPositionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		portfolio, err := h.service.GetPortfolio(c.Request.Context(), auth.UserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, portfolio)
	}
}

func (h *GinHandlers) ListTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := h.service.ListTransactions(c.Request.Context(), auth.UserID(c), queryLimit(c))
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, records)
	}
}

func (h *GinHandlers) ListIssuersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		issuers, err := h.service.ListIssuers(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, issuers)
	}
}

func (h *GinHandlers) GetIssuerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		issuer, err := h.service.GetIssuer(c.Request.Context(), c.Param("ticker"))
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, issuer)
	}
}

// QuoteHandler previews a trade: GET /issuers/:ticker/quote?kind=buy&amount=100
func (h *GinHandlers) QuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		amount, err := decimal.NewFromString(c.Query("amount"))
		if err != nil {
			response.BadRequest(c, "amount must be a decimal number")
			return
		}

		quote, err := h.service.Quote(c.Request.Context(), c.Param("ticker"), c.Query("kind"), amount)
		if err != nil {
			writeError(c, err)
			return
		}
		response.Success(c, quote)
	}
}
