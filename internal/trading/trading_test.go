package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/curvex/internal/auth"
	"github.com/ksred/curvex/internal/config"
	"github.com/ksred/curvex/internal/database"
	"github.com/ksred/curvex/internal/pricing"
	"github.com/ksred/curvex/internal/types"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.NewDatabase(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "trading.db"),
	}, false)
	require.NoError(t, err)

	require.NoError(t, db.Create(&types.IssuerCurveState{Ticker: "ALICE", Name: "Alice", BasePrice: 1, Step: 0.01, Supply: 50, Price: 1.5, Pool: 62.5}).Error)
	require.NoError(t, db.Create(&types.IssuerCurveState{Ticker: "BOB", Name: "Bob", BasePrice: 2, Step: 0.1, Price: 2}).Error)
	require.NoError(t, db.Create(&types.Account{UserID: "u1", Balance: 250}).Error)
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *time.Time) {
	db := setupTestDB(t)
	s := NewService(db)
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, db, &now
}

func buyRequest(ticker, value string) OrderRequest {
	return OrderRequest{Ticker: ticker, Kind: types.KindBuy, CurrencyAmount: amount(value)}
}

func TestSubmitOrderQueuesPendingOrder(t *testing.T) {
	s, db, now := newTestService(t)
	submitted := 0
	s.OnSubmit(func() { submitted++ })

	order, err := s.SubmitOrder(context.Background(), "u1", buyRequest("alice", "25"), "key-1")
	require.NoError(t, err)
	assert.NotEmpty(t, order.OrderID)
	assert.Equal(t, "u1", order.UserID)
	assert.Equal(t, "ALICE", order.Ticker)
	assert.Equal(t, types.StatusPending, order.Status)
	assert.Equal(t, 25.0, order.CurrencyAmount)
	assert.True(t, order.SubmittedAt.Equal(*now))
	assert.Equal(t, 1, submitted)

	var stored types.Order
	require.NoError(t, db.Where("order_id = ?", order.OrderID).First(&stored).Error)
	assert.Equal(t, types.StatusPending, stored.Status)
}

func TestSubmitOrderIsIdempotent(t *testing.T) {
	s, db, now := newTestService(t)
	ctx := context.Background()

	first, err := s.SubmitOrder(ctx, "u1", buyRequest("ALICE", "25"), "key-1")
	require.NoError(t, err)

	again, err := s.SubmitOrder(ctx, "u1", buyRequest("ALICE", "99"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.Equal(t, 25.0, again.CurrencyAmount)

	// Keys are scoped per user.
	other, err := s.SubmitOrder(ctx, "u2", buyRequest("ALICE", "25"), "key-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, other.OrderID)

	// Expired keys may be reused.
	*now = now.Add(25 * time.Hour)
	fresh, err := s.SubmitOrder(ctx, "u1", buyRequest("ALICE", "25"), "key-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, fresh.OrderID)

	var count int64
	require.NoError(t, db.Model(&types.Order{}).Count(&count).Error)
	assert.Equal(t, int64(3), count)
}

func TestSubmitOrderRejections(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := s.SubmitOrder(ctx, "u1", buyRequest("NOPE", "25"), "k1")
	assert.ErrorIs(t, err, ErrIssuerNotFound)

	_, err = s.SubmitOrder(ctx, "u1", OrderRequest{Ticker: "ALICE", Kind: "sell"}, "k2")
	assert.ErrorIs(t, err, ErrInvalidOrderRequest)
}

func TestCancelOrder(t *testing.T) {
	s, db, _ := newTestService(t)
	ctx := context.Background()

	order, err := s.SubmitOrder(ctx, "u1", buyRequest("ALICE", "25"), "k1")
	require.NoError(t, err)

	_, err = s.CancelOrder(ctx, "u2", order.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	cancelled, err := s.CancelOrder(ctx, "u1", order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.ProcessedAt)

	_, err = s.CancelOrder(ctx, "u1", order.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)

	claimed, err := s.SubmitOrder(ctx, "u1", buyRequest("ALICE", "25"), "k2")
	require.NoError(t, err)
	require.NoError(t, db.Model(&types.Order{}).Where("order_id = ?", claimed.OrderID).Update("status", types.StatusProcessing).Error)

	_, err = s.CancelOrder(ctx, "u1", claimed.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotCancellable)
	assert.Contains(t, err.Error(), types.StatusProcessing)
}

func TestGetAndListOrders(t *testing.T) {
	s, _, now := newTestService(t)
	ctx := context.Background()

	first, err := s.SubmitOrder(ctx, "u1", buyRequest("ALICE", "10"), "k1")
	require.NoError(t, err)
	*now = now.Add(time.Second)
	second, err := s.SubmitOrder(ctx, "u1", buyRequest("BOB", "10"), "k2")
	require.NoError(t, err)
	_, err = s.CancelOrder(ctx, "u1", first.OrderID)
	require.NoError(t, err)

	got, err := s.GetOrder(ctx, "u1", second.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "BOB", got.Ticker)

	_, err = s.GetOrder(ctx, "u2", second.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	orders, err := s.ListOrders(ctx, "u1", "", 0)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, second.OrderID, orders[0].OrderID)

	pending, err := s.ListOrders(ctx, "u1", types.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.OrderID, pending[0].OrderID)
}

func TestGetPortfolio(t *testing.T) {
	s, db, _ := newTestService(t)
	require.NoError(t, db.Create(&types.Position{UserID: "u1", Ticker: "ALICE", Quantity: 10, CostBasis: 1.2}).Error)
	require.NoError(t, db.Create(&types.Position{UserID: "u1", Ticker: "BOB", Quantity: 0}).Error)

	portfolio, err := s.GetPortfolio(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, portfolio, 1)
	assert.Equal(t, "ALICE", portfolio[0].Ticker)
	assert.Equal(t, 1.5, portfolio[0].CurrentPrice)
	assert.InDelta(t, 15, portfolio[0].MarketValue, 1e-9)
	assert.InDelta(t, 12, portfolio[0].CostValue, 1e-9)
	assert.InDelta(t, 3, portfolio[0].UnrealizedPL, 1e-9)
}

func TestGetAccount(t *testing.T) {
	s, _, _ := newTestService(t)

	account, err := s.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 250.0, account.Balance)

	_, err = s.GetAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestQuote(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	buyQuote, err := s.Quote(ctx, "alice", "buy", decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, "ALICE", buyQuote.Ticker)
	assert.Greater(t, buyQuote.Quote.Tokens, 0.0)
	assert.InDelta(t, 1.5, buyQuote.Quote.StartPrice, 1e-12)

	sellQuote, err := s.Quote(ctx, "ALICE", "SELL", decimal.NewFromInt(10))
	require.NoError(t, err)
	// (1.5 + 1.4) / 2 * 10
	assert.InDelta(t, 14.5, sellQuote.Quote.Currency, 1e-9)

	_, err = s.Quote(ctx, "ALICE", "sell", decimal.NewFromInt(51))
	assert.ErrorIs(t, err, pricing.ErrInsufficientSupply)

	_, err = s.Quote(ctx, "ALICE", "hold", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInvalidOrderRequest)

	_, err = s.Quote(ctx, "NOPE", "buy", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrIssuerNotFound)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, defaultListLimit, clampLimit(0))
	assert.Equal(t, defaultListLimit, clampLimit(-3))
	assert.Equal(t, 20, clampLimit(20))
	assert.Equal(t, maxListLimit, clampLimit(10000))
}

// Handlers

func setupRouter(s *Service, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set(auth.ContextUserID, userID)
		c.Next()
	})
	h := NewGinHandlers(s)
	router.POST("/orders", h.CreateOrderHandler())
	router.GET("/orders", h.ListOrdersHandler())
	router.GET("/orders/:order_id", h.GetOrderStatusHandler())
	router.DELETE("/orders/:order_id", h.CancelOrderHandler())
	router.GET("/account", h.GetAccountHandler())
	router.GET("/positions", h.GetPositionsHandler())
	router.GET("/transactions", h.ListTransactionsHandler())
	router.GET("/issuers", h.ListIssuersHandler())
	router.GET("/issuers/:ticker", h.GetIssuerHandler())
	router.GET("/issuers/:ticker/quote", h.QuoteHandler())
	return router
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func do(t *testing.T, router *gin.Engine, method, path, body string, headers map[string]string) (int, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestCreateOrderHandler(t *testing.T) {
	s, _, _ := newTestService(t)
	router := setupRouter(s, "u1")
	key := map[string]string{"Idempotency-Key": "abc"}

	code, resp := do(t, router, http.MethodPost, "/orders", `{"ticker":"ALICE","kind":"buy","currency_amount":"25.50"}`, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error.Message, "Idempotency-Key")

	code, resp = do(t, router, http.MethodPost, "/orders", `{"ticker":"ALICE","kind":"buy","currency_amount":"25.50"}`, key)
	require.Equal(t, http.StatusAccepted, code)
	var order types.Order
	require.NoError(t, json.Unmarshal(resp.Data, &order))
	assert.Equal(t, types.StatusPending, order.Status)
	assert.Equal(t, 25.5, order.CurrencyAmount)

	code, resp = do(t, router, http.MethodPost, "/orders", `{"ticker":"ALICE","kind":"buy","currency_amount":25.5}`, key)
	require.Equal(t, http.StatusAccepted, code)
	var replay types.Order
	require.NoError(t, json.Unmarshal(resp.Data, &replay))
	assert.Equal(t, order.OrderID, replay.OrderID)

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "malformed json", body: `{"ticker":`, code: http.StatusBadRequest},
		{name: "missing kind", body: `{"ticker":"ALICE","currency_amount":1}`, code: http.StatusBadRequest},
		{name: "negative amount", body: `{"ticker":"ALICE","kind":"buy","currency_amount":-1}`, code: http.StatusBadRequest},
		{name: "unknown issuer", body: `{"ticker":"NOPE","kind":"buy","currency_amount":1}`, code: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := do(t, router, http.MethodPost, "/orders", tt.body, map[string]string{"Idempotency-Key": "key-" + tt.name})
			assert.Equal(t, tt.code, code)
			assert.False(t, resp.Success)
		})
	}
}

func TestOrderLifecycleHandlers(t *testing.T) {
	s, _, _ := newTestService(t)
	order, err := s.SubmitOrder(context.Background(), "u1", buyRequest("ALICE", "10"), "k1")
	require.NoError(t, err)

	router := setupRouter(s, "u1")

	code, _ := do(t, router, http.MethodGet, "/orders/"+order.OrderID, "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, setupRouter(s, "u2"), http.MethodGet, "/orders/"+order.OrderID, "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp := do(t, router, http.MethodGet, "/orders?status=pending", "", nil)
	require.Equal(t, http.StatusOK, code)
	var orders []types.Order
	require.NoError(t, json.Unmarshal(resp.Data, &orders))
	assert.Len(t, orders, 1)

	code, _ = do(t, router, http.MethodDelete, "/orders/"+order.OrderID, "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = do(t, router, http.MethodDelete, "/orders/"+order.OrderID, "", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", resp.Error.Code)
}

func TestReadHandlers(t *testing.T) {
	s, db, _ := newTestService(t)
	require.NoError(t, db.Create(&types.TransactionRecord{
		TransactionID: "TX_1", OrderID: "o1", UserID: "u1", Ticker: "ALICE", Kind: types.KindBuy,
		CurrencyAmount: 10, TokenAmount: 6.5, SettledAt: time.Now(),
	}).Error)
	router := setupRouter(s, "u1")

	code, resp := do(t, router, http.MethodGet, "/account", "", nil)
	require.Equal(t, http.StatusOK, code)
	var account types.Account
	require.NoError(t, json.Unmarshal(resp.Data, &account))
	assert.Equal(t, 250.0, account.Balance)

	code, _ = do(t, setupRouter(s, "ghost"), http.MethodGet, "/account", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, resp = do(t, router, http.MethodGet, "/transactions?limit=5", "", nil)
	require.Equal(t, http.StatusOK, code)
	var records []types.TransactionRecord
	require.NoError(t, json.Unmarshal(resp.Data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "TX_1", records[0].TransactionID)

	code, _ = do(t, router, http.MethodGet, "/positions", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = do(t, router, http.MethodGet, "/issuers", "", nil)
	require.Equal(t, http.StatusOK, code)
	var issuers []types.IssuerCurveState
	require.NoError(t, json.Unmarshal(resp.Data, &issuers))
	require.Len(t, issuers, 2)
	assert.Equal(t, "ALICE", issuers[0].Ticker)

	code, _ = do(t, router, http.MethodGet, "/issuers/bob", "", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, router, http.MethodGet, "/issuers/NOPE", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestQuoteHandler(t *testing.T) {
	s, _, _ := newTestService(t)
	router := setupRouter(s, "u1")

	code, resp := do(t, router, http.MethodGet, "/issuers/ALICE/quote?kind=sell&amount=10", "", nil)
	require.Equal(t, http.StatusOK, code)
	var quote QuoteResponse
	require.NoError(t, json.Unmarshal(resp.Data, &quote))
	assert.InDelta(t, 14.5, quote.Quote.Currency, 1e-9)

	code, _ = do(t, router, http.MethodGet, "/issuers/ALICE/quote?kind=sell&amount=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = do(t, router, http.MethodGet, "/issuers/ALICE/quote?kind=sell&amount=1000", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "VALIDATION_FAILED", resp.Error.Code)
}
