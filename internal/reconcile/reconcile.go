// Package reconcile nets the ledger per issuer and checks it against the
// stored curve state: the price path must be continuous from one settled
// trade to the next and the stored price must match base + step*supply.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/curvex/internal/types"
	"github.com/ksred/curvex/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// tolerance for comparing prices derived through floating arithmetic
const tolerance = 1e-6

var ErrIssuerNotFound = errors.New("issuer not found")

// Break is a point where the ledger and the curve disagree.
type Break struct {
	TransactionID string  `json:"transaction_id,omitempty"`
	Kind          string  `json:"kind"`
	Expected      float64 `json:"expected"`
	Actual        float64 `json:"actual"`
}

const (
	BreakPriceGap   = "price_gap"
	BreakPriceDrift = "price_drift"
)

// Report is the netting of one issuer's ledger.
type Report struct {
	Ticker        string    `json:"ticker"`
	Transactions  int       `json:"transactions"`
	Buys          int       `json:"buys"`
	Sells         int       `json:"sells"`
	NetTokens     float64   `json:"net_tokens"`
	NetCurrency   float64   `json:"net_currency"`
	CurrentPrice  float64   `json:"current_price"`
	ExpectedPrice float64   `json:"expected_price"`
	Breaks        []Break   `json:"breaks"`
	Consistent    bool      `json:"consistent"`
	ReconciledAt  time.Time `json:"reconciled_at"`
}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetIssuer(ctx context.Context, ticker string) (*types.IssuerCurveState, error) {
	var issuer types.IssuerCurveState
	if err := d.db.WithContext(ctx).Where("ticker = ?", ticker).First(&issuer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrIssuerNotFound, ticker)
		}
		return nil, err
	}
	return &issuer, nil
}

// GetLedger returns the issuer's transactions in settlement order.
func (d *Database) GetLedger(ctx context.Context, ticker string) ([]types.TransactionRecord, error) {
	var records []types.TransactionRecord
	if err := d.db.WithContext(ctx).
		Where("ticker = ?", ticker).
		Order("settled_at ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch ledger for %s: %w", ticker, err)
	}
	return records, nil
}

func (d *Database) ListTickers(ctx context.Context) ([]string, error) {
	var tickers []string
	if err := d.db.WithContext(ctx).Model(&types.IssuerCurveState{}).
		Order("ticker ASC").
		Pluck("ticker", &tickers).Error; err != nil {
		return nil, err
	}
	return tickers, nil
}

type Service struct {
	db *Database
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{db: NewDatabase(gormDB)}
}

// Reconcile nets the ledger of one issuer.
func (s *Service) Reconcile(ctx context.Context, ticker string) (*Report, error) {
	ticker = strings.ToUpper(ticker)
	issuer, err := s.db.GetIssuer(ctx, ticker)
	if err != nil {
		return nil, err
	}
	ledger, err := s.db.GetLedger(ctx, ticker)
	if err != nil {
		return nil, err
	}

	report := Net(issuer, ledger)

	logger := log.With().Str("service", "reconcile").Str("ticker", ticker).Logger()
	if report.Consistent {
		logger.Info().Int("transactions", report.Transactions).Msg("ledger reconciled")
	} else {
		logger.Warn().Int("breaks", len(report.Breaks)).Msg("ledger does not reconcile with curve state")
	}
	return report, nil
}

// ReconcileAll reconciles every issuer.
func (s *Service) ReconcileAll(ctx context.Context) ([]*Report, error) {
	tickers, err := s.db.ListTickers(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]*Report, 0, len(tickers))
	for _, ticker := range tickers {
		report, err := s.Reconcile(ctx, ticker)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Net walks ledger in settlement order. Each trade must start where the
// previous one ended, and the last trade must end at the stored price.
func Net(issuer *types.IssuerCurveState, ledger []types.TransactionRecord) *Report {
	report := &Report{
		Ticker:        issuer.Ticker,
		Transactions:  len(ledger),
		CurrentPrice:  issuer.Price,
		ExpectedPrice: issuer.BasePrice + issuer.Step*issuer.Supply,
		Breaks:        []Break{},
		ReconciledAt:  time.Now(),
	}

	for i, tx := range ledger {
		switch tx.Kind {
		case types.KindBuy:
			report.Buys++
			report.NetTokens += tx.TokenAmount
			report.NetCurrency += tx.CurrencyAmount
		case types.KindSell:
			report.Sells++
			report.NetTokens -= tx.TokenAmount
			report.NetCurrency -= tx.CurrencyAmount
		}

		if i > 0 && !within(ledger[i-1].EndPrice, tx.StartPrice) {
			report.Breaks = append(report.Breaks, Break{
				TransactionID: tx.TransactionID,
				Kind:          BreakPriceGap,
				Expected:      ledger[i-1].EndPrice,
				Actual:        tx.StartPrice,
			})
		}
	}

	if n := len(ledger); n > 0 && !within(ledger[n-1].EndPrice, issuer.Price) {
		report.Breaks = append(report.Breaks, Break{
			TransactionID: ledger[n-1].TransactionID,
			Kind:          BreakPriceGap,
			Expected:      ledger[n-1].EndPrice,
			Actual:        issuer.Price,
		})
	}
	if !within(report.ExpectedPrice, issuer.Price) {
		report.Breaks = append(report.Breaks, Break{
			Kind:     BreakPriceDrift,
			Expected: report.ExpectedPrice,
			Actual:   issuer.Price,
		})
	}

	report.Consistent = len(report.Breaks) == 0
	return report
}

func within(a, b float64) bool {
	return math.Abs(a-b) <= tolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// GinHandlers contains HTTP handlers for reconciliation endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.Reconcile(c.Request.Context(), c.Param("ticker"))
		if errors.Is(err, ErrIssuerNotFound) {
			response.NotFound(c, err.Error())
			return
		}
		response.Handle(c, report, err)
	}
}

func (h *GinHandlers) ReconcileAllHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		reports, err := h.service.ReconcileAll(c.Request.Context())
		response.Handle(c, reports, err)
	}
}
