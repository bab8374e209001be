package trading

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/curvex/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateOrderWithIdempotency inserts a pending order and its idempotency
// record in one transaction, replacing an expired record for the same key.
func (d *Database) CreateOrderWithIdempotency(ctx context.Context, order *types.Order, key string, expiresAt time.Time) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().
			Where("idempotency_key = ? AND expires_at <= ?", key, order.SubmittedAt).
			Delete(&types.IdempotencyRecord{}).Error; err != nil {
			return err
		}

		if err := tx.Create(order).Error; err != nil {
			return err
		}

		return tx.Create(&types.IdempotencyRecord{
			IdempotencyKey: key,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      expiresAt,
		}).Error
	})
}

// GetIdempotencyRecord returns nil when the key was never used
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByOrderIDAndUserID(ctx context.Context, orderID, userID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ? AND user_id = ?", orderID, userID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListOrders(ctx context.Context, userID, status string, limit int) ([]types.Order, error) {
	query := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var orders []types.Order
	if err := query.Order("submitted_at DESC").Limit(limit).Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CancelPendingOrder moves the order to cancelled only if it is still
// pending. Returns false when the order was already claimed or finished.
func (d *Database) CancelPendingOrder(ctx context.Context, orderID, userID string, at time.Time) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_id = ? AND user_id = ? AND status = ?", orderID, userID, types.StatusPending).
		Updates(map[string]interface{}{
			"status":       types.StatusCancelled,
			"processed_at": at,
			"updated_at":   at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) GetAccount(ctx context.Context, userID string) (*types.Account, error) {
	var account types.Account
	if err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

func (d *Database) ListPositions(ctx context.Context, userID string) ([]types.Position, error) {
	var positions []types.Position
	if err := d.db.WithContext(ctx).
		Where("user_id = ? AND quantity > 0", userID).
		Order("ticker ASC").
		Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

func (d *Database) ListTransactions(ctx context.Context, userID string, limit int) ([]types.TransactionRecord, error) {
	var records []types.TransactionRecord
	if err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("settled_at DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (d *Database) GetIssuer(ctx context.Context, ticker string) (*types.IssuerCurveState, error) {
	var issuer types.IssuerCurveState
	if err := d.db.WithContext(ctx).Where("ticker = ?", ticker).First(&issuer).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &issuer, nil
}

func (d *Database) GetIssuersByTicker(ctx context.Context, tickers []string) (map[string]types.IssuerCurveState, error) {
	issuers := make(map[string]types.IssuerCurveState, len(tickers))
	if len(tickers) == 0 {
		return issuers, nil
	}

	var rows []types.IssuerCurveState
	if err := d.db.WithContext(ctx).Where("ticker IN ?", tickers).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		issuers[row.Ticker] = row
	}
	return issuers, nil
}

func (d *Database) ListIssuers(ctx context.Context) ([]types.IssuerCurveState, error) {
	var issuers []types.IssuerCurveState
	if err := d.db.WithContext(ctx).Order("ticker ASC").Find(&issuers).Error; err != nil {
		return nil, err
	}
	return issuers, nil
}
