package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/curvex/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// claimRetries bounds how many candidates ClaimNext tries when other
// workers keep winning the compare-and-swap.
const claimRetries = 5

// Database is the gorm-backed Store.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Atomic(ctx context.Context, fn func(tx Repositories) error) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Database{db: tx})
	})
}

func claimable(db *gorm.DB, claim Claim) *gorm.DB {
	return db.Where("status = ? OR (status = ? AND lease_expires_at < ?)",
		types.StatusPending, types.StatusProcessing, claim.Now)
}

func (d *Database) ClaimNext(ctx context.Context, claim Claim) (*types.Order, error) {
	db := d.db.WithContext(ctx)
	expires := claim.Now.Add(claim.Lease)

	for i := 0; i < claimRetries; i++ {
		var candidate types.Order
		err := claimable(db, claim).
			Order("submitted_at ASC, id ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to select next order: %w", err)
		}

		// Compare-and-swap on the status and token we observed.
		result := db.Model(&types.Order{}).
			Where("order_id = ? AND status = ? AND claim_token = ?",
				candidate.OrderID, candidate.Status, candidate.ClaimToken).
			Updates(map[string]interface{}{
				"status":           types.StatusProcessing,
				"claim_token":      claim.Token,
				"lease_expires_at": expires,
				"attempts":         gorm.Expr("attempts + 1"),
				"updated_at":       claim.Now,
			})
		if result.Error != nil {
			return nil, fmt.Errorf("failed to claim order %s: %w", candidate.OrderID, result.Error)
		}
		if result.RowsAffected == 1 {
			candidate.Status = types.StatusProcessing
			candidate.ClaimToken = claim.Token
			candidate.LeaseExpiresAt = &expires
			candidate.Attempts++
			return &candidate, nil
		}
	}

	return nil, ErrClaimContention
}

func (d *Database) Finalize(ctx context.Context, orderID, token string, outcome Outcome) error {
	result := d.db.WithContext(ctx).Model(&types.Order{}).
		Where("order_id = ? AND status = ? AND claim_token = ?", orderID, types.StatusProcessing, token).
		Updates(map[string]interface{}{
			"status":           outcome.Status,
			"failure_reason":   outcome.Reason,
			"transaction_id":   outcome.TransactionID,
			"processed_at":     outcome.At,
			"lease_expires_at": nil,
			"updated_at":       outcome.At,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (d *Database) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&types.Order{}).
		Where("status = ?", types.StatusPending).
		Count(&count).Error
	return count, err
}

func (d *Database) GetIssuerForUpdate(ctx context.Context, ticker string) (*types.IssuerCurveState, error) {
	var issuer types.IssuerCurveState
	err := d.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("ticker = ?", ticker).
		First(&issuer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrIssuerNotFound, ticker)
	}
	if err != nil {
		return nil, err
	}
	return &issuer, nil
}

func (d *Database) SaveIssuer(ctx context.Context, issuer *types.IssuerCurveState) error {
	return d.db.WithContext(ctx).Save(issuer).Error
}

func (d *Database) GetAccount(ctx context.Context, userID string) (*types.Account, error) {
	var account types.Account
	err := d.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (d *Database) SaveAccount(ctx context.Context, account *types.Account) error {
	return d.db.WithContext(ctx).Save(account).Error
}

func (d *Database) GetPosition(ctx context.Context, userID, ticker string) (*types.Position, error) {
	var position types.Position
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND ticker = ?", userID, ticker).
		First(&position).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &position, nil
}

// UpsertPosition inserts a new position or updates quantity and cost basis
// of the existing (user, ticker) row.
func (d *Database) UpsertPosition(ctx context.Context, position *types.Position) error {
	if position.ID != 0 {
		return d.db.WithContext(ctx).Save(position).Error
	}
	return d.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "ticker"}},
			DoUpdates: clause.AssignmentColumns([]string{"quantity", "cost_basis", "updated_at"}),
		}).
		Create(position).Error
}

func (d *Database) AppendTransaction(ctx context.Context, record *types.TransactionRecord) error {
	return d.db.WithContext(ctx).Create(record).Error
}

func (d *Database) GetTransactionByOrderID(ctx context.Context, orderID string) (*types.TransactionRecord, error) {
	var record types.TransactionRecord
	err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
