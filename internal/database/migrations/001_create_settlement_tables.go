package migrations

import (
	"github.com/ksred/curvex/internal/types"
	"gorm.io/gorm"
)

// CreateSettlementTables creates the queue, curve, account, position and
// ledger tables.
func CreateSettlementTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Order{},
		&types.IssuerCurveState{},
		&types.Account{},
		&types.Position{},
		&types.TransactionRecord{},
	)
}
