package migrations

import (
	"github.com/ksred/curvex/internal/types"
	"gorm.io/gorm"
)

// AddIdempotencyRecords creates the table backing Idempotency-Key replay
// on order submission.
func AddIdempotencyRecords(db *gorm.DB) error {
	return db.AutoMigrate(&types.IdempotencyRecord{})
}
