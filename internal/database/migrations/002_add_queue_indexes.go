package migrations

import "gorm.io/gorm"

// AddQueueIndexes adds the indexes the claim query and order history
// endpoints rely on.
func AddQueueIndexes(db *gorm.DB) error {
	indexes := []string{
		// Claim scan: oldest claimable order first
		`CREATE INDEX IF NOT EXISTS idx_orders_status_submitted
		 ON orders(status, submitted_at, id)`,

		// Lease recovery
		`CREATE INDEX IF NOT EXISTS idx_orders_lease
		 ON orders(status, lease_expires_at)`,

		// Per-user order history
		`CREATE INDEX IF NOT EXISTS idx_orders_user_submitted
		 ON orders(user_id, submitted_at)`,

		`CREATE INDEX IF NOT EXISTS idx_transaction_records_user_settled
		 ON transaction_records(user_id, settled_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}
	return nil
}
