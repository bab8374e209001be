package types

import "time"

// SettlementResult reports the outcome of settling one order.
type SettlementResult struct {
	Success       bool      `json:"success"`
	OrderID       string    `json:"order_id"`
	Message       string    `json:"message"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	Err           error     `json:"-"`
	Timestamp     time.Time `json:"timestamp"`
}

// DrainResponse summarises a full pass over the queue.
type DrainResponse struct {
	Processed int                 `json:"processed"`
	Completed int                 `json:"completed"`
	Failed    int                 `json:"failed"`
	Results   []*SettlementResult `json:"results"`
}

// PendingResponse is returned by the pending-count endpoint.
type PendingResponse struct {
	Pending int64 `json:"pending"`
}
