package settlement

import (
	"context"
	"time"

	"github.com/ksred/curvex/internal/types"
)

// Claim describes a worker's attempt to take the next order off the queue.
type Claim struct {
	Token string
	Now   time.Time
	Lease time.Duration
}

// OrderQueue is the queue of trade intents.
type OrderQueue interface {
	// ClaimNext atomically moves the oldest claimable order to processing
	// under claim.Token. Claimable means pending, or processing with an
	// expired lease. Returns nil when nothing is claimable.
	ClaimNext(ctx context.Context, claim Claim) (*types.Order, error)
	// Finalize moves a processing order held under token to a terminal
	// status. Returns ErrClaimLost if the order is no longer held by token.
	Finalize(ctx context.Context, orderID, token string, outcome Outcome) error
	CountPending(ctx context.Context) (int64, error)
}

// Outcome is the terminal state written by Finalize.
type Outcome struct {
	Status        string
	Reason        string
	TransactionID string
	At            time.Time
}

type IssuerStore interface {
	// GetIssuerForUpdate reads the curve state, locking the row where the
	// backend supports it.
	GetIssuerForUpdate(ctx context.Context, ticker string) (*types.IssuerCurveState, error)
	SaveIssuer(ctx context.Context, issuer *types.IssuerCurveState) error
}

type AccountStore interface {
	// GetAccount returns nil when the user has no account.
	GetAccount(ctx context.Context, userID string) (*types.Account, error)
	SaveAccount(ctx context.Context, account *types.Account) error
}

type PositionStore interface {
	// GetPosition returns nil when the user never held the ticker.
	GetPosition(ctx context.Context, userID, ticker string) (*types.Position, error)
	UpsertPosition(ctx context.Context, position *types.Position) error
}

type LedgerStore interface {
	AppendTransaction(ctx context.Context, record *types.TransactionRecord) error
	GetTransactionByOrderID(ctx context.Context, orderID string) (*types.TransactionRecord, error)
}

// Repositories groups the five stores the coordinator writes to.
type Repositories interface {
	OrderQueue
	IssuerStore
	AccountStore
	PositionStore
	LedgerStore
}

// Store is the single port the coordinator depends on. Atomic runs fn
// against a transactional view; if fn returns an error nothing it wrote is
// kept.
type Store interface {
	Repositories
	Atomic(ctx context.Context, fn func(tx Repositories) error) error
}
