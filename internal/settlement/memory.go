package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ksred/curvex/internal/types"
)

// MemoryStore is an in-process Store used by the simulator and tests.
// Atomic holds the store lock for the whole callback and restores a
// snapshot when the callback fails or panics.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	orders    map[string]*types.Order
	issuers   map[string]*types.IssuerCurveState
	accounts  map[string]*types.Account
	positions map[string]*types.Position
	ledger    map[string]*types.TransactionRecord // keyed by order id
	seq       uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		orders:    make(map[string]*types.Order),
		issuers:   make(map[string]*types.IssuerCurveState),
		accounts:  make(map[string]*types.Account),
		positions: make(map[string]*types.Position),
		ledger:    make(map[string]*types.TransactionRecord),
	}}
}

func positionKey(userID, ticker string) string {
	return userID + "/" + ticker
}

func (s *memState) clone() *memState {
	c := &memState{
		orders:    make(map[string]*types.Order, len(s.orders)),
		issuers:   make(map[string]*types.IssuerCurveState, len(s.issuers)),
		accounts:  make(map[string]*types.Account, len(s.accounts)),
		positions: make(map[string]*types.Position, len(s.positions)),
		ledger:    make(map[string]*types.TransactionRecord, len(s.ledger)),
		seq:       s.seq,
	}
	for k, v := range s.orders {
		o := *v
		c.orders[k] = &o
	}
	for k, v := range s.issuers {
		i := *v
		c.issuers[k] = &i
	}
	for k, v := range s.accounts {
		a := *v
		c.accounts[k] = &a
	}
	for k, v := range s.positions {
		p := *v
		c.positions[k] = &p
	}
	for k, v := range s.ledger {
		r := *v
		c.ledger[k] = &r
	}
	return c
}

func (s *memState) nextID() uint {
	s.seq++
	return s.seq
}

// Seeding and inspection helpers.

func (m *MemoryStore) Enqueue(order *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.orders[order.OrderID]; ok {
		return fmt.Errorf("order %s already queued", order.OrderID)
	}
	o := *order
	o.ID = m.state.nextID()
	if o.Status == "" {
		o.Status = types.StatusPending
	}
	m.state.orders[o.OrderID] = &o
	return nil
}

func (m *MemoryStore) PutIssuer(issuer *types.IssuerCurveState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := *issuer
	m.state.issuers[i.Ticker] = &i
}

func (m *MemoryStore) PutAccount(account *types.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *account
	m.state.accounts[a.UserID] = &a
}

func (m *MemoryStore) PutPosition(position *types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *position
	m.state.positions[positionKey(p.UserID, p.Ticker)] = &p
}

func (m *MemoryStore) Order(orderID string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.state.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}

func (m *MemoryStore) Issuer(ticker string) (types.IssuerCurveState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.state.issuers[ticker]
	if !ok {
		return types.IssuerCurveState{}, false
	}
	return *i, true
}

func (m *MemoryStore) Account(userID string) (types.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.state.accounts[userID]
	if !ok {
		return types.Account{}, false
	}
	return *a, true
}

func (m *MemoryStore) Position(userID, ticker string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.positions[positionKey(userID, ticker)]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Transactions returns the ledger in settlement order.
func (m *MemoryStore) Transactions() []types.TransactionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]types.TransactionRecord, 0, len(m.state.ledger))
	for _, r := range m.state.ledger {
		records = append(records, *r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// Store implementation. Each call takes the lock; Atomic hands the
// callback an unlocked view.

func (m *MemoryStore) Atomic(ctx context.Context, fn func(tx Repositories) error) error {
	m.mu.Lock()
	snapshot := m.state.clone()
	committed := false
	defer func() {
		// also runs when fn panics
		if !committed {
			m.state = snapshot
		}
		m.mu.Unlock()
	}()

	if err := fn(&memTx{state: m.state}); err != nil {
		return err
	}
	committed = true
	return nil
}

func (m *MemoryStore) locked(fn func(tx *memTx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{state: m.state})
}

func (m *MemoryStore) ClaimNext(ctx context.Context, claim Claim) (order *types.Order, err error) {
	err = m.locked(func(tx *memTx) error {
		order, err = tx.ClaimNext(ctx, claim)
		return err
	})
	return order, err
}

func (m *MemoryStore) Finalize(ctx context.Context, orderID, token string, outcome Outcome) error {
	return m.locked(func(tx *memTx) error {
		return tx.Finalize(ctx, orderID, token, outcome)
	})
}

func (m *MemoryStore) CountPending(ctx context.Context) (count int64, err error) {
	err = m.locked(func(tx *memTx) error {
		count, err = tx.CountPending(ctx)
		return err
	})
	return count, err
}

func (m *MemoryStore) GetIssuerForUpdate(ctx context.Context, ticker string) (issuer *types.IssuerCurveState, err error) {
	err = m.locked(func(tx *memTx) error {
		issuer, err = tx.GetIssuerForUpdate(ctx, ticker)
		return err
	})
	return issuer, err
}

func (m *MemoryStore) SaveIssuer(ctx context.Context, issuer *types.IssuerCurveState) error {
	return m.locked(func(tx *memTx) error { return tx.SaveIssuer(ctx, issuer) })
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID string) (account *types.Account, err error) {
	err = m.locked(func(tx *memTx) error {
		account, err = tx.GetAccount(ctx, userID)
		return err
	})
	return account, err
}

func (m *MemoryStore) SaveAccount(ctx context.Context, account *types.Account) error {
	return m.locked(func(tx *memTx) error { return tx.SaveAccount(ctx, account) })
}

func (m *MemoryStore) GetPosition(ctx context.Context, userID, ticker string) (position *types.Position, err error) {
	err = m.locked(func(tx *memTx) error {
		position, err = tx.GetPosition(ctx, userID, ticker)
		return err
	})
	return position, err
}

func (m *MemoryStore) UpsertPosition(ctx context.Context, position *types.Position) error {
	return m.locked(func(tx *memTx) error { return tx.UpsertPosition(ctx, position) })
}

func (m *MemoryStore) AppendTransaction(ctx context.Context, record *types.TransactionRecord) error {
	return m.locked(func(tx *memTx) error { return tx.AppendTransaction(ctx, record) })
}

func (m *MemoryStore) GetTransactionByOrderID(ctx context.Context, orderID string) (record *types.TransactionRecord, err error) {
	err = m.locked(func(tx *memTx) error {
		record, err = tx.GetTransactionByOrderID(ctx, orderID)
		return err
	})
	return record, err
}

// memTx operates on state without locking; the caller holds the lock.
type memTx struct {
	state *memState
}

func (t *memTx) ClaimNext(_ context.Context, claim Claim) (*types.Order, error) {
	var next *types.Order
	for _, o := range t.state.orders {
		eligible := o.Status == types.StatusPending ||
			(o.Status == types.StatusProcessing && o.LeaseExpiresAt != nil && o.LeaseExpiresAt.Before(claim.Now))
		if !eligible {
			continue
		}
		if next == nil || o.SubmittedAt.Before(next.SubmittedAt) ||
			(o.SubmittedAt.Equal(next.SubmittedAt) && o.ID < next.ID) {
			next = o
		}
	}
	if next == nil {
		return nil, nil
	}

	expires := claim.Now.Add(claim.Lease)
	next.Status = types.StatusProcessing
	next.ClaimToken = claim.Token
	next.LeaseExpiresAt = &expires
	next.Attempts++
	next.UpdatedAt = claim.Now

	o := *next
	return &o, nil
}

func (t *memTx) Finalize(_ context.Context, orderID, token string, outcome Outcome) error {
	o, ok := t.state.orders[orderID]
	if !ok || o.Status != types.StatusProcessing || o.ClaimToken != token {
		return ErrClaimLost
	}
	at := outcome.At
	o.Status = outcome.Status
	o.FailureReason = outcome.Reason
	o.TransactionID = outcome.TransactionID
	o.ProcessedAt = &at
	o.LeaseExpiresAt = nil
	o.UpdatedAt = at
	return nil
}

func (t *memTx) CountPending(context.Context) (int64, error) {
	var count int64
	for _, o := range t.state.orders {
		if o.Status == types.StatusPending {
			count++
		}
	}
	return count, nil
}

func (t *memTx) GetIssuerForUpdate(_ context.Context, ticker string) (*types.IssuerCurveState, error) {
	i, ok := t.state.issuers[ticker]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIssuerNotFound, ticker)
	}
	c := *i
	return &c, nil
}

func (t *memTx) SaveIssuer(_ context.Context, issuer *types.IssuerCurveState) error {
	i := *issuer
	t.state.issuers[i.Ticker] = &i
	return nil
}

func (t *memTx) GetAccount(_ context.Context, userID string) (*types.Account, error) {
	a, ok := t.state.accounts[userID]
	if !ok {
		return nil, nil
	}
	c := *a
	return &c, nil
}

func (t *memTx) SaveAccount(_ context.Context, account *types.Account) error {
	a := *account
	t.state.accounts[a.UserID] = &a
	return nil
}

func (t *memTx) GetPosition(_ context.Context, userID, ticker string) (*types.Position, error) {
	p, ok := t.state.positions[positionKey(userID, ticker)]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (t *memTx) UpsertPosition(_ context.Context, position *types.Position) error {
	p := *position
	t.state.positions[positionKey(p.UserID, p.Ticker)] = &p
	return nil
}

func (t *memTx) AppendTransaction(_ context.Context, record *types.TransactionRecord) error {
	if _, ok := t.state.ledger[record.OrderID]; ok {
		return fmt.Errorf("transaction for order %s already recorded", record.OrderID)
	}
	r := *record
	r.ID = t.state.nextID()
	t.state.ledger[r.OrderID] = &r
	return nil
}

func (t *memTx) GetTransactionByOrderID(_ context.Context, orderID string) (*types.TransactionRecord, error) {
	r, ok := t.state.ledger[orderID]
	if !ok {
		return nil, nil
	}
	c := *r
	return &c, nil
}
