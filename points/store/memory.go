// Package store provides an in-memory points.Store.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-engine/points"
)

// errReadOnly is returned by writes inside View.
var errReadOnly = errors.New("write in read-only transaction")

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory serializes write transactions under one mutex. A transaction writes
// directly to the maps; on error the snapshot taken at begin is restored.
type Memory struct {
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	accounts     map[points.DriverID]points.DriverAccount
	entries      []points.Entry
	seq          int64
	items        map[points.ItemID]points.CatalogItem
	orders       map[points.OrderID]points.Order
	orderSeq     map[points.OrderID]int64
	nextOrderSeq int64
	policies     map[points.SponsorID]points.RewardPolicy
	valueChanges []points.PointValueChange
}

func NewMemory() *Memory {
	return &Memory{data: emptyData()}
}

func emptyData() memoryData {
	return memoryData{
		accounts: make(map[points.DriverID]points.DriverAccount),
		items:    make(map[points.ItemID]points.CatalogItem),
		orders:   make(map[points.OrderID]points.Order),
		orderSeq: make(map[points.OrderID]int64),
		policies: make(map[points.SponsorID]points.RewardPolicy),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(points.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&memoryTx{data: &m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

// View executes fn under the read lock; concurrent writers wait.
func (m *Memory) View(ctx context.Context, fn func(points.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTx{data: &m.data, readOnly: true})
}

func (m *Memory) Close() error { return nil }

// Reset clears all data (for testing/demo).
func (m *Memory) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = emptyData()
	return nil
}

func (d memoryData) clone() memoryData {
	c := memoryData{
		accounts:     make(map[points.DriverID]points.DriverAccount, len(d.accounts)),
		entries:      append([]points.Entry(nil), d.entries...),
		seq:          d.seq,
		items:        make(map[points.ItemID]points.CatalogItem, len(d.items)),
		orders:       make(map[points.OrderID]points.Order, len(d.orders)),
		orderSeq:     make(map[points.OrderID]int64, len(d.orderSeq)),
		nextOrderSeq: d.nextOrderSeq,
		policies:     make(map[points.SponsorID]points.RewardPolicy, len(d.policies)),
		valueChanges: append([]points.PointValueChange(nil), d.valueChanges...),
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.orders {
		c.orders[k] = v
	}
	for k, v := range d.orderSeq {
		c.orderSeq[k] = v
	}
	for k, v := range d.policies {
		c.policies[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTION VIEW
// =============================================================================

type memoryTx struct {
	data     *memoryData
	readOnly bool
}

func (tx *memoryTx) writable() error {
	if tx.readOnly {
		return errReadOnly
	}
	return nil
}

// --- accounts ---

func (tx *memoryTx) Account(_ context.Context, id points.DriverID) (points.DriverAccount, error) {
	acct, ok := tx.data.accounts[id]
	if !ok {
		return points.DriverAccount{}, points.DriverNotFound(id)
	}
	return acct, nil
}

func (tx *memoryTx) LockAccount(ctx context.Context, id points.DriverID) (points.DriverAccount, error) {
	return tx.Account(ctx, id)
}

func (tx *memoryTx) SaveAccount(_ context.Context, acct points.DriverAccount) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if existing, ok := tx.data.accounts[acct.DriverID]; ok {
		acct.CreatedAt = existing.CreatedAt
	}
	tx.data.accounts[acct.DriverID] = acct
	return nil
}

func (tx *memoryTx) Accounts(_ context.Context, sponsorID points.SponsorID) ([]points.DriverAccount, error) {
	var result []points.DriverAccount
	for _, acct := range tx.data.accounts {
		if acct.SponsorID == sponsorID {
			result = append(result, acct)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DriverID < result[j].DriverID })
	return result, nil
}

func (tx *memoryTx) AllAccounts(_ context.Context) ([]points.DriverAccount, error) {
	result := make([]points.DriverAccount, 0, len(tx.data.accounts))
	for _, acct := range tx.data.accounts {
		result = append(result, acct)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DriverID < result[j].DriverID })
	return result, nil
}

// --- entries ---

func (tx *memoryTx) AppendEntries(_ context.Context, entries []points.Entry) error {
	if err := tx.writable(); err != nil {
		return err
	}
	for i := range entries {
		tx.data.seq++
		entries[i].Seq = tx.data.seq
		tx.data.entries = append(tx.data.entries, entries[i])
	}
	return nil
}

func (tx *memoryTx) Entries(_ context.Context, driverID points.DriverID) ([]points.Entry, error) {
	var result []points.Entry
	for _, e := range tx.data.entries {
		if e.DriverID == driverID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (tx *memoryTx) OrderEntries(_ context.Context, orderID points.OrderID) ([]points.Entry, error) {
	var result []points.Entry
	for _, e := range tx.data.entries {
		if e.RelatedOrderID != nil && *e.RelatedOrderID == orderID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (tx *memoryTx) SponsorEntries(_ context.Context, sponsorID points.SponsorID, since time.Time) ([]points.Entry, error) {
	var result []points.Entry
	for _, e := range tx.data.entries {
		if e.SponsorID == sponsorID && !e.CreatedAt.Before(since) {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- catalog ---

func (tx *memoryTx) Item(_ context.Context, id points.ItemID) (points.CatalogItem, error) {
	item, ok := tx.data.items[id]
	if !ok {
		return points.CatalogItem{}, points.ItemNotFound(id)
	}
	return item, nil
}

func (tx *memoryTx) LockItem(ctx context.Context, id points.ItemID) (points.CatalogItem, error) {
	return tx.Item(ctx, id)
}

func (tx *memoryTx) Items(_ context.Context, sponsorID points.SponsorID, includeInactive bool) ([]points.CatalogItem, error) {
	var result []points.CatalogItem
	for _, item := range tx.data.items {
		if item.SponsorID != sponsorID || (!item.Active && !includeInactive) {
			continue
		}
		result = append(result, item)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (tx *memoryTx) SaveItem(_ context.Context, item points.CatalogItem) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.data.items[item.ID] = item
	return nil
}

func (tx *memoryTx) AdjustStock(_ context.Context, id points.ItemID, delta int64) (int64, error) {
	if err := tx.writable(); err != nil {
		return 0, err
	}
	item, ok := tx.data.items[id]
	if !ok {
		return 0, points.ItemNotFound(id)
	}
	if item.StockQuantity+delta < 0 {
		return item.StockQuantity, &points.OutOfStockError{ItemID: id, Title: item.Title}
	}
	item.StockQuantity += delta
	tx.data.items[id] = item
	return item.StockQuantity, nil
}

// --- orders ---

func (tx *memoryTx) Order(_ context.Context, id points.OrderID) (points.Order, error) {
	o, ok := tx.data.orders[id]
	if !ok {
		return points.Order{}, points.OrderNotFound(id)
	}
	return o, nil
}

func (tx *memoryTx) LockOrder(ctx context.Context, id points.OrderID) (points.Order, error) {
	return tx.Order(ctx, id)
}

func (tx *memoryTx) SaveOrder(_ context.Context, o points.Order) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, exists := tx.data.orderSeq[o.ID]; !exists {
		tx.data.nextOrderSeq++
		tx.data.orderSeq[o.ID] = tx.data.nextOrderSeq
	}
	tx.data.orders[o.ID] = o
	return nil
}

func (tx *memoryTx) Orders(_ context.Context, f points.OrderFilter) ([]points.Order, error) {
	var result []points.Order
	for _, o := range tx.data.orders {
		if f.DriverID != nil && o.DriverID != *f.DriverID {
			continue
		}
		if f.SponsorID != nil && o.SponsorID != *f.SponsorID {
			continue
		}
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		result = append(result, o)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return tx.data.orderSeq[result[i].ID] > tx.data.orderSeq[result[j].ID]
	})
	return result, nil
}

// --- policies ---

func (tx *memoryTx) Policy(_ context.Context, sponsorID points.SponsorID) (points.RewardPolicy, error) {
	p, ok := tx.data.policies[sponsorID]
	if !ok {
		return points.RewardPolicy{}, points.PolicyNotFound(sponsorID)
	}
	return p, nil
}

func (tx *memoryTx) LockPolicy(ctx context.Context, sponsorID points.SponsorID) (points.RewardPolicy, error) {
	return tx.Policy(ctx, sponsorID)
}

func (tx *memoryTx) CreatePolicy(_ context.Context, p points.RewardPolicy) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if _, exists := tx.data.policies[p.SponsorID]; !exists {
		tx.data.policies[p.SponsorID] = p
	}
	return nil
}

func (tx *memoryTx) SavePolicy(_ context.Context, p points.RewardPolicy) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.data.policies[p.SponsorID] = p
	return nil
}

func (tx *memoryTx) AppendValueChange(_ context.Context, c points.PointValueChange) error {
	if err := tx.writable(); err != nil {
		return err
	}
	tx.data.valueChanges = append(tx.data.valueChanges, c)
	return nil
}

func (tx *memoryTx) ValueChanges(_ context.Context, sponsorID points.SponsorID) ([]points.PointValueChange, error) {
	var result []points.PointValueChange
	for i := len(tx.data.valueChanges) - 1; i >= 0; i-- {
		if c := tx.data.valueChanges[i]; c.SponsorID == sponsorID {
			result = append(result, c)
		}
	}
	return result, nil
}
