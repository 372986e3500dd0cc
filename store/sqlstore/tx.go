package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/warp/points-engine/points"
)

var errReadOnly = errors.New("write in read-only transaction")

type tx struct {
	tx       *sql.Tx
	s        *Store
	readOnly bool
}

func (t *tx) q(query string) string { return t.s.dialect.Rebind(query) }

func (t *tx) lock(query string) string { return t.q(query + t.s.dialect.ForUpdate) }

func (t *tx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `driver_id, sponsor_id, display_name, username, created_at`

func (t *tx) Account(ctx context.Context, id points.DriverID) (points.DriverAccount, error) {
	return t.account(ctx, t.q(`SELECT `+accountColumns+` FROM accounts WHERE driver_id = ?`), id)
}

func (t *tx) LockAccount(ctx context.Context, id points.DriverID) (points.DriverAccount, error) {
	return t.account(ctx, t.lock(`SELECT `+accountColumns+` FROM accounts WHERE driver_id = ?`), id)
}

func (t *tx) account(ctx context.Context, query string, id points.DriverID) (points.DriverAccount, error) {
	acct, err := scanAccount(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return points.DriverAccount{}, points.DriverNotFound(id)
	}
	if err != nil {
		return points.DriverAccount{}, t.s.classify("load account", err)
	}
	return acct, nil
}

func (t *tx) SaveAccount(ctx context.Context, a points.DriverAccount) error {
	if err := t.writable(); err != nil {
		return err
	}
	query := `
		INSERT INTO accounts (driver_id, sponsor_id, display_name, username, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (driver_id) DO UPDATE SET
			sponsor_id = excluded.sponsor_id,
			display_name = excluded.display_name,
			username = excluded.username
	`
	_, err := t.tx.ExecContext(ctx, t.q(query),
		a.DriverID, a.SponsorID, a.DisplayName, a.Username, a.CreatedAt.UTC())
	return t.s.classify("save account", err)
}

func (t *tx) Accounts(ctx context.Context, sponsorID points.SponsorID) ([]points.DriverAccount, error) {
	return t.queryAccounts(ctx, t.q(`SELECT `+accountColumns+` FROM accounts WHERE sponsor_id = ? ORDER BY driver_id`), sponsorID)
}

func (t *tx) AllAccounts(ctx context.Context) ([]points.DriverAccount, error) {
	return t.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY driver_id`)
}

func (t *tx) queryAccounts(ctx context.Context, query string, args ...any) ([]points.DriverAccount, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, t.s.classify("query accounts", err)
	}
	defer rows.Close()

	var accounts []points.DriverAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, t.s.classify("scan account", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, t.s.classify("query accounts", rows.Err())
}

// =============================================================================
// ENTRIES (append-only)
// =============================================================================

const entryColumns = `seq, id, driver_id, sponsor_id, kind, points_changed, reason,
	created_at, expires_at, changed_by, related_order_id`

func (t *tx) AppendEntries(ctx context.Context, entries []points.Entry) error {
	if err := t.writable(); err != nil {
		return err
	}
	query := t.q(`
		INSERT INTO entries
		(id, driver_id, sponsor_id, kind, points_changed, reason, created_at, expires_at, changed_by, related_order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`)
	for i := range entries {
		e := &entries[i]
		err := t.tx.QueryRowContext(ctx, query,
			e.ID, e.DriverID, e.SponsorID, e.Kind, e.PointsChanged, e.Reason,
			e.CreatedAt.UTC(), nullTime(e.ExpiresAt), nullUser(e.ChangedBy), nullOrder(e.RelatedOrderID),
		).Scan(&e.Seq)
		if err != nil {
			return t.s.classify("append entry", err)
		}
	}
	return nil
}

func (t *tx) Entries(ctx context.Context, driverID points.DriverID) ([]points.Entry, error) {
	return t.queryEntries(ctx, `SELECT `+entryColumns+` FROM entries WHERE driver_id = ? ORDER BY seq`, driverID)
}

func (t *tx) OrderEntries(ctx context.Context, orderID points.OrderID) ([]points.Entry, error) {
	return t.queryEntries(ctx, `SELECT `+entryColumns+` FROM entries WHERE related_order_id = ? ORDER BY seq`, orderID)
}

func (t *tx) SponsorEntries(ctx context.Context, sponsorID points.SponsorID, since time.Time) ([]points.Entry, error) {
	return t.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE sponsor_id = ? AND created_at >= ? ORDER BY seq`,
		sponsorID, since.UTC())
}

func (t *tx) queryEntries(ctx context.Context, query string, args ...any) ([]points.Entry, error) {
	rows, err := t.tx.QueryContext(ctx, t.q(query), args...)
	if err != nil {
		return nil, t.s.classify("query entries", err)
	}
	defer rows.Close()

	var entries []points.Entry
	for rows.Next() {
		var (
			e         points.Entry
			expiresAt sql.NullTime
			changedBy sql.NullString
			orderID   sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.DriverID, &e.SponsorID, &e.Kind, &e.PointsChanged, &e.Reason,
			&e.CreatedAt, &expiresAt, &changedBy, &orderID); err != nil {
			return nil, t.s.classify("scan entry", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		if expiresAt.Valid {
			ts := expiresAt.Time.UTC()
			e.ExpiresAt = &ts
		}
		if changedBy.Valid {
			u := points.UserID(changedBy.String)
			e.ChangedBy = &u
		}
		if orderID.Valid {
			o := points.OrderID(orderID.String)
			e.RelatedOrderID = &o
		}
		entries = append(entries, e)
	}
	return entries, t.s.classify("query entries", rows.Err())
}

// =============================================================================
// CATALOG
// =============================================================================

const itemColumns = `id, sponsor_id, title, description, image_url, points_cost, stock_quantity,
	active, created_at, updated_at`

func (t *tx) Item(ctx context.Context, id points.ItemID) (points.CatalogItem, error) {
	return t.item(ctx, t.q(`SELECT `+itemColumns+` FROM catalog_items WHERE id = ?`), id)
}

func (t *tx) LockItem(ctx context.Context, id points.ItemID) (points.CatalogItem, error) {
	return t.item(ctx, t.lock(`SELECT `+itemColumns+` FROM catalog_items WHERE id = ?`), id)
}

func (t *tx) item(ctx context.Context, query string, id points.ItemID) (points.CatalogItem, error) {
	item, err := scanItem(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return points.CatalogItem{}, points.ItemNotFound(id)
	}
	if err != nil {
		return points.CatalogItem{}, t.s.classify("load item", err)
	}
	return item, nil
}

func (t *tx) Items(ctx context.Context, sponsorID points.SponsorID, includeInactive bool) ([]points.CatalogItem, error) {
	query := `SELECT ` + itemColumns + ` FROM catalog_items WHERE sponsor_id = ?`
	if !includeInactive {
		query += ` AND active = TRUE`
	}
	query += ` ORDER BY created_at, id`

	rows, err := t.tx.QueryContext(ctx, t.q(query), sponsorID)
	if err != nil {
		return nil, t.s.classify("query items", err)
	}
	defer rows.Close()

	var items []points.CatalogItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, t.s.classify("scan item", err)
		}
		items = append(items, item)
	}
	return items, t.s.classify("query items", rows.Err())
}

func (t *tx) SaveItem(ctx context.Context, i points.CatalogItem) error {
	if err := t.writable(); err != nil {
		return err
	}
	query := `
		INSERT INTO catalog_items
		(id, sponsor_id, title, description, image_url, points_cost, stock_quantity, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			image_url = excluded.image_url,
			points_cost = excluded.points_cost,
			stock_quantity = excluded.stock_quantity,
			active = excluded.active,
			updated_at = excluded.updated_at
	`
	_, err := t.tx.ExecContext(ctx, t.q(query),
		i.ID, i.SponsorID, i.Title, i.Description, i.ImageURL, i.PointsCost, i.StockQuantity,
		i.Active, i.CreatedAt.UTC(), i.UpdatedAt.UTC())
	return t.s.classify("save item", err)
}

// AdjustStock is a single conditional UPDATE, so the check and the write
// cannot interleave with another transaction's.
func (t *tx) AdjustStock(ctx context.Context, id points.ItemID, delta int64) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	query := `
		UPDATE catalog_items SET stock_quantity = stock_quantity + ?
		WHERE id = ? AND stock_quantity + ? >= 0
		RETURNING stock_quantity
	`
	var stock int64
	err := t.tx.QueryRowContext(ctx, t.q(query), delta, id, delta).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		item, lookupErr := t.Item(ctx, id)
		if lookupErr != nil {
			return 0, lookupErr
		}
		return item.StockQuantity, &points.OutOfStockError{ItemID: id, Title: item.Title}
	}
	if err != nil {
		return 0, t.s.classify("adjust stock", err)
	}
	return stock, nil
}

// =============================================================================
// ORDERS
// =============================================================================

const orderColumns = `id, driver_id, sponsor_id, item_id, item_title, points_cost_at_purchase,
	status, created_at, updated_at`

func (t *tx) Order(ctx context.Context, id points.OrderID) (points.Order, error) {
	return t.order(ctx, t.q(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), id)
}

func (t *tx) LockOrder(ctx context.Context, id points.OrderID) (points.Order, error) {
	return t.order(ctx, t.lock(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), id)
}

func (t *tx) order(ctx context.Context, query string, id points.OrderID) (points.Order, error) {
	o, err := scanOrder(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return points.Order{}, points.OrderNotFound(id)
	}
	if err != nil {
		return points.Order{}, t.s.classify("load order", err)
	}
	return o, nil
}

func (t *tx) SaveOrder(ctx context.Context, o points.Order) error {
	if err := t.writable(); err != nil {
		return err
	}
	query := `
		INSERT INTO orders
		(id, driver_id, sponsor_id, item_id, item_title, points_cost_at_purchase, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := t.tx.ExecContext(ctx, t.q(query),
		o.ID, o.DriverID, o.SponsorID, o.ItemID, o.ItemTitle, o.PointsCostAtPurchase,
		o.Status, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	return t.s.classify("save order", err)
}

func (t *tx) Orders(ctx context.Context, f points.OrderFilter) ([]points.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.DriverID != nil {
		where = append(where, "driver_id = ?")
		args = append(args, *f.DriverID)
	}
	if f.SponsorID != nil {
		where = append(where, "sponsor_id = ?")
		args = append(args, *f.SponsorID)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *f.Status)
	}
	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC`

	rows, err := t.tx.QueryContext(ctx, t.q(query), args...)
	if err != nil {
		return nil, t.s.classify("query orders", err)
	}
	defer rows.Close()

	var orders []points.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, t.s.classify("scan order", err)
		}
		orders = append(orders, o)
	}
	return orders, t.s.classify("query orders", rows.Err())
}

// =============================================================================
// REWARD POLICIES
// =============================================================================

const policyColumns = `sponsor_id, dollar_per_point, earn_rate, expiration_days,
	max_points_per_day, max_points_per_month, daily_points_awarded, updated_at, updated_by`

func (t *tx) Policy(ctx context.Context, sponsorID points.SponsorID) (points.RewardPolicy, error) {
	return t.policy(ctx, t.q(`SELECT `+policyColumns+` FROM reward_policies WHERE sponsor_id = ?`), sponsorID)
}

func (t *tx) LockPolicy(ctx context.Context, sponsorID points.SponsorID) (points.RewardPolicy, error) {
	return t.policy(ctx, t.lock(`SELECT `+policyColumns+` FROM reward_policies WHERE sponsor_id = ?`), sponsorID)
}

func (t *tx) policy(ctx context.Context, query string, sponsorID points.SponsorID) (points.RewardPolicy, error) {
	var (
		p          points.RewardPolicy
		expiration sql.NullInt64
		perDay     sql.NullInt64
		perMonth   sql.NullInt64
		daily      sql.NullInt64
		updatedBy  sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, query, sponsorID).Scan(
		&p.SponsorID, &p.DollarPerPoint, &p.EarnRate, &expiration,
		&perDay, &perMonth, &daily, &p.UpdatedAt, &updatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return points.RewardPolicy{}, points.PolicyNotFound(sponsorID)
	}
	if err != nil {
		return points.RewardPolicy{}, t.s.classify("load policy", err)
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	if expiration.Valid {
		days := int(expiration.Int64)
		p.ExpirationDays = &days
	}
	if perDay.Valid {
		p.MaxPointsPerDay = &perDay.Int64
	}
	if perMonth.Valid {
		p.MaxPointsPerMonth = &perMonth.Int64
	}
	if daily.Valid {
		p.DailyPointsAwarded = &daily.Int64
	}
	if updatedBy.Valid {
		u := points.UserID(updatedBy.String)
		p.UpdatedBy = &u
	}
	return p, nil
}

func (t *tx) CreatePolicy(ctx context.Context, p points.RewardPolicy) error {
	if err := t.writable(); err != nil {
		return err
	}
	query := `
		INSERT INTO reward_policies (sponsor_id, dollar_per_point, earn_rate, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (sponsor_id) DO NOTHING
	`
	_, err := t.tx.ExecContext(ctx, t.q(query),
		p.SponsorID, p.DollarPerPoint.String(), p.EarnRate.String(), p.UpdatedAt.UTC())
	return t.s.classify("create policy", err)
}

func (t *tx) SavePolicy(ctx context.Context, p points.RewardPolicy) error {
	if err := t.writable(); err != nil {
		return err
	}
	query := `
		INSERT INTO reward_policies
		(sponsor_id, dollar_per_point, earn_rate, expiration_days, max_points_per_day, max_points_per_month,
		 daily_points_awarded, updated_at, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sponsor_id) DO UPDATE SET
			dollar_per_point = excluded.dollar_per_point,
			earn_rate = excluded.earn_rate,
			expiration_days = excluded.expiration_days,
			max_points_per_day = excluded.max_points_per_day,
			max_points_per_month = excluded.max_points_per_month,
			daily_points_awarded = excluded.daily_points_awarded,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by
	`
	var expiration sql.NullInt64
	if p.ExpirationDays != nil {
		expiration = sql.NullInt64{Int64: int64(*p.ExpirationDays), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, t.q(query),
		p.SponsorID, p.DollarPerPoint.String(), p.EarnRate.String(), expiration,
		nullInt(p.MaxPointsPerDay), nullInt(p.MaxPointsPerMonth), nullInt(p.DailyPointsAwarded),
		p.UpdatedAt.UTC(), nullUser(p.UpdatedBy))
	return t.s.classify("save policy", err)
}

func (t *tx) AppendValueChange(ctx context.Context, c points.PointValueChange) error {
	if err := t.writable(); err != nil {
		return err
	}
	query := `
		INSERT INTO point_value_history (id, sponsor_id, old_value, new_value, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := t.tx.ExecContext(ctx, t.q(query),
		c.ID, c.SponsorID, c.OldValue.String(), c.NewValue.String(), c.ChangedBy, c.ChangedAt.UTC())
	return t.s.classify("append value change", err)
}

func (t *tx) ValueChanges(ctx context.Context, sponsorID points.SponsorID) ([]points.PointValueChange, error) {
	query := `
		SELECT id, sponsor_id, old_value, new_value, changed_by, changed_at
		FROM point_value_history
		WHERE sponsor_id = ?
		ORDER BY seq DESC
	`
	rows, err := t.tx.QueryContext(ctx, t.q(query), sponsorID)
	if err != nil {
		return nil, t.s.classify("query value history", err)
	}
	defer rows.Close()

	var changes []points.PointValueChange
	for rows.Next() {
		var c points.PointValueChange
		if err := rows.Scan(&c.ID, &c.SponsorID, &c.OldValue, &c.NewValue, &c.ChangedBy, &c.ChangedAt); err != nil {
			return nil, t.s.classify("scan value change", err)
		}
		c.ChangedAt = c.ChangedAt.UTC()
		changes = append(changes, c)
	}
	return changes, t.s.classify("query value history", rows.Err())
}

// =============================================================================
// SCANNING HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (points.DriverAccount, error) {
	var a points.DriverAccount
	err := row.Scan(&a.DriverID, &a.SponsorID, &a.DisplayName, &a.Username, &a.CreatedAt)
	a.CreatedAt = a.CreatedAt.UTC()
	return a, err
}

func scanItem(row scanner) (points.CatalogItem, error) {
	var i points.CatalogItem
	err := row.Scan(&i.ID, &i.SponsorID, &i.Title, &i.Description, &i.ImageURL, &i.PointsCost,
		&i.StockQuantity, &i.Active, &i.CreatedAt, &i.UpdatedAt)
	i.CreatedAt = i.CreatedAt.UTC()
	i.UpdatedAt = i.UpdatedAt.UTC()
	return i, err
}

func scanOrder(row scanner) (points.Order, error) {
	var o points.Order
	err := row.Scan(&o.ID, &o.DriverID, &o.SponsorID, &o.ItemID, &o.ItemTitle, &o.PointsCostAtPurchase,
		&o.Status, &o.CreatedAt, &o.UpdatedAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullUser(u *points.UserID) sql.NullString {
	if u == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*u), Valid: true}
}

func nullOrder(o *points.OrderID) sql.NullString {
	if o == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*o), Valid: true}
}
