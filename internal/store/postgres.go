package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/evetrade/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pgQueries
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{q: pool}, pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("applying postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(pgQueries{q: tx})
	})
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgQueries struct {
	q pgQuerier
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Principals ---

const principalColumns = `id, kind, character_id, name, corporation_id, corporation_name,
	refresh_token, scopes, owner_hash, scan_buys, scan_sells, is_default_trader, created_at`

func scanPrincipal(row pgx.Row) (*model.Principal, error) {
	var p model.Principal
	err := row.Scan(&p.ID, &p.Kind, &p.CharacterID, &p.Name, &p.CorporationID, &p.CorporationName,
		&p.RefreshToken, &p.Scopes, &p.OwnerHash, &p.ScanBuys, &p.ScanSells, &p.IsDefaultTrader, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s pgQueries) ListPrincipals(ctx context.Context) ([]model.Principal, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+principalColumns+` FROM principals ORDER BY is_default_trader DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s pgQueries) GetPrincipal(ctx context.Context, id int64) (*model.Principal, error) {
	p, err := scanPrincipal(s.q.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get principal %d", id))
	}
	return p, nil
}

func (s pgQueries) GetPrincipalByCharacter(ctx context.Context, characterID int64) (*model.Principal, error) {
	p, err := scanPrincipal(s.q.QueryRow(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE character_id = $1`, characterID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get principal for character %d", characterID))
	}
	return p, nil
}

func (s pgQueries) CreatePrincipal(ctx context.Context, p *model.Principal) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return s.q.QueryRow(ctx,
		`INSERT INTO principals (kind, character_id, name, corporation_id, corporation_name,
		                         refresh_token, scopes, owner_hash, scan_buys, scan_sells, is_default_trader, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		p.Kind, p.CharacterID, p.Name, p.CorporationID, p.CorporationName,
		p.RefreshToken, p.Scopes, p.OwnerHash, p.ScanBuys, p.ScanSells, p.IsDefaultTrader, p.CreatedAt,
	).Scan(&p.ID)
}

func (s pgQueries) UpdatePrincipal(ctx context.Context, p *model.Principal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE principals
		 SET name = $2, corporation_id = $3, corporation_name = $4, refresh_token = $5,
		     scopes = $6, owner_hash = $7, scan_buys = $8, scan_sells = $9, is_default_trader = $10
		 WHERE id = $1`,
		p.ID, p.Name, p.CorporationID, p.CorporationName, p.RefreshToken,
		p.Scopes, p.OwnerHash, p.ScanBuys, p.ScanSells, p.IsDefaultTrader,
	)
	return affected(tag, err, fmt.Sprintf("update principal %d", p.ID))
}

func (s pgQueries) UpdateRefreshToken(ctx context.Context, principalID int64, token string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE principals SET refresh_token = $2 WHERE id = $1`, principalID, token)
	return affected(tag, err, fmt.Sprintf("update refresh token for principal %d", principalID))
}

func (s pgQueries) SetScanFlags(ctx context.Context, principalID int64, buys, sells bool) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE principals SET scan_buys = $2, scan_sells = $3 WHERE id = $1`, principalID, buys, sells)
	return affected(tag, err, fmt.Sprintf("set scan flags for principal %d", principalID))
}

func affected(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// --- Items ---

func scanItem(row pgx.Row) (*model.Item, error) {
	var it model.Item
	if err := row.Scan(&it.ID, &it.Name, &it.TypeID, &it.VolumeM3); err != nil {
		return nil, err
	}
	return &it, nil
}

func (s pgQueries) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	it, err := scanItem(s.q.QueryRow(ctx,
		`SELECT id, name, eve_type_id, volume_m3 FROM items WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get item %d", id))
	}
	return it, nil
}

func (s pgQueries) GetItemByTypeID(ctx context.Context, typeID int64) (*model.Item, error) {
	it, err := scanItem(s.q.QueryRow(ctx,
		`SELECT id, name, eve_type_id, volume_m3 FROM items WHERE eve_type_id = $1`, typeID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get item by type %d", typeID))
	}
	return it, nil
}

func (s pgQueries) GetItemByName(ctx context.Context, name string) (*model.Item, error) {
	it, err := scanItem(s.q.QueryRow(ctx,
		`SELECT id, name, eve_type_id, volume_m3 FROM items WHERE name = $1`, name))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get item %q", name))
	}
	return it, nil
}

func (s pgQueries) CreateItem(ctx context.Context, item *model.Item) error {
	return s.q.QueryRow(ctx,
		`INSERT INTO items (name, eve_type_id, volume_m3) VALUES ($1, $2, $3) RETURNING id`,
		item.Name, item.TypeID, item.VolumeM3,
	).Scan(&item.ID)
}

func (s pgQueries) AttachItemType(ctx context.Context, itemID, typeID int64, volume *float64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE items SET eve_type_id = $2, volume_m3 = COALESCE($3, volume_m3) WHERE id = $1`,
		itemID, typeID, volume)
	return affected(tag, err, fmt.Sprintf("attach type %d to item %d", typeID, itemID))
}

// --- Ledger ---

func (s pgQueries) CreateBatch(ctx context.Context, b *model.ImportBatch) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO import_batches (id, note, created_at) VALUES ($1, $2, $3)`,
		b.ID, b.Note, b.CreatedAt)
	return err
}

func (s pgQueries) InsertLot(ctx context.Context, l *model.InventoryLot) error {
	return s.q.QueryRow(ctx,
		`INSERT INTO inventory_lots (item_id, quantity_total, quantity_remaining, unit_cost, acquired_at, source, batch_id)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, NULLIF($7, ''))
		 RETURNING id`,
		l.ItemID, l.QuantityTotal, l.QuantityRemaining, l.UnitCost.String(), l.AcquiredAt, l.Source, l.BatchID,
	).Scan(&l.ID)
}

const lotColumns = `id, item_id, quantity_total, quantity_remaining, unit_cost::TEXT, acquired_at, source, COALESCE(batch_id, '')`

func (s pgQueries) OpenLots(ctx context.Context, itemID int64) ([]model.InventoryLot, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+lotColumns+` FROM inventory_lots
		 WHERE item_id = $1 AND quantity_remaining > 0
		 ORDER BY acquired_at ASC, id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func (s pgQueries) ListLots(ctx context.Context, itemID int64) ([]model.InventoryLot, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+lotColumns+` FROM inventory_lots
		 WHERE item_id = $1 ORDER BY acquired_at ASC, id ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLots(rows)
}

func scanLots(rows pgx.Rows) ([]model.InventoryLot, error) {
	var lots []model.InventoryLot
	for rows.Next() {
		var l model.InventoryLot
		var costS string
		if err := rows.Scan(&l.ID, &l.ItemID, &l.QuantityTotal, &l.QuantityRemaining,
			&costS, &l.AcquiredAt, &l.Source, &l.BatchID); err != nil {
			return nil, err
		}
		var err error
		if l.UnitCost, err = parseMoney(costS, "unit_cost of lot", l.ID); err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (s pgQueries) DecrementLot(ctx context.Context, lotID, take int64) (int64, error) {
	var remaining int64
	err := s.q.QueryRow(ctx,
		`UPDATE inventory_lots
		 SET quantity_remaining = quantity_remaining - $2
		 WHERE id = $1 AND $2 >= 0 AND quantity_remaining >= $2
		 RETURNING quantity_remaining`, lotID, take).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("lot %d: take %d: %w", lotID, take, ErrLotUnderflow)
	}
	if err != nil {
		return 0, fmt.Errorf("decrement lot %d: %w", lotID, err)
	}
	return remaining, nil
}

func (s pgQueries) InsertEvent(ctx context.Context, e *model.InventoryEvent) error {
	var price *string
	if e.UnitPrice != nil {
		p := e.UnitPrice.String()
		price = &p
	}
	return s.q.QueryRow(ctx,
		`INSERT INTO inventory_events (event_type, eve_time, item_id, lot_id, quantity, unit_price, note)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)
		 RETURNING id`,
		e.Type, e.EventTime, e.ItemID, e.LotID, e.Quantity, price, e.Note,
	).Scan(&e.ID)
}

func (s pgQueries) ListEvents(ctx context.Context, itemID int64) ([]model.InventoryEvent, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, event_type, eve_time, item_id, lot_id, quantity, unit_price::TEXT, note
		 FROM inventory_events WHERE item_id = $1 ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.InventoryEvent
	for rows.Next() {
		var e model.InventoryEvent
		var priceS *string
		if err := rows.Scan(&e.ID, &e.Type, &e.EventTime, &e.ItemID, &e.LotID,
			&e.Quantity, &priceS, &e.Note); err != nil {
			return nil, err
		}
		if priceS != nil {
			p, err := parseMoney(*priceS, "unit_price of event", e.ID)
			if err != nil {
				return nil, err
			}
			e.UnitPrice = &p
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Queue ---

func (s pgQueries) EnqueueBuy(ctx context.Context, e *model.QueueEntry) (bool, error) {
	if e.Status == "" {
		e.Status = model.QueuePending
	}
	err := s.q.QueryRow(ctx,
		`INSERT INTO wallet_queue (source_kind, principal_id, transaction_id, item_id, quantity,
		                           unit_price, location_id, eve_time, status)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9)
		 ON CONFLICT (principal_id, transaction_id) DO NOTHING
		 RETURNING id`,
		e.SourceKind, e.PrincipalID, e.TransactionID, e.ItemID, e.Quantity,
		e.UnitPrice.String(), e.LocationID, e.EventTime, e.Status,
	).Scan(&e.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("enqueue transaction %d: %w", e.TransactionID, err)
	}
	return true, nil
}

const queueColumns = `id, source_kind, principal_id, transaction_id, item_id, quantity,
	unit_price::TEXT, location_id, eve_time, status, applied_at`

func (s pgQueries) ListQueue(ctx context.Context, f QueueFilter) ([]model.QueueEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+queueColumns+` FROM wallet_queue
		 WHERE ($1 = 0 OR principal_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY eve_time DESC, id DESC`, f.PrincipalID, f.Status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueue(rows)
}

func (s pgQueries) GetQueueEntries(ctx context.Context, ids []int64) ([]model.QueueEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+queueColumns+` FROM wallet_queue WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueue(rows)
}

func scanQueue(rows pgx.Rows) ([]model.QueueEntry, error) {
	var out []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var priceS string
		if err := rows.Scan(&e.ID, &e.SourceKind, &e.PrincipalID, &e.TransactionID, &e.ItemID,
			&e.Quantity, &priceS, &e.LocationID, &e.EventTime, &e.Status, &e.AppliedAt); err != nil {
			return nil, err
		}
		var err error
		if e.UnitPrice, err = parseMoney(priceS, "unit_price of queue entry", e.ID); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s pgQueries) SetQueueStatus(ctx context.Context, id int64, status string, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE wallet_queue SET status = $2, applied_at = $3 WHERE id = $1`, id, status, at)
	return affected(tag, err, fmt.Sprintf("set status of queue entry %d", id))
}

// --- Cursor ---

func (s pgQueries) GetCursor(ctx context.Context, principalID int64) (*model.SyncCursor, error) {
	var c model.SyncCursor
	err := s.q.QueryRow(ctx,
		`SELECT principal_id, source_kind, last_transaction_id, last_sync_at, last_sync_status, last_sync_message
		 FROM wallet_sync_state WHERE principal_id = $1`, principalID).
		Scan(&c.PrincipalID, &c.SourceKind, &c.LastTransactionID, &c.LastSyncAt, &c.LastStatus, &c.LastMessage)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get cursor for principal %d", principalID))
	}
	return &c, nil
}

func (s pgQueries) SaveCursor(ctx context.Context, c *model.SyncCursor) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO wallet_sync_state (principal_id, source_kind, last_transaction_id, last_sync_at, last_sync_status, last_sync_message)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (principal_id) DO UPDATE
		 SET last_transaction_id = EXCLUDED.last_transaction_id,
		     last_sync_at = EXCLUDED.last_sync_at,
		     last_sync_status = EXCLUDED.last_sync_status,
		     last_sync_message = EXCLUDED.last_sync_message`,
		c.PrincipalID, c.SourceKind, c.LastTransactionID, c.LastSyncAt, c.LastStatus, c.LastMessage)
	return err
}

// --- Settings ---

func (s pgQueries) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.q.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if err != nil {
		return "", notFound(err, "get setting "+key)
	}
	return v, nil
}

func (s pgQueries) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	return err
}

func (s pgQueries) GetOrCreateSetting(ctx context.Context, key, def string) (string, error) {
	if _, err := s.q.Exec(ctx,
		`INSERT INTO settings (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`, key, def); err != nil {
		return "", fmt.Errorf("create setting %s: %w", key, err)
	}
	return s.GetSetting(ctx, key)
}

// parseMoney parses a NUMERIC or TEXT money column.
func parseMoney(v, field string, id int64) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parsing %s %d: %w", field, id, err)
	}
	return d, nil
}
