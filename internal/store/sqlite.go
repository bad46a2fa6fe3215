package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/evetrade/ledger-engine/internal/model"
)

// sqliteTimeLayout is fixed width so that ORDER BY on the text column is
// chronological.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sqliteTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

// SQLiteStore implements Store on an embedded SQLite database. Money is
// stored as decimal text.
type SQLiteStore struct {
	sqlQueries
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens a SQLite database, configures pragmas and applies the
// schema. The pool is limited to one connection, which also makes
// ":memory:" usable.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}

	return &SQLiteStore{sqlQueries: sqlQueries{q: db}, db: db}, nil
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(sqlQueries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlQueries struct {
	q sqlQuerier
}

type rowScanner interface {
	Scan(dest ...any) error
}

func sqlNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func sqlAffected(res sql.Result, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// --- Principals ---

func scanSQLitePrincipal(row rowScanner) (*model.Principal, error) {
	var p model.Principal
	var created string
	err := row.Scan(&p.ID, &p.Kind, &p.CharacterID, &p.Name, &p.CorporationID, &p.CorporationName,
		&p.RefreshToken, &p.Scopes, &p.OwnerHash, &p.ScanBuys, &p.ScanSells, &p.IsDefaultTrader, &created)
	if err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

func (s sqlQueries) ListPrincipals(ctx context.Context) ([]model.Principal, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+principalColumns+` FROM principals ORDER BY is_default_trader DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing principals: %w", err)
	}
	defer rows.Close()

	var out []model.Principal
	for rows.Next() {
		p, err := scanSQLitePrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s sqlQueries) GetPrincipal(ctx context.Context, id int64) (*model.Principal, error) {
	p, err := scanSQLitePrincipal(s.q.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE id = ?`, id))
	if err != nil {
		return nil, sqlNotFound(err, fmt.Sprintf("get principal %d", id))
	}
	return p, nil
}

func (s sqlQueries) GetPrincipalByCharacter(ctx context.Context, characterID int64) (*model.Principal, error) {
	p, err := scanSQLitePrincipal(s.q.QueryRowContext(ctx,
		`SELECT `+principalColumns+` FROM principals WHERE character_id = ?`, characterID))
	if err != nil {
		return nil, sqlNotFound(err, fmt.Sprintf("get principal for character %d", characterID))
	}
	return p, nil
}

func (s sqlQueries) CreatePrincipal(ctx context.Context, p *model.Principal) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO principals (kind, character_id, name, corporation_id, corporation_name,
		                         refresh_token, scopes, owner_hash, scan_buys, scan_sells, is_default_trader, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Kind, p.CharacterID, p.Name, p.CorporationID, p.CorporationName,
		p.RefreshToken, p.Scopes, p.OwnerHash, p.ScanBuys, p.ScanSells, p.IsDefaultTrader, sqliteTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting principal: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s sqlQueries) UpdatePrincipal(ctx context.Context, p *model.Principal) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE principals
		 SET name = ?, corporation_id = ?, corporation_name = ?, refresh_token = ?,
		     scopes = ?, owner_hash = ?, scan_buys = ?, scan_sells = ?, is_default_trader = ?
		 WHERE id = ?`,
		p.Name, p.CorporationID, p.CorporationName, p.RefreshToken,
		p.Scopes, p.OwnerHash, p.ScanBuys, p.ScanSells, p.IsDefaultTrader, p.ID,
	)
	return sqlAffected(res, err, fmt.Sprintf("update principal %d", p.ID))
}

func (s sqlQueries) UpdateRefreshToken(ctx context.Context, principalID int64, token string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE principals SET refresh_token = ? WHERE id = ?`, token, principalID)
	return sqlAffected(res, err, fmt.Sprintf("update refresh token for principal %d", principalID))
}

func (s sqlQueries) SetScanFlags(ctx context.Context, principalID int64, buys, sells bool) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE principals SET scan_buys = ?, scan_sells = ? WHERE id = ?`, buys, sells, principalID)
	return sqlAffected(res, err, fmt.Sprintf("set scan flags for principal %d", principalID))
}

// --- Items ---

func scanSQLiteItem(row rowScanner) (*model.Item, error) {
	var it model.Item
	var typeID sql.NullInt64
	var volume sql.NullFloat64
	if err := row.Scan(&it.ID, &it.Name, &typeID, &volume); err != nil {
		return nil, err
	}
	if typeID.Valid {
		it.TypeID = &typeID.Int64
	}
	if volume.Valid {
		it.VolumeM3 = &volume.Float64
	}
	return &it, nil
}

func (s sqlQueries) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	it, err := scanSQLiteItem(s.q.QueryRowContext(ctx,
		`SELECT id, name, eve_type_id, volume_m3 FROM items WHERE id = ?`, id))
	if err != nil {
		return nil, sqlNotFound(err, fmt.Sprintf("get item %d", id))
	}
	return it, nil
}

func (s sqlQueries) GetItemByTypeID(ctx context.Context, typeID int64) (*model.Item, error) {
	it, err := scanSQLiteItem(s.q.QueryRowContext(ctx,
		`SELECT id, name, eve_type_id, volume_m3 FROM items WHERE eve_type_id = ?`, typeID))
	if err != nil {
		return nil, sqlNotFound(err, fmt.Sprintf("get item by type %d", typeID))
	}
	return it, nil
}

func (s sqlQueries) GetItemByName(ctx context.Context, name string) (*model.Item, error) {
	it, err := scanSQLiteItem(s.q.QueryRowContext(ctx,
		`SELECT id, name, eve_type_id, volume_m3 FROM items WHERE name = ?`, name))
	if err != nil {
		return nil, sqlNotFound(err, fmt.Sprintf("get item %q", name))
	}
	return it, nil
}

func (s sqlQueries) CreateItem(ctx context.Context, item *model.Item) error {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO items (name, eve_type_id, volume_m3) VALUES (?, ?, ?)`,
		item.Name, item.TypeID, item.VolumeM3)
	if err != nil {
		return fmt.Errorf("inserting item %q: %w", item.Name, err)
	}
	item.ID, err = res.LastInsertId()
	return err
}

func (s sqlQueries) AttachItemType(ctx context.Context, itemID, typeID int64, volume *float64) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE items SET eve_type_id = ?, volume_m3 = COALESCE(?, volume_m3) WHERE id = ?`,
		typeID, volume, itemID)
	return sqlAffected(res, err, fmt.Sprintf("attach type %d to item %d", typeID, itemID))
}

// --- Ledger ---

func (s sqlQueries) CreateBatch(ctx context.Context, b *model.ImportBatch) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO import_batches (id, note, created_at) VALUES (?, ?, ?)`,
		b.ID, b.Note, sqliteTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting batch: %w", err)
	}
	return nil
}

func (s sqlQueries) InsertLot(ctx context.Context, l *model.InventoryLot) error {
	var batch any
	if l.BatchID != "" {
		batch = l.BatchID
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO inventory_lots (item_id, quantity_total, quantity_remaining, unit_cost, acquired_at, source, batch_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ItemID, l.QuantityTotal, l.QuantityRemaining, l.UnitCost.String(), sqliteTime(l.AcquiredAt), l.Source, batch)
	if err != nil {
		return fmt.Errorf("inserting lot: %w", err)
	}
	l.ID, err = res.LastInsertId()
	return err
}

const sqliteLotColumns = `id, item_id, quantity_total, quantity_remaining, unit_cost, acquired_at, source, COALESCE(batch_id, '')`

func (s sqlQueries) OpenLots(ctx context.Context, itemID int64) ([]model.InventoryLot, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteLotColumns+` FROM inventory_lots
		 WHERE item_id = ? AND quantity_remaining > 0
		 ORDER BY acquired_at ASC, id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing open lots: %w", err)
	}
	defer rows.Close()
	return scanSQLiteLots(rows)
}

func (s sqlQueries) ListLots(ctx context.Context, itemID int64) ([]model.InventoryLot, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteLotColumns+` FROM inventory_lots
		 WHERE item_id = ? ORDER BY acquired_at ASC, id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing lots: %w", err)
	}
	defer rows.Close()
	return scanSQLiteLots(rows)
}

func scanSQLiteLots(rows *sql.Rows) ([]model.InventoryLot, error) {
	var lots []model.InventoryLot
	for rows.Next() {
		var l model.InventoryLot
		var costS, acquired string
		if err := rows.Scan(&l.ID, &l.ItemID, &l.QuantityTotal, &l.QuantityRemaining,
			&costS, &acquired, &l.Source, &l.BatchID); err != nil {
			return nil, err
		}
		var err error
		if l.UnitCost, err = parseMoney(costS, "unit_cost of lot", l.ID); err != nil {
			return nil, err
		}
		if l.AcquiredAt, err = parseSQLiteTime(acquired); err != nil {
			return nil, fmt.Errorf("parsing acquired_at of lot %d: %w", l.ID, err)
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func (s sqlQueries) DecrementLot(ctx context.Context, lotID, take int64) (int64, error) {
	var remaining int64
	err := s.q.QueryRowContext(ctx,
		`UPDATE inventory_lots
		 SET quantity_remaining = quantity_remaining - ?1
		 WHERE id = ?2 AND ?1 >= 0 AND quantity_remaining >= ?1
		 RETURNING quantity_remaining`, take, lotID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lot %d: take %d: %w", lotID, take, ErrLotUnderflow)
	}
	if err != nil {
		return 0, fmt.Errorf("decrement lot %d: %w", lotID, err)
	}
	return remaining, nil
}

func (s sqlQueries) InsertEvent(ctx context.Context, e *model.InventoryEvent) error {
	var price any
	if e.UnitPrice != nil {
		price = e.UnitPrice.String()
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO inventory_events (event_type, eve_time, item_id, lot_id, quantity, unit_price, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Type, sqliteTime(e.EventTime), e.ItemID, e.LotID, e.Quantity, price, e.Note)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	return err
}

func (s sqlQueries) ListEvents(ctx context.Context, itemID int64) ([]model.InventoryEvent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, event_type, eve_time, item_id, lot_id, quantity, unit_price, note
		 FROM inventory_events WHERE item_id = ? ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []model.InventoryEvent
	for rows.Next() {
		var e model.InventoryEvent
		var at string
		var lotID sql.NullInt64
		var priceS sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &at, &e.ItemID, &lotID, &e.Quantity, &priceS, &e.Note); err != nil {
			return nil, err
		}
		if e.EventTime, err = parseSQLiteTime(at); err != nil {
			return nil, fmt.Errorf("parsing eve_time of event %d: %w", e.ID, err)
		}
		if lotID.Valid {
			e.LotID = &lotID.Int64
		}
		if priceS.Valid {
			p, err := parseMoney(priceS.String, "unit_price of event", e.ID)
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

func (s sqlQueries) EnqueueBuy(ctx context.Context, e *model.QueueEntry) (bool, error) {
	if e.Status == "" {
		e.Status = model.QueuePending
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO wallet_queue (source_kind, principal_id, transaction_id, item_id, quantity,
		                                     unit_price, location_id, eve_time, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SourceKind, e.PrincipalID, e.TransactionID, e.ItemID, e.Quantity,
		e.UnitPrice.String(), e.LocationID, sqliteTime(e.EventTime), e.Status)
	if err != nil {
		return false, fmt.Errorf("enqueue transaction %d: %w", e.TransactionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	e.ID, err = res.LastInsertId()
	return err == nil, err
}

func (s sqlQueries) ListQueue(ctx context.Context, f QueueFilter) ([]model.QueueEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteQueueColumns+` FROM wallet_queue
		 WHERE (?1 = 0 OR principal_id = ?1) AND (?2 = '' OR status = ?2)
		 ORDER BY eve_time DESC, id DESC`, f.PrincipalID, f.Status)
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	defer rows.Close()
	return scanSQLiteQueue(rows)
}

func (s sqlQueries) GetQueueEntries(ctx context.Context, ids []int64) ([]model.QueueEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sqliteQueueColumns+` FROM wallet_queue WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("loading queue entries: %w", err)
	}
	defer rows.Close()
	return scanSQLiteQueue(rows)
}

const sqliteQueueColumns = `id, source_kind, principal_id, transaction_id, item_id, quantity,
	unit_price, location_id, eve_time, status, applied_at`

func scanSQLiteQueue(rows *sql.Rows) ([]model.QueueEntry, error) {
	var out []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		var priceS, at string
		var applied sql.NullString
		if err := rows.Scan(&e.ID, &e.SourceKind, &e.PrincipalID, &e.TransactionID, &e.ItemID,
			&e.Quantity, &priceS, &e.LocationID, &at, &e.Status, &applied); err != nil {
			return nil, err
		}
		var err error
		if e.UnitPrice, err = parseMoney(priceS, "unit_price of queue entry", e.ID); err != nil {
			return nil, err
		}
		if e.EventTime, err = parseSQLiteTime(at); err != nil {
			return nil, fmt.Errorf("parsing eve_time of queue entry %d: %w", e.ID, err)
		}
		if applied.Valid {
			t, err := parseSQLiteTime(applied.String)
			if err != nil {
				return nil, fmt.Errorf("parsing applied_at of queue entry %d: %w", e.ID, err)
			}
			e.AppliedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s sqlQueries) SetQueueStatus(ctx context.Context, id int64, status string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE wallet_queue SET status = ?, applied_at = ? WHERE id = ?`, status, sqliteTime(at), id)
	return sqlAffected(res, err, fmt.Sprintf("set status of queue entry %d", id))
}

// --- Cursor ---

func (s sqlQueries) GetCursor(ctx context.Context, principalID int64) (*model.SyncCursor, error) {
	var c model.SyncCursor
	var last sql.NullInt64
	var at string
	err := s.q.QueryRowContext(ctx,
		`SELECT principal_id, source_kind, last_transaction_id, last_sync_at, last_sync_status, last_sync_message
		 FROM wallet_sync_state WHERE principal_id = ?`, principalID).
		Scan(&c.PrincipalID, &c.SourceKind, &last, &at, &c.LastStatus, &c.LastMessage)
	if err != nil {
		return nil, sqlNotFound(err, fmt.Sprintf("get cursor for principal %d", principalID))
	}
	if last.Valid {
		c.LastTransactionID = &last.Int64
	}
	if c.LastSyncAt, err = parseSQLiteTime(at); err != nil {
		return nil, fmt.Errorf("parsing last_sync_at: %w", err)
	}
	return &c, nil
}

func (s sqlQueries) SaveCursor(ctx context.Context, c *model.SyncCursor) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO wallet_sync_state (principal_id, source_kind, last_transaction_id, last_sync_at, last_sync_status, last_sync_message)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (principal_id) DO UPDATE
		 SET last_transaction_id = excluded.last_transaction_id,
		     last_sync_at = excluded.last_sync_at,
		     last_sync_status = excluded.last_sync_status,
		     last_sync_message = excluded.last_sync_message`,
		c.PrincipalID, c.SourceKind, c.LastTransactionID, sqliteTime(c.LastSyncAt), c.LastStatus, c.LastMessage)
	if err != nil {
		return fmt.Errorf("saving cursor: %w", err)
	}
	return nil
}

// --- Settings ---

func (s sqlQueries) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return "", sqlNotFound(err, "get setting "+key)
	}
	return v, nil
}

func (s sqlQueries) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storing setting %s: %w", key, err)
	}
	return nil
}

// GetOrCreateSetting uses INSERT OR IGNORE + re-SELECT so concurrent
// first use settles on one value.
func (s sqlQueries) GetOrCreateSetting(ctx context.Context, key, def string) (string, error) {
	if _, err := s.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, key, def); err != nil {
		return "", fmt.Errorf("storing setting %s: %w", key, err)
	}
	return s.GetSetting(ctx, key)
}
