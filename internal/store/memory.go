package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evetrade/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions run on a copy of the data which replaces the live copy on
// commit, so a failed InTx leaves nothing behind.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: newMemData()}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.data = work
	return nil
}

func (s *MemoryStore) Close() error { return nil }

type memData struct {
	seq        map[string]int64
	principals map[int64]model.Principal
	items      map[int64]model.Item
	batches    map[string]model.ImportBatch
	lots       map[int64]model.InventoryLot
	events     []model.InventoryEvent
	queue      map[int64]model.QueueEntry
	cursors    map[int64]model.SyncCursor
	settings   map[string]string
}

func newMemData() *memData {
	return &memData{
		seq:        make(map[string]int64),
		principals: make(map[int64]model.Principal),
		items:      make(map[int64]model.Item),
		batches:    make(map[string]model.ImportBatch),
		lots:       make(map[int64]model.InventoryLot),
		queue:      make(map[int64]model.QueueEntry),
		cursors:    make(map[int64]model.SyncCursor),
		settings:   make(map[string]string),
	}
}

// clone copies every table. Struct values are copied; pointer fields are
// never mutated in place, only replaced.
func (d *memData) clone() *memData {
	c := newMemData()
	for k, v := range d.seq {
		c.seq[k] = v
	}
	for k, v := range d.principals {
		c.principals[k] = v
	}
	for k, v := range d.items {
		c.items[k] = v
	}
	for k, v := range d.batches {
		c.batches[k] = v
	}
	for k, v := range d.lots {
		c.lots[k] = v
	}
	c.events = append([]model.InventoryEvent(nil), d.events...)
	for k, v := range d.queue {
		c.queue[k] = v
	}
	for k, v := range d.cursors {
		c.cursors[k] = v
	}
	for k, v := range d.settings {
		c.settings[k] = v
	}
	return c
}

func (d *memData) next(table string) int64 {
	d.seq[table]++
	return d.seq[table]
}

// --- Principals ---

func (d *memData) ListPrincipals(_ context.Context) ([]model.Principal, error) {
	out := make([]model.Principal, 0, len(d.principals))
	for _, p := range d.principals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDefaultTrader != out[j].IsDefaultTrader {
			return out[i].IsDefaultTrader
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (d *memData) GetPrincipal(_ context.Context, id int64) (*model.Principal, error) {
	p, ok := d.principals[id]
	if !ok {
		return nil, fmt.Errorf("principal %d: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (d *memData) GetPrincipalByCharacter(_ context.Context, characterID int64) (*model.Principal, error) {
	for _, p := range d.principals {
		if p.CharacterID == characterID {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("principal for character %d: %w", characterID, ErrNotFound)
}

func (d *memData) CreatePrincipal(_ context.Context, p *model.Principal) error {
	for _, existing := range d.principals {
		if existing.CharacterID == p.CharacterID {
			return fmt.Errorf("principal for character %d already exists", p.CharacterID)
		}
	}
	p.ID = d.next("principals")
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	d.principals[p.ID] = *p
	return nil
}

func (d *memData) UpdatePrincipal(_ context.Context, p *model.Principal) error {
	if _, ok := d.principals[p.ID]; !ok {
		return fmt.Errorf("principal %d: %w", p.ID, ErrNotFound)
	}
	d.principals[p.ID] = *p
	return nil
}

func (d *memData) UpdateRefreshToken(_ context.Context, principalID int64, token string) error {
	p, ok := d.principals[principalID]
	if !ok {
		return fmt.Errorf("principal %d: %w", principalID, ErrNotFound)
	}
	p.RefreshToken = token
	d.principals[principalID] = p
	return nil
}

func (d *memData) SetScanFlags(_ context.Context, principalID int64, buys, sells bool) error {
	p, ok := d.principals[principalID]
	if !ok {
		return fmt.Errorf("principal %d: %w", principalID, ErrNotFound)
	}
	p.ScanBuys, p.ScanSells = buys, sells
	d.principals[principalID] = p
	return nil
}

// --- Items ---

func (d *memData) GetItem(_ context.Context, id int64) (*model.Item, error) {
	it, ok := d.items[id]
	if !ok {
		return nil, fmt.Errorf("item %d: %w", id, ErrNotFound)
	}
	return &it, nil
}

func (d *memData) GetItemByTypeID(_ context.Context, typeID int64) (*model.Item, error) {
	for _, it := range d.items {
		if it.TypeID != nil && *it.TypeID == typeID {
			return &it, nil
		}
	}
	return nil, fmt.Errorf("item with type %d: %w", typeID, ErrNotFound)
}

func (d *memData) GetItemByName(_ context.Context, name string) (*model.Item, error) {
	for _, it := range d.items {
		if it.Name == name {
			return &it, nil
		}
	}
	return nil, fmt.Errorf("item %q: %w", name, ErrNotFound)
}

func (d *memData) CreateItem(_ context.Context, item *model.Item) error {
	for _, existing := range d.items {
		if existing.Name == item.Name {
			return fmt.Errorf("item %q already exists", item.Name)
		}
	}
	item.ID = d.next("items")
	d.items[item.ID] = *item
	return nil
}

func (d *memData) AttachItemType(_ context.Context, itemID, typeID int64, volume *float64) error {
	it, ok := d.items[itemID]
	if !ok {
		return fmt.Errorf("item %d: %w", itemID, ErrNotFound)
	}
	tid := typeID
	it.TypeID = &tid
	if volume != nil {
		v := *volume
		it.VolumeM3 = &v
	}
	d.items[itemID] = it
	return nil
}

// --- Ledger ---

func (d *memData) CreateBatch(_ context.Context, b *model.ImportBatch) error {
	if _, ok := d.batches[b.ID]; ok {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	d.batches[b.ID] = *b
	return nil
}

func (d *memData) InsertLot(_ context.Context, lot *model.InventoryLot) error {
	if _, ok := d.items[lot.ItemID]; !ok {
		return fmt.Errorf("lot item %d: %w", lot.ItemID, ErrNotFound)
	}
	lot.ID = d.next("lots")
	d.lots[lot.ID] = *lot
	return nil
}

func (d *memData) OpenLots(_ context.Context, itemID int64) ([]model.InventoryLot, error) {
	var out []model.InventoryLot
	for _, l := range d.lots {
		if l.ItemID == itemID && l.QuantityRemaining > 0 {
			out = append(out, l)
		}
	}
	sortFIFO(out)
	return out, nil
}

func (d *memData) ListLots(_ context.Context, itemID int64) ([]model.InventoryLot, error) {
	var out []model.InventoryLot
	for _, l := range d.lots {
		if l.ItemID == itemID {
			out = append(out, l)
		}
	}
	sortFIFO(out)
	return out, nil
}

func sortFIFO(lots []model.InventoryLot) {
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].AcquiredAt.Equal(lots[j].AcquiredAt) {
			return lots[i].AcquiredAt.Before(lots[j].AcquiredAt)
		}
		return lots[i].ID < lots[j].ID
	})
}

func (d *memData) DecrementLot(_ context.Context, lotID, take int64) (int64, error) {
	l, ok := d.lots[lotID]
	if !ok {
		return 0, fmt.Errorf("lot %d: %w", lotID, ErrNotFound)
	}
	if take < 0 || l.QuantityRemaining < take {
		return l.QuantityRemaining, fmt.Errorf("lot %d: take %d of %d: %w", lotID, take, l.QuantityRemaining, ErrLotUnderflow)
	}
	l.QuantityRemaining -= take
	d.lots[lotID] = l
	return l.QuantityRemaining, nil
}

func (d *memData) InsertEvent(_ context.Context, e *model.InventoryEvent) error {
	e.ID = d.next("events")
	d.events = append(d.events, *e)
	return nil
}

func (d *memData) ListEvents(_ context.Context, itemID int64) ([]model.InventoryEvent, error) {
	var out []model.InventoryEvent
	for _, e := range d.events {
		if e.ItemID == itemID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Queue ---

func (d *memData) EnqueueBuy(_ context.Context, e *model.QueueEntry) (bool, error) {
	for _, existing := range d.queue {
		if existing.PrincipalID == e.PrincipalID && existing.TransactionID == e.TransactionID {
			return false, nil
		}
	}
	e.ID = d.next("queue")
	if e.Status == "" {
		e.Status = model.QueuePending
	}
	d.queue[e.ID] = *e
	return true, nil
}

func (d *memData) ListQueue(_ context.Context, f QueueFilter) ([]model.QueueEntry, error) {
	var out []model.QueueEntry
	for _, e := range d.queue {
		if f.PrincipalID != 0 && e.PrincipalID != f.PrincipalID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventTime.Equal(out[j].EventTime) {
			return out[i].EventTime.After(out[j].EventTime)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (d *memData) GetQueueEntries(_ context.Context, ids []int64) ([]model.QueueEntry, error) {
	var out []model.QueueEntry
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if e, ok := d.queue[id]; ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *memData) SetQueueStatus(_ context.Context, id int64, status string, at time.Time) error {
	e, ok := d.queue[id]
	if !ok {
		return fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	e.Status = status
	t := at
	e.AppliedAt = &t
	d.queue[id] = e
	return nil
}

// --- Cursor ---

func (d *memData) GetCursor(_ context.Context, principalID int64) (*model.SyncCursor, error) {
	c, ok := d.cursors[principalID]
	if !ok {
		return nil, fmt.Errorf("cursor for principal %d: %w", principalID, ErrNotFound)
	}
	return &c, nil
}

func (d *memData) SaveCursor(_ context.Context, c *model.SyncCursor) error {
	d.cursors[c.PrincipalID] = *c
	return nil
}

// --- Settings ---

func (d *memData) GetSetting(_ context.Context, key string) (string, error) {
	v, ok := d.settings[key]
	if !ok {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (d *memData) SetSetting(_ context.Context, key, value string) error {
	d.settings[key] = value
	return nil
}

func (d *memData) GetOrCreateSetting(_ context.Context, key, def string) (string, error) {
	if v, ok := d.settings[key]; ok {
		return v, nil
	}
	d.settings[key] = def
	return def, nil
}

// --- Direct (auto-commit) access ---

func (s *MemoryStore) ListPrincipals(ctx context.Context) ([]model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListPrincipals(ctx)
}

func (s *MemoryStore) GetPrincipal(ctx context.Context, id int64) (*model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetPrincipal(ctx, id)
}

func (s *MemoryStore) GetPrincipalByCharacter(ctx context.Context, characterID int64) (*model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetPrincipalByCharacter(ctx, characterID)
}

func (s *MemoryStore) CreatePrincipal(ctx context.Context, p *model.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreatePrincipal(ctx, p)
}

func (s *MemoryStore) UpdatePrincipal(ctx context.Context, p *model.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.UpdatePrincipal(ctx, p)
}

func (s *MemoryStore) UpdateRefreshToken(ctx context.Context, principalID int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.UpdateRefreshToken(ctx, principalID, token)
}

func (s *MemoryStore) SetScanFlags(ctx context.Context, principalID int64, buys, sells bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetScanFlags(ctx, principalID, buys, sells)
}

func (s *MemoryStore) GetItem(ctx context.Context, id int64) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetItem(ctx, id)
}

func (s *MemoryStore) GetItemByTypeID(ctx context.Context, typeID int64) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetItemByTypeID(ctx, typeID)
}

func (s *MemoryStore) GetItemByName(ctx context.Context, name string) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetItemByName(ctx, name)
}

func (s *MemoryStore) CreateItem(ctx context.Context, item *model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreateItem(ctx, item)
}

func (s *MemoryStore) AttachItemType(ctx context.Context, itemID, typeID int64, volume *float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.AttachItemType(ctx, itemID, typeID, volume)
}

func (s *MemoryStore) CreateBatch(ctx context.Context, b *model.ImportBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreateBatch(ctx, b)
}

func (s *MemoryStore) InsertLot(ctx context.Context, lot *model.InventoryLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.InsertLot(ctx, lot)
}

func (s *MemoryStore) OpenLots(ctx context.Context, itemID int64) ([]model.InventoryLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.OpenLots(ctx, itemID)
}

func (s *MemoryStore) ListLots(ctx context.Context, itemID int64) ([]model.InventoryLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListLots(ctx, itemID)
}

func (s *MemoryStore) DecrementLot(ctx context.Context, lotID, take int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.DecrementLot(ctx, lotID, take)
}

func (s *MemoryStore) InsertEvent(ctx context.Context, e *model.InventoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.InsertEvent(ctx, e)
}

func (s *MemoryStore) ListEvents(ctx context.Context, itemID int64) ([]model.InventoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListEvents(ctx, itemID)
}

func (s *MemoryStore) EnqueueBuy(ctx context.Context, e *model.QueueEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.EnqueueBuy(ctx, e)
}

func (s *MemoryStore) ListQueue(ctx context.Context, f QueueFilter) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListQueue(ctx, f)
}

func (s *MemoryStore) GetQueueEntries(ctx context.Context, ids []int64) ([]model.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetQueueEntries(ctx, ids)
}

func (s *MemoryStore) SetQueueStatus(ctx context.Context, id int64, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetQueueStatus(ctx, id, status, at)
}

func (s *MemoryStore) GetCursor(ctx context.Context, principalID int64) (*model.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetCursor(ctx, principalID)
}

func (s *MemoryStore) SaveCursor(ctx context.Context, c *model.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SaveCursor(ctx, c)
}

func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetSetting(ctx, key)
}

func (s *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetSetting(ctx, key, value)
}

func (s *MemoryStore) GetOrCreateSetting(ctx context.Context, key, def string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetOrCreateSetting(ctx, key, def)
}
