package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/evetrade/ledger-engine/internal/esi"
	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/store"
)

// ErrItemConflict is returned when an item name is already bound to a
// different type id.
var ErrItemConflict = errors.New("reconcile: item name bound to another type")

type typeInfo struct {
	Name           string   `json:"name"`
	Volume         *float64 `json:"volume"`
	PackagedVolume *float64 `json:"packaged_volume"`
}

// ItemResolver maps ESI type ids to local items, creating them on demand.
type ItemResolver struct {
	store store.Store
	esi   esi.Fetcher
	mu    sync.Mutex
}

// NewItemResolver creates a resolver. Type names come from the public
// universe endpoint.
func NewItemResolver(st store.Store, f esi.Fetcher) *ItemResolver {
	return &ItemResolver{store: st, esi: f}
}

// Resolve returns the item for typeID. Lookup order: by type id; by the
// name ESI reports (attaching the type id when unset); else a new item.
func (r *ItemResolver) Resolve(ctx context.Context, typeID int64) (*model.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, err := r.store.GetItemByTypeID(ctx, typeID)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up type %d: %w", typeID, err)
	}

	info, err := esi.FetchInto[typeInfo](ctx, r.esi, fmt.Sprintf("/latest/universe/types/%d/", typeID), nil, esi.Public(), false)
	if err != nil {
		return nil, fmt.Errorf("fetching type %d: %w", typeID, err)
	}
	name := info.Name
	if name == "" {
		name = fmt.Sprintf("Type %d", typeID)
	}
	volume := info.PackagedVolume
	if volume == nil {
		volume = info.Volume
	}

	existing, err := r.store.GetItemByName(ctx, name)
	switch {
	case err == nil:
		if existing.TypeID == nil {
			if err := r.store.AttachItemType(ctx, existing.ID, typeID, volume); err != nil {
				return nil, fmt.Errorf("attaching type %d to item %d: %w", typeID, existing.ID, err)
			}
			return r.store.GetItem(ctx, existing.ID)
		}
		if *existing.TypeID != typeID {
			return nil, fmt.Errorf("%w: %q has type %d, not %d", ErrItemConflict, name, *existing.TypeID, typeID)
		}
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("looking up item %q: %w", name, err)
	}

	tid := typeID
	item = &model.Item{Name: name, TypeID: &tid, VolumeM3: volume}
	if err := r.store.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("creating item for type %d: %w", typeID, err)
	}
	return item, nil
}
