// Package api provides the HTTP handlers for wallet sync, buy-queue
// review, manual ledger operations and the sync outcome feed.
//
// All monetary values use shopspring/decimal, never float64 for ISK.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/evetrade/ledger-engine/internal/account"
	"github.com/evetrade/ledger-engine/internal/ledger"
	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/reconcile"
	"github.com/evetrade/ledger-engine/internal/store"
)

// Service holds the handlers' collaborators.
type Service struct {
	store  store.Store
	syncer *reconcile.Syncer
	linker *account.Linker // optional; nil disables POST /principals/link
	wsHub  *WSHub          // optional WebSocket hub
}

// NewService creates the API service. linker and hub may be nil.
func NewService(st store.Store, syncer *reconcile.Syncer, linker *account.Linker, hub *WSHub) *Service {
	return &Service{store: st, syncer: syncer, linker: linker, wsHub: hub}
}

// Routes mounts the API under the given router (normally /api/v1).
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/sync", s.SyncAll)
	r.Post("/sync/{principalID}", s.SyncPrincipal)

	r.Get("/principals", s.ListPrincipals)
	r.Post("/principals/link", s.LinkPrincipal)
	r.Put("/principals/{principalID}/scan", s.SetScanFlags)

	r.Get("/queue", s.ListQueue)
	r.Post("/queue/review", s.ReviewQueue)

	r.Post("/imports", s.CreateImport)
	r.Post("/items/{itemID}/consume", s.Consume)
	r.Get("/items/{itemID}/lots", s.ListLots)
	r.Get("/items/{itemID}/events", s.ListEvents)
}

// --- Request/Response types ---

// SweepResponse is the body returned from POST /sync.
type SweepResponse struct {
	*reconcile.SweepResult
	Summary string `json:"summary"`
}

// PrincipalView is a principal with its last sync status.
type PrincipalView struct {
	model.Principal
	Cursor *model.SyncCursor `json:"cursor,omitempty"`
}

// ScanRequest is the JSON body for PUT /principals/{id}/scan.
type ScanRequest struct {
	ScanBuys  *bool `json:"scan_buys"`
	ScanSells *bool `json:"scan_sells"`
}

// LinkRequest is the JSON body for POST /principals/link.
type LinkRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ReviewRequest is the JSON body for POST /queue/review.
type ReviewRequest struct {
	IDs    []int64          `json:"ids"`
	Action reconcile.Action `json:"action"`
}

// ImportLine is one lot in an import request. Either ItemID or TypeID
// identifies the item; TypeID resolves (and creates) it through ESI.
type ImportLine struct {
	ItemID     int64           `json:"item_id,omitempty"`
	TypeID     int64           `json:"type_id,omitempty"`
	Quantity   int64           `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	AcquiredAt *time.Time      `json:"acquired_at,omitempty"`
}

// ImportRequest is the JSON body for POST /imports.
type ImportRequest struct {
	Source string       `json:"source"`
	Note   string       `json:"note"`
	Lines  []ImportLine `json:"lines"`
}

// ImportResponse is the body returned from POST /imports.
type ImportResponse struct {
	Batch model.ImportBatch    `json:"batch"`
	Lots  []model.InventoryLot `json:"lots"`
}

// ConsumeRequest is the JSON body for POST /items/{id}/consume.
type ConsumeRequest struct {
	Quantity     int64            `json:"quantity"`
	EventType    string           `json:"event_type"` // "sale" (default) or "industry"
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
	EventTime    *time.Time       `json:"event_time,omitempty"`
	Note         string           `json:"note"`
	AllowPartial bool             `json:"allow_partial"`
}

// --- HTTP Handlers ---

// SyncAll handles POST /api/v1/sync
func (s *Service) SyncAll(w http.ResponseWriter, r *http.Request) {
	res, err := s.syncer.SyncAll(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{SweepResult: res, Summary: res.Summary()})
}

// SyncPrincipal handles POST /api/v1/sync/{principalID}
// A failed pass is still 200; its status and detail are in the body.
func (s *Service) SyncPrincipal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "principalID")
	if !ok {
		return
	}
	o, err := s.syncer.SyncPrincipalByID(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if errors.Is(o.Err, reconcile.ErrSyncInProgress) {
		writeErr(w, o.Err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListPrincipals handles GET /api/v1/principals
func (s *Service) ListPrincipals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principals, err := s.store.ListPrincipals(ctx)
	if err != nil {
		writeError(w, "failed to list principals", http.StatusInternalServerError)
		return
	}
	views := make([]PrincipalView, 0, len(principals))
	for _, p := range principals {
		v := PrincipalView{Principal: p}
		c, err := s.store.GetCursor(ctx, p.ID)
		switch {
		case err == nil:
			v.Cursor = c
		case !errors.Is(err, store.ErrNotFound):
			writeError(w, "failed to load sync status", http.StatusInternalServerError)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// LinkPrincipal handles POST /api/v1/principals/link
func (s *Service) LinkPrincipal(w http.ResponseWriter, r *http.Request) {
	if s.linker == nil {
		writeError(w, "character linking is not configured", http.StatusNotImplemented)
		return
	}
	var req LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, created, err := s.linker.Link(r.Context(), req.AccessToken, req.RefreshToken)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, p)
}

// SetScanFlags handles PUT /api/v1/principals/{principalID}/scan
func (s *Service) SetScanFlags(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "principalID")
	if !ok {
		return
	}
	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	p, err := s.store.GetPrincipal(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	buys, sells := p.ScanBuys, p.ScanSells
	if req.ScanBuys != nil {
		buys = *req.ScanBuys
	}
	if req.ScanSells != nil {
		sells = *req.ScanSells
	}
	if err := s.store.SetScanFlags(ctx, id, buys, sells); err != nil {
		writeErr(w, err)
		return
	}
	p.ScanBuys, p.ScanSells = buys, sells

	slog.Info("scan flags updated", "principal", id, "scan_buys", buys, "scan_sells", sells)
	writeJSON(w, http.StatusOK, p)
}

// ListQueue handles GET /api/v1/queue?principal_id=&status=
func (s *Service) ListQueue(w http.ResponseWriter, r *http.Request) {
	var f store.QueueFilter
	if v := r.URL.Query().Get("principal_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, "principal_id must be an integer", http.StatusBadRequest)
			return
		}
		f.PrincipalID = id
	}
	switch st := r.URL.Query().Get("status"); st {
	case "", model.QueuePending, model.QueueApplied, model.QueueIgnored:
		f.Status = st
	default:
		writeError(w, "status must be pending, applied or ignored", http.StatusBadRequest)
		return
	}

	entries, err := s.store.ListQueue(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list queue", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ReviewQueue handles POST /api/v1/queue/review
func (s *Service) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := reconcile.ReviewQueue(r.Context(), s.store, req.IDs, req.Action)
	if err != nil {
		writeErr(w, err)
		return
	}
	slog.Info("queue reviewed", "action", req.Action, "applied", res.Applied, "ignored", res.Ignored)
	writeJSON(w, http.StatusOK, res)
}

// CreateImport handles POST /api/v1/imports
// All lines land in one batch; any invalid line rejects the whole import.
func (s *Service) CreateImport(w http.ResponseWriter, r *http.Request) {
	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Lines) == 0 {
		writeError(w, "at least one line is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	// Type ids are resolved before the write transaction opens.
	itemIDs := make([]int64, len(req.Lines))
	for i, line := range req.Lines {
		switch {
		case line.ItemID != 0:
			itemIDs[i] = line.ItemID
		case line.TypeID != 0:
			item, err := s.syncer.Items().Resolve(ctx, line.TypeID)
			if err != nil {
				writeErr(w, err)
				return
			}
			itemIDs[i] = item.ID
		default:
			writeErr(w, invalid(fmt.Sprintf("line %d: item_id or type_id is required", i+1)))
			return
		}
	}

	source := req.Source
	if source == "" {
		source = "Manual import"
	}
	now := time.Now().UTC()
	resp := ImportResponse{Batch: model.ImportBatch{ID: uuid.NewString(), Note: req.Note, CreatedAt: now}}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateBatch(ctx, &resp.Batch); err != nil {
			return err
		}
		for i, line := range req.Lines {
			if _, err := tx.GetItem(ctx, itemIDs[i]); err != nil {
				return fmt.Errorf("line %d: item %d: %w", i+1, itemIDs[i], err)
			}
			acquired := now
			if line.AcquiredAt != nil {
				acquired = line.AcquiredAt.UTC()
			}
			lot, err := ledger.CreateLotFromImport(ctx, tx, ledger.ImportInput{
				ItemID:     itemIDs[i],
				Quantity:   line.Quantity,
				UnitCost:   line.UnitCost,
				AcquiredAt: acquired,
				Source:     source,
				BatchID:    resp.Batch.ID,
				Note:       req.Note,
			})
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			resp.Lots = append(resp.Lots, *lot)
		}
		return nil
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("import created", "batch", resp.Batch.ID, "lots", len(resp.Lots))
	writeJSON(w, http.StatusCreated, resp)
}

// Consume handles POST /api/v1/items/{itemID}/consume
// Manual sale or industry consumption, strict unless allow_partial.
func (s *Service) Consume(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(w, r, "itemID")
	if !ok {
		return
	}
	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.EventType == "" {
		req.EventType = model.EventSale
	}
	if req.EventType != model.EventSale && req.EventType != model.EventIndustry {
		writeError(w, "event_type must be sale or industry", http.StatusBadRequest)
		return
	}
	at := time.Now().UTC()
	if req.EventTime != nil {
		at = req.EventTime.UTC()
	}

	ctx := r.Context()
	var res *ledger.Result
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetItem(ctx, itemID); err != nil {
			return err
		}
		var err error
		res, err = ledger.ConsumeFIFO(ctx, tx, ledger.Consumption{
			ItemID:       itemID,
			Quantity:     req.Quantity,
			EventTime:    at,
			EventType:    req.EventType,
			Note:         req.Note,
			UnitPrice:    req.UnitPrice,
			AllowPartial: req.AllowPartial,
		})
		return err
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListLots handles GET /api/v1/items/{itemID}/lots
func (s *Service) ListLots(w http.ResponseWriter, r *http.Request) {
	itemID, ok := s.existingItem(w, r)
	if !ok {
		return
	}
	lots, err := s.store.ListLots(r.Context(), itemID)
	if err != nil {
		writeError(w, "failed to list lots", http.StatusInternalServerError)
		return
	}
	if lots == nil {
		lots = []model.InventoryLot{}
	}
	writeJSON(w, http.StatusOK, lots)
}

// ListEvents handles GET /api/v1/items/{itemID}/events
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	itemID, ok := s.existingItem(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListEvents(r.Context(), itemID)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.InventoryEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Service) existingItem(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := pathID(w, r, "itemID")
	if !ok {
		return 0, false
	}
	if _, err := s.store.GetItem(r.Context(), id); err != nil {
		writeErr(w, err)
		return 0, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, name+" must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}
