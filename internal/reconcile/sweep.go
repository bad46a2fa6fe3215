package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/evetrade/ledger-engine/internal/model"
)

// ErrNoPrincipals fails a sweep when no character is linked.
var ErrNoPrincipals = errors.New("no EVE characters linked yet")

// Totals aggregates a sweep.
type Totals struct {
	ProcessedPrincipals int   `json:"processed_principals"`
	SyncedPrincipals    int   `json:"synced_principals"`
	NewTransactions     int   `json:"new_transactions"`
	QueuedBuys          int   `json:"queued_buys"`
	AppliedSales        int   `json:"applied_sales"`
	UnmatchedSaleUnits  int64 `json:"unmatched_sale_units"`
	SkippedBuys         int   `json:"skipped_buys"`
	SkippedSells        int   `json:"skipped_sells"`
}

// SweepResult holds every principal's outcome, default trader first.
type SweepResult struct {
	Principals []*Outcome `json:"principals"`
	Totals     Totals     `json:"totals"`
}

func (r *SweepResult) add(o *Outcome) {
	r.Principals = append(r.Principals, o)
	t := &r.Totals
	t.ProcessedPrincipals++
	if o.Status == model.SyncStatusOK {
		t.SyncedPrincipals++
	}
	t.NewTransactions += o.NewTransactions
	t.QueuedBuys += o.QueuedBuys
	t.AppliedSales += o.AppliedSales
	t.UnmatchedSaleUnits += o.UnmatchedSaleUnits
	t.SkippedBuys += o.SkippedBuys
	t.SkippedSells += o.SkippedSells
}

// Summary renders the one-paragraph report shown after a sweep.
func (r *SweepResult) Summary() string {
	parts := []string{fmt.Sprintf("Wallet sync ran for %d characters (%d succeeded).",
		r.Totals.ProcessedPrincipals, r.Totals.SyncedPrincipals)}
	for _, o := range r.Principals {
		detail := o.Detail
		if detail == "" {
			detail = buildDetail(o)
		}
		if o.Status == model.SyncStatusError && !strings.HasPrefix(strings.ToLower(detail), "sync failed") {
			detail = "Sync failed: " + detail
		}
		parts = append(parts, o.PrincipalName+": "+detail)
	}
	return strings.Join(parts, " ")
}

// SyncAll syncs every linked principal in store order. A failing
// principal is recorded and the sweep moves on to the next one.
func (s *Syncer) SyncAll(ctx context.Context) (*SweepResult, error) {
	principals, err := s.store.ListPrincipals(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing principals: %w", err)
	}
	if len(principals) == 0 {
		return nil, ErrNoPrincipals
	}

	res := &SweepResult{}
	for i := range principals {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.add(s.SyncPrincipal(ctx, &principals[i]))
	}
	return res, nil
}
