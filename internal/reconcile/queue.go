package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/evetrade/ledger-engine/internal/ledger"
	"github.com/evetrade/ledger-engine/internal/metrics"
	"github.com/evetrade/ledger-engine/internal/model"
	"github.com/evetrade/ledger-engine/internal/store"
)

// Action is a review decision for queued buys.
type Action string

const (
	ActionApply  Action = "apply"
	ActionIgnore Action = "ignore"
)

// ErrInvalidAction is returned for anything but apply or ignore.
var ErrInvalidAction = errors.New("review action must be 'apply' or 'ignore'")

// ReviewResult describes one review call.
type ReviewResult struct {
	Applied    int    `json:"applied"`
	Ignored    int    `json:"ignored"`
	Principals int    `json:"principals"`
	BatchID    string `json:"batch_id,omitempty"`
	Message    string `json:"message"`
}

// ReviewQueue applies or ignores pending buy entries in one transaction.
// Applied entries become lots sharing a single import batch. Entries that
// are not pending are left alone.
func ReviewQueue(ctx context.Context, st store.Store, ids []int64, action Action) (*ReviewResult, error) {
	if action != ActionApply && action != ActionIgnore {
		return nil, ErrInvalidAction
	}
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return &ReviewResult{Message: "No entries selected."}, nil
	}

	res := &ReviewResult{}
	now := time.Now().UTC()

	err := st.InTx(ctx, func(tx store.Tx) error {
		entries, err := tx.GetQueueEntries(ctx, ids)
		if err != nil {
			return fmt.Errorf("loading queue entries: %w", err)
		}

		names := map[int64]string{}
		applied := map[int64]struct{}{}
		var batch *model.ImportBatch

		for _, e := range entries {
			if e.Status != model.QueuePending {
				continue
			}
			if action == ActionIgnore {
				if err := tx.SetQueueStatus(ctx, e.ID, model.QueueIgnored, now); err != nil {
					return err
				}
				res.Ignored++
				continue
			}

			name, ok := names[e.PrincipalID]
			if !ok {
				p, err := tx.GetPrincipal(ctx, e.PrincipalID)
				if err != nil {
					return fmt.Errorf("queue entry %d: %w", e.ID, err)
				}
				name = p.Name
				names[e.PrincipalID] = name
			}

			if batch == nil {
				batch = &model.ImportBatch{
					ID:        uuid.NewString(),
					Note:      "Wallet sync for " + name,
					CreatedAt: now,
				}
				if err := tx.CreateBatch(ctx, batch); err != nil {
					return fmt.Errorf("creating import batch: %w", err)
				}
			}

			if _, err := ledger.CreateLotFromImport(ctx, tx, ledger.ImportInput{
				ItemID:     e.ItemID,
				Quantity:   e.Quantity,
				UnitCost:   e.UnitPrice,
				AcquiredAt: e.EventTime,
				Source:     fmt.Sprintf("Wallet buy (%s)", name),
				BatchID:    batch.ID,
				Note:       "Wallet buy",
			}); err != nil {
				return fmt.Errorf("queue entry %d: %w", e.ID, err)
			}
			if err := tx.SetQueueStatus(ctx, e.ID, model.QueueApplied, now); err != nil {
				return err
			}
			res.Applied++
			applied[e.PrincipalID] = struct{}{}
		}

		res.Principals = len(applied)
		if batch != nil {
			res.BatchID = batch.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.QueueReviewTotal.WithLabelValues(string(ActionApply)).Add(float64(res.Applied))
	metrics.QueueReviewTotal.WithLabelValues(string(ActionIgnore)).Add(float64(res.Ignored))
	res.Message = reviewMessage(res)
	return res, nil
}

func reviewMessage(r *ReviewResult) string {
	var parts []string
	if r.Applied > 0 {
		msg := fmt.Sprintf("Applied %d wallet entries.", r.Applied)
		if r.Principals > 0 {
			plural := "s"
			if r.Principals == 1 {
				plural = ""
			}
			msg += fmt.Sprintf(" (%d character%s)", r.Principals, plural)
		}
		parts = append(parts, msg)
	}
	if r.Ignored > 0 {
		parts = append(parts, fmt.Sprintf("Ignored %d wallet entries.", r.Ignored))
	}
	if len(parts) == 0 {
		return "No changes."
	}
	return strings.Join(parts, " ")
}

// uniqueIDs drops repeated ids, keeping first occurrence order.
func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
