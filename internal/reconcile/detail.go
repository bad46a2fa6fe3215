package reconcile

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/evetrade/ledger-engine/internal/model"
)

const (
	maxMessageLen = 512

	skippedDetail = "Skipped because both 'Scan buys' and 'Scan sells' are disabled."
)

// buildDetail renders the human-readable line stored with the cursor.
func buildDetail(o *Outcome) string {
	if o.Status == model.SyncStatusSkipped {
		return skippedDetail
	}

	var parts []string
	if o.NewTransactions > 0 {
		parts = append(parts, fmt.Sprintf("processed %d new transactions (%d buys queued, %d sales applied)",
			o.NewTransactions, o.QueuedBuys, o.AppliedSales))
		if o.UnmatchedSaleUnits > 0 {
			parts = append(parts, fmt.Sprintf("%d sale units had no matching inventory", o.UnmatchedSaleUnits))
		}
	} else {
		parts = append(parts, "no new transactions")
	}
	if o.SkippedBuys > 0 {
		parts = append(parts, fmt.Sprintf("skipped %d buy rows (Scan buys disabled)", o.SkippedBuys))
	}
	if o.SkippedSells > 0 {
		parts = append(parts, fmt.Sprintf("skipped %d sell rows (Scan sells disabled)", o.SkippedSells))
	}
	if o.SkippedOld > 0 {
		parts = append(parts, fmt.Sprintf("skipped %d rows older than the backfill window", o.SkippedOld))
	}
	return strings.Join(parts, ", ") + "."
}

// storedMessage trims a message and caps it at maxMessageLen characters
// for the cursor row.
func storedMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if utf8.RuneCountInString(msg) <= maxMessageLen {
		return msg
	}
	n := 0
	for i := range msg {
		if n == maxMessageLen {
			return msg[:i]
		}
		n++
	}
	return msg
}
