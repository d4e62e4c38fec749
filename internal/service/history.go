package service

import (
    "context"
    "errors"
    "fmt"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/data"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/logging"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/metrics"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
)

// HistoryCache maintains the bounded most-recent-first value list per
// (device, variable). Concurrent updates to different variables on the same
// container can race; the optimistic retry loop is the only correctness
// mechanism, there is no external locking.
type HistoryCache struct {
    store       HistoryStore
    maxEntries  int
    maxAttempts int
    events      *logging.EventLogger
}

func NewHistoryCache(store HistoryStore, maxEntries, maxAttempts int) *HistoryCache {
    return &HistoryCache{
        store:       store,
        maxEntries:  maxEntries,
        maxAttempts: maxAttempts,
        events:      logging.NewEventLogger(),
    }
}

// Update prepends entry to the (deviceID, varName) list and trims the tail
// to the cap, committing under optimistic concurrency control. Retry
// exhaustion is a reported, non-fatal failure: the sample is dropped and
// the UI misses it.
func (h *HistoryCache) Update(ctx context.Context, deviceID, varName string, entry telemetry.HistoryEntry) error {
    for attempt := 0; attempt < h.maxAttempts; attempt++ {
        entries, rev, err := h.store.LoadHistory(ctx, deviceID, varName)
        if err != nil {
            return fmt.Errorf("history load: %w", err)
        }
        entries = prependCapped(entries, entry, h.maxEntries)
        err = h.store.StoreHistory(ctx, deviceID, varName, entries, rev)
        if err == nil {
            metrics.HistoryUpdates.Inc()
            h.events.History("update", deviceID, varName, "")
            return nil
        }
        if !errors.Is(err, data.ErrConflict) {
            return fmt.Errorf("history store: %w", err)
        }
        metrics.HistoryConflicts.Inc()
        h.events.History("conflict", deviceID, varName, "")
    }
    metrics.HistoryDropped.Inc()
    h.events.History("exhausted", deviceID, varName, fmt.Sprintf("gave up after %d attempts", h.maxAttempts))
    return fmt.Errorf("history update for %s/%s: %d attempts exhausted", deviceID, varName, h.maxAttempts)
}

// prependCapped puts entry at the head and evicts from the tail while the
// list exceeds max.
func prependCapped(entries []telemetry.HistoryEntry, entry telemetry.HistoryEntry, max int) []telemetry.HistoryEntry {
    out := make([]telemetry.HistoryEntry, 0, len(entries)+1)
    out = append(out, entry)
    out = append(out, entries...)
    for len(out) > max {
        out = out[:len(out)-1]
    }
    return out
}
