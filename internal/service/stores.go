package service

import (
    "context"
    "time"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/data"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
)

// ChunkStore holds in-flight image fragments keyed by (device, message-id).
// Implemented by data.Redis; tests use in-memory fakes.
type ChunkStore interface {
    PutChunk(ctx context.Context, rec telemetry.ChunkRecord) error
    Chunks(ctx context.Context, deviceID, messageID string) ([]telemetry.ChunkRecord, error)
    DeleteChunks(ctx context.Context, deviceID, messageID string) error
}

// TurdStore records abandoned reassemblies so their orphaned chunks can be
// garbage-collected by later traffic.
type TurdStore interface {
    MarkAbandoned(ctx context.Context, deviceID, messageID string, firstSeen time.Time) error
    Abandoned(ctx context.Context, deviceID string) ([]string, error)
    ClearAbandoned(ctx context.Context, deviceID, messageID string) error
}

// HistoryStore is the per-device document container backing the bounded
// recent-values cache. StoreHistory returns data.ErrConflict when a
// concurrent update won the race.
type HistoryStore interface {
    LoadHistory(ctx context.Context, deviceID, varName string) ([]telemetry.HistoryEntry, int64, error)
    StoreHistory(ctx context.Context, deviceID, varName string, entries []telemetry.HistoryEntry, rev int64) error
}

// ImageStore is the blob store with its two logical areas: staging
// (public-write, filled by an external uploader) and destination
// (public-read). Existence checks report not-found as a state, never an
// error.
type ImageStore interface {
    InDestination(ctx context.Context, name string) (bool, error)
    InStaging(ctx context.Context, name string) (bool, error)
    SaveImage(ctx context.Context, name, contentType string, payload []byte) (string, error)
    Promote(ctx context.Context, name string) (string, error)
    ListStaging(ctx context.Context) ([]data.StagedObject, error)
    DeleteStaging(ctx context.Context, name string) error
}

// Warehouse appends analytical rows and image references. Rows are never
// mutated after insertion.
type Warehouse interface {
    AppendRows(ctx context.Context, rows []data.WarehouseRow) error
    AppendImageRef(ctx context.Context, ref telemetry.ImageRef) error
}
