package service

import (
    "context"
    "time"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/data"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/logging"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
)

// imagePublisher is the single publication path shared by both pending-image
// variants (legacy chunked reassembly and upload notices). Keeping it in one
// place keeps the completion and idempotency handling in one place too.
type imagePublisher struct {
    history *HistoryCache
    wh      Warehouse
    events  *logging.EventLogger
    now     func() time.Time
}

func newImagePublisher(history *HistoryCache, wh Warehouse) *imagePublisher {
    return &imagePublisher{history: history, wh: wh, events: logging.NewEventLogger(), now: time.Now}
}

// imageURLValues renders the values payload carrying a published image URL.
// The single-quoted shape is what devices historically sent and what the
// downstream UI parses; keep it byte-compatible.
func imageURLValues(publicURL string) string {
    return "{'values':[{'name':'URL', 'type':'str', 'value':'" + publicURL + "'}]}"
}

// publish records a freshly published image: the append-only reference for
// the UI, a history cache update, and a warehouse row tagged as an
// image-URL env var. Individual sink failures are logged and do not undo
// the others.
func (p *imagePublisher) publish(ctx context.Context, deviceID, cameraName, publicURL string) {
    created := telemetry.UTCTimestamp(p.now())

    if err := p.wh.AppendImageRef(ctx, telemetry.ImageRef{
        DeviceID:     deviceID,
        PublicURL:    publicURL,
        CameraName:   cameraName,
        CreationDate: created,
    }); err != nil {
        p.events.Infra("write", "postgres", "failed", "image ref: "+err.Error())
    }

    entry := telemetry.HistoryEntry{Timestamp: created, Name: "URL", Value: publicURL}
    if err := p.history.Update(ctx, deviceID, cameraName, entry); err != nil {
        p.events.History("exhausted", deviceID, cameraName, err.Error())
    }

    row := data.WarehouseRow{ID: RowID("Env", cameraName, p.now(), deviceID), Values: imageURLValues(publicURL)}
    if err := p.wh.AppendRows(ctx, []data.WarehouseRow{row}); err != nil {
        p.events.Infra("write", "postgres", "failed", "image row: "+err.Error())
    }
}
