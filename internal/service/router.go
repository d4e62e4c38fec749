package service

import (
    "context"
    "encoding/json"
    "time"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/logging"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/metrics"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
)

// Router classifies inbound decoded messages by declared type and
// dispatches them. The bus acknowledgment already happened, so a rejected
// message is still a handled message: log the diagnostic, count it, move
// on. Routing itself has no side effects beyond that.
type Router struct {
    reassembler *Reassembler
    watcher     *UploadWatcher
    history     *HistoryCache
    warehouse   *WarehouseWriter
    events      *logging.EventLogger
    now         func() time.Time
}

func NewRouter(reassembler *Reassembler, watcher *UploadWatcher, history *HistoryCache, warehouse *WarehouseWriter) *Router {
    return &Router{
        reassembler: reassembler,
        watcher:     watcher,
        history:     history,
        warehouse:   warehouse,
        events:      logging.NewEventLogger(),
        now:         time.Now,
    }
}

// Handle decodes, validates and dispatches one bus envelope.
func (rt *Router) Handle(ctx context.Context, env telemetry.Envelope) {
    msg, err := telemetry.Decode(env)
    if err != nil {
        rt.reject(env.DeviceID, "", err)
        return
    }
    typ, err := msg.Type()
    if err != nil {
        rt.reject(env.DeviceID, "", err)
        return
    }
    metrics.MessagesTotal.WithLabelValues(typ).Inc()
    rt.events.Message("route", env.DeviceID, typ, "ok", "")

    switch typ {
    case telemetry.TypeImage:
        if err := rt.reassembler.HandleChunk(ctx, env.DeviceID, msg); err != nil {
            rt.reject(env.DeviceID, typ, err)
        }
    case telemetry.TypeImageUpload:
        if err := rt.watcher.HandleNotice(ctx, env.DeviceID, msg); err != nil {
            rt.reject(env.DeviceID, typ, err)
        }
    default:
        rt.handleEnvVar(ctx, env.DeviceID, typ, msg)
    }
}

// handleEnvVar is the direct path: EnvVar and CommandReply messages go to
// the history cache and the warehouse.
func (rt *Router) handleEnvVar(ctx context.Context, deviceID, typ string, msg telemetry.Message) {
    varName, ok := msg.String(telemetry.KeyVar)
    if !ok {
        rt.reject(deviceID, typ, &telemetry.Err{Code: "missing_key", Message: "missing key " + telemetry.KeyVar})
        return
    }
    values, ok := msg.String(telemetry.KeyValues)
    if !ok {
        raw, present := msg.Payload[telemetry.KeyValues]
        if !present {
            rt.reject(deviceID, typ, &telemetry.Err{Code: "missing_key", Message: "missing key " + telemetry.KeyValues})
            return
        }
        b, err := json.Marshal(raw)
        if err != nil {
            rt.reject(deviceID, typ, &telemetry.Err{Code: "bad_values", Message: "unencodable values payload"})
            return
        }
        values = string(b)
    }

    entry := telemetry.HistoryEntry{
        Timestamp: telemetry.UTCTimestamp(rt.now()),
        Name:      telemetry.FirstName(values),
        Value:     telemetry.FirstValue(values),
    }
    if err := rt.history.Update(ctx, deviceID, varName, entry); err != nil {
        // Dropped sample: reported via log/metric inside the cache, the
        // message is still considered handled.
        logging.Warn("history_update_dropped", logging.F("device_id", deviceID), logging.F("var", varName), logging.Err(err))
    }

    if err := rt.warehouse.Append(ctx, msg, deviceID); err != nil {
        logging.Warn("warehouse_append_dropped", logging.F("device_id", deviceID), logging.F("var", varName), logging.Err(err))
    }
}

func (rt *Router) reject(deviceID, typ string, err error) {
    metrics.MessagesRejected.Inc()
    rt.events.Message("reject", deviceID, typ, "failed", err.Error())
}
