package service

import (
    "context"
    "encoding/json"
    "fmt"
    "time"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/data"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/logging"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
)

// WarehouseWriter maps validated messages into append-only analytical rows.
type WarehouseWriter struct {
    store  Warehouse
    events *logging.EventLogger
    now    func() time.Time
}

func NewWarehouseWriter(store Warehouse) *WarehouseWriter {
    return &WarehouseWriter{store: store, events: logging.NewEventLogger(), now: time.Now}
}

// rowKind maps a message type to the id prefix of its warehouse row.
// Legacy Image messages are written as env vars, which downstream UI code
// depends on.
func rowKind(messageType string) (string, bool) {
    switch messageType {
    case telemetry.TypeEnvVar, telemetry.TypeImage:
        return "Env", true
    case telemetry.TypeCommandReply:
        return "Cmd", true
    }
    return "", false
}

// RowID builds the composite advisory id:
// <kind>~<varName>~<created UTC TS>~<deviceId>, with the separator stripped
// from embedded names.
func RowID(kind, varName string, created time.Time, deviceID string) string {
    return fmt.Sprintf("%s~%s~%s~%s",
        kind, telemetry.ScrubID(varName), telemetry.UTCTimestamp(created), telemetry.ScrubID(deviceID))
}

// BuildRows maps one message into its warehouse rows. Messages without a
// mappable kind or the required var/values keys produce no rows.
func (w *WarehouseWriter) BuildRows(msg telemetry.Message, deviceID string) ([]data.WarehouseRow, bool) {
    typ, err := msg.Type()
    if err != nil {
        return nil, false
    }
    kind, ok := rowKind(typ)
    if !ok {
        return nil, false
    }
    varName, ok := msg.String(telemetry.KeyVar)
    if !ok {
        return nil, false
    }
    values, ok := msg.String(telemetry.KeyValues)
    if !ok {
        // tolerate a structured values payload by re-encoding it verbatim
        raw, present := msg.Payload[telemetry.KeyValues]
        if !present {
            return nil, false
        }
        b, err := json.Marshal(raw)
        if err != nil {
            return nil, false
        }
        values = string(b)
    }
    row := data.WarehouseRow{ID: RowID(kind, varName, w.now(), deviceID), Values: values}
    return []data.WarehouseRow{row}, true
}

// Append maps and inserts the rows for msg. Persistent insert failure is
// logged and returned; the caller does not escalate further.
func (w *WarehouseWriter) Append(ctx context.Context, msg telemetry.Message, deviceID string) error {
    rows, ok := w.BuildRows(msg, deviceID)
    if !ok {
        w.events.Message("drop", deviceID, "", "failed", "no warehouse rows for message")
        return nil
    }
    if err := w.store.AppendRows(ctx, rows); err != nil {
        w.events.Infra("write", "postgres", "failed", err.Error())
        return err
    }
    return nil
}
