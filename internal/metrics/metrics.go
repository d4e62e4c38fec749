package metrics

import (
    "net/http"

    prom "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    MessagesTotal = prom.NewCounterVec(prom.CounterOpts{Name: "mqtt_service_messages_total", Help: "Messages handled by declared type"}, []string{"type"})
    MessagesRejected = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_messages_rejected_total", Help: "Messages rejected as malformed or unknown"})
    BusAckTotal = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_bus_ack_total", Help: "Bus messages acknowledged"})
    HandlerPanics = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_handler_panics_total", Help: "Panics recovered in message handling"})

    ChunksStored = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_chunks_stored_total", Help: "Image chunks stored"})
    ImagesAssembled = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_images_assembled_total", Help: "Images reassembled from chunks"})
    ImagesAbandoned = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_images_abandoned_total", Help: "Image reassemblies abandoned via poison chunk"})
    TurdsReaped = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_turds_reaped_total", Help: "Abandoned upload markers garbage-collected"})

    UploadsPromoted = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_uploads_promoted_total", Help: "Uploaded images moved from staging to destination"})
    UploadsDeduped = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_uploads_deduped_total", Help: "Upload notices skipped because the object already exists at destination"})
    UploadsTimedOut = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_uploads_timed_out_total", Help: "Upload notices dropped after the polling window elapsed"})
    StaleObjectsSwept = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_stale_objects_swept_total", Help: "Stale staging objects deleted"})
    WatchersActive = prom.NewGauge(prom.GaugeOpts{Name: "mqtt_service_upload_watchers_active", Help: "Upload watcher goroutines currently polling"})

    HistoryUpdates = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_history_updates_total", Help: "Device history cache updates committed"})
    HistoryConflicts = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_history_conflicts_total", Help: "Optimistic transaction conflicts during history updates"})
    HistoryDropped = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_history_dropped_total", Help: "History updates dropped after retry exhaustion"})

    WarehouseRows = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_warehouse_rows_total", Help: "Rows appended to the warehouse"})
    WarehouseErrors = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_warehouse_errors_total", Help: "Warehouse inserts dropped after retry exhaustion"})
    BlobWriteBytes = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_blob_write_bytes_total", Help: "Bytes written to the image bucket"})
    CaptureBytes = prom.NewCounter(prom.CounterOpts{Name: "mqtt_service_capture_bytes_total", Help: "Bytes written to the raw capture sink"})
)

func init() {
    prom.MustRegister(
        MessagesTotal, MessagesRejected, BusAckTotal, HandlerPanics,
        ChunksStored, ImagesAssembled, ImagesAbandoned, TurdsReaped,
        UploadsPromoted, UploadsDeduped, UploadsTimedOut, StaleObjectsSwept, WatchersActive,
        HistoryUpdates, HistoryConflicts, HistoryDropped,
        WarehouseRows, WarehouseErrors, BlobWriteBytes, CaptureBytes,
    )
}

func Handler() http.Handler { return promhttp.Handler() }
