package service

import (
    "context"
    "fmt"
    "net/http"
    "runtime/debug"
    "time"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/data"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/logging"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/metrics"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/servicecfg"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/sink"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
    "github.com/google/uuid"
)

// Service wires the device-events consumer to the fan-out handlers and owns
// every client handle; nothing in this package reaches for process-wide
// singletons.
type Service struct {
    cfg     *servicecfg.Config
    rt      *Router
    rd      *data.Redis
    pg      *data.Postgres
    blob    *data.Blob
    capture *sink.CaptureSink
    watcher *UploadWatcher
}

func New(configPath string) (*Service, error) {
    cfg, err := servicecfg.Load(configPath)
    if err != nil {
        return nil, fmt.Errorf("load config: %w", err)
    }
    return &Service{cfg: cfg}, nil
}

func (s *Service) Start(ctx context.Context) error {
    stopLog := logging.Init(s.cfg.Logging)
    defer stopLog()
    logging.Info("service_start", logging.F("listen", s.cfg.Server.Listen), logging.F("stream", s.cfg.Redis.Stream))

    rd, err := data.NewRedis(s.cfg.Redis)
    if err != nil {
        return fmt.Errorf("redis init: %w", err)
    }
    s.rd = rd

    pg, err := data.NewPostgres(s.cfg.Postgres)
    if err != nil {
        logging.Warn("postgres_init_error", logging.Err(err))
        pg, _ = data.NewPostgres(servicecfg.PostgresConfig{})
    }
    s.pg = pg

    blob, err := data.NewBlob(s.cfg.Blob)
    if err != nil {
        return fmt.Errorf("blob init: %w", err)
    }
    s.blob = blob

    capture, err := sink.NewCaptureSink(s.cfg.Capture)
    if err != nil {
        return fmt.Errorf("capture sink: %w", err)
    }
    s.capture = capture

    history := NewHistoryCache(s.rd, s.cfg.History.MaxEntries, s.cfg.History.MaxTxAttempts)
    publisher := newImagePublisher(history, s.pg)
    warehouse := NewWarehouseWriter(s.pg)
    reassembler := NewReassembler(s.rd, s.rd, s.blob, publisher)
    s.watcher = NewUploadWatcher(s.blob, publisher, s.cfg.Images)
    s.rt = NewRouter(reassembler, s.watcher, history, warehouse)

    mux := http.NewServeMux()
    mux.Handle("/metrics", metrics.Handler())
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
    mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ready")) })
    server := &http.Server{Addr: s.cfg.Server.Listen, Handler: mux}

    if err := s.rd.EnsureGroup(ctx); err != nil {
        logging.Warn("consumer_group_init_error", logging.Err(err))
    }
    go s.consume(ctx)

    go func() {
        <-ctx.Done()
        shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
        defer cancel()
        _ = server.Shutdown(shutdownCtx)
        // In-flight watchers see the cancelled context and exit promptly;
        // bound the wait anyway.
        if s.watcher != nil && !s.watcher.Wait(5*time.Second) {
            logging.Warn("watchers_still_active_at_shutdown")
        }
        if s.capture != nil {
            _ = s.capture.Close()
        }
        if s.rd != nil {
            _ = s.rd.Close()
        }
        if s.pg != nil {
            s.pg.Close()
        }
    }()

    if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
        return err
    }
    return nil
}

// consume reads device events from the bus and hands each one to the
// router. Acknowledgment happens before validation: redelivery is never
// triggered by a malformed message, trading at-most-once handling of
// garbage for freedom from poison-message loops.
func (s *Service) consume(ctx context.Context) {
    consumer := s.cfg.Redis.ConsumerName
    if consumer == "" {
        consumer = fmt.Sprintf("mqtt-service-%s", uuid.NewString())
    }
    count := s.cfg.Redis.ReadCount
    block := time.Duration(s.cfg.Redis.BlockMs) * time.Millisecond
    for ctx.Err() == nil {
        streams, err := s.rd.ReadBatch(ctx, consumer, count, block)
        if err != nil {
            if ctx.Err() != nil {
                return
            }
            logging.Warn("bus_read_error", logging.Err(err))
            time.Sleep(500 * time.Millisecond)
            continue
        }
        for _, st := range streams {
            for _, m := range st.Messages {
                if err := s.rd.Ack(ctx, m.ID); err == nil {
                    metrics.BusAckTotal.Inc()
                }
                env := data.DecodeEnvelope(m)
                if len(env.Payload) == 0 {
                    logging.Warn("empty_message_payload", logging.F("bus_id", m.ID))
                    continue
                }
                _ = s.capture.WriteJSON(map[string]any{
                    "deviceId": env.DeviceID, "subFolder": env.SubFolder,
                    "deviceNumId": env.DeviceNumID, "payload": string(env.Payload),
                })
                s.handle(ctx, m.ID, env)
            }
        }
    }
}

// handle is the outermost per-message boundary: whatever a handler does,
// the consume loop keeps running. A panic is logged with its stack and the
// message is lost, which is the availability strategy, not a correctness
// one.
func (s *Service) handle(ctx context.Context, busID string, env telemetry.Envelope) {
    defer func() {
        if p := recover(); p != nil {
            metrics.HandlerPanics.Inc()
            logging.Error("handler_panic",
                logging.F("bus_id", busID),
                logging.F("panic", fmt.Sprint(p)),
                logging.F("stack", string(debug.Stack())))
        }
    }()
    s.rt.Handle(ctx, env)
}
