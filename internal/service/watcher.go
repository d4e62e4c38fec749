package service

import (
    "context"
    "sync"
    "time"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/logging"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/metrics"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/servicecfg"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
)

// UploadWatcher handles the out-of-band upload notification path: an
// external uploader has (or soon will have) dropped the object into the
// staging area, and the notice tells us to pick it up.
//
// Each notice runs as its own goroutine so a slow upload never blocks
// ingestion of unrelated messages. The only cross-attempt state is the
// existence checks against the two buckets, which also make redelivered
// notices idempotent.
type UploadWatcher struct {
    images     ImageStore
    pub        *imagePublisher
    interval   time.Duration
    window     time.Duration
    staleAfter time.Duration
    events     *logging.EventLogger
    wg         sync.WaitGroup
    now        func() time.Time
}

func NewUploadWatcher(images ImageStore, pub *imagePublisher, cfg servicecfg.ImagesConfig) *UploadWatcher {
    return &UploadWatcher{
        images:     images,
        pub:        pub,
        interval:   time.Duration(cfg.PollIntervalMs) * time.Millisecond,
        window:     time.Duration(cfg.PollWindowMs) * time.Millisecond,
        staleAfter: time.Duration(cfg.StaleAfterMs) * time.Millisecond,
        events:     logging.NewEventLogger(),
        now:        time.Now,
    }
}

// HandleNotice validates an ImageUpload message and schedules its watch
// task. Returns immediately.
func (w *UploadWatcher) HandleNotice(ctx context.Context, deviceID string, msg telemetry.Message) error {
    varName, ok1 := msg.String(telemetry.KeyVarName)
    fileName, ok2 := msg.String(telemetry.KeyFileName)
    if !ok1 || !ok2 {
        return &telemetry.Err{Code: "missing_key", Message: "upload notice missing varName or fileName"}
    }
    w.wg.Add(1)
    go func() {
        defer w.wg.Done()
        w.watch(ctx, deviceID, varName, fileName)
    }()
    return nil
}

// Wait blocks until all in-flight watch tasks have finished or d elapses.
func (w *UploadWatcher) Wait(d time.Duration) bool {
    done := make(chan struct{})
    go func() {
        w.wg.Wait()
        close(done)
    }()
    select {
    case <-done:
        return true
    case <-time.After(d):
        return false
    }
}

func (w *UploadWatcher) watch(ctx context.Context, deviceID, varName, fileName string) {
    metrics.WatchersActive.Inc()
    defer metrics.WatchersActive.Dec()

    wctx, cancel := context.WithTimeout(ctx, w.window)
    defer cancel()
    ticker := time.NewTicker(w.interval)
    defer ticker.Stop()

poll:
    for {
        if w.attempt(wctx, deviceID, varName, fileName) {
            break
        }
        select {
        case <-wctx.Done():
            if ctx.Err() != nil {
                // Shutdown cut the notice short; not a timeout.
                break poll
            }
            // Window elapsed with no resolution: drop the notice. A future
            // notice or manual intervention has to pick it up.
            metrics.UploadsTimedOut.Inc()
            w.events.Image("timeout", deviceID, "", fileName, "upload never arrived in staging")
            break poll
        case <-ticker.C:
        }
    }

    // Opportunistic sweep of the staging area, independent of the outcome
    // above. Runs on the parent context so shutdown still bounds it.
    w.sweep(ctx)
}

// attempt runs one poll cycle; true means the notice is resolved.
func (w *UploadWatcher) attempt(ctx context.Context, deviceID, varName, fileName string) bool {
    // Redelivery dedup: the bus is at-least-once, so the same notice can
    // arrive again after the object was already promoted.
    if done, err := w.images.InDestination(ctx, fileName); err == nil && done {
        metrics.UploadsDeduped.Inc()
        w.events.Image("dedup", deviceID, "", fileName, "already handled")
        return true
    }
    arrived, err := w.images.InStaging(ctx, fileName)
    if err != nil || !arrived {
        return false
    }
    url, err := w.images.Promote(ctx, fileName)
    if err != nil {
        // Lost the race against a concurrent handler; the object is gone
        // from staging. Nothing left to publish.
        w.events.Image("dedup", deviceID, "", fileName, "already moved: "+err.Error())
        return true
    }
    metrics.UploadsPromoted.Inc()
    w.events.Image("promote", deviceID, "", fileName, "")
    w.pub.publish(ctx, deviceID, varName, url)
    return true
}

// sweep deletes staging objects older than the stale TTL, tolerating and
// suppressing individual delete errors.
func (w *UploadWatcher) sweep(ctx context.Context) {
    objs, err := w.images.ListStaging(ctx)
    if err != nil {
        w.events.Infra("read", "blob", "failed", "staging list: "+err.Error())
        return
    }
    cutoff := w.now().Add(-w.staleAfter)
    for _, obj := range objs {
        if obj.CreatedAt.After(cutoff) {
            continue
        }
        if err := w.images.DeleteStaging(ctx, obj.Name); err != nil {
            continue
        }
        metrics.StaleObjectsSwept.Inc()
        w.events.Image("sweep", "", "", obj.Name, "stale staging object")
    }
}
