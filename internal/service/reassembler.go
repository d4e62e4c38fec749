package service

import (
    "context"
    "encoding/base64"
    "fmt"
    "sort"
    "strings"
    "time"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/logging"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/metrics"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
)

// Reassembler rebuilds binary images from out-of-order, possibly duplicated
// chunk messages on the legacy chunked path.
//
// Per (deviceId, messageId) the chunk set grows monotonically until either
// all declared indices are present (atomic delete-and-emit) or a poison
// chunk abandons it (atomic delete-and-mark-turd). Garbage collection of
// abandoned sets is opportunistic: it rides on new traffic from the same
// device, never on a timer.
type Reassembler struct {
    chunks ChunkStore
    turds  TurdStore
    images ImageStore
    pub    *imagePublisher
    events *logging.EventLogger
    now    func() time.Time
}

func NewReassembler(chunks ChunkStore, turds TurdStore, images ImageStore, pub *imagePublisher) *Reassembler {
    return &Reassembler{
        chunks: chunks,
        turds:  turds,
        images: images,
        pub:    pub,
        events: logging.NewEventLogger(),
        now:    time.Now,
    }
}

// HandleChunk processes one legacy Image message.
func (r *Reassembler) HandleChunk(ctx context.Context, deviceID string, msg telemetry.Message) error {
    messageID, ok1 := msg.String(telemetry.KeyMessageID)
    varName, ok2 := msg.String(telemetry.KeyVarName)
    imageType, ok3 := msg.String(telemetry.KeyImageType)
    chunkIndex, ok4 := msg.Int(telemetry.KeyChunk)
    totalChunks, ok5 := msg.Int(telemetry.KeyTotalChunks)
    fragment, ok6 := msg.String(telemetry.KeyImageChunk)
    if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
        return &telemetry.Err{Code: "missing_key", Message: "image message missing required key(s)"}
    }

    // An empty fragment is the poison signal: drop every chunk for this id
    // so no bad partial image ever gets assembled, and leave a turd so the
    // orphans of this id keep getting collected.
    if len(fragment) == 0 {
        if err := r.chunks.DeleteChunks(ctx, deviceID, messageID); err != nil {
            return fmt.Errorf("abandon %s/%s: %w", deviceID, messageID, err)
        }
        if err := r.turds.MarkAbandoned(ctx, deviceID, messageID, r.now()); err != nil {
            return fmt.Errorf("mark turd %s/%s: %w", deviceID, messageID, err)
        }
        metrics.ImagesAbandoned.Inc()
        r.events.Image("abandon", deviceID, messageID, "", "empty fragment")
        return nil
    }

    // A non-positive total would make any chunk set look complete and
    // publish a zero-byte image.
    if totalChunks < 1 {
        return &telemetry.Err{Code: "bad_chunk_count", Message: "totalChunks must be positive"}
    }

    // Reap turds from previous images of this device. Only ids different
    // from the one in flight; a turd for the current id means its chunks
    // are already being replaced.
    if stale, err := r.turds.Abandoned(ctx, deviceID); err == nil {
        for _, staleID := range stale {
            if staleID == messageID {
                continue
            }
            _ = r.chunks.DeleteChunks(ctx, deviceID, staleID)
            _ = r.turds.ClearAbandoned(ctx, deviceID, staleID)
            metrics.TurdsReaped.Inc()
            r.events.Image("reap", deviceID, staleID, "", "superseded by new traffic")
        }
    }

    rec := telemetry.ChunkRecord{
        DeviceID:    deviceID,
        MessageID:   messageID,
        VarName:     varName,
        ImageType:   imageType,
        ChunkIndex:  chunkIndex,
        TotalChunks: totalChunks,
        Fragment:    fragment,
        ReceivedAt:  r.now(),
    }
    if err := r.chunks.PutChunk(ctx, rec); err != nil {
        return fmt.Errorf("store chunk %s/%s[%d]: %w", deviceID, messageID, chunkIndex, err)
    }
    metrics.ChunksStored.Inc()
    r.events.Image("chunk", deviceID, messageID, "", fmt.Sprintf("%d of %d", chunkIndex, totalChunks))

    // Completion check against the most recently declared total. Indices at
    // or beyond the total are stored (the source never bounds-checked) but
    // do not count toward completion, so a stray index cannot fake a full
    // set.
    stored, err := r.chunks.Chunks(ctx, deviceID, messageID)
    if err != nil {
        return fmt.Errorf("fetch chunks %s/%s: %w", deviceID, messageID, err)
    }
    received := 0
    for _, c := range stored {
        if c.ChunkIndex < totalChunks {
            received++
        }
    }
    if received < totalChunks {
        return nil
    }

    return r.complete(ctx, deviceID, messageID, varName, imageType, totalChunks, stored)
}

// complete is the terminal transition: transient state is deleted first,
// then the image is decoded and published. Redelivered completions are
// caught by the destination existence check before any blob write.
func (r *Reassembler) complete(ctx context.Context, deviceID, messageID, varName, imageType string, totalChunks int, stored []telemetry.ChunkRecord) error {
    if err := r.chunks.DeleteChunks(ctx, deviceID, messageID); err != nil {
        return fmt.Errorf("delete chunks %s/%s: %w", deviceID, messageID, err)
    }
    _ = r.turds.ClearAbandoned(ctx, deviceID, messageID)

    sort.Slice(stored, func(i, j int) bool { return stored[i].ChunkIndex < stored[j].ChunkIndex })
    var b64 strings.Builder
    for _, c := range stored {
        if c.ChunkIndex >= totalChunks {
            continue
        }
        b64.WriteString(c.Fragment)
    }
    payload, err := decodeChunkedBase64(b64.String())
    if err != nil {
        return fmt.Errorf("decode image %s/%s: %w", deviceID, messageID, err)
    }

    // Destination object names are deterministic per message id so that a
    // redelivered completion dedups instead of writing a second blob.
    name := fmt.Sprintf("%s_%s_%s.%s", deviceID, varName, messageID, imageType)
    exists, err := r.images.InDestination(ctx, name)
    if err != nil {
        return fmt.Errorf("dedup check %s: %w", name, err)
    }
    if exists {
        r.events.Image("dedup", deviceID, messageID, name, "already published")
        return nil
    }

    url, err := r.images.SaveImage(ctx, name, "image/"+imageType, payload)
    if err != nil {
        return fmt.Errorf("save image %s: %w", name, err)
    }
    metrics.ImagesAssembled.Inc()
    r.events.Image("complete", deviceID, messageID, name, fmt.Sprintf("%d chunks, %d bytes", totalChunks, len(payload)))

    r.pub.publish(ctx, deviceID, varName, url)
    return nil
}

// decodeChunkedBase64 decodes a concatenation of base64 fragments. Devices
// either split one encoded stream across chunks or encode every chunk on its
// own, so padding can appear mid-stream where a strict decoder would stop.
// Each padded block is decoded separately; the unpadded tail covers the
// split-stream shape.
func decodeChunkedBase64(s string) ([]byte, error) {
    var out []byte
    start := 0
    for i := 0; i < len(s); i++ {
        if s[i] != '=' {
            continue
        }
        for i+1 < len(s) && s[i+1] == '=' {
            i++
        }
        b, err := base64.StdEncoding.DecodeString(s[start : i+1])
        if err != nil {
            return nil, err
        }
        out = append(out, b...)
        start = i + 1
    }
    if start < len(s) {
        b, err := base64.RawStdEncoding.DecodeString(s[start:])
        if err != nil {
            return nil, err
        }
        out = append(out, b...)
    }
    return out, nil
}
