package data

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "strconv"
    "time"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/servicecfg"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
    "github.com/redis/go-redis/v9"
)

// ErrConflict reports that an optimistic history write lost the race and
// should be retried against a fresh read.
var ErrConflict = errors.New("history revision conflict")

type Redis struct {
    cfg    servicecfg.RedisConfig
    c      *redis.Client
    stream string
}

func NewRedis(cfg servicecfg.RedisConfig) (*Redis, error) {
    client := redis.NewClient(&redis.Options{
        Addr:         cfg.Addr,
        Username:     cfg.Username,
        Password:     cfg.Password,
        DB:           cfg.DB,
        ReadTimeout:  -1, // blocking stream reads manage their own deadline
        WriteTimeout: 3 * time.Second,
        DialTimeout:  3 * time.Second,
    })
    return &Redis{cfg: cfg, c: client, stream: cfg.KeyPrefix + cfg.Stream}, nil
}

func (r *Redis) C() *redis.Client { return r.c }

func (r *Redis) Close() error {
    if r.c != nil {
        return r.c.Close()
    }
    return nil
}

// --- message bus (device events stream) ---

func (r *Redis) EnsureGroup(ctx context.Context) error {
    err := r.c.XGroupCreateMkStream(ctx, r.stream, r.cfg.ConsumerGroup, "0").Err()
    if err != nil && redis.HasErrorPrefix(err, "BUSYGROUP") {
        return nil
    }
    return err
}

// ReadBatch blocks up to block for up to count messages on the device
// events stream.
func (r *Redis) ReadBatch(ctx context.Context, consumer string, count int, block time.Duration) ([]redis.XStream, error) {
    res, err := r.c.XReadGroup(ctx, &redis.XReadGroupArgs{
        Group:    r.cfg.ConsumerGroup,
        Consumer: consumer,
        Streams:  []string{r.stream, ">"},
        Count:    int64(count),
        Block:    block,
    }).Result()
    if err == redis.Nil {
        return nil, nil
    }
    return res, err
}

func (r *Redis) Ack(ctx context.Context, ids ...string) error {
    if len(ids) == 0 {
        return nil
    }
    cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return r.c.XAck(cctx, r.stream, r.cfg.ConsumerGroup, ids...).Err()
}

// DecodeEnvelope extracts the device attributes and raw payload from a
// stream entry.
func DecodeEnvelope(m redis.XMessage) telemetry.Envelope {
    env := telemetry.Envelope{}
    if v, ok := m.Values["deviceId"]; ok {
        env.DeviceID, _ = v.(string)
    }
    if v, ok := m.Values["subFolder"]; ok {
        env.SubFolder, _ = v.(string)
    }
    if v, ok := m.Values["deviceNumId"]; ok {
        env.DeviceNumID, _ = v.(string)
    }
    switch v := m.Values["payload"].(type) {
    case string:
        env.Payload = []byte(v)
    case []byte:
        env.Payload = v
    }
    return env
}

// --- chunk cache ---

func (r *Redis) chunkKey(deviceID, messageID string) string {
    return fmt.Sprintf("%schunks:%s:%s", r.cfg.KeyPrefix, deviceID, messageID)
}

func (r *Redis) PutChunk(ctx context.Context, rec telemetry.ChunkRecord) error {
    b, err := json.Marshal(rec)
    if err != nil {
        return err
    }
    return r.c.HSet(ctx, r.chunkKey(rec.DeviceID, rec.MessageID), strconv.Itoa(rec.ChunkIndex), b).Err()
}

func (r *Redis) Chunks(ctx context.Context, deviceID, messageID string) ([]telemetry.ChunkRecord, error) {
    fields, err := r.c.HGetAll(ctx, r.chunkKey(deviceID, messageID)).Result()
    if err != nil {
        return nil, err
    }
    out := make([]telemetry.ChunkRecord, 0, len(fields))
    for _, raw := range fields {
        var rec telemetry.ChunkRecord
        if err := json.Unmarshal([]byte(raw), &rec); err != nil {
            continue
        }
        out = append(out, rec)
    }
    return out, nil
}

func (r *Redis) DeleteChunks(ctx context.Context, deviceID, messageID string) error {
    return r.c.Del(ctx, r.chunkKey(deviceID, messageID)).Err()
}

// --- turd markers ---

func (r *Redis) turdKey(deviceID string) string {
    return r.cfg.KeyPrefix + "turds:" + deviceID
}

func (r *Redis) MarkAbandoned(ctx context.Context, deviceID, messageID string, firstSeen time.Time) error {
    return r.c.HSetNX(ctx, r.turdKey(deviceID), messageID, telemetry.UTCTimestamp(firstSeen)).Err()
}

func (r *Redis) Abandoned(ctx context.Context, deviceID string) ([]string, error) {
    fields, err := r.c.HKeys(ctx, r.turdKey(deviceID)).Result()
    if err != nil {
        return nil, err
    }
    return fields, nil
}

func (r *Redis) ClearAbandoned(ctx context.Context, deviceID, messageID string) error {
    return r.c.HDel(ctx, r.turdKey(deviceID), messageID).Err()
}

// --- device history container ---

func (r *Redis) historyKey(deviceID string) string {
    return r.cfg.KeyPrefix + "history:" + deviceID
}

// historyCAS writes the list only if the per-variable revision field still
// holds the expected value, bumping it on success. A missing field counts
// as revision 0, which covers lazy container creation.
var historyCAS = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false then cur = '0' end
if cur ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], ARGV[3], ARGV[4], ARGV[1], tostring(tonumber(ARGV[2]) + 1))
return 1
`)

func revField(varName string) string { return varName + "#rev" }

// LoadHistory returns the entry list for (deviceID, varName) and the
// revision token to pass to StoreHistory. An absent variable yields an
// empty list at revision 0.
func (r *Redis) LoadHistory(ctx context.Context, deviceID, varName string) ([]telemetry.HistoryEntry, int64, error) {
    vals, err := r.c.HMGet(ctx, r.historyKey(deviceID), varName, revField(varName)).Result()
    if err != nil {
        return nil, 0, err
    }
    var entries []telemetry.HistoryEntry
    if raw, ok := vals[0].(string); ok && raw != "" {
        if err := json.Unmarshal([]byte(raw), &entries); err != nil {
            return nil, 0, err
        }
    }
    var rev int64
    if raw, ok := vals[1].(string); ok && raw != "" {
        rev, _ = strconv.ParseInt(raw, 10, 64)
    }
    return entries, rev, nil
}

// StoreHistory commits entries for (deviceID, varName) if no concurrent
// update happened since the paired LoadHistory; otherwise ErrConflict.
func (r *Redis) StoreHistory(ctx context.Context, deviceID, varName string, entries []telemetry.HistoryEntry, rev int64) error {
    b, err := json.Marshal(entries)
    if err != nil {
        return err
    }
    ok, err := historyCAS.Run(ctx, r.c,
        []string{r.historyKey(deviceID)},
        revField(varName), strconv.FormatInt(rev, 10), varName, string(b),
    ).Int()
    if err != nil {
        return err
    }
    if ok != 1 {
        return ErrConflict
    }
    return nil
}
