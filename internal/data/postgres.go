package data

import (
    "context"
    "errors"
    "os"
    "time"

    "github.com/OpenAgricultureFoundation/mqtt-service/internal/metrics"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/servicecfg"
    "github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
    "github.com/jackc/pgx/v5/pgxpool"
)

// WarehouseRow is one append-only analytical row. ID carries advisory
// uniqueness only; the store does not enforce it.
type WarehouseRow struct {
    ID     string
    Values string
    X      float64
    Y      float64
}

type Postgres struct {
    cfg  servicecfg.PostgresConfig
    pool *pgxpool.Pool
}

func NewPostgres(cfg servicecfg.PostgresConfig) (*Postgres, error) {
    if !cfg.Enabled {
        return &Postgres{cfg: cfg}, nil
    }
    pconf, err := pgxpool.ParseConfig(cfg.DSN)
    if err != nil {
        return nil, err
    }
    if cfg.MaxConns > 0 {
        pconf.MaxConns = int32(cfg.MaxConns)
    }
    if cfg.ConnMaxLifetimeMs > 0 {
        pconf.MaxConnLifetime = time.Duration(cfg.ConnMaxLifetimeMs) * time.Millisecond
    }
    pool, err := pgxpool.NewWithConfig(context.Background(), pconf)
    if err != nil {
        return nil, err
    }
    pg := &Postgres{cfg: cfg, pool: pool}
    if cfg.ApplyMigrations {
        _ = pg.applyMigrations(context.Background())
    }
    return pg, nil
}

// NewFromPool wraps an existing pool; used by tests.
func NewFromPool(pool *pgxpool.Pool) *Postgres {
    cfg := servicecfg.PostgresConfig{Enabled: true, ValsTable: "vals", ImageRefsTable: "image_refs", InsertRetries: 3}
    return &Postgres{cfg: cfg, pool: pool}
}

func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) applyMigrations(ctx context.Context) error {
    if p.pool == nil {
        return errors.New("pg pool nil")
    }
    b, err := os.ReadFile("migrations/0001_init.sql")
    if err != nil {
        return err
    }
    cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
    defer cancel()
    _, err = p.pool.Exec(cctx, string(b))
    return err
}

// AppendRows inserts rows into the vals table. Each insert is retried up to
// the configured budget; exhaustion returns the last error so the caller can
// log and drop.
func (p *Postgres) AppendRows(ctx context.Context, rows []WarehouseRow) error {
    if p.pool == nil || len(rows) == 0 {
        return nil
    }
    var lastErr error
    for _, row := range rows {
        if err := p.insertWithRetry(ctx, row); err != nil {
            metrics.WarehouseErrors.Inc()
            lastErr = err
            continue
        }
        metrics.WarehouseRows.Inc()
    }
    return lastErr
}

func (p *Postgres) insertWithRetry(ctx context.Context, row WarehouseRow) error {
    var err error
    for attempt := 0; attempt < p.cfg.InsertRetries; attempt++ {
        cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
        _, err = p.pool.Exec(cctx,
            `INSERT INTO `+p.cfg.ValsTable+` (id, vals, x, y) VALUES ($1,$2,$3,$4)`,
            row.ID, row.Values, row.X, row.Y,
        )
        cancel()
        if err == nil {
            return nil
        }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
        }
    }
    return err
}

// AppendImageRef records a published image reference for UI consumption.
func (p *Postgres) AppendImageRef(ctx context.Context, ref telemetry.ImageRef) error {
    if p.pool == nil {
        return nil
    }
    cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    _, err := p.pool.Exec(cctx,
        `INSERT INTO `+p.cfg.ImageRefsTable+` (device_uuid, url, camera_name, creation_date) VALUES ($1,$2,$3,$4)`,
        ref.DeviceID, ref.PublicURL, ref.CameraName, ref.CreationDate,
    )
    return err
}

func (p *Postgres) Close() {
    if p.pool != nil {
        p.pool.Close()
    }
}
