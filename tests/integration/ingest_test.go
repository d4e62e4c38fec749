//go:build integration

package it

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/OpenAgricultureFoundation/mqtt-service/internal/servicecfg"
	itutil "github.com/OpenAgricultureFoundation/mqtt-service/tests/itutil"
)

func TestIngestE2E_EnvVarToWarehouseAndHistory(t *testing.T) {
	if os.Getenv("RUN_IT") == "" { t.Skip("integration test; set RUN_IT=1 to run") }
	itutil.ChdirRepoRoot(t)
	pgc, dsn := itutil.StartPostgres(t)
	defer pgc.Terminate(context.Background())
	rc, addr := itutil.StartRedis(t)
	defer rc.Terminate(context.Background())
	itutil.WaitPostgresReady(t, dsn, 15*time.Second)

	port := itutil.FreePort(t)
	cfg := servicecfg.Config{
		Server:   servicecfg.ServerConfig{Listen: ":" + strconv.Itoa(port)},
		Redis:    servicecfg.RedisConfig{Addr: addr, Stream: "device-events", ConsumerGroup: "mqtt-service", ReadCount: 10, BlockMs: 500},
		Postgres: servicecfg.PostgresConfig{Enabled: true, DSN: dsn, ApplyMigrations: true, ValsTable: "vals", ImageRefsTable: "image_refs", InsertRetries: 3},
		History:  servicecfg.HistoryConfig{MaxEntries: 100, MaxTxAttempts: 15},
		Images:   servicecfg.ImagesConfig{PollIntervalMs: 100, PollWindowMs: 2000, StaleAfterMs: 7200000},
		Logging:  servicecfg.LoggingConfig{Level: "error"},
	}
	cancel := itutil.StartService(t, cfg)
	defer cancel()
	itutil.WaitHTTPReady(t, "http://127.0.0.1:"+strconv.Itoa(port)+"/readyz", 10*time.Second)

	rcli := redis.NewClient(&redis.Options{Addr: addr})
	defer rcli.Close()
	itutil.PublishDeviceEvent(t, rcli, "device-events", "EDU-IT-1",
		`{"messageType":"EnvVar","var":"air_temp","values":"{'values':[{'name':'air_temp', 'type':'float', 'value':'21.5'}]}"}`)

	// Warehouse row lands with the composite Env id.
	id := waitFor[string](t, 15*time.Second, func() (string, bool) {
		p, err := pgxpool.New(context.Background(), dsn)
		if err != nil { return "", false }
		defer p.Close()
		var got string
		e := p.QueryRow(context.Background(), `SELECT id FROM vals LIMIT 1`).Scan(&got)
		return got, e == nil
	})
	if !strings.HasPrefix(id, "Env~air_temp~") || !strings.HasSuffix(id, "~EDU-IT-1") {
		t.Fatalf("row id %q", id)
	}

	// History hash carries the newest-first entry list for the variable.
	raw := waitFor[string](t, 15*time.Second, func() (string, bool) {
		v, err := rcli.HGet(context.Background(), "history:EDU-IT-1", "air_temp").Result()
		return v, err == nil && v != ""
	})
	var entries []map[string]string
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		t.Fatalf("history list: %v (%s)", err, raw)
	}
	if len(entries) != 1 || entries[0]["name"] != "air_temp" || entries[0]["value"] != "21.5" {
		t.Fatalf("history entries %+v", entries)
	}
}

func TestIngestE2E_BadPayloadAckedAndSkipped(t *testing.T) {
	if os.Getenv("RUN_IT") == "" { t.Skip("integration test; set RUN_IT=1 to run") }
	itutil.ChdirRepoRoot(t)
	rc, addr := itutil.StartRedis(t)
	defer rc.Terminate(context.Background())

	port := itutil.FreePort(t)
	cfg := servicecfg.Config{
		Server:  servicecfg.ServerConfig{Listen: ":" + strconv.Itoa(port)},
		Redis:   servicecfg.RedisConfig{Addr: addr, Stream: "device-events", ConsumerGroup: "mqtt-service", ReadCount: 10, BlockMs: 500},
		History: servicecfg.HistoryConfig{MaxEntries: 100, MaxTxAttempts: 15},
		Images:  servicecfg.ImagesConfig{PollIntervalMs: 100, PollWindowMs: 2000, StaleAfterMs: 7200000},
		Logging: servicecfg.LoggingConfig{Level: "error"},
	}
	cancel := itutil.StartService(t, cfg)
	defer cancel()
	itutil.WaitHTTPReady(t, "http://127.0.0.1:"+strconv.Itoa(port)+"/readyz", 10*time.Second)

	rcli := redis.NewClient(&redis.Options{Addr: addr})
	defer rcli.Close()
	itutil.PublishDeviceEvent(t, rcli, "device-events", "EDU-IT-2", `{not json`)
	itutil.PublishDeviceEvent(t, rcli, "device-events", "EDU-IT-2",
		`{"messageType":"EnvVar","var":"air_temp","values":"{'values':[{'name':'air_temp', 'type':'float', 'value':'19.0'}]}"}`)

	// The poison message is acked, so nothing stays pending and the good
	// message behind it still lands.
	raw := waitFor[string](t, 15*time.Second, func() (string, bool) {
		v, err := rcli.HGet(context.Background(), "history:EDU-IT-2", "air_temp").Result()
		return v, err == nil && v != ""
	})
	if !strings.Contains(raw, "19") {
		t.Fatalf("history %s", raw)
	}
	pending := waitFor[int64](t, 15*time.Second, func() (int64, bool) {
		p, err := rcli.XPending(context.Background(), "device-events", "mqtt-service").Result()
		if err != nil { return -1, false }
		return p.Count, p.Count == 0
	})
	if pending != 0 {
		t.Fatalf("%d messages left pending", pending)
	}
}
