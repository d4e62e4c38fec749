//go:build integration

package itutil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	psqlmod "github.com/testcontainers/testcontainers-go/modules/postgres"
	redismod "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/OpenAgricultureFoundation/mqtt-service/internal/service"
	"github.com/OpenAgricultureFoundation/mqtt-service/internal/servicecfg"
	yaml "gopkg.in/yaml.v3"
)

// StartPostgres launches a Postgres container and returns the container handle and DSN.
func StartPostgres(t *testing.T) (*psqlmod.PostgresContainer, string) {
	t.Helper()
	ctx := context.Background()
	pg, err := psqlmod.RunContainer(ctx, psqlmod.WithDatabase("testdb"), psqlmod.WithUsername("test"), psqlmod.WithPassword("test"))
	if err != nil { t.Fatalf("pg up: %v", err) }
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil { t.Fatalf("pg dsn: %v", err) }
	return pg, dsn
}

// StartRedis launches a Redis container and returns the container handle and address.
func StartRedis(t *testing.T) (*redismod.RedisContainer, string) {
	t.Helper()
	ctx := context.Background()
	r, err := redismod.RunContainer(ctx)
	if err != nil { t.Fatalf("redis up: %v", err) }
	host, err := r.Host(ctx)
	if err != nil { t.Fatalf("redis host: %v", err) }
	port, err := r.MappedPort(ctx, "6379")
	if err != nil { t.Fatalf("redis port: %v", err) }
	return r, fmt.Sprintf("%s:%s", host, port.Port())
}

// FreePort finds a free TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	if err != nil { t.Fatalf("listen :0: %v", err) }
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// WriteServiceConfig writes a service config to a temp file and returns its path.
func WriteServiceConfig(t *testing.T, cfg servicecfg.Config) string {
	t.Helper()
	b, _ := yaml.Marshal(cfg)
	p := filepath.Join(t.TempDir(), "mqtt-service.yaml")
	if err := os.WriteFile(p, b, 0o644); err != nil { t.Fatalf("write cfg: %v", err) }
	return p
}

// ChdirRepoRoot changes the working directory to the repository root (where go.mod is located).
// This ensures relative paths like "migrations/*.sql" resolve correctly during integration tests.
func ChdirRepoRoot(t *testing.T) {
	t.Helper()
	cwd, _ := os.Getwd()
	dir := cwd
	for i := 0; i < 10; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			if chErr := os.Chdir(dir); chErr != nil { t.Fatalf("chdir repo root: %v", chErr) }
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir { break }
		dir = parent
	}
	t.Fatalf("could not find go.mod from %s", cwd)
}

// StartService starts the fan-out service with the provided config and returns a cancel function.
func StartService(t *testing.T, cfg servicecfg.Config) func() {
	t.Helper()
	cfgPath := WriteServiceConfig(t, cfg)
	svc, err := service.New(cfgPath)
	if err != nil { t.Fatalf("service new: %v", err) }
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = svc.Start(ctx) }()
	return cancel
}

// WaitHTTPReady polls the given URL until it returns 200 or times out.
func WaitHTTPReady(t *testing.T, url string, deadline time.Duration) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		resp, err := http.Get(url)
		if err == nil {
			if resp.StatusCode == 200 { resp.Body.Close(); return }
			resp.Body.Close()
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("ready timeout for %s", url)
}

// PublishDeviceEvent appends one envelope onto the device-events stream.
func PublishDeviceEvent(t *testing.T, r *redis.Client, stream, deviceID, payload string) {
	t.Helper()
	err := r.XAdd(context.Background(), &redis.XAddArgs{Stream: stream, Values: map[string]any{
		"deviceId":    deviceID,
		"subFolder":   "",
		"deviceNumId": "2800007269922577",
		"payload":     payload,
	}}).Err()
	if err != nil { t.Fatalf("xadd: %v", err) }
}

// WaitPostgresReady attempts to connect to Postgres and run a trivial query until success.
func WaitPostgresReady(t *testing.T, dsn string, deadline time.Duration) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		pool, err := pgxpool.New(context.Background(), dsn)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			var one int
			e := pool.QueryRow(ctx, "SELECT 1").Scan(&one)
			cancel()
			pool.Close()
			if e == nil && one == 1 {
				return
			}
		}
		time.Sleep(150 * time.Millisecond)
	}
	t.Fatalf("postgres not ready: %s", dsn)
}
