package service

import (
	"context"
	"testing"
	"time"

	"github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
)

func TestRowIDScrubsSeparator(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := RowID("Env", "air~temp", created, "EDU~B90F")
	want := "Env~airtemp~2026-03-01T12:00:00Z~EDUB90F"
	if id != want {
		t.Fatalf("row id %s, want %s", id, want)
	}
}

func TestImageURLValuesShape(t *testing.T) {
	got := imageURLValues("https://blob.test/images/x.png")
	want := "{'values':[{'name':'URL', 'type':'str', 'value':'https://blob.test/images/x.png'}]}"
	if got != want {
		t.Fatalf("values payload %s", got)
	}
}

func TestBuildRowsKinds(t *testing.T) {
	w := NewWarehouseWriter(&fakeWarehouse{})
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	msg := telemetry.Message{Payload: map[string]any{
		telemetry.KeyMessageType: telemetry.TypeEnvVar,
		telemetry.KeyVar:         "air_temp",
		telemetry.KeyValues:      "{'values':[{'name':'air_temp', 'type':'float', 'value':'21.5'}]}",
	}}
	rows, ok := w.BuildRows(msg, "EDU-B90F433E")
	if !ok || len(rows) != 1 {
		t.Fatalf("rows %v ok=%v", rows, ok)
	}
	if rows[0].ID != "Env~air_temp~2026-03-01T12:00:00Z~EDU-B90F433E" {
		t.Fatalf("row id %s", rows[0].ID)
	}

	msg.Payload[telemetry.KeyMessageType] = telemetry.TypeImageUpload
	if _, ok := w.BuildRows(msg, "EDU-B90F433E"); ok {
		t.Fatalf("upload notice should not produce rows")
	}
}

func TestAppendDropsUnmappableMessage(t *testing.T) {
	wh := &fakeWarehouse{}
	w := NewWarehouseWriter(wh)
	msg := telemetry.Message{Payload: map[string]any{telemetry.KeyMessageType: telemetry.TypeEnvVar}}
	if err := w.Append(context.Background(), msg, "EDU-B90F433E"); err != nil {
		t.Fatalf("unmappable message should be a silent drop: %v", err)
	}
	if wh.rowCount() != 0 {
		t.Fatalf("unmappable message inserted rows")
	}
}
