package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
)

func TestHistoryCapNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newMemHistory()
	h := NewHistoryCache(store, 100, 15)
	for i := 0; i < 150; i++ {
		entry := telemetry.HistoryEntry{Timestamp: fmt.Sprintf("t%03d", i), Name: "air_temp", Value: fmt.Sprintf("%d", i)}
		if err := h.Update(ctx, "EDU-B90F433E", "air_temp", entry); err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
	}
	entries := store.entriesFor("EDU-B90F433E", "air_temp")
	if len(entries) != 100 {
		t.Fatalf("%d entries, want 100", len(entries))
	}
	// Newest first: update 149 at the head, 50 at the tail.
	if entries[0].Value != "149" {
		t.Fatalf("head %s, want 149", entries[0].Value)
	}
	if entries[99].Value != "50" {
		t.Fatalf("tail %s, want 50", entries[99].Value)
	}
}

func TestHistoryConflictRetries(t *testing.T) {
	ctx := context.Background()
	store := newMemHistory()
	store.conflicts = 3
	h := NewHistoryCache(store, 100, 15)
	err := h.Update(ctx, "EDU-B90F433E", "air_temp", telemetry.HistoryEntry{Timestamp: "t0", Name: "air_temp", Value: "21.5"})
	if err != nil {
		t.Fatalf("update should survive transient conflicts: %v", err)
	}
	if store.stores != 4 {
		t.Fatalf("%d store calls, want 4 (3 conflicts + 1 commit)", store.stores)
	}
	entries := store.entriesFor("EDU-B90F433E", "air_temp")
	if len(entries) != 1 || entries[0].Value != "21.5" {
		t.Fatalf("committed entries %+v", entries)
	}
}

func TestHistoryRetryExhaustionDrops(t *testing.T) {
	ctx := context.Background()
	store := newMemHistory()
	store.conflicts = 100
	h := NewHistoryCache(store, 100, 15)
	err := h.Update(ctx, "EDU-B90F433E", "air_temp", telemetry.HistoryEntry{Timestamp: "t0", Name: "air_temp", Value: "21.5"})
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
	if store.stores != 15 {
		t.Fatalf("%d store attempts, want exactly 15", store.stores)
	}
	if entries := store.entriesFor("EDU-B90F433E", "air_temp"); len(entries) != 0 {
		t.Fatalf("dropped sample leaked into the store: %+v", entries)
	}
}

func TestPrependCapped(t *testing.T) {
	var entries []telemetry.HistoryEntry
	for i := 0; i < 3; i++ {
		entries = prependCapped(entries, telemetry.HistoryEntry{Value: fmt.Sprintf("%d", i)}, 2)
	}
	if len(entries) != 2 {
		t.Fatalf("%d entries, want 2", len(entries))
	}
	if entries[0].Value != "2" || entries[1].Value != "1" {
		t.Fatalf("order %+v, want newest first", entries)
	}
}
