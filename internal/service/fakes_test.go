package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/OpenAgricultureFoundation/mqtt-service/internal/data"
	"github.com/OpenAgricultureFoundation/mqtt-service/internal/telemetry"
)

// In-memory store fakes shared by the tests in this package.

type memChunks struct {
	mu   sync.Mutex
	byID map[string]map[int]telemetry.ChunkRecord
}

func newMemChunks() *memChunks {
	return &memChunks{byID: make(map[string]map[int]telemetry.ChunkRecord)}
}

func chunkSetKey(deviceID, messageID string) string { return deviceID + "/" + messageID }

func (m *memChunks) PutChunk(_ context.Context, rec telemetry.ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := chunkSetKey(rec.DeviceID, rec.MessageID)
	if m.byID[k] == nil {
		m.byID[k] = make(map[int]telemetry.ChunkRecord)
	}
	m.byID[k][rec.ChunkIndex] = rec
	return nil
}

func (m *memChunks) Chunks(_ context.Context, deviceID, messageID string) ([]telemetry.ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []telemetry.ChunkRecord
	for _, rec := range m.byID[chunkSetKey(deviceID, messageID)] {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memChunks) DeleteChunks(_ context.Context, deviceID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, chunkSetKey(deviceID, messageID))
	return nil
}

func (m *memChunks) count(deviceID, messageID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID[chunkSetKey(deviceID, messageID)])
}

type memTurds struct {
	mu     sync.Mutex
	marked map[string]map[string]time.Time
}

func newMemTurds() *memTurds { return &memTurds{marked: make(map[string]map[string]time.Time)} }

func (m *memTurds) MarkAbandoned(_ context.Context, deviceID, messageID string, firstSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marked[deviceID] == nil {
		m.marked[deviceID] = make(map[string]time.Time)
	}
	if _, ok := m.marked[deviceID][messageID]; !ok {
		m.marked[deviceID][messageID] = firstSeen
	}
	return nil
}

func (m *memTurds) Abandoned(_ context.Context, deviceID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id := range m.marked[deviceID] {
		out = append(out, id)
	}
	return out, nil
}

func (m *memTurds) ClearAbandoned(_ context.Context, deviceID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marked[deviceID], messageID)
	return nil
}

func (m *memTurds) count(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.marked[deviceID])
}

type historyDoc struct {
	entries []telemetry.HistoryEntry
	rev     int64
}

// memHistory mimics the revisioned container: StoreHistory commits only when
// the caller's revision matches, and conflictEvery injects a synthetic
// concurrent writer bumping the revision between load and store.
type memHistory struct {
	mu        sync.Mutex
	docs      map[string]*historyDoc
	conflicts int // remaining store calls to fail with ErrConflict
	stores    int
}

func newMemHistory() *memHistory { return &memHistory{docs: make(map[string]*historyDoc)} }

func historyKey(deviceID, varName string) string { return deviceID + "|" + varName }

func (m *memHistory) LoadHistory(_ context.Context, deviceID, varName string) ([]telemetry.HistoryEntry, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[historyKey(deviceID, varName)]
	if !ok {
		return nil, 0, nil
	}
	out := make([]telemetry.HistoryEntry, len(doc.entries))
	copy(out, doc.entries)
	return out, doc.rev, nil
}

func (m *memHistory) StoreHistory(_ context.Context, deviceID, varName string, entries []telemetry.HistoryEntry, rev int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores++
	if m.conflicts > 0 {
		m.conflicts--
		return data.ErrConflict
	}
	k := historyKey(deviceID, varName)
	doc, ok := m.docs[k]
	if !ok {
		doc = &historyDoc{}
		m.docs[k] = doc
	}
	if doc.rev != rev {
		return data.ErrConflict
	}
	doc.entries = entries
	doc.rev = rev + 1
	return nil
}

func (m *memHistory) entriesFor(deviceID, varName string) []telemetry.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[historyKey(deviceID, varName)]
	if !ok {
		return nil
	}
	out := make([]telemetry.HistoryEntry, len(doc.entries))
	copy(out, doc.entries)
	return out
}

type fakeImages struct {
	mu       sync.Mutex
	dest     map[string][]byte   // destination bucket: name -> payload
	staging  map[string]time.Time // staging bucket: name -> created
	saves    int
	promotes int
	deleted  []string

	promoteErr error // forced Promote failure, simulating a lost race
}

func newFakeImages() *fakeImages {
	return &fakeImages{dest: make(map[string][]byte), staging: make(map[string]time.Time)}
}

func (f *fakeImages) InDestination(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.dest[name]
	return ok, nil
}

func (f *fakeImages) InStaging(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.staging[name]
	return ok, nil
}

func (f *fakeImages) SaveImage(_ context.Context, name, _ string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.dest[name] = payload
	return "https://blob.test/images/" + name, nil
}

func (f *fakeImages) Promote(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promoteErr != nil {
		return "", f.promoteErr
	}
	if _, ok := f.staging[name]; !ok {
		return "", errors.New("object vanished from staging")
	}
	delete(f.staging, name)
	f.dest[name] = nil
	f.promotes++
	return "https://blob.test/images/" + name, nil
}

func (f *fakeImages) ListStaging(_ context.Context) ([]data.StagedObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []data.StagedObject
	for name, created := range f.staging {
		out = append(out, data.StagedObject{Name: name, CreatedAt: created})
	}
	return out, nil
}

func (f *fakeImages) DeleteStaging(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.staging, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeImages) destPayload(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.dest[name]
	return p, ok
}

func (f *fakeImages) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeImages) stagingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.staging)
}

type fakeWarehouse struct {
	mu   sync.Mutex
	rows []data.WarehouseRow
	refs []telemetry.ImageRef
}

func (f *fakeWarehouse) AppendRows(_ context.Context, rows []data.WarehouseRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeWarehouse) AppendImageRef(_ context.Context, ref telemetry.ImageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	return nil
}

func (f *fakeWarehouse) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func (f *fakeWarehouse) refCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refs)
}
