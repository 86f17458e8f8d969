package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestPublishAndLoadLatestManifest(t *testing.T) {
	store := newMemoryStore()
	manifest := Manifest{
		SnapshotID:    "2026-10-01",
		SchemaVersion: 1,
		CreatedAt:     time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC),
		Tables: []ManifestTable{
			{Name: "providers", ObjectPath: "snapshots/2026-10-01/providers.parquet", Rows: 10},
		},
	}
	if err := PublishManifest(context.Background(), store, manifest); err != nil {
		t.Fatalf("PublishManifest() error = %v", err)
	}
	if got := string(store.objects[LatestPointerPath]); got != "2026-10-01" {
		t.Fatalf("latest pointer = %q", got)
	}

	loaded, err := LoadManifest(context.Background(), store, "")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if loaded.SnapshotID != manifest.SnapshotID || loaded.SchemaVersion != 1 {
		t.Fatalf("LoadManifest() = %+v", loaded)
	}
	table, ok := loaded.Table("providers")
	if !ok || table.Rows != 10 {
		t.Fatalf("Table(providers) = %+v, %v", table, ok)
	}
	if _, ok := loaded.Table("zip_codes"); ok {
		t.Fatal("unexpected zip_codes table")
	}
}

func TestLoadManifestMissingSnapshot(t *testing.T) {
	_, err := LoadManifest(context.Background(), newMemoryStore(), "2026-01-01")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("LoadManifest() error = %v, want ErrObjectNotFound", err)
	}
}

type memoryStore struct {
	objects map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ PutOptions) (ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return ObjectInfo{}, err
	}
	m.objects[key] = data
	return ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
