package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// Manifest describes one exported snapshot of the reference tables.
type Manifest struct {
	SnapshotID    string          `json:"snapshot_id"`
	SchemaVersion int             `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
	Tables        []ManifestTable `json:"tables"`
}

type ManifestTable struct {
	Name       string `json:"name"`
	ObjectPath string `json:"object_path"`
	Rows       int64  `json:"rows"`
	SizeBytes  int64  `json:"size_bytes"`
}

func (m Manifest) Table(name string) (ManifestTable, bool) {
	for _, table := range m.Tables {
		if table.Name == name {
			return table, true
		}
	}
	return ManifestTable{}, false
}

// PublishManifest writes the manifest and then moves the latest pointer to
// it, so readers never observe a pointer to a partial snapshot.
func PublishManifest(ctx context.Context, store ObjectStore, manifest Manifest) error {
	key, err := ManifestPath(manifest.SnapshotID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := store.Put(ctx, key, bytes.NewReader(body), int64(len(body)), PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("put manifest: %w", err)
	}
	pointer := []byte(manifest.SnapshotID)
	if _, err := store.Put(ctx, LatestPointerPath, bytes.NewReader(pointer), int64(len(pointer)), PutOptions{ContentType: "text/plain"}); err != nil {
		return fmt.Errorf("put latest pointer: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest of snapshotID, or of the latest snapshot
// when snapshotID is empty.
func LoadManifest(ctx context.Context, store ObjectStore, snapshotID string) (Manifest, error) {
	snapshotID = strings.TrimSpace(snapshotID)
	if snapshotID == "" {
		latest, err := readAll(ctx, store, LatestPointerPath)
		if err != nil {
			return Manifest{}, fmt.Errorf("read latest snapshot pointer: %w", err)
		}
		snapshotID = strings.TrimSpace(string(latest))
	}
	key, err := ManifestPath(snapshotID)
	if err != nil {
		return Manifest{}, err
	}
	body, err := readAll(ctx, store, key)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest %q: %w", snapshotID, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %q: %w", snapshotID, err)
	}
	return manifest, nil
}

func readAll(ctx context.Context, store ObjectStore, key string) ([]byte, error) {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}
