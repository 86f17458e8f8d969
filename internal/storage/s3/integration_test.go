//go:build integration

package s3

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/carecost/carecost/internal/storage"
)

func TestManifestRoundTripAgainstMinIO(t *testing.T) {
	endpoint := envOr("CARECOST_TEST_S3_ENDPOINT", "")
	if endpoint == "" {
		t.Skip("CARECOST_TEST_S3_ENDPOINT is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	store, err := New(ctx, Config{
		Endpoint:         endpoint,
		Region:           envOr("CARECOST_TEST_S3_REGION", "us-east-1"),
		Bucket:           envOr("CARECOST_TEST_S3_BUCKET", "carecost-it"),
		AccessKeyID:      envOr("CARECOST_TEST_S3_ACCESS_KEY", "minio"),
		SecretAccessKey:  envOr("CARECOST_TEST_S3_SECRET_KEY", "miniostorage"),
		Prefix:           "integration-tests",
		AutoCreateBucket: true,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	snapshotID := "it-" + time.Now().UTC().Format("20060102T150405")
	key, err := storage.SnapshotTablePath(snapshotID, "zip_codes")
	if err != nil {
		t.Fatalf("SnapshotTablePath() error = %v", err)
	}
	payload := []byte("parquet-bytes")
	if _, err := store.Put(ctx, key, bytes.NewReader(payload), int64(len(payload)), storage.PutOptions{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	manifest := storage.Manifest{
		SnapshotID:    snapshotID,
		SchemaVersion: 1,
		CreatedAt:     time.Now().UTC(),
		Tables:        []storage.ManifestTable{{Name: "zip_codes", ObjectPath: key, Rows: 1, SizeBytes: int64(len(payload))}},
	}
	if err := storage.PublishManifest(ctx, store, manifest); err != nil {
		t.Fatalf("PublishManifest() error = %v", err)
	}
	loaded, err := storage.LoadManifest(ctx, store, "")
	if err != nil {
		t.Fatalf("LoadManifest() error = %v", err)
	}
	if loaded.SnapshotID != snapshotID {
		t.Fatalf("latest snapshot = %q, want %q", loaded.SnapshotID, snapshotID)
	}
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
