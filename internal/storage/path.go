package storage

import (
	"fmt"
	"path"
	"regexp"
)

const snapshotRoot = "snapshots"

// LatestPointerPath holds the id of the most recently completed snapshot.
var LatestPointerPath = path.Join(snapshotRoot, "LATEST")

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

func SnapshotTablePath(snapshotID, tableName string) (string, error) {
	if err := validatePathComponent(snapshotID, "snapshot id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(tableName, "table name"); err != nil {
		return "", err
	}
	return path.Join(snapshotRoot, snapshotID, tableName+".parquet"), nil
}

func ManifestPath(snapshotID string) (string, error) {
	if err := validatePathComponent(snapshotID, "snapshot id"); err != nil {
		return "", err
	}
	return path.Join(snapshotRoot, snapshotID, "manifest.json"), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) || value == "." || value == ".." {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
