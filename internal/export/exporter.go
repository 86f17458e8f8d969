// Package export writes parquet snapshots of the reference tables to object
// storage, where the embedded DuckDB executor picks them up.
package export

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"

	"github.com/carecost/carecost/internal/dataset"
	"github.com/carecost/carecost/internal/storage"
)

const (
	parquetContentType = "application/vnd.apache.parquet"
	writeBatchSize     = 512
)

// Source streams every row of the reference tables.
type Source interface {
	EachProvider(ctx context.Context, fn func(dataset.ProviderRecord) error) error
	EachRating(ctx context.Context, fn func(dataset.RatingRecord) error) error
	EachZipLocation(ctx context.Context, fn func(dataset.ZipLocation) error) error
}

type Exporter struct {
	source Source
	store  storage.ObjectStore
	logger *slog.Logger
	now    func() time.Time
}

func New(source Source, store storage.ObjectStore, logger *slog.Logger) (*Exporter, error) {
	if source == nil {
		return nil, fmt.Errorf("export source is required")
	}
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{source: source, store: store, logger: logger, now: time.Now}, nil
}

type tableEncoder func(ctx context.Context) ([]byte, int64, error)

// Export encodes the three tables concurrently, uploads them and publishes
// the manifest last. An empty snapshotID is derived from the current time.
func (e *Exporter) Export(ctx context.Context, snapshotID string) (storage.Manifest, error) {
	createdAt := e.now().UTC()
	snapshotID = strings.TrimSpace(snapshotID)
	if snapshotID == "" {
		snapshotID = createdAt.Format("20060102T150405Z")
	}

	encoders := map[string]tableEncoder{
		"providers": func(ctx context.Context) ([]byte, int64, error) {
			return encodeTable(ctx, e.source.EachProvider, providerRow)
		},
		"provider_ratings": func(ctx context.Context) ([]byte, int64, error) {
			return encodeTable(ctx, e.source.EachRating, ratingRow)
		},
		"zip_codes": func(ctx context.Context) ([]byte, int64, error) {
			return encodeTable(ctx, e.source.EachZipLocation, zipRow)
		},
	}

	names := dataset.ReferenceSchema.TableNames()
	tables := make([]storage.ManifestTable, len(names))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		encode, ok := encoders[name]
		if !ok {
			return storage.Manifest{}, fmt.Errorf("no encoder for table %q", name)
		}
		g.Go(func() error {
			key, err := storage.SnapshotTablePath(snapshotID, name)
			if err != nil {
				return err
			}
			start := time.Now()
			data, rows, err := encode(gctx)
			if err != nil {
				return fmt.Errorf("encode %s: %w", name, err)
			}
			if _, err := e.store.Put(gctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: parquetContentType}); err != nil {
				return fmt.Errorf("upload %s: %w", name, err)
			}
			e.logger.Info("snapshot table exported",
				slog.String("snapshot_id", snapshotID),
				slog.String("table", name),
				slog.Int64("rows", rows),
				slog.Int("size_bytes", len(data)),
				slog.Duration("duration", time.Since(start)),
			)
			mu.Lock()
			tables[i] = storage.ManifestTable{Name: name, ObjectPath: key, Rows: rows, SizeBytes: int64(len(data))}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return storage.Manifest{}, err
	}

	manifest := storage.Manifest{
		SnapshotID:    snapshotID,
		SchemaVersion: dataset.SchemaVersion,
		CreatedAt:     createdAt,
		Tables:        tables,
	}
	if err := storage.PublishManifest(ctx, e.store, manifest); err != nil {
		return storage.Manifest{}, err
	}
	return manifest, nil
}

func encodeTable[R, T any](ctx context.Context, each func(context.Context, func(R) error) error, convert func(R) T) ([]byte, int64, error) {
	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[T](buf)
	batch := make([]T, 0, writeBatchSize)
	var count int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := writer.Write(batch); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	err := each(ctx, func(record R) error {
		batch = append(batch, convert(record))
		count++
		if len(batch) == writeBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if err := flush(); err != nil {
		return nil, 0, err
	}
	if err := writer.Close(); err != nil {
		return nil, 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), count, nil
}
