// Package sqlite implements the metadata contracts on a local SQLite
// database. It is the default metadata backend for single-node deployments;
// clustered deployments substitute a service-backed implementation.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/driftlake/deltawal/pkg/meta"
)

// Object kinds persisted in the objects table.
const (
	kindStreamSet = 0
	kindStream    = 1
)

type idAlloc struct {
	ID     uint   `gorm:"primaryKey"`
	NextID uint64 `gorm:"not null"`
}

type reservation struct {
	FirstID   uint64 `gorm:"primaryKey"`
	Count     int    `gorm:"not null"`
	ExpiresAt time.Time
}

type object struct {
	ObjectID    uint64 `gorm:"primaryKey"`
	Key         string `gorm:"not null"`
	Kind        int    `gorm:"not null"`
	Size        int64  `gorm:"not null"`
	CommittedAt time.Time
}

type extent struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	ObjectID   uint64 `gorm:"index"`
	StreamID   uint64 `gorm:"index:idx_extent_stream"`
	BaseOffset uint64 `gorm:"index:idx_extent_stream"`
	LastOffset uint64 `gorm:"not null"`
	ByteOffset int64  `gorm:"not null"`
	ByteLength int64  `gorm:"not null"`
}

type stream struct {
	StreamID    uint64 `gorm:"primaryKey"`
	Epoch       uint64 `gorm:"not null"`
	StartOffset uint64 `gorm:"not null"`
	EndOffset   uint64 `gorm:"not null"`
	Open        bool   `gorm:"not null"`
}

// Store is the SQLite-backed metadata manager.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the metadata database at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open metadata database: %w", err)
	}

	if err := db.AutoMigrate(&idAlloc{}, &reservation{}, &object{}, &extent{}, &stream{}); err != nil {
		return nil, fmt.Errorf("migrate metadata schema: %w", err)
	}

	// Seed the allocator row if absent.
	var alloc idAlloc
	if err := db.First(&alloc, 1).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("read id allocator: %w", err)
		}
		alloc = idAlloc{ID: 1, NextID: 1}
		if err := db.Create(&alloc).Error; err != nil {
			return nil, fmt.Errorf("seed id allocator: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Prepare reserves count contiguous object ids and returns the first.
func (s *Store) Prepare(ctx context.Context, count int, ttl time.Duration) (uint64, error) {
	if count <= 0 {
		return 0, fmt.Errorf("prepare: count must be positive, got %d", count)
	}

	var first uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var alloc idAlloc
		if err := tx.First(&alloc, 1).Error; err != nil {
			return err
		}
		first = alloc.NextID
		alloc.NextID += uint64(count)
		if err := tx.Save(&alloc).Error; err != nil {
			return err
		}
		return tx.Create(&reservation{
			FirstID:   first,
			Count:     count,
			ExpiresAt: time.Now().Add(ttl),
		}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("prepare object ids: %w", err)
	}
	return first, nil
}

// CommitSetObject publishes a stream-set object, its sibling stream objects,
// and removes compacted sources, in one transaction.
func (s *Store) CommitSetObject(ctx context.Context, set meta.ObjectManifest, streamObjects []meta.StreamObjectManifest, compactedIDs []uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if set.Size > 0 || len(set.Ranges) > 0 {
			if err := insertObject(tx, set.ObjectID, set.Key, kindStreamSet, set.Size); err != nil {
				return err
			}
			for _, r := range set.Ranges {
				if err := insertExtent(tx, set.ObjectID, r); err != nil {
					return err
				}
				if err := advanceStream(tx, r.StreamID, r.LastOffset+1); err != nil {
					return err
				}
			}
		}

		for _, so := range streamObjects {
			if err := insertObject(tx, so.ObjectID, so.Key, kindStream, so.Size); err != nil {
				return err
			}
			r := meta.ObjectRange{
				StreamID:   so.StreamID,
				BaseOffset: so.BaseOffset,
				LastOffset: so.LastOffset,
				ByteOffset: 0,
				ByteLength: so.Size,
			}
			if err := insertExtent(tx, so.ObjectID, r); err != nil {
				return err
			}
			if err := advanceStream(tx, so.StreamID, so.LastOffset+1); err != nil {
				return err
			}
		}

		if len(compactedIDs) > 0 {
			if err := tx.Delete(&object{}, compactedIDs).Error; err != nil {
				return err
			}
			if err := tx.Where("object_id IN ?", compactedIDs).Delete(&extent{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// CommitStreamObject publishes a single-stream object derived from sources.
func (s *Store) CommitStreamObject(ctx context.Context, obj meta.StreamObjectManifest, sourceIDs []uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := insertObject(tx, obj.ObjectID, obj.Key, kindStream, obj.Size); err != nil {
			return err
		}
		r := meta.ObjectRange{
			StreamID:   obj.StreamID,
			BaseOffset: obj.BaseOffset,
			LastOffset: obj.LastOffset,
			ByteLength: obj.Size,
		}
		if err := insertExtent(tx, obj.ObjectID, r); err != nil {
			return err
		}
		if len(sourceIDs) > 0 {
			if err := tx.Delete(&object{}, sourceIDs).Error; err != nil {
				return err
			}
			if err := tx.Where("object_id IN ?", sourceIDs).Delete(&extent{}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LookupRanges returns committed extents overlapping [start, end) for a
// stream, ordered by base offset.
func (s *Store) LookupRanges(ctx context.Context, streamID, start, end uint64) ([]meta.LocatedRange, error) {
	var rows []struct {
		StreamID   uint64
		BaseOffset uint64
		LastOffset uint64
		ByteOffset int64
		ByteLength int64
		Key        string
	}
	err := s.db.WithContext(ctx).
		Table("extents").
		Select("extents.*, objects.key").
		Joins("JOIN objects ON objects.object_id = extents.object_id").
		Where("extents.stream_id = ? AND extents.base_offset < ? AND extents.last_offset >= ?",
			streamID, end, start).
		Order("extents.base_offset ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("lookup ranges: %w", err)
	}

	out := make([]meta.LocatedRange, 0, len(rows))
	for _, row := range rows {
		out = append(out, meta.LocatedRange{
			ObjectKey: row.Key,
			Range: meta.ObjectRange{
				StreamID:   row.StreamID,
				BaseOffset: row.BaseOffset,
				LastOffset: row.LastOffset,
				ByteOffset: row.ByteOffset,
				ByteLength: row.ByteLength,
			},
		})
	}
	return out, nil
}

// OpeningStreams lists open streams.
func (s *Store) OpeningStreams(ctx context.Context) ([]meta.StreamMetadata, error) {
	var rows []stream
	if err := s.db.WithContext(ctx).Where("open = ?", true).Order("stream_id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list opening streams: %w", err)
	}

	out := make([]meta.StreamMetadata, 0, len(rows))
	for _, row := range rows {
		out = append(out, meta.StreamMetadata{
			StreamID:    row.StreamID,
			Epoch:       row.Epoch,
			StartOffset: row.StartOffset,
			EndOffset:   row.EndOffset,
		})
	}
	return out, nil
}

// OpenStream registers a stream as open, bumping its epoch.
// Creates the stream on first open.
func (s *Store) OpenStream(ctx context.Context, streamID uint64) (meta.StreamMetadata, error) {
	var md meta.StreamMetadata
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row stream
		err := tx.First(&row, streamID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = stream{StreamID: streamID, Epoch: 1, Open: true}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			row.Epoch++
			row.Open = true
			if err := tx.Save(&row).Error; err != nil {
				return err
			}
		}
		md = meta.StreamMetadata{
			StreamID:    row.StreamID,
			Epoch:       row.Epoch,
			StartOffset: row.StartOffset,
			EndOffset:   row.EndOffset,
		}
		return nil
	})
	if err != nil {
		return meta.StreamMetadata{}, fmt.Errorf("open stream %d: %w", streamID, err)
	}
	return md, nil
}

// CloseStream closes a stream opened with the given epoch.
func (s *Store) CloseStream(ctx context.Context, streamID, epoch uint64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row stream
		if err := tx.First(&row, streamID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return meta.ErrStreamNotFound
			}
			return err
		}
		if row.Epoch != epoch {
			return meta.ErrEpochMismatch
		}
		row.Open = false
		return tx.Save(&row).Error
	})
}

func insertObject(tx *gorm.DB, id uint64, key string, kind int, size int64) error {
	var existing object
	err := tx.First(&existing, id).Error
	if err == nil {
		return fmt.Errorf("%w: id %d", meta.ErrObjectExists, id)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return tx.Create(&object{
		ObjectID:    id,
		Key:         key,
		Kind:        kind,
		Size:        size,
		CommittedAt: time.Now(),
	}).Error
}

func insertExtent(tx *gorm.DB, objectID uint64, r meta.ObjectRange) error {
	return tx.Create(&extent{
		ObjectID:   objectID,
		StreamID:   r.StreamID,
		BaseOffset: r.BaseOffset,
		LastOffset: r.LastOffset,
		ByteOffset: r.ByteOffset,
		ByteLength: r.ByteLength,
	}).Error
}

// advanceStream moves a stream's committed end offset forward, never back.
func advanceStream(tx *gorm.DB, streamID, end uint64) error {
	return tx.Model(&stream{}).
		Where("stream_id = ? AND end_offset < ?", streamID, end).
		Update("end_offset", end).Error
}

// Ensure Store implements the metadata contracts.
var (
	_ meta.ObjectManager = (*Store)(nil)
	_ meta.StreamManager = (*Store)(nil)
)
