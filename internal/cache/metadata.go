package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RefreshResult describes what a Refresh did
type RefreshResult struct {
	// Fetched is false when the viewport was already covered and fresh
	Fetched bool
	// Delta is set when the previously synced region was brought forward with
	// a since-last-sync fetch alongside the viewport
	Delta  bool
	Stored int
	Bounds models.Bounds
}

// Metadata returns the sync bookkeeping; a never-synced cache yields the zero value
func (c *Cache) Metadata(ctx context.Context) (*models.CacheMetadata, error) {
	var entry models.CacheMetadataEntry
	err := c.db.WithContext(ctx).Where("key = ?", metadataKey).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &models.CacheMetadata{}, nil
	}
	if err != nil {
		return nil, err
	}

	var meta models.CacheMetadata
	if err := c.metaCipher.OpenJSON(entry.Payload, &meta); err != nil {
		return nil, fmt.Errorf("cache metadata: %w", err)
	}
	return &meta, nil
}

// RecordLastSync stores the bounds and time of a successful fetch
func (c *Cache) RecordLastSync(ctx context.Context, bounds models.Bounds, at time.Time) error {
	at = at.UTC()
	payload, err := c.metaCipher.SealJSON(models.CacheMetadata{LastSyncAt: &at, LastBounds: &bounds})
	if err != nil {
		return err
	}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&models.CacheMetadataEntry{Key: metadataKey, Payload: payload}).Error
}

// BoundsContainedInLastSync reports whether bounds lie inside the last synced region
func (c *Cache) BoundsContainedInLastSync(ctx context.Context, bounds models.Bounds) bool {
	meta, err := c.Metadata(ctx)
	if err != nil || meta.LastBounds == nil {
		return false
	}
	return meta.LastBounds.Contains(bounds)
}

// IsStale reports whether the last sync is older than the expiry window, or never happened
func (c *Cache) IsStale(ctx context.Context) bool {
	meta, err := c.Metadata(ctx)
	if err != nil || meta.LastSyncAt == nil {
		return true
	}
	return c.now().Sub(*meta.LastSyncAt) > c.expiry
}

// Refresh brings the viewport up to date. A fresh cache covering bounds makes no
// remote call. Otherwise the viewport is fetched in full, since records in a newly
// exposed area may predate the last sync. When the old region and the viewport
// together form a rectangle, the old region is refreshed with a delta and the
// merged region is recorded; otherwise only the viewport counts as synced.
func (c *Cache) Refresh(ctx context.Context, bounds models.Bounds, fetcher Fetcher) (*RefreshResult, error) {
	if !bounds.Valid() {
		return nil, fmt.Errorf("invalid bounds %+v", bounds)
	}

	meta, err := c.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	stale := c.IsStale(ctx)
	if !stale && meta.LastBounds != nil && meta.LastBounds.Contains(bounds) {
		return &RefreshResult{Bounds: *meta.LastBounds}, nil
	}

	startedAt := c.now()
	records, err := fetcher.FetchInBounds(ctx, bounds, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch cache region: %w", err)
	}

	recorded := bounds
	delta := false
	if !stale && meta.LastSyncAt != nil && meta.LastBounds != nil {
		if merged, ok := meta.LastBounds.Merge(bounds); ok {
			changed, err := fetcher.FetchInBounds(ctx, *meta.LastBounds, meta.LastSyncAt)
			if err != nil {
				return nil, fmt.Errorf("fetch cache region delta: %w", err)
			}
			records = append(records, changed...)
			recorded = merged
			delta = true
		}
	}

	stored, err := c.UpsertMany(ctx, records)
	if err != nil {
		return nil, err
	}
	if err := c.RecordLastSync(ctx, recorded, startedAt); err != nil {
		return nil, err
	}

	logger.Component("cache").WithField("delta", delta).WithField("records", stored).Info("Cache region refreshed")
	return &RefreshResult{Fetched: true, Delta: delta, Stored: stored, Bounds: recorded}, nil
}
