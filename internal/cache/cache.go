package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xelth-com/ecosyncgo/internal/database"
	"github.com/xelth-com/ecosyncgo/internal/logger"
	"github.com/xelth-com/ecosyncgo/internal/models"
	"github.com/xelth-com/ecosyncgo/internal/security"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	metadataKey = "regional"

	// evictionFraction of the post-insert size is dropped once the cap is exceeded
	evictionFraction = 0.2
)

// bookkeeping keys never leave the cache
var bookkeepingFields = []string{"_cached_at", "_lat", "_lng"}

// Fetcher pulls remote records inside bounds, only those changed after since when non-nil
type Fetcher interface {
	FetchInBounds(ctx context.Context, bounds models.Bounds, since *time.Time) ([]map[string]interface{}, error)
}

// Options tunes the cache
type Options struct {
	MaxEntries int
	Expiry     time.Duration
	Now        func() time.Time
}

// Cache is the encrypted regional mirror of remote reports
type Cache struct {
	db         *database.DB
	cipher     *security.StoreCipher
	metaCipher *security.StoreCipher

	maxEntries int
	expiry     time.Duration
	now        func() time.Time

	// mu serializes writes so upsert and eviction see a consistent size
	mu sync.Mutex
}

// Open opens the cache stores. A store sealed under another key is recreated
// empty: everything in it can be fetched again.
func Open(ctx context.Context, db *database.DB, cipher, metaCipher *security.StoreCipher, opts Options) (*Cache, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 500
	}
	if opts.Expiry <= 0 {
		opts.Expiry = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Cache{
		db:         db,
		cipher:     cipher,
		metaCipher: metaCipher,
		maxEntries: opts.MaxEntries,
		expiry:     opts.Expiry,
		now:        opts.Now,
	}

	_, err := c.all(ctx)
	if err == nil {
		_, err = c.Metadata(ctx)
	}
	if errors.Is(err, security.ErrDecrypt) {
		logger.Component("cache").WithError(err).Warn("Cache unreadable with current key, recreating empty cache")
		if err := c.reset(); err != nil {
			return nil, fmt.Errorf("failed to reset cache: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return c, nil
}

// UpsertMany stores remote records keyed by id, then evicts if the cap is exceeded.
// Records without an id are skipped. It returns the number stored.
func (c *Cache) UpsertMany(ctx context.Context, records []map[string]interface{}) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().UTC()
	entries := make([]models.CacheEntry, 0, len(records))
	// a record may arrive twice in one batch; the later copy wins
	position := make(map[string]int, len(records))
	for _, fields := range records {
		id, ok := recordID(fields)
		if !ok {
			logger.Component("cache").Debug("Skipping remote record without id")
			continue
		}
		entry, err := c.seal(newRecord(id, fields, now))
		if err != nil {
			return 0, err
		}
		if i, seen := position[id]; seen {
			entries[i] = *entry
			continue
		}
		position[id] = len(entries)
		entries = append(entries, *entry)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "cached_at"}),
	}).CreateInBatches(entries, 100).Error
	if err != nil {
		return 0, fmt.Errorf("failed to upsert cache records: %w", err)
	}

	if err := c.evict(ctx); err != nil {
		return len(entries), err
	}
	return len(entries), nil
}

// evict drops ceil(0.2*n) oldest rows in one pass when n exceeds the cap
func (c *Cache) evict(ctx context.Context) error {
	var n int64
	if err := c.db.WithContext(ctx).Model(&models.CacheEntry{}).Count(&n).Error; err != nil {
		return err
	}
	if int(n) <= c.maxEntries {
		return nil
	}

	target := int(math.Ceil(evictionFraction * float64(n)))
	var ids []string
	err := c.db.WithContext(ctx).Model(&models.CacheEntry{}).
		Order("cached_at ASC").Order("id ASC").
		Limit(target).Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("failed to rank cache entries: %w", err)
	}

	res := c.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.CacheEntry{})
	if res.Error != nil {
		return fmt.Errorf("failed to evict cache entries: %w", res.Error)
	}
	logger.Component("cache").WithField("evicted", res.RowsAffected).WithField("size", n).Info("Cache over capacity, evicted oldest entries")
	return nil
}

// QueryBounds returns the fields of every cached record inside bounds, newest first
func (c *Cache) QueryBounds(ctx context.Context, bounds models.Bounds) ([]map[string]interface{}, error) {
	records, err := c.all(ctx)
	if err != nil {
		return nil, err
	}

	var hits []*models.CachedRecord
	for _, rec := range records {
		if rec.Latitude == nil || rec.Longitude == nil {
			continue
		}
		if bounds.ContainsPoint(*rec.Latitude, *rec.Longitude) {
			hits = append(hits, rec)
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		ri, rj := recency(hits[i]), recency(hits[j])
		if ri.Equal(rj) {
			return hits[i].ID < hits[j].ID
		}
		return ri.After(rj)
	})

	out := make([]map[string]interface{}, 0, len(hits))
	for _, rec := range hits {
		out = append(out, publicFields(rec))
	}
	return out, nil
}

// Get returns one cached record, nil when absent
func (c *Cache) Get(ctx context.Context, id string) (*models.CachedRecord, error) {
	var entry models.CacheEntry
	err := c.db.WithContext(ctx).Where("id = ?", id).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c.open(&entry)
}

// UpsertOne merges partial fields into a cached record without a resync.
// An unknown id creates the record.
func (c *Cache) UpsertOne(ctx context.Context, id string, partial map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.Get(ctx, id)
	if err != nil {
		return err
	}

	var rec *models.CachedRecord
	if existing == nil {
		fields := copyFields(partial)
		fields["id"] = id
		rec = newRecord(id, fields, c.now().UTC())
	} else {
		merged := copyFields(existing.Fields)
		for k, v := range partial {
			merged[k] = v
		}
		rec = newRecord(id, merged, existing.CachedAt)
	}

	entry, err := c.seal(rec)
	if err != nil {
		return err
	}
	err = c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "cached_at"}),
	}).Create(entry).Error
	if err != nil {
		return err
	}

	if existing == nil {
		return c.evict(ctx)
	}
	return nil
}

// Remove drops one record and reports whether it was cached
func (c *Cache) Remove(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := c.db.WithContext(ctx).Where("id = ?", id).Delete(&models.CacheEntry{})
	return res.RowsAffected > 0, res.Error
}

// Count returns the number of cached records
func (c *Cache) Count(ctx context.Context) (int, error) {
	var n int64
	err := c.db.WithContext(ctx).Model(&models.CacheEntry{}).Count(&n).Error
	return int(n), err
}

// Clear drops every record and the sync bookkeeping
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.CacheEntry{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&models.CacheMetadataEntry{}).Error
	})
}

func (c *Cache) all(ctx context.Context) ([]*models.CachedRecord, error) {
	var entries []models.CacheEntry
	if err := c.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load cache: %w", err)
	}

	records := make([]*models.CachedRecord, 0, len(entries))
	for i := range entries {
		rec, err := c.open(&entries[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (c *Cache) seal(rec *models.CachedRecord) (*models.CacheEntry, error) {
	payload, err := c.cipher.SealJSON(rec)
	if err != nil {
		return nil, err
	}
	return &models.CacheEntry{ID: rec.ID, Payload: payload, CachedAt: rec.CachedAt}, nil
}

func (c *Cache) open(entry *models.CacheEntry) (*models.CachedRecord, error) {
	var rec models.CachedRecord
	if err := c.cipher.OpenJSON(entry.Payload, &rec); err != nil {
		return nil, fmt.Errorf("cache record %s: %w", entry.ID, err)
	}
	return &rec, nil
}

func (c *Cache) reset() error {
	if err := c.db.ResetTable(&models.CacheEntry{}); err != nil {
		return err
	}
	return c.db.ResetTable(&models.CacheMetadataEntry{})
}

// newRecord builds a cached record, parsing its coordinates once
func newRecord(id string, fields map[string]interface{}, cachedAt time.Time) *models.CachedRecord {
	clean := copyFields(fields)
	for _, k := range bookkeepingFields {
		delete(clean, k)
	}
	lat, lng := parseCoordinates(clean)
	return &models.CachedRecord{
		ID:        id,
		Fields:    clean,
		Latitude:  lat,
		Longitude: lng,
		CachedAt:  cachedAt,
	}
}

func publicFields(rec *models.CachedRecord) map[string]interface{} {
	out := copyFields(rec.Fields)
	for _, k := range bookkeepingFields {
		delete(out, k)
	}
	if _, ok := out["id"]; !ok {
		out["id"] = rec.ID
	}
	return out
}

// recency is the remote created_at, falling back to the cache write time
func recency(rec *models.CachedRecord) time.Time {
	if raw, ok := rec.Fields["created_at"].(string); ok {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, raw); err == nil {
				return t
			}
		}
	}
	return rec.CachedAt
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
