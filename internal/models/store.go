package models

import (
	"time"

	"gorm.io/gorm"
)

// QueueEntry is the persisted row of a PendingSubmission.
// Only the id and enqueue sequence are plaintext; everything else is sealed in Payload.
type QueueEntry struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_queue_seq" json:"seq"`
	Payload   []byte    `gorm:"not null" json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (QueueEntry) TableName() string {
	return "queue_entries"
}

// CacheEntry is the persisted row of a CachedRecord.
// CachedAt stays plaintext so eviction can rank rows without decrypting them.
type CacheEntry struct {
	ID       string    `gorm:"type:varchar(255);primaryKey" json:"id"`
	Payload  []byte    `gorm:"not null" json:"-"`
	CachedAt time.Time `gorm:"not null;index:idx_cache_cached_at" json:"cachedAt"`
}

func (CacheEntry) TableName() string {
	return "cache_entries"
}

// BeforeCreate hook
func (ce *CacheEntry) BeforeCreate(tx *gorm.DB) error {
	if ce.CachedAt.IsZero() {
		ce.CachedAt = time.Now().UTC()
	}
	return nil
}

// CacheMetadataEntry is one sealed key/value of cache bookkeeping
type CacheMetadataEntry struct {
	Key       string    `gorm:"type:varchar(64);primaryKey" json:"key"`
	Payload   []byte    `gorm:"not null" json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (CacheMetadataEntry) TableName() string {
	return "cache_metadata"
}

// StoreModels lists every table of the local stores for AutoMigrate
func StoreModels() []interface{} {
	return []interface{}{
		&QueueEntry{},
		&CacheEntry{},
		&CacheMetadataEntry{},
	}
}
