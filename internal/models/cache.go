package models

import (
	"time"

	"gorm.io/datatypes"
)

// Bounds is a latitude/longitude rectangle, inclusive on every edge
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLng float64 `json:"max_lng"`
}

// Valid reports whether the min edges do not exceed the max edges
func (b Bounds) Valid() bool {
	return b.MinLat <= b.MaxLat && b.MinLng <= b.MaxLng
}

// ContainsPoint reports whether the coordinate lies inside b
func (b Bounds) ContainsPoint(lat, lng float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lng >= b.MinLng && lng <= b.MaxLng
}

// Contains reports whether other lies entirely inside b
func (b Bounds) Contains(other Bounds) bool {
	return other.MinLat >= b.MinLat && other.MaxLat <= b.MaxLat &&
		other.MinLng >= b.MinLng && other.MaxLng <= b.MaxLng
}

// Merge returns the region covered by b and other together when that region is
// itself a rectangle. ok is false when the union would include area covered by neither.
func (b Bounds) Merge(other Bounds) (merged Bounds, ok bool) {
	switch {
	case b.Contains(other):
		return b, true
	case other.Contains(b):
		return other, true
	case b.MinLat == other.MinLat && b.MaxLat == other.MaxLat &&
		other.MinLng <= b.MaxLng && b.MinLng <= other.MaxLng:
		return Bounds{MinLat: b.MinLat, MaxLat: b.MaxLat, MinLng: min(b.MinLng, other.MinLng), MaxLng: max(b.MaxLng, other.MaxLng)}, true
	case b.MinLng == other.MinLng && b.MaxLng == other.MaxLng &&
		other.MinLat <= b.MaxLat && b.MinLat <= other.MaxLat:
		return Bounds{MinLat: min(b.MinLat, other.MinLat), MaxLat: max(b.MaxLat, other.MaxLat), MinLng: b.MinLng, MaxLng: b.MaxLng}, true
	}
	return Bounds{}, false
}

// CachedRecord mirrors one remote report for offline display.
// Latitude/Longitude are parsed when the record is written and are nil when unparsable.
type CachedRecord struct {
	ID        string            `json:"id"`
	Fields    datatypes.JSONMap `json:"fields"`
	Latitude  *float64          `json:"latitude,omitempty"`
	Longitude *float64          `json:"longitude,omitempty"`
	CachedAt  time.Time         `json:"cached_at"`
}

// CacheMetadata tracks the last successful remote fetch
type CacheMetadata struct {
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastBounds *Bounds    `json:"last_bounds,omitempty"`
}
