package database

import (
	"time"
)

// StoredVector is a catalog entry's face vector as persisted between runs.
type StoredVector struct {
	EntryID  string
	PhotoRef string // photo the vector was computed from; a changed ref invalidates it
	Values   []float32
	Dim      int
	CachedAt time.Time
}

// Fresh reports whether the vector is still usable for photoRef under ttl.
// A zero ttl never expires.
func (v *StoredVector) Fresh(photoRef string, ttl time.Duration, now time.Time) bool {
	if v == nil || len(v.Values) == 0 || v.PhotoRef != photoRef {
		return false
	}
	if ttl <= 0 {
		return true
	}
	return now.Sub(v.CachedAt) < ttl
}

// vectorFile is the gob payload of the on-disk vector cache.
type vectorFile struct {
	Version int
	SavedAt time.Time
	Vectors map[string]StoredVector
}
