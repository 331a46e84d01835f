package dataset

import (
	"path/filepath"

	"github.com/VictoriaMetrics/fastcache"
)

// DefaultCacheBytes is the cache size used when none is configured.
const DefaultCacheBytes = 512 << 20

// FileCache keeps raw tensor file bytes in memory keyed by cleaned path.
// Spectrogram files exceed fastcache's 64KB entry limit, so the big-value
// API is used throughout.
type FileCache struct {
	c *fastcache.Cache
}

func NewFileCache(maxBytes int) *FileCache {
	if maxBytes <= 0 {
		maxBytes = DefaultCacheBytes
	}
	return &FileCache{c: fastcache.New(maxBytes)}
}

func cacheKey(path string) []byte {
	return []byte(filepath.Clean(path))
}

// Get returns the cached bytes for path.
func (fc *FileCache) Get(path string) ([]byte, bool) {
	v := fc.c.GetBig(nil, cacheKey(path))
	if len(v) == 0 {
		return nil, false
	}
	return v, true
}

func (fc *FileCache) Set(path string, data []byte) {
	if len(data) == 0 {
		return
	}
	fc.c.SetBig(cacheKey(path), data)
}

// Invalidate drops path from the cache.
func (fc *FileCache) Invalidate(path string) {
	fc.c.Del(cacheKey(path))
}

func (fc *FileCache) Reset() {
	fc.c.Reset()
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries  uint64
	Bytes    uint64
	GetCalls uint64
	Misses   uint64
}

func (fc *FileCache) Stats() CacheStats {
	var s fastcache.Stats
	fc.c.UpdateStats(&s)
	return CacheStats{
		Entries:  s.EntriesCount,
		Bytes:    s.BytesSize,
		GetCalls: s.GetBigCalls,
		Misses:   s.Misses,
	}
}
