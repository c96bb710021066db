// Package blobcache holds fetched attachment bytes in two tiers: a small
// volatile in-memory map with TTL eviction, backed by a persistent store
// that survives restarts. Persistent-tier failures are logged and never
// propagated; the cache degrades to memory-only behavior.
package blobcache

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Defaults for the volatile tier.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 50
)

// Meta describes the cached bytes for later preview or delivery.
type Meta struct {
	Kind     string `json:"kind"`
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Size     int64  `json:"size"`
	SHA256   string `json:"sha256"`
}

// Entry is a cache hit.
type Entry struct {
	Data     []byte
	Meta     Meta
	StoredAt time.Time
}

// PersistentStore is the durable second tier. The relay database's blobs
// table implements it.
type PersistentStore interface {
	PutBlob(messageID, attID string, data []byte, sha256, metaJSON string) error
	GetBlob(messageID, attID string) (data []byte, sha256, metaJSON string, err error)
	DeleteBlobsForMessage(messageID string) error
	SweepOrphanBlobs(validIDs []string) error
}

// Cache is the composed two-tier blob cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*volatileEntry

	ttl        time.Duration
	maxEntries int
	persistent PersistentStore
	logger     *zap.Logger
	now        func() time.Time
}

type volatileEntry struct {
	messageID string
	attID     string
	data      []byte
	meta      Meta
	storedAt  time.Time
}

// New creates a cache over the given persistent tier. A nil persistent
// store leaves the cache memory-only.
func New(persistent PersistentStore, ttl time.Duration, maxEntries int, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache{
		entries:    make(map[string]*volatileEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		persistent: persistent,
		logger:     logger,
		now:        time.Now,
	}
}

func cacheKey(messageID, attID string) string {
	return messageID + "/" + attID
}

// Put stores bytes in the volatile tier and best-effort in the persistent
// tier. The volatile tier is evicted before insert: expired entries first,
// then oldest by storedAt until the cap holds.
func (c *Cache) Put(messageID, attID string, data []byte, meta Meta) {
	now := c.now()

	c.mu.Lock()
	c.evictLocked(now)
	c.entries[cacheKey(messageID, attID)] = &volatileEntry{
		messageID: messageID,
		attID:     attID,
		data:      data,
		meta:      meta,
		storedAt:  now,
	}
	c.mu.Unlock()

	if c.persistent == nil {
		return
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		c.logger.Warn("encode blob meta", zap.Error(err))
		return
	}
	if err := c.persistent.PutBlob(messageID, attID, data, meta.SHA256, string(metaJSON)); err != nil {
		c.logger.Warn("persist blob",
			zap.String("message_id", messageID),
			zap.String("att_id", attID),
			zap.Error(err))
	}
}

// Get returns cached bytes. A volatile miss falls back to the persistent
// tier and rehydrates the volatile entry on a hit.
func (c *Cache) Get(messageID, attID string) (*Entry, bool) {
	now := c.now()
	key := cacheKey(messageID, attID)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.storedAt) <= c.ttl {
			entry := &Entry{Data: e.data, Meta: e.meta, StoredAt: e.storedAt}
			c.mu.Unlock()
			return entry, true
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if c.persistent == nil {
		return nil, false
	}
	data, sha, metaJSON, err := c.persistent.GetBlob(messageID, attID)
	if err != nil {
		return nil, false
	}
	var meta Meta
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			c.logger.Warn("decode blob meta", zap.String("att_id", attID), zap.Error(err))
		}
	}
	if meta.SHA256 == "" {
		meta.SHA256 = sha
	}

	c.mu.Lock()
	c.evictLocked(now)
	c.entries[key] = &volatileEntry{
		messageID: messageID,
		attID:     attID,
		data:      data,
		meta:      meta,
		storedAt:  now,
	}
	c.mu.Unlock()

	return &Entry{Data: data, Meta: meta, StoredAt: now}, true
}

// DeleteForMessage drops all cached blobs for a message from both tiers.
func (c *Cache) DeleteForMessage(messageID string) {
	c.mu.Lock()
	for key, e := range c.entries {
		if e.messageID == messageID {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	if c.persistent == nil {
		return
	}
	if err := c.persistent.DeleteBlobsForMessage(messageID); err != nil {
		c.logger.Warn("delete persisted blobs", zap.String("message_id", messageID), zap.Error(err))
	}
}

// SweepOrphans removes blobs whose message id is no longer in validIDs.
func (c *Cache) SweepOrphans(validIDs []string) {
	valid := make(map[string]struct{}, len(validIDs))
	for _, id := range validIDs {
		valid[id] = struct{}{}
	}

	c.mu.Lock()
	for key, e := range c.entries {
		if _, ok := valid[e.messageID]; !ok {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	if c.persistent == nil {
		return
	}
	if err := c.persistent.SweepOrphanBlobs(validIDs); err != nil {
		c.logger.Warn("sweep persisted blobs", zap.Error(err))
	}
}

// evictLocked makes room for one insert: expired entries go first, then
// the oldest entries by storedAt. Caller holds c.mu.
func (c *Cache) evictLocked(now time.Time) {
	for key, e := range c.entries {
		if now.Sub(e.storedAt) > c.ttl {
			delete(c.entries, key)
		}
	}
	for len(c.entries) >= c.maxEntries {
		var oldestKey string
		var oldest time.Time
		for key, e := range c.entries {
			if oldestKey == "" || e.storedAt.Before(oldest) {
				oldestKey = key
				oldest = e.storedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}
