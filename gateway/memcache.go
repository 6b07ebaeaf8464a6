package gateway

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nci/gomemcache/memcache"
	"go.uber.org/zap"
	"golang.org/x/net/context"
)

// MemcacheBackend is a read-through cache over another Backend. Only
// the stable catalog lookups are cached: catalog metadata, band
// metadata, overviews, SRS text and capabilities. Tile fetches, id
// discovery, metadata scans and file fingerprints always go to the
// inner backend. Cache failures fall through to the inner backend;
// they are logged, never returned.
type MemcacheBackend struct {
	Backend

	mc     *memcache.Client
	expiry int32
	logger *zap.Logger
}

// NewMemcacheBackend wraps inner with a memcached tier. expirySeconds
// of zero stores entries without expiry. The connection is lazy;
// server errors surface on first use and degrade to the inner backend.
func NewMemcacheBackend(inner Backend, servers []string, expirySeconds int32, logger *zap.Logger) *MemcacheBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemcacheBackend{
		Backend: inner,
		mc:      memcache.New(servers...),
		expiry:  expirySeconds,
		logger:  logger,
	}
}

func cacheKey(op string, args ...interface{}) string {
	buff := md5.Sum([]byte(fmt.Sprintln(append([]interface{}{op}, args...)...)))
	return hex.EncodeToString(buff[:])
}

// lookup unmarshals a cached value into out, reporting whether the key
// was present and usable.
func (b *MemcacheBackend) lookup(key string, out interface{}) bool {
	cached, err := b.mc.Get(key)
	if err != nil {
		if err != memcache.ErrCacheMiss {
			b.logger.Warn("memcache get", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(cached.Value, out); err != nil {
		b.logger.Warn("memcache decode", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (b *MemcacheBackend) store(key string, val interface{}) {
	payload, err := json.Marshal(val)
	if err != nil {
		b.logger.Warn("memcache encode", zap.String("key", key), zap.Error(err))
		return
	}
	// don't care about errors; memcache may not necessarily retain this anyway
	b.mc.Set(&memcache.Item{Key: key, Value: payload, Expiration: b.expiry})
}

func (b *MemcacheBackend) ResolveCatalogMetadata(ctx context.Context, src Source) (*CatalogEntry, error) {
	key := cacheKey("catalog", src.String())
	// The catalog legitimately answers "no entry"; cache that as a
	// document with a nil entry so misses are cheap too.
	var cached struct{ Entry *CatalogEntry }
	if b.lookup(key, &cached) {
		return cached.Entry, nil
	}
	entry, err := b.Backend.ResolveCatalogMetadata(ctx, src)
	if err != nil {
		return nil, err
	}
	cached.Entry = entry
	b.store(key, &cached)
	return entry, nil
}

func (b *MemcacheBackend) ResolveBandMetadata(ctx context.Context, src Source, numBands int) ([]BandMetadata, error) {
	key := cacheKey("bands", src.String(), numBands)
	var cached []BandMetadata
	if b.lookup(key, &cached) {
		return cached, nil
	}
	bands, err := b.Backend.ResolveBandMetadata(ctx, src, numBands)
	if err != nil {
		return nil, err
	}
	b.store(key, bands)
	return bands, nil
}

func (b *MemcacheBackend) ResolveOverviews(ctx context.Context, src Source) ([]OverviewEntry, error) {
	key := cacheKey("overviews", src.String())
	var cached []OverviewEntry
	if b.lookup(key, &cached) {
		return cached, nil
	}
	entries, err := b.Backend.ResolveOverviews(ctx, src)
	if err != nil {
		return nil, err
	}
	b.store(key, entries)
	return entries, nil
}

func (b *MemcacheBackend) ResolveSRSText(ctx context.Context, srid int) (string, error) {
	key := cacheKey("srtext", srid)
	var cached string
	if b.lookup(key, &cached) {
		return cached, nil
	}
	srtext, err := b.Backend.ResolveSRSText(ctx, srid)
	if err != nil {
		return "", err
	}
	b.store(key, srtext)
	return srtext, nil
}

func (b *MemcacheBackend) SourceCapabilities(ctx context.Context, src Source) (*Capabilities, error) {
	key := cacheKey("caps", src.String())
	var cached Capabilities
	if b.lookup(key, &cached) {
		return &cached, nil
	}
	caps, err := b.Backend.SourceCapabilities(ctx, src)
	if err != nil {
		return nil, err
	}
	b.store(key, caps)
	return caps, nil
}
