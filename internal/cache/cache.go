// Package cache implements the persistent, content-addressed chunk
// store used by the client-side proxy: a recency-ordered in-memory cache
// bounded by total byte size, backed by a zstd-compressed on-disk
// file that is rewritten periodically rather than on every write.
package cache

import (
	"bufio"
	"container/list"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/fadenfire/factorio-cacher/internal/chunkkey"
	"github.com/fadenfire/factorio-cacher/internal/metrics"
	"github.com/fadenfire/factorio-cacher/internal/worldmodel"
)

const (
	fileMagic   = "FCCH"
	fileVersion = uint32(1)
)

type entry struct {
	key   chunkkey.Key
	data  worldmodel.Chunk
	dirty bool
}

// waiter is the shared result slot for an in-flight fetch of a single
// key: every caller that asks for the same missing key while a fetch
// is already running waits on the same channel instead of starting a
// second one.
type waiter struct {
	done chan struct{}
	data worldmodel.Chunk
	ok   bool
}

// ChunkSource is asked to produce chunks the cache doesn't already
// hold, e.g. by pulling them from a remote peer over the tunnel.
type ChunkSource interface {
	FetchChunks(keys []chunkkey.Key) (map[chunkkey.Key]worldmodel.Chunk, error)
}

// ChunkCache is a persistent, size-bounded, content-addressed chunk
// store. It is safe for concurrent use.
type ChunkCache struct {
	mu           sync.Mutex
	maxBytes     int64
	currentBytes int64
	items        map[chunkkey.Key]*list.Element // recency list, front = most recent
	recency      *list.List

	inflight map[chunkkey.Key]*waiter

	path      string
	dirty     bool
	saveMu    sync.Mutex
	stopOnce  sync.Once
	ticker    *time.Ticker
	stopChan  chan struct{}
	saveErrFn func(error)
}

// Options configures a ChunkCache.
type Options struct {
	// MaxBytes bounds the total size of cached chunk payloads. Once
	// exceeded, least-recently-used chunks are evicted.
	MaxBytes int64
	// Path is the on-disk file the cache persists to. Empty disables
	// persistence (memory-only).
	Path string
	// SaveInterval is how often the background saver flushes a dirty
	// cache to Path. Zero disables the background saver.
	SaveInterval time.Duration
	// OnSaveError, if set, is called with any error the background
	// saver encounters instead of the error being silently dropped.
	OnSaveError func(error)
}

// New creates a chunk cache and, if Options.Path names an existing
// file, loads it.
func New(opts Options) (*ChunkCache, error) {
	c := &ChunkCache{
		maxBytes:  opts.MaxBytes,
		items:     make(map[chunkkey.Key]*list.Element),
		recency:   list.New(),
		inflight:  make(map[chunkkey.Key]*waiter),
		path:      opts.Path,
		saveErrFn: opts.OnSaveError,
	}

	if c.path != "" {
		if err := c.load(); err != nil && !os.IsNotExist(err) {
			if c.saveErrFn != nil {
				c.saveErrFn(fmt.Errorf("cache: load %s: %w", c.path, err))
			}
			c.items = make(map[chunkkey.Key]*list.Element)
			c.recency = list.New()
			c.currentBytes = 0
		}
	}

	if opts.SaveInterval > 0 && c.path != "" {
		c.startSaver(opts.SaveInterval)
	}

	return c, nil
}

// Get returns a single cached chunk.
func (c *ChunkCache) Get(key chunkkey.Key) (worldmodel.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		metrics.RecordCacheMiss()
		return nil, false
	}
	c.recency.MoveToFront(elem)
	metrics.RecordCacheHit()
	return elem.Value.(*entry).data, true
}

// Put inserts or replaces a chunk and marks it as the most recently
// used, evicting older chunks if the cache now exceeds its byte
// budget. A chunk with an in-flight Batch reservation is never
// evicted.
func (c *ChunkCache) Put(key chunkkey.Key, data worldmodel.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, data, true)
	c.evictLocked()
}

func (c *ChunkCache) putLocked(key chunkkey.Key, data worldmodel.Chunk, dirty bool) {
	if elem, ok := c.items[key]; ok {
		old := elem.Value.(*entry)
		c.currentBytes -= int64(len(old.data))
		old.data = data
		old.dirty = old.dirty || dirty
		c.recency.MoveToFront(elem)
		c.currentBytes += int64(len(data))
		return
	}
	e := &entry{key: key, data: data, dirty: dirty}
	elem := c.recency.PushFront(e)
	c.items[key] = elem
	c.currentBytes += int64(len(data))
	if dirty {
		c.markDirty()
	}
}

func (c *ChunkCache) markDirty() {
	c.saveMu.Lock()
	c.dirty = true
	c.saveMu.Unlock()
}

// evictLocked removes least-recently-used entries until the cache is
// under its byte budget, skipping any key currently reserved by an
// in-flight Batch.
func (c *ChunkCache) evictLocked() {
	if c.maxBytes <= 0 {
		return
	}
	elem := c.recency.Back()
	for c.currentBytes > c.maxBytes && elem != nil {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if _, reserved := c.inflight[e.key]; !reserved {
			c.recency.Remove(elem)
			delete(c.items, e.key)
			c.currentBytes -= int64(len(e.data))
			metrics.RecordCacheEviction()
		}
		elem = prev
	}
}

// Batch represents one outstanding request for a set of keys, some of
// which may already be in the cache and some of which must be fetched
// from a ChunkSource. At most one Batch fetches any given missing key
// at a time; concurrent callers asking for the same key join the
// fetch already in flight.
type Batch struct {
	cache   *ChunkCache
	keys    []chunkkey.Key
	resolved map[chunkkey.Key]worldmodel.Chunk
	owned   []chunkkey.Key // keys this batch is responsible for fetching
	joined  map[chunkkey.Key]*waiter
}

// NewBatch begins a lookup for keys. Callers must call Fulfill with
// the results of fetching BatchKeys() (if any) to complete it.
func (c *ChunkCache) NewBatch(keys []chunkkey.Key) *Batch {
	b := &Batch{cache: c, keys: keys, resolved: make(map[chunkkey.Key]worldmodel.Chunk), joined: make(map[chunkkey.Key]*waiter)}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if elem, ok := c.items[key]; ok {
			c.recency.MoveToFront(elem)
			b.resolved[key] = elem.Value.(*entry).data
			metrics.RecordCacheHit()
			continue
		}
		metrics.RecordCacheMiss()
		if w, ok := c.inflight[key]; ok {
			b.joined[key] = w
			continue
		}
		w := &waiter{done: make(chan struct{})}
		c.inflight[key] = w
		b.owned = append(b.owned, key)
	}
	return b
}

// BatchKeys returns the keys this batch must itself fetch (i.e. keys
// neither already cached nor already being fetched by another
// concurrent batch).
func (b *Batch) BatchKeys() []chunkkey.Key { return b.owned }

// Fulfill supplies fetched chunks for BatchKeys(), populates the
// cache, wakes any other batches waiting on the same keys, and
// returns the complete key->chunk map for every key originally passed
// to NewBatch. missing lists every key passed to NewBatch that ended up
// unresolved: an owned key fetched has no entry for, or a joined key
// whose fetch by another batch did not deliver it.
func (b *Batch) Fulfill(fetched map[chunkkey.Key]worldmodel.Chunk) (result map[chunkkey.Key]worldmodel.Chunk, missing []chunkkey.Key) {
	c := b.cache

	c.mu.Lock()
	for _, key := range b.owned {
		data, ok := fetched[key]
		w := c.inflight[key]
		delete(c.inflight, key)
		if ok {
			c.putLocked(key, data, true)
			b.resolved[key] = data
		}
		w.data, w.ok = data, ok
		close(w.done)
	}
	c.evictLocked()
	c.mu.Unlock()

	for key, w := range b.joined {
		<-w.done
		if w.ok {
			b.resolved[key] = w.data
		}
	}

	result = make(map[chunkkey.Key]worldmodel.Chunk, len(b.keys))
	for _, key := range b.keys {
		if data, ok := b.resolved[key]; ok {
			result[key] = data
		} else {
			missing = append(missing, key)
		}
	}
	return result, missing
}

// GetChunksBatched is the convenience path for callers that already
// have a ChunkSource able to fetch every missing key in one round
// trip (e.g. a single peer request).
func (c *ChunkCache) GetChunksBatched(keys []chunkkey.Key, src ChunkSource) (map[chunkkey.Key]worldmodel.Chunk, error) {
	b := c.NewBatch(keys)
	var fetched map[chunkkey.Key]worldmodel.Chunk
	if len(b.BatchKeys()) > 0 {
		var err error
		fetched, err = src.FetchChunks(b.BatchKeys())
		if err != nil {
			// Release the reservation on every owned key so a later
			// retry isn't stuck waiting on a fetch that never happens.
			c.mu.Lock()
			for _, key := range b.owned {
				if w, ok := c.inflight[key]; ok {
					delete(c.inflight, key)
					close(w.done)
				}
			}
			c.mu.Unlock()
			return nil, fmt.Errorf("cache: fetch chunks: %w", err)
		}
	}
	result, missing := b.Fulfill(fetched)
	if len(missing) > 0 {
		return result, fmt.Errorf("cache: source did not provide %d requested chunks", len(missing))
	}
	return result, nil
}

// MarkDirty flags the cache as having unsaved changes without
// changing any entry. The client-side world transfer calls it once a
// transfer completes.
func (c *ChunkCache) MarkDirty() { c.markDirty() }

func (c *ChunkCache) startSaver(interval time.Duration) {
	c.ticker = time.NewTicker(interval)
	c.stopChan = make(chan struct{})
	go func() {
		for {
			select {
			case <-c.ticker.C:
				c.saveMu.Lock()
				dirty := c.dirty
				c.saveMu.Unlock()
				if !dirty {
					continue
				}
				if err := c.Save(); err != nil && c.saveErrFn != nil {
					c.saveErrFn(err)
				}
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Close stops the background saver, if running, and performs one
// final save.
func (c *ChunkCache) Close() error {
	c.stopOnce.Do(func() {
		if c.ticker != nil {
			c.ticker.Stop()
			close(c.stopChan)
		}
	})
	if c.path == "" {
		return nil
	}
	return c.Save()
}

// Save persists the cache to Path, writing to a temporary file in the
// same directory and renaming it into place so a crash mid-write never
// leaves a truncated cache file behind.
func (c *ChunkCache) Save() error {
	if c.path == "" {
		return nil
	}

	c.mu.Lock()
	entries := make([]*entry, 0, len(c.items))
	for elem := c.recency.Front(); elem != nil; elem = elem.Next() {
		entries = append(entries, elem.Value.(*entry))
	}
	c.mu.Unlock()

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeCacheFile(tmp, entries); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("cache: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("cache: rename into place: %w", err)
	}

	c.saveMu.Lock()
	c.dirty = false
	c.saveMu.Unlock()
	return nil
}

func writeCacheFile(w io.Writer, entries []*entry) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(fileMagic); err != nil {
		return fmt.Errorf("cache: write magic: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, fileVersion); err != nil {
		return fmt.Errorf("cache: write version: %w", err)
	}

	enc, err := zstd.NewWriter(bw, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("cache: new zstd writer: %w", err)
	}

	var lenBuf [4 + chunkkey.Size]byte
	for _, e := range entries {
		copy(lenBuf[:chunkkey.Size], e.key[:])
		binary.LittleEndian.PutUint32(lenBuf[chunkkey.Size:], uint32(len(e.data)))
		if _, err := enc.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("cache: write entry header: %w", err)
		}
		if _, err := enc.Write(e.data); err != nil {
			return fmt.Errorf("cache: write entry payload: %w", err)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("cache: close zstd writer: %w", err)
	}
	return bw.Flush()
}

// load reads a cache file previously written by Save.
func (c *ChunkCache) load() error {
	f, err := os.Open(c.path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return fmt.Errorf("cache: read magic: %w", err)
	}
	if string(magic[:]) != fileMagic {
		return fmt.Errorf("cache: bad magic %q", magic[:])
	}
	var version uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("cache: read version: %w", err)
	}
	if version != fileVersion {
		return fmt.Errorf("cache: unsupported cache file version %d", version)
	}

	dec, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return fmt.Errorf("cache: new zstd reader: %w", err)
	}
	defer dec.Close()

	c.mu.Lock()
	defer c.mu.Unlock()

	var hdr [4 + chunkkey.Size]byte
	for {
		_, err := io.ReadFull(dec, hdr[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("cache: read entry header: %w", err)
		}
		var key chunkkey.Key
		copy(key[:], hdr[:chunkkey.Size])
		dataLen := binary.LittleEndian.Uint32(hdr[chunkkey.Size:])

		data := make([]byte, dataLen)
		if _, err := io.ReadFull(dec, data); err != nil {
			return fmt.Errorf("cache: read entry payload: %w", err)
		}
		c.putLocked(key, data, false)
	}

	c.evictLocked()
	return nil
}

// Stats reports current cache occupancy.
type Stats struct {
	Items        int
	CurrentBytes int64
	MaxBytes     int64
}

func (c *ChunkCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Items: len(c.items), CurrentBytes: c.currentBytes, MaxBytes: c.maxBytes}
}
