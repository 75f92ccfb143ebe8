// Package evidence implements the evidence transfer worker: a
// producer/consumer that drains per-instance evidence id queues to the
// upstream DB in bracketed sync sessions.
//
// dedup.go is a memory + bbolt-backed, S3-FIFO bounded cache that remembers
// which (instance, id) evidence pairs have already been queued, so Queue is
// idempotent across process restarts: each id is enqueued at most once per
// instance for the lifetime of the queued entry.
package evidence

import (
	"container/list"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/azera85/rcs-collector/internal/tracelog"
)

// Dedup is the cross-restart "already queued" membership set for
// (instance, id) evidence pairs. All implementations must be safe for
// concurrent use.
type Dedup interface {
	// Seen reports whether (instance, id) has already been marked queued.
	Seen(instance, id string) bool
	// Mark records (instance, id) as queued.
	Mark(instance, id string)
	// Unmark clears (instance, id), allowing it to be queued again — used
	// once the evidence has actually been uploaded or dropped locally.
	Unmark(instance, id string)
	// Close releases any resources held by the cache (e.g. file handles).
	Close() error
}

func dedupKey(instance, id string) string {
	return instance + "\x00" + id
}

// --- memoryDedup ---------------------------------------------------------

// memoryDedup is a thread-safe in-memory Dedup. Used in tests and as a
// fallback when no bbolt path is configured.
type memoryDedup struct {
	mu    sync.RWMutex
	store map[string]struct{}
}

func newMemoryDedup() Dedup {
	return &memoryDedup{store: make(map[string]struct{})}
}

func (c *memoryDedup) Seen(instance, id string) bool {
	c.mu.RLock()
	_, ok := c.store[dedupKey(instance, id)]
	c.mu.RUnlock()
	return ok
}

func (c *memoryDedup) Mark(instance, id string) {
	c.mu.Lock()
	c.store[dedupKey(instance, id)] = struct{}{}
	c.mu.Unlock()
}

func (c *memoryDedup) Unmark(instance, id string) {
	c.mu.Lock()
	delete(c.store, dedupKey(instance, id))
	c.mu.Unlock()
}

func (c *memoryDedup) Close() error { return nil }

// --- bboltDedup ------------------------------------------------------------

const dedupBucket = "evidence_dedup"

// bboltDedup is a Dedup backed by an embedded bbolt database. Entries
// survive process restarts. The database file is created at the given
// path if it does not exist.
type bboltDedup struct {
	db  *bolt.DB
	log *tracelog.Logger
}

// newBboltDedup opens (or creates) the bbolt database at path and ensures
// the bucket exists.
func newBboltDedup(path string, log *tracelog.Logger) (Dedup, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt dedup store %q: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dedupBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}

	if log != nil {
		log.Infof("dedup_open", "persistent evidence dedup store opened at %s", path)
	}
	return &bboltDedup{db: db, log: log}, nil
}

func (c *bboltDedup) Seen(instance, id string) bool {
	key := dedupKey(instance, id)
	var ok bool
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dedupBucket))
		if b == nil {
			return nil
		}
		ok = b.Get([]byte(key)) != nil
		return nil
	})
	if err != nil && c.log != nil {
		c.log.Warnf("dedup_seen", "bbolt Seen error: %v", err)
	}
	return ok
}

func (c *bboltDedup) Mark(instance, id string) {
	key := dedupKey(instance, id)
	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dedupBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", dedupBucket)
		}
		return b.Put([]byte(key), []byte{1})
	}); err != nil && c.log != nil {
		c.log.Warnf("dedup_mark", "bbolt Mark error: %v", err)
	}
}

func (c *bboltDedup) Unmark(instance, id string) {
	key := dedupKey(instance, id)
	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dedupBucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	}); err != nil && c.log != nil {
		c.log.Warnf("dedup_unmark", "bbolt Unmark error: %v", err)
	}
}

func (c *bboltDedup) Close() error {
	return c.db.Close()
}

// --- s3fifoDedup -----------------------------------------------------------

// s3fifoEntry holds the in-memory state for a single dedup key.
type s3fifoEntry struct {
	elem *list.Element // back-pointer into sQueue or mQueue
	freq uint8         // saturating counter in [0, 3]
	inM  bool          // true -> lives in mQueue, false -> sQueue
}

// s3fifoDedup wraps a Dedup with an S3-FIFO in-memory eviction layer,
// bounding the hot in-memory footprint: a small admission FIFO plus a
// larger main segment, with a ghost queue tracking recently evicted keys
// for re-admission. Eviction only drops the in-memory entry; the backing
// store keeps every marked key until it is unmarked.
type s3fifoDedup struct {
	mu sync.Mutex

	capacity int
	sTarget  int
	ghostCap int

	entries map[string]*s3fifoEntry
	sQueue  *list.List
	mQueue  *list.List

	ghostBuf   []string
	ghostSet   map[string]struct{}
	ghostHead  int
	ghostCount int

	backing Dedup
}

// newS3FIFODedup returns a Dedup that applies S3-FIFO eviction in front of
// the given backing store. capacity is the maximum number of items kept in
// memory (and implicitly, the churn rate against the backing store);
// values < 2 are clamped to 2.
func newS3FIFODedup(backing Dedup, capacity int, log *tracelog.Logger) Dedup {
	if capacity < 2 {
		capacity = 2
	}
	sTarget := capacity / 10
	if sTarget < 1 {
		sTarget = 1
	}
	ghostCap := 2 * sTarget
	if ghostCap < 4 {
		ghostCap = 4
	}
	if log != nil {
		log.Infof("dedup_init", "S3-FIFO dedup capacity=%d sTarget=%d ghostCap=%d", capacity, sTarget, ghostCap)
	}
	return &s3fifoDedup{
		capacity: capacity,
		sTarget:  sTarget,
		ghostCap: ghostCap,
		entries:  make(map[string]*s3fifoEntry, capacity),
		sQueue:   list.New(),
		mQueue:   list.New(),
		ghostBuf: make([]string, ghostCap),
		ghostSet: make(map[string]struct{}, ghostCap),
		backing:  backing,
	}
}

func (c *s3fifoDedup) Seen(instance, id string) bool {
	key := dedupKey(instance, id)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.freq < 3 {
			e.freq++
		}
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	if !c.backing.Seen(instance, id) {
		return false
	}
	c.insertLocked(key)
	return true
}

func (c *s3fifoDedup) Mark(instance, id string) {
	c.insertLocked(dedupKey(instance, id))
	c.backing.Mark(instance, id)
}

func (c *s3fifoDedup) Unmark(instance, id string) {
	c.mu.Lock()
	c.removeFromMemory(dedupKey(instance, id))
	c.mu.Unlock()
	c.backing.Unmark(instance, id)
}

func (c *s3fifoDedup) Close() error {
	return c.backing.Close()
}

func (c *s3fifoDedup) insertLocked(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		return
	}

	inM := c.ghostContains(key)
	var elem *list.Element
	if inM {
		elem = c.mQueue.PushBack(key)
	} else {
		elem = c.sQueue.PushBack(key)
	}
	c.entries[key] = &s3fifoEntry{elem: elem, freq: 0, inM: inM}

	for c.sQueue.Len()+c.mQueue.Len() > c.capacity {
		c.evictOne()
	}
}

func (c *s3fifoDedup) evictOne() {
	if c.sQueue.Len() > 0 {
		c.evictFromS()
		return
	}
	c.evictFromM()
}

func (c *s3fifoDedup) evictFromS() {
	front := c.sQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.sQueue.Remove(front)
		return
	}
	c.sQueue.Remove(front)

	e, ok := c.entries[key]
	if !ok {
		return
	}

	if e.freq > 0 {
		e.freq = 0
		e.inM = true
		e.elem = c.mQueue.PushBack(key)
		mTarget := c.capacity - c.sTarget
		if c.mQueue.Len() > mTarget {
			c.evictFromM()
		}
	} else {
		delete(c.entries, key)
		c.ghostAdd(key)
	}
}

func (c *s3fifoDedup) evictFromM() {
	front := c.mQueue.Front()
	if front == nil {
		return
	}
	key, ok := front.Value.(string)
	if !ok {
		c.mQueue.Remove(front)
		return
	}
	c.mQueue.Remove(front)
	delete(c.entries, key)
}

func (c *s3fifoDedup) removeFromMemory(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	if e.inM {
		c.mQueue.Remove(e.elem)
	} else {
		c.sQueue.Remove(e.elem)
	}
	delete(c.entries, key)
}

func (c *s3fifoDedup) ghostContains(key string) bool {
	_, ok := c.ghostSet[key]
	return ok
}

func (c *s3fifoDedup) ghostAdd(key string) {
	if _, exists := c.ghostSet[key]; exists {
		return
	}
	if c.ghostCount == c.ghostCap {
		oldest := c.ghostBuf[c.ghostHead]
		delete(c.ghostSet, oldest)
		c.ghostHead = (c.ghostHead + 1) % c.ghostCap
		c.ghostCount--
	}
	writeIdx := (c.ghostHead + c.ghostCount) % c.ghostCap
	c.ghostBuf[writeIdx] = key
	c.ghostSet[key] = struct{}{}
	c.ghostCount++
}

// NewDedup constructs the production Dedup stack: S3-FIFO eviction in
// front of a bbolt-backed store, or an in-memory-only store when path is
// empty (tests, or a deployment with no persistence configured).
func NewDedup(path string, capacity int, log *tracelog.Logger) (Dedup, error) {
	if path == "" {
		return newS3FIFODedup(newMemoryDedup(), capacity, log), nil
	}
	backing, err := newBboltDedup(path, log)
	if err != nil {
		return nil, err
	}
	return newS3FIFODedup(backing, capacity, log), nil
}
