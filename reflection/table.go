// Package reflection implements the shared reference reflection table: a
// keyed store of merged intensities supporting concurrent accumulation
// during the merge phase (spec.md §4.1).
package reflection

import (
	"encoding/binary"
	"sync"

	"blainsmith.com/go/seahash"
)

// numShards follows the sizing used by grailbio/bio's concurrentMap for a
// table expected to hold on the order of 10^6 entries: enough shards that
// shard-lock contention during concurrent add() calls is negligible
// compared to the per-entry lock held during accumulation.
const numShards = 1024

// Key is a reflection index triple, already folded into the asymmetric
// unit by the caller (symmetry.Group.ToASU). The table itself performs no
// symmetry folding; it is a plain keyed store.
type Key struct {
	H, K, L int32
}

func (k Key) hash() uint64 {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(k.H))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(k.K))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(k.L))
	return seahash.Sum64(buf[:])
}

// Entry is the reference value for one asymmetric-unit key: the current
// best merged intensity, its redundancy, the per-merge scratch
// accumulators, and the post-merge ESD. Mutating an Entry's fields outside
// of Lock/Unlock is a data race; the table never does so itself.
type Entry struct {
	mu sync.Mutex

	Key Key

	IFull      float64
	Redundancy int
	SigFull    float64
	Suppressed bool

	// Temp1, Temp2 are merge-local scratch accumulators (spec.md §9),
	// zeroed by the merger at the start of each merge step rather than
	// reused across macrocycles.
	Temp1, Temp2 float64
}

// Lock acquires e's per-entry mutex. Callers must hold it before mutating
// any field other than Key.
func (e *Entry) Lock() { e.mu.Lock() }

// Unlock releases e's per-entry mutex.
func (e *Entry) Unlock() { e.mu.Unlock() }

type shard struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
}

// Table is the concurrent, keyed reflection store described in spec.md
// §4.1. It is sharded by key hash; each shard has its own RWMutex guarding
// the shard's map structure (insertion/lookup), while each Entry carries
// its own mutex guarding the entry's mutable fields during accumulation.
// Entries are never removed and never change key during the lifetime of a
// Table.
type Table struct {
	shards [numShards]shard
}

// New returns an empty Table, ready for concurrent use.
func New() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i].entries = make(map[Key]*Entry)
	}
	return t
}

func (t *Table) shardFor(k Key) *shard {
	return &t.shards[k.hash()%numShards]
}

// Find returns the entry for k if present, or nil. It may be called
// concurrently with other Find calls and with Add calls for different
// keys; it takes only a shared read lock on k's shard.
func (t *Table) Find(k Key) *Entry {
	s := t.shardFor(k)
	s.mu.RLock()
	e := s.entries[k]
	s.mu.RUnlock()
	return e
}

// Add returns the entry for k, creating it if absent. The create path is a
// double-checked insertion under the shard's exclusive write lock, so
// concurrent Add calls for the same key never race to create duplicate
// entries (spec.md §4.1 "a reader that fails to find an entry must upgrade
// to the writer role atomically").
func (t *Table) Add(k Key) *Entry {
	s := t.shardFor(k)

	s.mu.RLock()
	e := s.entries[k]
	s.mu.RUnlock()
	if e != nil {
		return e
	}

	s.mu.Lock()
	e = s.entries[k]
	if e == nil {
		e = &Entry{Key: k}
		s.entries[k] = e
	}
	s.mu.Unlock()
	return e
}

// Len returns the number of entries in the table. Like
// bamprovider.concurrentMap.approxSize, the result is exact only when
// called with no concurrent writers.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Iter calls fn for every entry currently in the table, in unspecified
// order. It is only valid to call Iter when no writer (Add, or a holder of
// an entry's lock mutating the entry) is active, per spec.md §4.1.
func (t *Table) Iter(fn func(*Entry)) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		snapshot := make([]*Entry, 0, len(s.entries))
		for _, e := range s.entries {
			snapshot = append(snapshot, e)
		}
		s.mu.RUnlock()
		for _, e := range snapshot {
			fn(e)
		}
	}
}
