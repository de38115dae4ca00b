package crossdomain

import (
	"os"
	"sync"

	"github.com/magma-gpu/rutabaga-gfx/crossdomain/gralloc"
)

// ItemKind discriminates the item table's variants (§3 "Item").
type ItemKind int

const (
	ItemImageRequirements ItemKind = iota
	ItemBlob
	ItemWaylandReadPipe
	ItemWaylandWritePipe
)

// Item is a short-lived, identifier-keyed entry in a context's item table.
type Item struct {
	Kind ItemKind

	// ImageRequirements
	Requirements gralloc.MemoryRequirements
	ReqInfo      gralloc.AllocationInfo

	// Blob: an owned backing handle received from the external server.
	BlobHandle *os.File
	BlobKind   BlobHandleKind

	// WaylandReadPipe / WaylandWritePipe: host end of a pipe.
	ReadPipe  *os.File
	WritePipe *os.File
}

// BlobHandleKind records how to derive map access for a Blob item, mirroring
// the descriptor classification the worker performs on CHANNEL receive.
type BlobHandleKind int

const (
	BlobHandleShm BlobHandleKind = iota
	BlobHandleDmabuf
)

// itemTable tracks transient host-side resources by identifier, per the id
// allocation rule: descriptor ids are odd starting at 1; read-pipe ids start
// at PipeReadStart+1; the two counters live behind the same lock as the
// table so they stay disjoint from table insertion (§9 "Mutex-free item-id
// counters", the name is aspirational; in Go the counters are plain fields
// behind the table's mutex, never atomics, for exactly that reason).
type itemTable struct {
	mu           sync.Mutex
	descriptorId uint32
	readPipeId   uint32
	table        map[uint32]Item
}

func newItemTable() *itemTable {
	return &itemTable{
		descriptorId: 1,
		readPipeId:   PipeReadStart,
		table:        make(map[uint32]Item),
	}
}

// insert allocates a fresh id for item and stores it, returning the id.
func (t *itemTable) insert(item Item) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id uint32
	if item.Kind == ItemWaylandReadPipe {
		t.readPipeId++
		id = t.readPipeId
	} else {
		id = t.descriptorId
		t.descriptorId += 2
	}
	t.table[id] = item
	return id
}

// peek returns the item for id without removing it (used for
// ImageRequirements, which stay live across uses).
func (t *itemTable) peek(id uint32) (Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.table[id]
	return item, ok
}

// take removes and returns the item for id (used for Blob/WaylandWritePipe,
// which are removed on use and may be briefly re-inserted by the caller).
func (t *itemTable) take(id uint32) (Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item, ok := t.table[id]
	if ok {
		delete(t.table, id)
	}
	return item, ok
}

// reinsert puts an item back under its original id (WRITE's hang_up=0 case).
func (t *itemTable) reinsert(id uint32, item Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table[id] = item
}

func (t *itemTable) remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, id)
}

func (t *itemTable) has(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.table[id]
	return ok
}

// drain empties the table, returning every remaining item so the caller can
// release their OS resources (context drop, §8 invariant 4).
func (t *itemTable) drain() []Item {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := make([]Item, 0, len(t.table))
	for id, item := range t.table {
		items = append(items, item)
		delete(t.table, id)
	}
	return items
}
