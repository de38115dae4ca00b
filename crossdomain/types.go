package crossdomain

import (
	"os"
	"sync"
)

// Fence is the opaque guest-visible token that, once signaled, tells the
// guest the named ring's contents are coherent.
type Fence struct {
	Id      uint64
	RingIdx uint32
}

// FenceHandler is invoked to signal a fence; the component never interprets
// the token itself, only forwards it to the embedder.
type FenceHandler func(Fence)

// job is a unit of work consumed by the worker.
type job struct {
	kind      jobKind
	fence     Fence
	readPipeId uint32
	futexId    uint32
	futexEvt   *os.File
}

type jobKind int

const (
	jobHandleFence jobKind = iota
	jobAddReadPipe
	jobAddFutex
	jobFinish
)

// Resource is what attach()/detach() install into a context's resource
// table: exactly one of Iovecs (guest-memory blob) or Handle (host-side
// backing handle) is set.
type Resource struct {
	Iovecs []Iovec
	Handle *os.File
}

// resourceTable is the context resources map (§3 "Context resources"),
// guarded by its own leaf lock.
type resourceTable struct {
	mu    sync.Mutex
	table map[uint32]Resource
}

func newResourceTable() *resourceTable {
	return &resourceTable{table: make(map[uint32]Resource)}
}

func (t *resourceTable) insert(id uint32, r Resource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table[id] = r
}

func (t *resourceTable) remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, id)
}

func (t *resourceTable) get(id uint32) (Resource, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.table[id]
	return r, ok
}

func (t *resourceTable) has(id uint32) bool {
	_, ok := t.get(id)
	return ok
}
