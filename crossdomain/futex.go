package crossdomain

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileResolver resolves the external (fs_id, file_id) pair a FUTEX_NEW
// command names into a host descriptor, mirroring a virtiofs file table.
// This is an external capability (spec.md §4.2 FUTEX_NEW); callers without
// one configured simply can't bind futexes.
type FileResolver interface {
	ResolveFile(fsId, fileId uint32) (*os.File, error)
}

const (
	futexWaitBitset = 9  // FUTEX_WAIT_BITSET
	futexWakeBitset = 10 // FUTEX_WAKE_BITSET
	futexBitsetAny  = 0xffffffff
	futexGuestBit   = 1
)

// futexWaitBitsetSyscall blocks while *addr == expect and (wake bitset &
// bitset) == 0, returning when the value changes or a matching wake arrives.
func futexWaitBitsetSyscall(addr *uint32, expect, bitset uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitBitset),
		uintptr(expect),
		0, // no timeout
		0,
		uintptr(bitset),
	)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.EINTR {
		return errno
	}
	return nil
}

// futexWakeBitsetSyscall wakes waiters on addr whose wait bitset intersects
// bitset.
func futexWakeBitsetSyscall(addr *uint32, bitset uint32) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeBitset),
		uintptr(1<<31-1), // wake all matching waiters
		0,
		0,
		uintptr(bitset),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

// hostEvent is a host-side signal the futex watcher raises and the worker's
// waitset polls, backed by a Linux eventfd.
type hostEvent struct {
	f *os.File
}

func newHostEvent() (*hostEvent, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "futex: eventfd")
	}
	return &hostEvent{f: os.NewFile(uintptr(fd), "crossdomain-futex-event")}, nil
}

func (e *hostEvent) signal() error {
	var buf [8]byte
	buf[0] = 1
	_, err := e.f.Write(buf[:])
	return err
}

// drain consumes the pending signal count so the descriptor stops reading
// readable until the next signal.
func (e *hostEvent) drain() error {
	var buf [8]byte
	_, err := e.f.Read(buf[:])
	if err != nil && !errors.Is(err, os.ErrClosed) {
		// EAGAIN on a nonblocking eventfd just means nothing pending.
		if perr, ok := err.(*os.PathError); ok && perr.Err == unix.EAGAIN {
			return nil
		}
	}
	return nil
}

func (e *hostEvent) Fd() int { return int(e.f.Fd()) }

func (e *hostEvent) Close() error { return e.f.Close() }

// futex represents a word of memory shared between guest and host through a
// file-backed 4-byte mapping (§3 "Futex").
type futex struct {
	mapping  []byte
	addr     *uint32
	handle   *os.File
	shutdown atomic.Bool
	evt      *hostEvent
	done     chan struct{}
}

// newFutex maps 4 bytes of handle shared read-write and spawns the watcher
// thread (a goroutine; Go's runtime parks the blocking futex syscall on its
// own OS thread, so it behaves like the dedicated thread spec.md describes).
func newFutex(handle *os.File) (*futex, error) {
	mapping, err := unix.Mmap(int(handle.Fd()), 0, 4, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "futex: mmap")
	}
	evt, err := newHostEvent()
	if err != nil {
		unix.Munmap(mapping)
		return nil, err
	}

	f := &futex{
		mapping: mapping,
		addr:    (*uint32)(unsafe.Pointer(&mapping[0])),
		handle:  handle,
		evt:     evt,
		done:    make(chan struct{}),
	}

	initial := atomic.LoadUint32(f.addr)
	go f.watch(initial)
	return f, nil
}

// watch is the per-futex watcher loop (§4.4): signal once so the AddFutex
// registration race is harmless, then wait/reload/signal until shutdown is
// observed, at which point it signals once more (unblocking a worker that
// is mid-Wait on this id) and exits before unmapping happens.
func (f *futex) watch(initial uint32) {
	defer close(f.done)
	if err := f.evt.signal(); err != nil {
		return
	}
	val := initial
	for {
		if err := futexWaitBitsetSyscall(f.addr, val, futexGuestBit); err != nil {
			log.WithError(err).Debug("futex watcher: wait failed, exiting")
			return
		}
		val = atomic.LoadUint32(f.addr)
		if f.shutdown.Load() {
			_ = f.evt.signal()
			return
		}
		if err := f.evt.signal(); err != nil {
			log.WithError(err).Debug("futex watcher: signal failed, exiting")
			return
		}
	}
}

// signal wakes all guest-initiated waiters without tripping the watcher's
// own wait bitset (§4.2 FUTEX_SIGNAL, §4.4). A shutdown futex has already
// been munmapped by shutdownAndJoin even though its table entry lingers
// until the worker observes the deferred cleanup, so signal must not touch
// f.addr once isShutdown is true.
func (f *futex) signal() error {
	if f.isShutdown() {
		return errInvalidCrossDomainItemId
	}
	return futexWakeBitsetSyscall(f.addr, ^uint32(futexGuestBit))
}

// shutdownAndJoin flips the word so any in-flight wait returns, wakes with
// the full bitset (which does intersect the watcher's wait mask), joins the
// watcher thread, and unmaps (§3 invariant, §8 invariant 3). It deliberately
// leaves the host event open: the worker still owns that fd in its waitset
// until it observes the shutdown and calls closeEvent, so the waitset and
// the item/futex table stay consistent with each other.
func (f *futex) shutdownAndJoin() error {
	f.shutdown.Store(true)
	v := atomic.LoadUint32(f.addr)
	atomic.StoreUint32(f.addr, ^v)
	if err := futexWakeBitsetSyscall(f.addr, futexBitsetAny); err != nil {
		log.WithError(err).Warn("futex shutdown wake failed")
	}
	<-f.done
	if err := unix.Munmap(f.mapping); err != nil {
		return errors.Wrap(err, "futex: munmap")
	}
	return nil
}

// isShutdown reports whether FUTEX_DESTROY has already run for this futex.
func (f *futex) isShutdown() bool { return f.shutdown.Load() }

// closeEvent closes the host event fd. Only the worker calls this, after
// deregistering the id from its waitset.
func (f *futex) closeEvent() error { return f.evt.Close() }

// drainEvent clears the eventfd's pending count without closing it.
func (f *futex) drainEvent() error { return f.evt.drain() }

// eventFd is the descriptor the worker registers with its waitset.
func (f *futex) eventFd() int { return f.evt.Fd() }

// futexTable tracks live futexes by guest-assigned id.
type futexTable struct {
	mu    sync.Mutex
	table map[uint32]*futex
}

func newFutexTable() *futexTable {
	return &futexTable{table: make(map[uint32]*futex)}
}

func (t *futexTable) insert(id uint32, f *futex) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.table[id]; exists {
		return errAlreadyInUse
	}
	t.table[id] = f
	return nil
}

func (t *futexTable) get(id uint32) (*futex, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.table[id]
	return f, ok
}

func (t *futexTable) remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.table, id)
}

func (t *futexTable) has(id uint32) bool {
	_, ok := t.get(id)
	return ok
}

// markShutdown requests shutdown for id without removing it from the table:
// the table entry is only removed once the worker observes the shutdown via
// the waitset, keeping the waitset consistent with the table (§4.2
// FUTEX_DESTROY).
func (t *futexTable) markShutdown(id uint32) error {
	f, ok := t.get(id)
	if !ok {
		return errInvalidCrossDomainItemId
	}
	return f.shutdownAndJoin()
}

// removeAfterShutdown removes id from the table and closes its host event.
// Only the worker calls this, once it has already deregistered id from its
// waitset; see shutdownAndJoin's comment on ownership of the event fd.
func (t *futexTable) removeAfterShutdown(id uint32) error {
	t.mu.Lock()
	f, ok := t.table[id]
	if ok {
		delete(t.table, id)
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return f.closeEvent()
}

// drain shuts down, joins, and closes every remaining futex (context drop,
// §4.3 Terminating). No worker survives to observe these via the waitset,
// so this path owns the event fd close itself.
func (t *futexTable) drain() error {
	t.mu.Lock()
	entries := make([]*futex, 0, len(t.table))
	for id, f := range t.table {
		entries = append(entries, f)
		delete(t.table, id)
	}
	t.mu.Unlock()

	var multiErr error
	for _, f := range entries {
		if !f.isShutdown() {
			if err := f.shutdownAndJoin(); err != nil {
				multiErr = appendErr(multiErr, err)
			}
		}
		if err := f.closeEvent(); err != nil {
			multiErr = appendErr(multiErr, err)
		}
	}
	return multiErr
}
