//go:build linux

package waitset

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// epollWaitset is the Linux waitset implementation: one epoll instance per
// worker, with a small id<->fd table for Delete (epoll itself only needs the
// fd, but Delete is keyed by id).
type epollWaitset struct {
	mu     sync.Mutex
	epfd   int
	fdById map[uint64]int
	closed bool
}

// New creates an epoll-backed Waitset.
func New() (Waitset, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "waitset: epoll_create1")
	}
	return &epollWaitset{
		epfd:   epfd,
		fdById: make(map[uint64]int),
	}, nil
}

func (w *epollWaitset) Add(id uint64, fd int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("waitset: closed")
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	// EpollEvent has no room for a 64-bit id alongside Fd on all arches in
	// a portable way, so keep the id->fd mapping in fdById and rely on
	// epoll_wait reporting Fd directly; Wait() translates back to id.
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrapf(err, "waitset: epoll_ctl add id=%d", id)
	}
	w.fdById[id] = fd
	return nil
}

func (w *epollWaitset) Delete(id uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	fd, ok := w.fdById[id]
	if !ok {
		return nil
	}
	delete(w.fdById, id)
	// Ignore ENOENT: the fd may already have been closed by the caller.
	_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	return nil
}

func (w *epollWaitset) idForFd(fd int32) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, f := range w.fdById {
		if int32(f) == fd {
			return id, true
		}
	}
	return 0, false
}

func (w *epollWaitset) Wait() ([]Event, error) {
	var raw [16]unix.EpollEvent
	for {
		n, err := unix.EpollWait(w.epfd, raw[:], -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "waitset: epoll_wait")
		}
		events := make([]Event, 0, n)
		for i := 0; i < n; i++ {
			id, ok := w.idForFd(raw[i].Fd)
			if !ok {
				continue
			}
			events = append(events, Event{
				Id:       id,
				Readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
				HungUp:   raw[i].Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
			})
		}
		if len(events) > 0 {
			return events, nil
		}
	}
}

func (w *epollWaitset) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return unix.Close(w.epfd)
}
