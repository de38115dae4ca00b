package crossdomain

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/magma-gpu/rutabaga-gfx/crossdomain/waitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newWorkerTestContext builds a Context with a Fake waitset and a live job
// queue, wired up the way handleInit's channelled path would, without going
// through SubmitCmd: these tests exercise the worker loop directly.
func newWorkerTestContext(t *testing.T) (*Context, *waitset.Fake) {
	t.Helper()
	c := newTestComponent(nil)
	handler, _ := collectingFenceHandler()
	ctx := c.CreateContext(handler)

	ws := waitset.NewFake()
	ctx.ws = ws
	ctx.jobs = newJobQueue()
	ctx.workerDone = make(chan struct{})
	ctx.state = stateChannelled

	_, channelIov := ringBuffer(4096)
	ctx.channelRingId = 7
	ctx.Attach(7, Resource{Iovecs: []Iovec{channelIov}})

	go ctx.runWorker()
	t.Cleanup(func() {
		ctx.jobs.push(job{kind: jobFinish})
		<-ctx.workerDone
	})
	return ctx, ws
}

func TestServiceOneEventSignalsFenceExactlyOnce(t *testing.T) {
	ctx, ws := newWorkerTestContext(t)

	sockPath := filepath.Join(t.TempDir(), "external.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	serverConnCh := make(chan *net.UnixConn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serverConnCh <- conn.(*net.UnixConn)
	}()

	conn, err := dialStream(sockPath)
	require.NoError(t, err)
	ctx.conn = conn
	defer conn.close()

	serverConn := <-serverConnCh
	defer serverConn.Close()

	require.NoError(t, ws.Add(connChannel, conn.fd()))

	var got []Fence
	ctx.fenceHandler = func(f Fence) { got = append(got, f) }

	_, err = serverConn.Write([]byte("hello"))
	require.NoError(t, err)

	ws.Push(waitset.Event{Id: connChannel, Readable: true})
	ctx.jobs.push(job{kind: jobHandleFence, fence: Fence{Id: 1, RingIdx: ChannelRingIndex}})

	require.Eventually(t, func() bool { return len(got) == 1 }, time.Second, time.Millisecond*5)
	assert.Equal(t, uint64(1), got[0].Id)
}

func TestServiceOneEventDrainsResampleWithoutSignalingFence(t *testing.T) {
	ctx, ws := newWorkerTestContext(t)

	var got []Fence
	ctx.fenceHandler = func(f Fence) { got = append(got, f) }

	resampleEvt, err := newHostEvent()
	require.NoError(t, err)
	ctx.resampleEvt = resampleEvt
	defer resampleEvt.Close()
	require.NoError(t, ws.Add(connResample, resampleEvt.Fd()))
	require.NoError(t, resampleEvt.signal())

	// A RESAMPLE wakeup alone must never reach fenceHandler: push it, give
	// the worker a moment to drain and loop, then confirm nothing fired.
	ws.Push(waitset.Event{Id: connResample, Readable: true})
	ctx.jobs.push(job{kind: jobHandleFence, fence: Fence{Id: 9, RingIdx: ChannelRingIndex}})

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got, "a resample event must not count as the fence's serviced event")

	// The worker re-enqueued the fence and is now waiting on the waitset for
	// that fresh HandleFence job; deliver a real event so the job can
	// complete and the test can clean up without leaking the worker goroutine.
	killEvt, err := newHostEvent()
	require.NoError(t, err)
	ctx.killEvt = killEvt
	defer killEvt.Close()
	require.NoError(t, ws.Add(connKill, killEvt.Fd()))
	ws.Push(waitset.Event{Id: connKill})
}

func TestServiceOneEventKillSignalsFence(t *testing.T) {
	ctx, ws := newWorkerTestContext(t)

	var got []Fence
	ctx.fenceHandler = func(f Fence) { got = append(got, f) }

	killEvt, err := newHostEvent()
	require.NoError(t, err)
	ctx.killEvt = killEvt
	defer killEvt.Close()
	require.NoError(t, ws.Add(connKill, killEvt.Fd()))
	require.NoError(t, killEvt.signal())

	ws.Push(waitset.Event{Id: connKill})
	ctx.jobs.push(job{kind: jobHandleFence, fence: Fence{Id: 2, RingIdx: ChannelRingIndex}})

	// serviceOneEvent drains KILL, writes nothing to the ring, and signals
	// the fence of the job that observed it.
	require.Eventually(t, func() bool { return len(got) == 1 }, time.Second, time.Millisecond*5)
	assert.Equal(t, uint64(2), got[0].Id, "KILL must signal the fence for the job that observed it")
}

func TestRegisterFutexAddsEventFdToWaitset(t *testing.T) {
	ctx, ws := newWorkerTestContext(t)

	fd, err := unix.MemfdCreate("crossdomain-worker-test-futex", 0)
	require.NoError(t, err)
	require.NoError(t, unix.Ftruncate(fd, 4))
	handle := namedFileFromFd(t, fd, "crossdomain-worker-test-futex")

	f, err := newFutex(handle)
	require.NoError(t, err)
	defer func() {
		if !f.isShutdown() {
			_ = f.shutdownAndJoin()
		}
		_ = f.closeEvent()
	}()

	require.NoError(t, ctx.futexes.insert(100, f))

	ctx.jobs.push(job{kind: jobAddFutex, futexId: 100})

	require.Eventually(t, func() bool {
		return ws.Has(uint64(100))
	}, time.Second, time.Millisecond*5)
}

func TestHandleFutexEventDeferredCleanupAfterShutdown(t *testing.T) {
	ctx, ws := newWorkerTestContext(t)

	var got []Fence
	ctx.fenceHandler = func(f Fence) { got = append(got, f) }

	fd, err := unix.MemfdCreate("crossdomain-worker-test-futex2", 0)
	require.NoError(t, err)
	require.NoError(t, unix.Ftruncate(fd, 4))
	handle := namedFileFromFd(t, fd, "crossdomain-worker-test-futex2")

	f, err := newFutex(handle)
	require.NoError(t, err)
	require.NoError(t, ctx.futexes.insert(200, f))
	require.NoError(t, ws.Add(uint64(200), f.eventFd()))

	require.NoError(t, ctx.futexes.markShutdown(200))
	assert.True(t, ctx.futexes.has(200), "table entry survives shutdown until the worker observes it")

	killEvt, err := newHostEvent()
	require.NoError(t, err)
	ctx.killEvt = killEvt
	defer killEvt.Close()
	require.NoError(t, ws.Add(connKill, killEvt.Fd()))

	ws.Push(waitset.Event{Id: 200, Readable: true})
	ctx.jobs.push(job{kind: jobHandleFence, fence: Fence{Id: 3, RingIdx: ChannelRingIndex}})

	require.Eventually(t, func() bool { return !ctx.futexes.has(200) }, time.Second, time.Millisecond*5)
	assert.False(t, ws.Has(uint64(200)), "the worker must deregister the id from the waitset on shutdown")

	// The deferred-cleanup event wrote nothing to the ring, so the worker
	// must re-enqueue a fresh HandleFence job for the same fence instead of
	// signaling it here.
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, got, "the deferred-cleanup event must not count as this job's serviced event")

	// Deliver KILL to the re-enqueued job: it signals that same fence, and
	// the test can clean up without leaking the worker goroutine.
	require.NoError(t, killEvt.signal())
	ws.Push(waitset.Event{Id: connKill})

	require.Eventually(t, func() bool { return len(got) == 1 }, time.Second, time.Millisecond*5)
	assert.Equal(t, uint64(3), got[0].Id, "the re-enqueued job must signal the original fence")
}

// namedFileFromFd wraps fd in an *os.File, closing it automatically at test
// cleanup (newFutex takes ownership of the mapping, not the fd itself).
func namedFileFromFd(t *testing.T, fd int, name string) *os.File {
	t.Helper()
	f := os.NewFile(uintptr(fd), name)
	t.Cleanup(func() { _ = f.Close() })
	return f
}
