package crossdomain

import (
	"context"
	"os"
	"sync"

	otelAttr "go.opentelemetry.io/otel/attribute"
	"golang.org/x/sys/unix"
)

// jobQueue is the mutex+condvar-backed deque feeding a context's worker
// (§3 "Job queue"). There is exactly one consumer (the worker goroutine)
// and any number of producers (SubmitCmd/ContextCreateFence, Drop).
type jobQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []job
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *jobQueue) push(j job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until a job is available and returns the oldest one (FIFO).
func (q *jobQueue) pop() job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	j := q.items[0]
	q.items = q.items[1:]
	return j
}

func (q *jobQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// runWorker is the single goroutine standing in for the per-channel-context
// OS worker thread (§4.3 Channelled). It drains ctx.jobs until Finish,
// registering dynamically-added descriptors (AddReadPipe/AddFutex) and
// servicing exactly one waitset event per HandleFence job (§8 invariant 2).
func (ctx *Context) runWorker() {
	defer close(ctx.workerDone)
	for {
		j := ctx.jobs.pop()
		switch j.kind {
		case jobFinish:
			return
		case jobAddReadPipe:
			ctx.registerReadPipe(j.readPipeId)
		case jobAddFutex:
			ctx.registerFutex(j.futexId)
		case jobHandleFence:
			ctx.serviceOneEvent(j.fence)
		}
	}
}

func (ctx *Context) registerReadPipe(id uint32) {
	item, ok := ctx.items.peek(id)
	if !ok || item.ReadPipe == nil {
		return
	}
	if err := ctx.ws.Add(uint64(id), int(item.ReadPipe.Fd())); err != nil {
		log.WithError(err).Warn("crossdomain: failed to register read pipe with waitset")
	}
}

func (ctx *Context) registerFutex(id uint32) {
	f, ok := ctx.futexes.get(id)
	if !ok {
		return
	}
	if err := ctx.ws.Add(uint64(id), f.eventFd()); err != nil {
		log.WithError(err).Warn("crossdomain: failed to register futex with waitset")
	}
}

// serviceOneEvent blocks on the waitset for one event, handles it, and
// signals fence at most once. A RESAMPLE event means a SEND or FUTEX_NEW has
// queued an AddReadPipe/AddFutex job; draining it and re-enqueuing fence as
// a fresh HandleFence job behind that job lets the worker register the new
// descriptor before it waits again. A KILL event writes nothing to the ring
// and just signals fence. A futex event can turn out to be deferred shutdown
// cleanup rather than a real signal, in which case nothing was written to
// the ring; that case re-enqueues fence as a fresh HandleFence job instead
// of signaling it here. A waitset error is logged and leaves fence
// unsignaled.
func (ctx *Context) serviceOneEvent(fence Fence) {
	for {
		events, err := ctx.ws.Wait()
		if err != nil {
			log.WithError(err).Warn("crossdomain: waitset wait failed")
			return
		}
		ev := events[0]

		var eventName string
		switch {
		case ev.Id == connKill:
			_ = ctx.killEvt.drain()
			if ctx.metrics != nil {
				ctx.metrics.fencesSignaled.Inc()
			}
			ctx.fenceHandler(fence)
			return
		case ev.Id == connResample:
			_ = ctx.resampleEvt.drain()
			ctx.jobs.push(job{kind: jobHandleFence, fence: fence})
			return
		case ev.Id == connChannel:
			eventName = "channel"
		case ev.Id >= FutexStart && ev.Id < uint64(PipeReadStart):
			eventName = "futex"
		default:
			eventName = "read_pipe"
		}

		span, _ := startSpan(context.Background(), "crossdomain.worker."+eventName,
			otelAttr.Int64("crossdomain.event_id", int64(ev.Id)),
			otelAttr.Int64("crossdomain.fence_id", int64(fence.Id)))

		signaled := true
		switch eventName {
		case "channel":
			ctx.handleChannelReadable()
		case "futex":
			signaled = ctx.handleFutexEvent(uint32(ev.Id))
		case "read_pipe":
			ctx.handleReadPipeEvent(uint32(ev.Id))
		}
		span.End()

		if !signaled {
			ctx.jobs.push(job{kind: jobHandleFence, fence: fence})
			return
		}

		if ctx.metrics != nil {
			ctx.metrics.fencesSignaled.Inc()
		}
		ctx.fenceHandler(fence)
		return
	}
}

// handleChannelReadable relays one message from the external socket onto
// the channel ring, classifying any received descriptors into fresh Blob or
// WaylandWritePipe items (§4.3 CHANNEL, §6).
func (ctx *Context) handleChannelReadable() {
	buf := make([]byte, 4096)
	n, files, err := ctx.conn.receive(buf)
	if err != nil {
		log.WithError(err).Warn("crossdomain: channel receive failed")
		return
	}

	var ids, types, sizes [MaxIdentifiers]uint32
	count := 0
	for _, f := range files {
		if count >= MaxIdentifiers {
			log.Warn("crossdomain: dropping descriptor past MaxIdentifiers")
			f.Close()
			continue
		}

		kind, size, err := classifyReceivedDescriptor(f)
		if err != nil {
			log.WithError(err).Warn("crossdomain: rejecting unclassifiable received descriptor")
			f.Close()
			continue
		}

		switch kind {
		case receivedDescriptorMemory:
			id := ctx.items.insert(Item{
				Kind:       ItemBlob,
				BlobHandle: f,
				BlobKind:   classifyBlobHandle(f),
			})
			ids[count] = id
			types[count] = IdentifierTypeVirtgpuBlob
			sizes[count] = size
		case receivedDescriptorWritePipe:
			id := ctx.items.insert(Item{Kind: ItemWaylandWritePipe, WritePipe: f})
			ids[count] = id
			types[count] = IdentifierTypeWritePipe
			sizes[count] = 0
		}
		count++
	}

	rec := encodeReceive(uint32(count), uint32(n), ids, types, sizes)
	if err := ctx.writeRing(ctx.channelRingId, rec, buf[:n]); err != nil {
		log.WithError(err).Warn("crossdomain: channel ring write failed")
	}
}

// handleFutexEvent answers either a guest-visible wake, which it reports by
// returning true, or, if FUTEX_DESTROY already ran for id, the deferred
// table/waitset cleanup (§4.2, §4.4). The cleanup case writes nothing to the
// ring, so it returns false: the caller still owes a fence for this event
// and must re-enqueue it rather than signal one now (§4.3 Futex-id, §8
// invariant 1).
func (ctx *Context) handleFutexEvent(id uint32) bool {
	f, ok := ctx.futexes.get(id)
	if !ok {
		return false
	}
	if f.isShutdown() {
		_ = ctx.ws.Delete(uint64(id))
		if err := ctx.futexes.removeAfterShutdown(id); err != nil {
			log.WithError(err).Warn("crossdomain: failed to close futex event")
		}
		return false
	}
	_ = f.drainEvent()
	if err := ctx.writeRing(ctx.channelRingId, encodeFutexSignal(id), nil); err != nil {
		log.WithError(err).Warn("crossdomain: futex signal ring write failed")
	}
	return true
}

// handleReadPipeEvent relays one read from a host read-pipe end onto the
// channel ring, retiring the item on hang-up/EOF (§4.2 SEND, §5 "Pipe
// bridging").
func (ctx *Context) handleReadPipeEvent(id uint32) {
	item, ok := ctx.items.peek(id)
	if !ok || item.Kind != ItemWaylandReadPipe {
		return
	}
	n, err := ctx.writeRingFromPipe(ctx.channelRingId, id, true, item.ReadPipe.Read)
	if err != nil {
		log.WithError(err).Warn("crossdomain: read pipe ring write failed")
		return
	}
	if n == 0 {
		_ = ctx.ws.Delete(uint64(id))
		ctx.items.remove(id)
		_ = item.ReadPipe.Close()
	}
}

// receivedDescriptorKind is what a descriptor received over CHANNEL turned
// out to be, per the classification CHANNEL readable applies to every
// attached fd (§4.3 CHANNEL).
type receivedDescriptorKind int

const (
	receivedDescriptorMemory receivedDescriptorKind = iota
	receivedDescriptorWritePipe
)

// classifyReceivedDescriptor determines whether f is memory (seekable,
// reports a size) or a pipe write end (not seekable, opened write-only);
// anything else is a protocol error. Mirrors the original's determine_type:
// try lseek(SEEK_END) first, and only consult the descriptor's open flags
// once that fails the way it does on a pipe.
func classifyReceivedDescriptor(f *os.File) (receivedDescriptorKind, uint32, error) {
	if size, err := unix.Seek(int(f.Fd()), 0, unix.SEEK_END); err == nil {
		return receivedDescriptorMemory, uint32(size), nil
	}

	flags, err := unix.FcntlInt(f.Fd(), unix.F_GETFL, 0)
	if err != nil {
		return 0, 0, errInvalidCrossDomainItemType
	}
	if flags&unix.O_ACCMODE == unix.O_WRONLY {
		return receivedDescriptorWritePipe, 0, nil
	}
	return 0, 0, errInvalidCrossDomainItemType
}

// classifyBlobHandle distinguishes a dmabuf-backed descriptor (a character
// device, as minigbm/virtio-gpu dmabufs are) from an shm-style regular-file
// handle, mirroring the classification the worker performs on CHANNEL
// receive (§6 Resource3DInfo / map-access derivation).
func classifyBlobHandle(f *os.File) BlobHandleKind {
	var stat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stat); err != nil {
		return BlobHandleShm
	}
	if stat.Mode&unix.S_IFMT == unix.S_IFCHR {
		return BlobHandleDmabuf
	}
	return BlobHandleShm
}
