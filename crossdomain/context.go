package crossdomain

import (
	"context"
	"sync"

	"github.com/magma-gpu/rutabaga-gfx/crossdomain/gralloc"
	"github.com/magma-gpu/rutabaga-gfx/crossdomain/waitset"
	otelAttr "go.opentelemetry.io/otel/attribute"
)

// contextState is the per-context state machine (§4.3):
//
//	Uninitialized --INIT(channel_type=0)--> Local
//	Uninitialized --INIT(channel_type!=0)--> Channelled
//	Local/Channelled --drop/KILL--> Terminating --> Finished
type contextState int

const (
	stateUninitialized contextState = iota
	stateLocal
	stateChannelled
	stateTerminating
	stateFinished
)

// newWaitset is overridable by tests to inject a Fake waitset instead of the
// real epoll implementation.
var newWaitset = waitset.New

// Context is the per-guest-client entity (§3 "Context"). Zero-channel
// contexts (created by an INIT with channel_type=0) have no worker, no
// stream connection, and no resample/kill events.
type Context struct {
	paths        []ChannelPath
	allocator    gralloc.Allocator
	fileResolver FileResolver
	fenceHandler FenceHandler
	metrics      *Metrics

	resources *resourceTable
	items     *itemTable
	futexes   *futexTable

	mu            sync.Mutex
	state         contextState
	queryRingId   uint32
	channelRingId uint32
	conn          *streamConn

	jobs       *jobQueue
	ws         waitset.Waitset
	resampleEvt *hostEvent
	killEvt     *hostEvent
	workerDone  chan struct{}
	workerErr   error
}

// SubmitCmd parses buf as a sequence of commands and dispatches each in
// turn (§4.2). A command's side effects from a prior iteration are never
// rolled back if a later command in the same buffer fails.
func (ctx *Context) SubmitCmd(buf []byte) error {
	for len(buf) > 0 {
		hdr, err := decodeHeader(buf)
		if err != nil {
			return err
		}
		if err := ctx.dispatch(hdr, buf); err != nil {
			return err
		}
		if int(hdr.CmdSize) > len(buf) {
			return NewCommandSizeError(int(hdr.CmdSize))
		}
		buf = buf[hdr.CmdSize:]
	}
	return nil
}

func (ctx *Context) dispatch(hdr Header, buf []byte) error {
	span, _ := startSpan(context.Background(), "crossdomain.dispatch."+cmdName(hdr.Cmd),
		otelAttr.Int64("crossdomain.cmd", int64(hdr.Cmd)))
	defer span.End()

	switch hdr.Cmd {
	case CmdInit:
		return ctx.handleInit(buf)
	case CmdGetImageRequirements:
		return ctx.handleGetImageRequirements(buf)
	case CmdPoll:
		return nil // effect happens when the guest creates the next fence
	case CmdSend:
		return ctx.handleSend(buf)
	case CmdWrite:
		return ctx.handleWrite(buf)
	case CmdFutexNew:
		return ctx.handleFutexNew(buf)
	case CmdFutexSignal:
		return ctx.handleFutexSignal(buf)
	case CmdFutexDestroy:
		return ctx.handleFutexDestroy(buf)
	default:
		return errInvalidCommandBuffer
	}
}

// ContextCreateBlob consumes an item by its blob_id (§6). ImageRequirements
// items stay live; Blob items are removed on use.
func (ctx *Context) ContextCreateBlob(resourceId uint32, create ResourceCreateBlob, handle *gralloc.Handle) (CreatedResource, error) {
	itemId := create.BlobId

	if item, ok := ctx.items.peek(itemId); ok && item.Kind == ItemImageRequirements {
		reqs := item.Requirements
		if reqs.Size != create.Size {
			return CreatedResource{}, errInvalidIovec
		}

		var h gralloc.Handle
		if handle != nil {
			h = *handle
		} else {
			allocated, err := ctx.allocator.AllocateMemory(reqs)
			if err != nil {
				return CreatedResource{}, Wrap(err)
			}
			h = allocated
		}

		return CreatedResource{
			ResourceId: resourceId,
			Handle:     h.File,
			BlobMem:    create.BlobMem,
			BlobFlags:  create.BlobFlags,
			Size:       create.Size,
			MapInfo:    reqs.MapInfo | MapAccessRW,
			Info3D: &Resource3DInfo{
				Width:     item.ReqInfo.Width,
				Height:    item.ReqInfo.Height,
				DrmFourcc: uint32(item.ReqInfo.DrmFormat),
				Strides:   reqs.Strides,
				Offsets:   reqs.Offsets,
				Modifier:  reqs.Modifier,
			},
		}, nil
	}

	item, ok := ctx.items.take(itemId)
	if !ok {
		return CreatedResource{}, errInvalidCrossDomainItemId
	}
	if item.Kind != ItemBlob {
		return CreatedResource{}, errInvalidCrossDomainItemType
	}

	mapAccess := MapAccessRead
	if item.BlobKind == BlobHandleDmabuf {
		mapAccess = MapAccessRW
	}

	return CreatedResource{
		ResourceId: resourceId,
		Handle:     item.BlobHandle,
		BlobMem:    create.BlobMem,
		BlobFlags:  create.BlobFlags,
		Size:       create.Size,
		MapInfo:    MapCacheCached | mapAccess,
	}, nil
}

// Attach installs a guest resource into the context resource table, iovec
// form for guest-memory blobs or handle form otherwise (§6).
func (ctx *Context) Attach(resourceId uint32, r Resource) {
	ctx.resources.insert(resourceId, r)
}

// Detach removes a guest resource from the context resource table (§6).
func (ctx *Context) Detach(resourceId uint32) {
	ctx.resources.remove(resourceId)
}

// ContextCreateFence routes a fence by ring index (§6): the query ring
// signals immediately, the channel ring enqueues a HandleFence job for the
// worker.
func (ctx *Context) ContextCreateFence(fence Fence) error {
	switch fence.RingIdx {
	case QueryRingIndex:
		ctx.fenceHandler(fence)
		return nil
	case ChannelRingIndex:
		ctx.mu.Lock()
		jobs := ctx.jobs
		ctx.mu.Unlock()
		if jobs == nil {
			return errInvalidCrossDomainState
		}
		jobs.push(job{kind: jobHandleFence, fence: fence})
		return nil
	default:
		return errInvalidCommandBuffer
	}
}

// Drop is the sole cancellation path (§5 "Cancellation"): it enqueues
// Finish, signals kill, joins the worker, then shuts down every remaining
// futex and releases every remaining item.
func (ctx *Context) Drop() error {
	ctx.mu.Lock()
	jobs := ctx.jobs
	killEvt := ctx.killEvt
	workerDone := ctx.workerDone
	ctx.state = stateTerminating
	ctx.mu.Unlock()

	if jobs != nil {
		jobs.push(job{kind: jobFinish})
	}
	if killEvt != nil {
		if err := killEvt.signal(); err != nil {
			log.WithError(err).Warn("crossdomain: failed to signal kill event")
		}
	}
	if workerDone != nil {
		<-workerDone
	}

	var multiErr error
	if err := ctx.futexes.drain(); err != nil {
		multiErr = appendErr(multiErr, err)
	}
	for _, item := range ctx.items.drain() {
		if err := closeItem(item); err != nil {
			multiErr = appendErr(multiErr, err)
		}
	}

	ctx.mu.Lock()
	ctx.state = stateFinished
	if ctx.conn != nil {
		if err := ctx.conn.close(); err != nil {
			multiErr = appendErr(multiErr, err)
		}
	}
	ctx.mu.Unlock()

	if ctx.metrics != nil {
		ctx.metrics.contextsOpen.Dec()
	}
	return multiErr
}

func closeItem(item Item) error {
	switch item.Kind {
	case ItemBlob:
		if item.BlobHandle != nil {
			return item.BlobHandle.Close()
		}
	case ItemWaylandReadPipe:
		if item.ReadPipe != nil {
			return item.ReadPipe.Close()
		}
	case ItemWaylandWritePipe:
		if item.WritePipe != nil {
			return item.WritePipe.Close()
		}
	}
	return nil
}
