package crossdomain

import (
	"os"

	"github.com/magma-gpu/rutabaga-gfx/crossdomain/gralloc"
	"golang.org/x/sys/unix"
)

// handleInit processes INIT (§4.2, §4.3): a zero channel_type context never
// gets a connection, worker, or dynamic-event machinery; any other
// channel_type dials the matching permitted path and starts the worker.
func (ctx *Context) handleInit(buf []byte) error {
	cmd, err := decodeInit(buf)
	if err != nil {
		return err
	}

	ctx.mu.Lock()
	if ctx.state != stateUninitialized {
		ctx.mu.Unlock()
		return errInvalidCrossDomainState
	}
	if !ctx.resources.has(cmd.QueryRingId) {
		ctx.mu.Unlock()
		return errInvalidResourceId
	}
	if cmd.ChannelType != 0 && !ctx.resources.has(cmd.ChannelRingId) {
		ctx.mu.Unlock()
		return errInvalidResourceId
	}
	ctx.queryRingId = cmd.QueryRingId

	if cmd.ChannelType == 0 {
		ctx.state = stateLocal
		ctx.mu.Unlock()
		return nil
	}

	var path string
	found := false
	for _, p := range ctx.paths {
		if p.ChannelType == cmd.ChannelType {
			path = p.Path
			found = true
			break
		}
	}
	ctx.mu.Unlock()
	if !found {
		return errInvalidCrossDomainChannel
	}

	conn, err := dialStream(path)
	if err != nil {
		return Wrap(err)
	}
	resampleEvt, err := newHostEvent()
	if err != nil {
		conn.close()
		return Wrap(err)
	}
	killEvt, err := newHostEvent()
	if err != nil {
		conn.close()
		resampleEvt.Close()
		return Wrap(err)
	}
	ws, err := newWaitset()
	if err != nil {
		conn.close()
		resampleEvt.Close()
		killEvt.Close()
		return Wrap(err)
	}
	if err := ws.Add(connChannel, conn.fd()); err != nil {
		ws.Close()
		conn.close()
		resampleEvt.Close()
		killEvt.Close()
		return Wrap(err)
	}
	if err := ws.Add(connResample, resampleEvt.Fd()); err != nil {
		ws.Close()
		conn.close()
		resampleEvt.Close()
		killEvt.Close()
		return Wrap(err)
	}
	if err := ws.Add(connKill, killEvt.Fd()); err != nil {
		ws.Close()
		conn.close()
		resampleEvt.Close()
		killEvt.Close()
		return Wrap(err)
	}

	ctx.mu.Lock()
	ctx.channelRingId = cmd.ChannelRingId
	ctx.conn = conn
	ctx.ws = ws
	ctx.resampleEvt = resampleEvt
	ctx.killEvt = killEvt
	ctx.jobs = newJobQueue()
	ctx.workerDone = make(chan struct{})
	ctx.state = stateChannelled
	ctx.mu.Unlock()

	go ctx.runWorker()
	return nil
}

// handleGetImageRequirements answers with an ImageRequirements item and
// writes the layout the allocator computed to the query ring (§4.2, §6).
func (ctx *Context) handleGetImageRequirements(buf []byte) error {
	cmd, err := decodeGetImageRequirements(buf)
	if err != nil {
		return err
	}

	ctx.mu.Lock()
	state := ctx.state
	queryRingId := ctx.queryRingId
	ctx.mu.Unlock()
	if state == stateUninitialized {
		return errInvalidCrossDomainState
	}

	info := gralloc.AllocationInfo{
		Width:     cmd.Width,
		Height:    cmd.Height,
		DrmFormat: gralloc.DrmFormat(cmd.DrmFormat),
		Flags:     cmd.Flags,
	}
	reqs, err := ctx.allocator.GetImageMemoryRequirements(info)
	if err != nil {
		return Wrap(err)
	}

	itemId := ctx.items.insert(Item{
		Kind:         ItemImageRequirements,
		Requirements: reqs,
		ReqInfo:      info,
	})

	resp := ImageRequirementsResponse{
		Strides:  reqs.Strides,
		Offsets:  reqs.Offsets,
		Modifier: reqs.Modifier,
		Size:     reqs.Size,
		BlobId:   itemId,
		MapInfo:  reqs.MapInfo,
	}
	return ctx.writeRing(queryRingId, encodeImageRequirements(resp), nil)
}

// handleSend forwards a guest payload and its attached identifiers to the
// external server (§4.2 SEND). At most one read pipe may be created per
// SEND; everything else must already be an attached resource. Write pipes
// are never created here: they are installed on CHANNEL receive, the way
// the external server hands one back (§4.3).
func (ctx *Context) handleSend(buf []byte) error {
	cmd, payload, err := decodeSendReceive(buf)
	if err != nil {
		return err
	}
	if cmd.NumIdentifiers > MaxIdentifiers {
		return errInvalidCommandBuffer
	}

	ctx.mu.Lock()
	conn := ctx.conn
	jobs := ctx.jobs
	resampleEvt := ctx.resampleEvt
	ctx.mu.Unlock()
	if conn == nil {
		return errInvalidCrossDomainState
	}

	// files are the descriptors sent over the socket, in identifier order.
	// ownedEnd is the freshly-created pipe write end among them that this
	// context must close locally once sendmsg has duplicated it across the
	// socket (a resource's Handle is never closed here, the resource table
	// still owns it).
	files := make([]*os.File, 0, cmd.NumIdentifiers)
	var ownedEnd *os.File
	var readPipeId uint32
	var readPipeCreated bool

	abort := func() {
		for _, f := range files {
			if f == ownedEnd {
				f.Close()
			}
		}
	}

	for i := uint32(0); i < cmd.NumIdentifiers; i++ {
		id := cmd.Identifiers[i]
		switch cmd.IdentifierTypes[i] {
		case IdentifierTypeVirtgpuBlob:
			res, ok := ctx.resources.get(id)
			if !ok || res.Handle == nil {
				abort()
				return errInvalidResourceId
			}
			files = append(files, res.Handle)

		case IdentifierTypeReadPipe:
			if readPipeCreated {
				abort()
				return errAlreadyInUse
			}
			r, w, err := os.Pipe()
			if err != nil {
				abort()
				return Wrap(err)
			}
			inserted := ctx.items.insert(Item{Kind: ItemWaylandReadPipe, ReadPipe: r})
			if inserted != id {
				ctx.items.remove(inserted)
				r.Close()
				w.Close()
				abort()
				return errInvalidCrossDomainItemId
			}
			readPipeCreated = true
			readPipeId = inserted
			ownedEnd = w
			files = append(files, w)

		default:
			abort()
			return errInvalidCrossDomainItemType
		}
	}

	sendErr := conn.send(payload, files)
	if ownedEnd != nil {
		ownedEnd.Close()
	}

	if sendErr != nil {
		if readPipeCreated {
			if item, ok := ctx.items.take(readPipeId); ok {
				closeItem(item)
			}
		}
		return Wrap(sendErr)
	}

	if readPipeCreated {
		jobs.push(job{kind: jobAddReadPipe, readPipeId: readPipeId})
		if err := resampleEvt.signal(); err != nil {
			log.WithError(err).Warn("crossdomain: failed to signal resample event")
		}
	}
	return nil
}

// handleWrite writes a guest WRITE command's payload into the host write
// end of a write pipe, retiring the item on explicit hang-up (§4.2 WRITE).
func (ctx *Context) handleWrite(buf []byte) error {
	cmd, payload, err := decodeReadWrite(buf)
	if err != nil {
		return err
	}

	item, ok := ctx.items.take(cmd.Identifier)
	if !ok {
		return errInvalidCrossDomainItemId
	}
	if item.Kind != ItemWaylandWritePipe {
		ctx.items.reinsert(cmd.Identifier, item)
		return errInvalidCrossDomainItemType
	}

	if len(payload) > 0 {
		if _, err := item.WritePipe.Write(payload); err != nil {
			item.WritePipe.Close()
			return Wrap(err)
		}
	}

	if cmd.HangUp == 0 {
		ctx.items.reinsert(cmd.Identifier, item)
		return nil
	}
	return item.WritePipe.Close()
}

// handleFutexNew resolves the named external file, maps it, and registers
// its watcher's eventfd for the worker to pick up (§4.2 FUTEX_NEW, §4.4).
func (ctx *Context) handleFutexNew(buf []byte) error {
	cmd, err := decodeFutexNew(buf)
	if err != nil {
		return err
	}

	ctx.mu.Lock()
	resolver := ctx.fileResolver
	jobs := ctx.jobs
	resampleEvt := ctx.resampleEvt
	ctx.mu.Unlock()

	if resolver == nil {
		return errInvalidCrossDomainItemId
	}
	if ctx.futexes.has(cmd.Id) {
		return errAlreadyInUse
	}
	if jobs == nil {
		return errInvalidCrossDomainState
	}

	resolved, err := resolver.ResolveFile(cmd.FsId, cmd.Handle)
	if err != nil {
		return Wrap(err)
	}
	dupFd, err := unix.Dup(int(resolved.Fd()))
	if err != nil {
		return Wrap(err)
	}
	handle := os.NewFile(uintptr(dupFd), "crossdomain-futex")

	f, err := newFutex(handle)
	if err != nil {
		handle.Close()
		return Wrap(err)
	}
	if err := ctx.futexes.insert(cmd.Id, f); err != nil {
		f.shutdownAndJoin()
		f.closeEvent()
		return err
	}

	jobs.push(job{kind: jobAddFutex, futexId: cmd.Id})
	if err := resampleEvt.signal(); err != nil {
		log.WithError(err).Warn("crossdomain: failed to signal resample event")
	}
	return nil
}

// handleFutexSignal wakes guest-initiated waiters on an existing futex
// (§4.2 FUTEX_SIGNAL).
func (ctx *Context) handleFutexSignal(buf []byte) error {
	cmd, err := decodeFutexSignal(buf)
	if err != nil {
		return err
	}
	f, ok := ctx.futexes.get(cmd.Id)
	if !ok {
		return errInvalidCrossDomainItemId
	}
	if err := f.signal(); err != nil {
		return Wrap(err)
	}
	return nil
}

// handleFutexDestroy shuts the futex down synchronously; the table entry
// and its waitset registration are only retired once the worker observes
// the shutdown (§4.2 FUTEX_DESTROY, §8 invariant 3).
func (ctx *Context) handleFutexDestroy(buf []byte) error {
	cmd, err := decodeFutexDestroy(buf)
	if err != nil {
		return err
	}
	if err := ctx.futexes.markShutdown(cmd.Id); err != nil {
		return Wrap(err)
	}
	return nil
}
