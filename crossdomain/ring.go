package crossdomain

import (
	"errors"
	"io"
	"unsafe"
)

// Iovec is a single guest-visible memory span, expressed as a raw pointer so
// the ring writer can copy bytes directly into guest memory without a copy
// through a Go-owned buffer. Tests substitute a span backed by a Go slice.
type Iovec struct {
	Base uintptr
	Len  int
}

// resourceIovec returns the first iovec of the guest-memory resource
// installed under id, or InvalidResourceId / InvalidIovec if it isn't one.
func (ctx *Context) resourceIovec(id uint32) (Iovec, error) {
	res, ok := ctx.resources.get(id)
	if !ok {
		return Iovec{}, errInvalidResourceId
	}
	if len(res.Iovecs) == 0 {
		return Iovec{}, errInvalidIovec
	}
	return res.Iovecs[0], nil
}

// iovecSlice views an iovec as a byte slice. Only valid for the lifetime of
// the guest mapping backing it, which the caller (ring write) never retains.
func iovecSlice(iov Iovec) []byte {
	if iov.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(iov.Base)), iov.Len)
}

// writeRing resolves ringId to its iovec and writes cmd followed by the
// optional opaque payload. There is no scatter-gather across iovecs: the
// whole record must fit in the ring resource's single iovec.
func (ctx *Context) writeRing(ringId uint32, cmd []byte, payload []byte) error {
	iov, err := ctx.resourceIovec(ringId)
	if err != nil {
		return err
	}
	slice := iovecSlice(iov)
	need := len(cmd) + len(payload)
	if len(slice) < need {
		return errInvalidIovec
	}
	n := copy(slice, cmd)
	copy(slice[n:], payload)
	return nil
}

// writeRingFromPipe resolves ringId's iovec and, if readable, reads directly
// from pipe into the tail of the iovec, then writes the fixed READ header in
// front of it with opaque_data_size and hang_up filled in. EOF counts as a
// zero-byte read, which sets hang_up. It returns the number of payload bytes
// actually read.
func (ctx *Context) writeRingFromPipe(ringId uint32, identifier uint32, readable bool, readFn func([]byte) (int, error)) (int, error) {
	iov, err := ctx.resourceIovec(ringId)
	if err != nil {
		return 0, err
	}
	slice := iovecSlice(iov)
	if len(slice) < readWriteFixedSize {
		return 0, errInvalidIovec
	}
	tail := slice[readWriteFixedSize:]

	n := 0
	if readable {
		n, err = readFn(tail)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, Wrap(err)
		}
	}
	hangUp := uint32(0)
	if n == 0 {
		hangUp = 1
	}
	copy(slice[:readWriteFixedSize], encodeRead(identifier, hangUp, uint32(n)))
	return n, nil
}
