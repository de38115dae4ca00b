// Package gralloc declares the external graphics-memory allocator
// capability the cross-domain component consumes: given allocation
// parameters it answers image-layout requirement queries and allocates the
// backing handle itself. The real allocator (a host gralloc/minigbm-style
// driver) lives outside this module; this package only fixes the interface
// and provides a software reference implementation for tests.
package gralloc

import (
	"os"

	"github.com/pkg/errors"
)

// DrmFormat is a DRM fourcc pixel format code.
type DrmFormat uint32

// AllocationInfo describes a requested image allocation.
type AllocationInfo struct {
	Width     uint32
	Height    uint32
	DrmFormat DrmFormat
	Flags     uint32
}

// MemoryRequirements is the result of a requirements query: strides and
// offsets per plane, the buffer modifier, total size, and map-info bits the
// caller must OR with its own access-mode bits.
type MemoryRequirements struct {
	Strides  [4]uint32
	Offsets  [4]uint32
	Modifier uint64
	Size     uint64
	MapInfo  uint32
}

// Handle is the backing allocation returned by AllocateMemory: a descriptor plus
// the size actually backing it.
type Handle struct {
	File *os.File
	Size uint64
}

// Allocator is the fixed external capability: compute image memory
// requirements and allocate memory satisfying them.
type Allocator interface {
	GetImageMemoryRequirements(info AllocationInfo) (MemoryRequirements, error)
	AllocateMemory(reqs MemoryRequirements) (Handle, error)
	SupportsDmabuf() bool
	SupportsExternalGpuMemory() bool
}

// bytesPerPixel is a minimal fourcc table sufficient for the reference
// allocator; production gralloc backends use a far larger table.
func bytesPerPixel(format DrmFormat) uint32 {
	switch format {
	case DrmFormatArgb8888, DrmFormatXrgb8888, DrmFormatAbgr8888:
		return 4
	case DrmFormatRgb565:
		return 2
	default:
		return 4
	}
}

// Well-known DRM fourcc codes the reference allocator recognizes.
const (
	DrmFormatArgb8888 DrmFormat = 0x34325241 // 'AR24'
	DrmFormatXrgb8888 DrmFormat = 0x34325258 // 'XR24'
	DrmFormatAbgr8888 DrmFormat = 0x34324241 // 'AB24'
	DrmFormatRgb565   DrmFormat = 0x36314752 // 'RG16'
)

const linearAlignment = 256

// Software is a reference Allocator backed by anonymous memfds, for tests
// and for embedders without a real host gralloc driver wired up. It always
// computes a linear (unmodified) layout.
type Software struct {
	Dmabuf            bool
	ExternalGpuMemory bool
}

func (s *Software) SupportsDmabuf() bool            { return s.Dmabuf }
func (s *Software) SupportsExternalGpuMemory() bool { return s.ExternalGpuMemory }

func (s *Software) GetImageMemoryRequirements(info AllocationInfo) (MemoryRequirements, error) {
	if info.Width == 0 || info.Height == 0 {
		return MemoryRequirements{}, errors.New("gralloc: zero-sized image requested")
	}
	bpp := bytesPerPixel(info.DrmFormat)
	stride := alignUp(info.Width*bpp, linearAlignment)
	size := uint64(stride) * uint64(info.Height)

	var reqs MemoryRequirements
	reqs.Strides[0] = stride
	reqs.Offsets[0] = 0
	reqs.Modifier = 0 // DRM_FORMAT_MOD_LINEAR
	reqs.Size = size
	reqs.MapInfo = 0
	return reqs, nil
}

func (s *Software) AllocateMemory(reqs MemoryRequirements) (Handle, error) {
	f, err := memfdCreate("crossdomain-gralloc", reqs.Size)
	if err != nil {
		return Handle{}, errors.Wrap(err, "gralloc: allocate")
	}
	return Handle{File: f, Size: reqs.Size}, nil
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) / align * align
}
