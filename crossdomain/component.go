package crossdomain

import (
	"os"
	"sync"

	"github.com/magma-gpu/rutabaga-gfx/crossdomain/gralloc"
	"github.com/pkg/errors"
)

// capsetVersion is the only capset version this component implements,
// covering every command up to and including WRITE (§4.1, §6).
const capsetVersion uint32 = 1

// Capset bits.
const (
	CapSupportsDmabuf            uint8 = 1
	CapSupportsExternalGpuMemory uint8 = 1
)

// Capabilities is get_capset's decoded payload.
type Capabilities struct {
	Version                   uint32
	SupportedChannels         uint32
	SupportsDmabuf            uint8
	SupportsExternalGpuMemory uint8
}

// Blob memory / flag bits a guest resource create_blob call may carry.
const (
	BlobMemGuest        uint32 = 1
	BlobFlagUseMappable uint32 = 1
)

// Map-info bits describing how a resource may be mapped.
const (
	MapAccessRead  uint32 = 1 << 0
	MapAccessWrite uint32 = 1 << 1
	MapAccessRW    uint32 = MapAccessRead | MapAccessWrite
	MapCacheCached uint32 = 1 << 4
)

// ChannelPath is one permitted external socket path, grouped by channel
// type (§4.1 "the list of permitted external socket paths grouped by
// channel type").
type ChannelPath struct {
	ChannelType uint32
	Path        string
}

// ResourceCreateBlob is the guest's blob-creation request, as passed to both
// the component-level CreateBlob (guest memory only) and the
// context-level ContextCreateBlob.
type ResourceCreateBlob struct {
	BlobMem   uint32
	BlobFlags uint32
	BlobId    uint32
	Size      uint64
}

// Resource3DInfo accompanies a resource created from an ImageRequirements
// item: the full image layout the allocator computed.
type Resource3DInfo struct {
	Width     uint32
	Height    uint32
	DrmFourcc uint32
	Strides   [4]uint32
	Offsets   [4]uint32
	Modifier  uint64
}

// CreatedResource is what context_create_blob / component create_blob hand
// back to the embedding VMM.
type CreatedResource struct {
	ResourceId uint32
	Handle     *os.File
	BlobMem    uint32
	BlobFlags  uint32
	Size       uint64
	MapInfo    uint32
	Info3D     *Resource3DInfo
	Iovecs     []Iovec
}

// Component is the factory interface (§4.1): it holds the shared allocator,
// the permitted channel paths, and the optional futex file resolver, and
// mints one Context per guest client.
type Component struct {
	mu           sync.Mutex
	paths        []ChannelPath
	allocator    gralloc.Allocator
	fileResolver FileResolver
	metrics      *Metrics
}

// NewComponent creates a Component. fileResolver may be nil; contexts it
// creates will then fail FUTEX_NEW with InvalidCrossDomainItemId, matching
// the original's behavior when no virtiofs table is configured.
func NewComponent(paths []ChannelPath, allocator gralloc.Allocator, fileResolver FileResolver, metrics *Metrics) *Component {
	return &Component{
		paths:        paths,
		allocator:    allocator,
		fileResolver: fileResolver,
		metrics:      metrics,
	}
}

// SetPaths swaps the permitted channel paths. A Context snapshots paths at
// CreateContext time, so only Contexts created after this call observe the
// change: one already running never sees its channel paths move under it
// (§4.1, AMBIENT STACK "Configuration").
func (c *Component) SetPaths(paths []ChannelPath) {
	c.mu.Lock()
	c.paths = paths
	c.mu.Unlock()
}

// GetCapsetInfo returns (version, payload size) for a capset id. Only one
// capset id is meaningful for this component; the id is accepted but
// ignored, matching the original's behavior.
func (c *Component) GetCapsetInfo(id uint32) (version, size uint32) {
	return capsetVersion, uint32(capsetSize)
}

const capsetSize = 4 + 4 + 1 + 1

// GetCapset returns the encoded Capabilities structure. Stable for a fixed
// component configuration (§8 invariant 6): it only reads the paths and the
// allocator's capability flags, and the paths change only through SetPaths.
func (c *Component) GetCapset(id, version uint32) []byte {
	c.mu.Lock()
	paths := c.paths
	c.mu.Unlock()

	var caps Capabilities
	for _, p := range paths {
		caps.SupportedChannels |= 1 << p.ChannelType
	}
	if c.allocator.SupportsDmabuf() {
		caps.SupportsDmabuf = CapSupportsDmabuf
	}
	if c.allocator.SupportsExternalGpuMemory() {
		caps.SupportsExternalGpuMemory = CapSupportsExternalGpuMemory
	}
	caps.Version = capsetVersion
	return encodeCapabilities(caps)
}

// CreateBlob is the component-level blob creation path: guest-memory only,
// wrapping the caller-supplied iovecs in a resource descriptor without
// copying (§4.1).
func (c *Component) CreateBlob(resourceId uint32, create ResourceCreateBlob, iovecs []Iovec) (CreatedResource, error) {
	if create.BlobMem != BlobMemGuest {
		return CreatedResource{}, errors.Wrap(errUnsupported, "crossdomain: create_blob expects guest memory")
	}
	return CreatedResource{
		ResourceId: resourceId,
		BlobMem:    create.BlobMem,
		BlobFlags:  create.BlobFlags,
		Size:       create.Size,
		Iovecs:     iovecs,
	}, nil
}

// CreateFence signals immediately, for compatibility with host stacks that
// predate per-ring fence handling (§6).
func (c *Component) CreateFence(fence Fence, handler FenceHandler) {
	handler(fence)
}

// CreateContext mints a new per-guest-client Context sharing this
// component's allocator, permitted paths, and file resolver.
func (c *Component) CreateContext(fenceHandler FenceHandler) *Context {
	c.mu.Lock()
	paths := c.paths
	c.mu.Unlock()

	ctx := &Context{
		paths:        paths,
		allocator:    c.allocator,
		fileResolver: c.fileResolver,
		fenceHandler: fenceHandler,
		resources:    newResourceTable(),
		items:        newItemTable(),
		futexes:      newFutexTable(),
		state:        stateUninitialized,
		metrics:      c.metrics,
	}
	if c.metrics != nil {
		c.metrics.contextsOpen.Inc()
	}
	return ctx
}
