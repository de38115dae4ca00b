package gralloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftwareGetImageMemoryRequirementsRejectsZeroSize(t *testing.T) {
	s := &Software{}
	_, err := s.GetImageMemoryRequirements(AllocationInfo{Width: 0, Height: 4, DrmFormat: DrmFormatArgb8888})
	require.Error(t, err)
}

func TestSoftwareGetImageMemoryRequirementsComputesLinearLayout(t *testing.T) {
	s := &Software{}
	reqs, err := s.GetImageMemoryRequirements(AllocationInfo{Width: 10, Height: 4, DrmFormat: DrmFormatArgb8888})
	require.NoError(t, err)

	assert.Equal(t, uint32(0), reqs.Strides[0]%linearAlignment, "stride must be alignment-padded")
	assert.GreaterOrEqual(t, reqs.Strides[0], uint32(10*4))
	assert.Equal(t, uint64(reqs.Strides[0])*4, reqs.Size)
	assert.Equal(t, uint64(0), reqs.Modifier, "software allocator only produces the linear modifier")
}

func TestSoftwareAllocateMemoryReturnsRightSizedHandle(t *testing.T) {
	s := &Software{}
	reqs, err := s.GetImageMemoryRequirements(AllocationInfo{Width: 4, Height: 4, DrmFormat: DrmFormatRgb565})
	require.NoError(t, err)

	handle, err := s.AllocateMemory(reqs)
	require.NoError(t, err)
	defer handle.File.Close()

	assert.Equal(t, reqs.Size, handle.Size)
	fi, err := handle.File.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(reqs.Size), fi.Size())
}

func TestSoftwareCapabilityFlags(t *testing.T) {
	s := &Software{Dmabuf: true, ExternalGpuMemory: false}
	assert.True(t, s.SupportsDmabuf())
	assert.False(t, s.SupportsExternalGpuMemory())
}
