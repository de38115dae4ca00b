package crossdomain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHeaderShortBuffer(t *testing.T) {
	_, err := decodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, ErrInvalidCommandBuffer, err.(*Error).Kind())
}

func TestDecodeInitLegacyFallback(t *testing.T) {
	// Legacy form: header + query_ring_id + channel_type, no channel_ring_id.
	buf := make([]byte, initLegacyCmdSize)
	putHeader(buf, CmdInit, uint32(initLegacyCmdSize))
	putU32(buf, 8, 7)  // query_ring_id
	putU32(buf, 12, 3) // channel_type

	cmd, err := decodeInit(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), cmd.QueryRingId)
	assert.Equal(t, uint32(7), cmd.ChannelRingId, "legacy form duplicates query ring id into channel ring id")
	assert.Equal(t, uint32(3), cmd.ChannelType)
}

func TestDecodeInitFullForm(t *testing.T) {
	buf := make([]byte, initCmdSize)
	putHeader(buf, CmdInit, uint32(initCmdSize))
	putU32(buf, 8, 7)
	putU32(buf, 12, 9)
	putU32(buf, 16, 1)

	cmd, err := decodeInit(buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), cmd.QueryRingId)
	assert.Equal(t, uint32(9), cmd.ChannelRingId)
	assert.Equal(t, uint32(1), cmd.ChannelType)
}

func TestEncodeDecodeImageRequirementsRoundTrip(t *testing.T) {
	resp := ImageRequirementsResponse{
		Strides:  [4]uint32{256, 0, 0, 0},
		Offsets:  [4]uint32{0, 0, 0, 0},
		Modifier: 0,
		Size:     256 * 128,
		BlobId:   5,
		MapInfo:  3,
	}
	encoded := encodeImageRequirements(resp)
	assert.Len(t, encoded, 4*4+4*4+8+8+4+4)
	assert.Equal(t, uint32(256), leU32(encoded[0:]), "strides[0]")
	assert.Equal(t, uint32(256*128), leU32(encoded[40:]), "size (low word)")
	assert.Equal(t, uint32(5), leU32(encoded[48:]), "blob_id")
	assert.Equal(t, uint32(3), leU32(encoded[52:]), "map_info")
}

func TestEncodeReceiveRoundTrip(t *testing.T) {
	var ids, types, sizes [MaxIdentifiers]uint32
	ids[0] = 5
	types[0] = IdentifierTypeVirtgpuBlob
	sizes[0] = 4096

	rec := encodeReceive(1, 16, ids, types, sizes)
	hdr, err := decodeHeader(rec)
	require.NoError(t, err)
	assert.Equal(t, CmdReceive, hdr.Cmd)
	assert.Equal(t, uint32(sendReceiveFixedSize)+16, hdr.CmdSize)
}

func TestDecodeSendReceiveRejectsOverrunOpaqueSize(t *testing.T) {
	buf := make([]byte, sendReceiveFixedSize)
	putHeader(buf, CmdSend, uint32(sendReceiveFixedSize))
	putU32(buf, 8, 0)
	putU32(buf, 12, 1<<20) // opaque_data_size far exceeds the buffer

	_, _, err := decodeSendReceive(buf)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidCommandSize, err.(*Error).Kind())
}

// putHeader/putU32 are tiny test-local helpers so these tests don't need to
// reach for encoding/binary at every call site.
func putHeader(buf []byte, cmd, size uint32) {
	putU32(buf, 0, cmd)
	putU32(buf, 4, size)
}

func putU32(buf []byte, off int, v uint32) {
	buf[off] = byte(v)
	buf[off+1] = byte(v >> 8)
	buf[off+2] = byte(v >> 16)
	buf[off+3] = byte(v >> 24)
}
