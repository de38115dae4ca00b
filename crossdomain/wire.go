package crossdomain

import (
	"bytes"
	"encoding/binary"
)

// Command tags, carried in every command/ring-record header's Cmd field.
const (
	CmdInit uint32 = 1 + iota
	CmdGetImageRequirements
	CmdPoll
	CmdSend
	CmdReceive
	CmdRead
	CmdWrite
	CmdFutexNew
	CmdFutexSignal
	CmdFutexDestroy
)

// Identifier types carried in a SEND/RECEIVE identifier_types array.
const (
	IdentifierTypeVirtgpuBlob uint32 = 1 + iota
	IdentifierTypeReadPipe
	IdentifierTypeWritePipe
)

// MaxIdentifiers bounds the fixed-capacity identifier arrays in SEND/RECEIVE.
const MaxIdentifiers = 16

// Ring indices a fence can be tagged with.
const (
	QueryRingIndex   uint32 = 0
	ChannelRingIndex uint32 = 1
)

// Header is the fixed 8-byte prefix of every guest command and every
// host-written ring record.
type Header struct {
	Cmd     uint32
	CmdSize uint32
}

const headerSize = 8

// InitCmd is the full INIT command body (without Header).
type InitCmd struct {
	QueryRingId   uint32
	ChannelRingId uint32
	ChannelType   uint32
}

const initCmdSize = headerSize + 12
const initLegacyCmdSize = headerSize + 8

// GetImageRequirementsCmd is the GET_IMAGE_REQUIREMENTS command body.
type GetImageRequirementsCmd struct {
	Width     uint32
	Height    uint32
	DrmFormat uint32
	Flags     uint32
}

// ImageRequirementsResponse is the host-written query-ring record answering
// GET_IMAGE_REQUIREMENTS.
type ImageRequirementsResponse struct {
	Strides  [4]uint32
	Offsets  [4]uint32
	Modifier uint64
	Size     uint64
	BlobId   uint32
	MapInfo  uint32
}

// SendReceiveCmd mirrors both the guest's SEND command and the host's
// RECEIVE ring record: same fixed layout, opposite direction.
type SendReceiveCmd struct {
	NumIdentifiers   uint32
	OpaqueDataSize   uint32
	Identifiers      [MaxIdentifiers]uint32
	IdentifierTypes  [MaxIdentifiers]uint32
	IdentifierSizes  [MaxIdentifiers]uint32
}

const sendReceiveFixedSize = headerSize + 8 + MaxIdentifiers*4*3

// ReadWriteCmd mirrors both the guest's WRITE command and the host's READ
// ring record.
type ReadWriteCmd struct {
	Identifier     uint32
	HangUp         uint32
	OpaqueDataSize uint32
}

const readWriteFixedSize = headerSize + 12

// FutexNewCmd is the FUTEX_NEW command body.
type FutexNewCmd struct {
	Id     uint32
	FsId   uint32
	Handle uint32
}

// FutexSignalCmd is shared by the guest's FUTEX_SIGNAL command and the
// host-written FUTEX_SIGNAL ring record.
type FutexSignalCmd struct {
	Id uint32
}

// FutexDestroyCmd is the FUTEX_DESTROY command body.
type FutexDestroyCmd struct {
	Id uint32
}

// decodeHeader reads the fixed 8-byte header prefix of buf.
func decodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, errInvalidCommandBuffer
	}
	return Header{
		Cmd:     binary.LittleEndian.Uint32(buf[0:4]),
		CmdSize: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// decodeInit parses an INIT command, falling back to the legacy single-ring
// form (duplicating query_ring_id into channel_ring_id) when the full form
// does not fit.
func decodeInit(buf []byte) (InitCmd, error) {
	if len(buf) >= initCmdSize {
		return InitCmd{
			QueryRingId:   binary.LittleEndian.Uint32(buf[8:12]),
			ChannelRingId: binary.LittleEndian.Uint32(buf[12:16]),
			ChannelType:   binary.LittleEndian.Uint32(buf[16:20]),
		}, nil
	}
	if len(buf) >= initLegacyCmdSize {
		queryRingId := binary.LittleEndian.Uint32(buf[8:12])
		channelType := binary.LittleEndian.Uint32(buf[12:16])
		return InitCmd{
			QueryRingId:   queryRingId,
			ChannelRingId: queryRingId,
			ChannelType:   channelType,
		}, nil
	}
	return InitCmd{}, errInvalidCommandBuffer
}

func decodeGetImageRequirements(buf []byte) (GetImageRequirementsCmd, error) {
	if len(buf) < headerSize+16 {
		return GetImageRequirementsCmd{}, errInvalidCommandBuffer
	}
	return GetImageRequirementsCmd{
		Width:     binary.LittleEndian.Uint32(buf[8:12]),
		Height:    binary.LittleEndian.Uint32(buf[12:16]),
		DrmFormat: binary.LittleEndian.Uint32(buf[16:20]),
		Flags:     binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}

func decodeSendReceive(buf []byte) (SendReceiveCmd, []byte, error) {
	if len(buf) < sendReceiveFixedSize {
		return SendReceiveCmd{}, nil, errInvalidCommandBuffer
	}
	var cmd SendReceiveCmd
	off := headerSize
	cmd.NumIdentifiers = binary.LittleEndian.Uint32(buf[off : off+4])
	cmd.OpaqueDataSize = binary.LittleEndian.Uint32(buf[off+4 : off+8])
	off += 8
	for i := 0; i < MaxIdentifiers; i++ {
		cmd.Identifiers[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	for i := 0; i < MaxIdentifiers; i++ {
		cmd.IdentifierTypes[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	for i := 0; i < MaxIdentifiers; i++ {
		cmd.IdentifierSizes[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	opaqueEnd := sendReceiveFixedSize + int(cmd.OpaqueDataSize)
	if opaqueEnd > len(buf) {
		return SendReceiveCmd{}, nil, NewCommandSizeError(int(cmd.OpaqueDataSize))
	}
	return cmd, buf[sendReceiveFixedSize:opaqueEnd], nil
}

func decodeReadWrite(buf []byte) (ReadWriteCmd, []byte, error) {
	if len(buf) < readWriteFixedSize {
		return ReadWriteCmd{}, nil, errInvalidCommandBuffer
	}
	cmd := ReadWriteCmd{
		Identifier:     binary.LittleEndian.Uint32(buf[8:12]),
		HangUp:         binary.LittleEndian.Uint32(buf[12:16]),
		OpaqueDataSize: binary.LittleEndian.Uint32(buf[16:20]),
	}
	opaqueEnd := readWriteFixedSize + int(cmd.OpaqueDataSize)
	if opaqueEnd > len(buf) {
		return ReadWriteCmd{}, nil, NewCommandSizeError(int(cmd.OpaqueDataSize))
	}
	return cmd, buf[readWriteFixedSize:opaqueEnd], nil
}

func decodeFutexNew(buf []byte) (FutexNewCmd, error) {
	if len(buf) < headerSize+12 {
		return FutexNewCmd{}, errInvalidCommandBuffer
	}
	return FutexNewCmd{
		Id:     binary.LittleEndian.Uint32(buf[8:12]),
		FsId:   binary.LittleEndian.Uint32(buf[12:16]),
		Handle: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

func decodeFutexSignal(buf []byte) (FutexSignalCmd, error) {
	if len(buf) < headerSize+4 {
		return FutexSignalCmd{}, errInvalidCommandBuffer
	}
	return FutexSignalCmd{Id: binary.LittleEndian.Uint32(buf[8:12])}, nil
}

func decodeFutexDestroy(buf []byte) (FutexDestroyCmd, error) {
	if len(buf) < headerSize+4 {
		return FutexDestroyCmd{}, errInvalidCommandBuffer
	}
	return FutexDestroyCmd{Id: binary.LittleEndian.Uint32(buf[8:12])}, nil
}

// encodeImageRequirements serializes a GET_IMAGE_REQUIREMENTS response.
func encodeImageRequirements(r ImageRequirementsResponse) []byte {
	buf := new(bytes.Buffer)
	for _, v := range r.Strides {
		binary.Write(buf, binary.LittleEndian, v)
	}
	for _, v := range r.Offsets {
		binary.Write(buf, binary.LittleEndian, v)
	}
	binary.Write(buf, binary.LittleEndian, r.Modifier)
	binary.Write(buf, binary.LittleEndian, r.Size)
	binary.Write(buf, binary.LittleEndian, r.BlobId)
	binary.Write(buf, binary.LittleEndian, r.MapInfo)
	return buf.Bytes()
}

// encodeReceive serializes a RECEIVE ring record (sans opaque payload tail).
func encodeReceive(numIdentifiers, opaqueDataSize uint32, identifiers, types, sizes [MaxIdentifiers]uint32) []byte {
	buf := make([]byte, sendReceiveFixedSize)
	binary.LittleEndian.PutUint32(buf[0:4], CmdReceive)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(sendReceiveFixedSize)+opaqueDataSize)
	binary.LittleEndian.PutUint32(buf[8:12], numIdentifiers)
	binary.LittleEndian.PutUint32(buf[12:16], opaqueDataSize)
	off := 16
	for i := 0; i < MaxIdentifiers; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], identifiers[i])
		off += 4
	}
	for i := 0; i < MaxIdentifiers; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], types[i])
		off += 4
	}
	for i := 0; i < MaxIdentifiers; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], sizes[i])
		off += 4
	}
	return buf
}

// encodeRead serializes a READ ring record (sans opaque payload tail).
func encodeRead(identifier, hangUp, opaqueDataSize uint32) []byte {
	buf := make([]byte, readWriteFixedSize)
	binary.LittleEndian.PutUint32(buf[0:4], CmdRead)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(readWriteFixedSize)+opaqueDataSize)
	binary.LittleEndian.PutUint32(buf[8:12], identifier)
	binary.LittleEndian.PutUint32(buf[12:16], hangUp)
	binary.LittleEndian.PutUint32(buf[16:20], opaqueDataSize)
	return buf
}

// encodeCapabilities serializes a Capabilities structure for get_capset.
func encodeCapabilities(c Capabilities) []byte {
	buf := make([]byte, capsetSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.Version)
	binary.LittleEndian.PutUint32(buf[4:8], c.SupportedChannels)
	buf[8] = c.SupportsDmabuf
	buf[9] = c.SupportsExternalGpuMemory
	return buf
}

// encodeFutexSignal serializes a host-written FUTEX_SIGNAL ring record.
func encodeFutexSignal(id uint32) []byte {
	buf := make([]byte, headerSize+4)
	binary.LittleEndian.PutUint32(buf[0:4], CmdFutexSignal)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[8:12], id)
	return buf
}
