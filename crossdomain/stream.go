package crossdomain

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// streamConn is the external server interface (spec.md §6): a UNIX stream
// socket carrying (opaque_bytes, descriptor_list) messages, with no framing
// beyond the message boundaries the kernel's SOCK_STREAM + SCM_RIGHTS
// already gives a sendmsg/recvmsg pair. Grounded on the ReadMsgUnix/
// WriteMsgUnix + SCM_RIGHTS pattern used for descriptor passing in the
// teacher's vendored QMP client (qemu.git's qmp.go).
type streamConn struct {
	conn *net.UnixConn
}

func dialStream(path string) (*streamConn, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "crossdomain: dial %s", path)
	}
	return &streamConn{conn: conn}, nil
}

// send transmits opaque payload bytes with the given descriptors attached
// as ancillary SCM_RIGHTS data.
func (s *streamConn) send(payload []byte, files []*os.File) error {
	var oob []byte
	if len(files) > 0 {
		fds := make([]int, len(files))
		for i, f := range files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}
	_, _, err := s.conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return errors.Wrap(err, "crossdomain: send")
	}
	return nil
}

// receive reads one message into buf, returning the payload length and any
// descriptors attached via SCM_RIGHTS.
func (s *streamConn) receive(buf []byte) (int, []*os.File, error) {
	oob := make([]byte, unix.CmsgSpace(64*4)) // room for up to 64 fds
	n, oobn, _, _, err := s.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, errors.Wrap(err, "crossdomain: receive")
	}

	var files []*os.File
	if oobn > 0 {
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return 0, nil, errors.Wrap(err, "crossdomain: parse control message")
		}
		for _, cmsg := range cmsgs {
			fds, err := unix.ParseUnixRights(&cmsg)
			if err != nil {
				continue
			}
			for _, fd := range fds {
				files = append(files, os.NewFile(uintptr(fd), "crossdomain-received"))
			}
		}
	}
	return n, files, nil
}

func (s *streamConn) fd() int {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return -1
	}
	var fd int
	raw.Control(func(f uintptr) { fd = int(f) })
	return fd
}

func (s *streamConn) close() error {
	return s.conn.Close()
}
