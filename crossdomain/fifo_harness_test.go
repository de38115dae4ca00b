package crossdomain

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/containerd/fifo"
	"github.com/stretchr/testify/require"
)

// TestFifoHarnessRelaysWriteCommandPayload stands a named pipe in for an
// external debug tap on the Wayland channel: a WRITE command's payload is
// relayed into a context write-pipe item exactly as handleWrite would do it
// for a write pipe received over the channel, and read back from that pipe,
// while the same bytes written into a fifo (opened non-blocking with context
// cancellation, the same way the teacher's shim_io_pipe.go opens stdio
// fifos) are read back from it independently.
// This is the harness containerd/fifo exists for in this module: it never
// appears on the SEND/WRITE fd-passing path itself, which is always an
// anonymous os.Pipe() pair.
func TestFifoHarnessRelaysWriteCommandPayload(t *testing.T) {
	fifoCtx := context.Background()
	path := filepath.Join(t.TempDir(), "crossdomain-debug-tap")

	reader, err := fifo.OpenFifo(fifoCtx, path, syscall.O_RDONLY|syscall.O_CREAT|syscall.O_NONBLOCK, 0600)
	require.NoError(t, err)
	defer reader.Close()

	writerCh := make(chan io.ReadWriteCloser, 1)
	go func() {
		w, err := fifo.OpenFifo(fifoCtx, path, syscall.O_WRONLY, 0600)
		if err != nil {
			return
		}
		writerCh <- w
	}()

	var w io.ReadWriteCloser
	select {
	case w = <-writerCh:
	case <-time.After(time.Second):
		t.Fatal("timed out opening fifo write end")
	}
	defer w.Close()

	c := newTestComponent(nil)
	handler, getFences := collectingFenceHandler()
	rc := c.CreateContext(handler)

	r, writePipe, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	id := rc.items.insert(Item{Kind: ItemWaylandWritePipe, WritePipe: writePipe})

	payload := []byte("debug-tap-payload")
	_, err = w.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	readDeadline := time.Now().Add(time.Second)
	n := 0
	for n < len(got) && time.Now().Before(readDeadline) {
		m, rerr := reader.Read(got[n:])
		if rerr != nil && m == 0 {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		n += m
	}
	require.Equal(t, payload, got[:n])

	require.NoError(t, rc.handleWrite(encodeReadWrite(id, 1, payload)))
	_, ok := rc.items.peek(id)
	require.False(t, ok, "write pipe item must be removed once the guest hangs it up")
	relayed := make([]byte, len(payload))
	_, err = io.ReadFull(r, relayed)
	require.NoError(t, err)
	require.Equal(t, payload, relayed)
	require.Empty(t, getFences())
}
