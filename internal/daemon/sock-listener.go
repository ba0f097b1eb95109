package daemon

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dz-tools/cxproxy/internal/rpc/wire"
)

// SockListener accepts connections from the thin CLI shim on a Unix domain
// socket, one per intercepted compiler invocation. Frames are 4-byte
// big-endian length followed by a wire.DaemonRequest/DaemonResponse
// payload.
type SockListener struct {
	netListener net.Listener

	mu           sync.Mutex
	lastActiveAt time.Time
}

func StartSockListener(socketPath string) (*SockListener, error) {
	_ = os.Remove(socketPath)
	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &SockListener{netListener: lis, lastActiveAt: time.Now()}, nil
}

func (l *SockListener) Close() error {
	return l.netListener.Close()
}

func (l *SockListener) lastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastActiveAt
}

func (l *SockListener) touch() {
	l.mu.Lock()
	l.lastActiveAt = time.Now()
	l.mu.Unlock()
}

// AcceptLoop runs until the listener is closed (daemon shutdown),
// dispatching each connection to its own goroutine.
func (l *SockListener) AcceptLoop(d *Daemon) {
	for {
		conn, err := l.netListener.Accept()
		if err != nil {
			select {
			case <-d.quitChan:
				return
			default:
				logDaemon.Error("accept error", err)
				return
			}
		}
		l.touch()
		go l.onConnection(conn, d)
	}
}

const maxFrameBytes = 256 * 1024 * 1024

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("daemon sock: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func (l *SockListener) onConnection(conn net.Conn, d *Daemon) {
	defer conn.Close()

	body, err := readFrame(conn)
	if err != nil {
		if err != io.EOF {
			logDaemon.Error("couldn't read request frame", err)
		}
		return
	}

	req := new(wire.DaemonRequest)
	if err := req.Unmarshal(body); err != nil {
		logDaemon.Error("couldn't parse request frame", err)
		_ = writeFrame(conn, (&wire.DaemonResponse{ExitCode: -1, Stderr: []byte(err.Error())}).Marshal())
		return
	}

	atomic.AddInt32(&d.activeInvocations, 1)
	resp := d.HandleInvocation(req)
	atomic.AddInt32(&d.activeInvocations, -1)
	l.touch()

	if err := writeFrame(conn, resp.Marshal()); err != nil {
		logDaemon.Error("couldn't write response frame", err)
	}
}
