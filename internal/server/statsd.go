package server

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"runtime"
	"sync/atomic"
	"time"
)

// Statsd accumulates metrics from server start up till now, periodically
// dumped to a statsd collector if configured.
type Statsd struct {
	bytesSent              int64
	filesSent              int64
	bytesReceived          int64
	filesReceived          int64
	clientsUnauthenticated int64
	execCount              int64
	execFailedOpen         int64
	execFromObjCache       int64

	statsdConnection net.Conn
	statsdBuffer     bytes.Buffer
}

func MakeStatsd(statsdHostPort string) (*Statsd, error) {
	if statsdHostPort == "" {
		return &Statsd{statsdConnection: nil}, nil
	}

	conn, err := net.Dial("udp", statsdHostPort)
	if err != nil {
		return nil, err
	}

	return &Statsd{statsdConnection: conn}, nil
}

func (cs *Statsd) writeStat(statName string, value int64) {
	fmt.Fprintf(&cs.statsdBuffer, "cxproxy.%s:%d|g\n", statName, value)
}

func (cs *Statsd) fillBufferWithStats(server *RemoteCompileServer) {
	cs.writeStat("server.uptime", int64(time.Since(server.StartTime).Seconds()))
	cs.writeStat("server.goroutines", int64(runtime.NumGoroutine()))

	cs.writeStat("exec.total", atomic.LoadInt64(&cs.execCount))
	cs.writeStat("exec.failed_open", atomic.LoadInt64(&cs.execFailedOpen))
	cs.writeStat("exec.from_obj_cache", atomic.LoadInt64(&cs.execFromObjCache))
	cs.writeStat("clients.unauthenticated", atomic.LoadInt64(&cs.clientsUnauthenticated))

	cs.writeStat("cxx.calls", server.Cxx.GetTotalCxxCallsCount())
	cs.writeStat("cxx.parallel", server.Cxx.GetNowCompilingCount())
	cs.writeStat("cxx.waiting", server.Cxx.GetWaitingInQueueCount())
	cs.writeStat("cxx.duration", server.Cxx.GetTotalCxxDurationMilliseconds())
	cs.writeStat("cxx.more10sec", server.Cxx.GetMore10secCount())
	cs.writeStat("cxx.more30sec", server.Cxx.GetMore30secCount())
	cs.writeStat("cxx.nonzero", server.Cxx.GetNonZeroExitCodeCount())

	cs.writeStat("send.bytes", atomic.LoadInt64(&cs.bytesSent))
	cs.writeStat("send.files", atomic.LoadInt64(&cs.filesSent))
	cs.writeStat("receive.bytes", atomic.LoadInt64(&cs.bytesReceived))
	cs.writeStat("receive.files", atomic.LoadInt64(&cs.filesReceived))

	cs.writeStat("blob_cache.count", server.Blobs.GetFilesCount())
	cs.writeStat("blob_cache.purged", server.Blobs.GetPurgedFilesCount())
	cs.writeStat("blob_cache.disk_bytes", server.Blobs.GetBytesOnDisk())

	cs.writeStat("obj_cache.count", server.Objs.GetFilesCount())
	cs.writeStat("obj_cache.purged", server.Objs.GetPurgedFilesCount())
	cs.writeStat("obj_cache.disk_bytes", server.Objs.GetBytesOnDisk())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	cs.writeStat("memory.heap_alloc", int64(mem.HeapAlloc))
	cs.writeStat("memory.total_alloc", int64(mem.TotalAlloc))
	cs.writeStat("memory.heap_objects", int64(mem.HeapObjects))
	cs.writeStat("gc.cycles", int64(mem.NumGC))
	cs.writeStat("gc.pause_total", time.Duration(mem.PauseTotalNs).Milliseconds())
}

func (cs *Statsd) SendToStatsd(server *RemoteCompileServer) {
	if cs.statsdConnection == nil {
		return
	}

	cs.fillBufferWithStats(server)

	_, err := io.Copy(cs.statsdConnection, &cs.statsdBuffer)
	if err != nil {
		logServer.Error("writing to statsd", err)
	}
	cs.statsdBuffer.Reset()
}

func (cs *Statsd) Close() {
	if cs.statsdConnection != nil {
		_ = cs.statsdConnection.Close()
	}
	cs.statsdConnection = nil
}
