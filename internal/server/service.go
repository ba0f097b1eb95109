package server

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dz-tools/cxproxy/internal/common"
	"github.com/dz-tools/cxproxy/internal/rpc/wire"
	"google.golang.org/grpc"
)

// RemoteCompileServer is the remote endpoint internal/rpc.Transport talks
// to: it implements the Exec/LookupFile/UploadFileStream/DownloadFile
// surface directly against a hand-built grpc.ServiceDesc rather than
// protoc-generated server stubs (see internal/rpc's package doc for why the
// messages are hand-marshaled).
type RemoteCompileServer struct {
	StartTime time.Time

	Cron  *Cron
	Stats *Statsd
	Blobs *BlobCache
	Objs  *ObjFileCache
	Cxx   *CxxLauncher

	GRPCServer *grpc.Server
	workDir    string

	uploadsMu sync.Mutex
	uploads   map[uploadKey]uploadedFile

	knownMu sync.Mutex
	known   map[foldedHash]common.SHA256

	downloadsMu sync.Mutex
	downloads   map[uint32]string // sessionID -> path of the object file awaiting download
}

type uploadKey struct {
	SessionID uint32
	FileIndex uint32
}

type uploadedFile struct {
	path string
	hash common.SHA256
	size int64
}

type foldedHash struct {
	hi, lo uint64
}

// RemoteCompileServerConfig collects the server's startup options; there is
// no per-client session bookkeeping to configure, everything is keyed by
// the (SessionID, FileIndex) pairs carried in the messages themselves.
type RemoteCompileServerConfig struct {
	WorkDir                 string
	BlobCacheDir            string
	BlobCacheLimitBytes     int64
	ObjCacheDir             string
	ObjTmpDir               string
	ObjCacheLimitBytes      int64
	MaxParallelCxxProcesses int64
	StatsdHostPort          string
}

func MakeRemoteCompileServer(cfg RemoteCompileServerConfig) (*RemoteCompileServer, error) {
	blobs, err := MakeBlobCache(cfg.BlobCacheDir, cfg.BlobCacheLimitBytes)
	if err != nil {
		return nil, fmt.Errorf("making blob cache: %w", err)
	}
	objs, err := MakeObjFileCache(cfg.ObjCacheDir, cfg.ObjTmpDir, cfg.ObjCacheLimitBytes)
	if err != nil {
		return nil, fmt.Errorf("making obj cache: %w", err)
	}
	cxx, err := MakeCxxLauncher(cfg.MaxParallelCxxProcesses)
	if err != nil {
		return nil, fmt.Errorf("making cxx launcher: %w", err)
	}
	stats, err := MakeStatsd(cfg.StatsdHostPort)
	if err != nil {
		return nil, fmt.Errorf("making statsd: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("making work dir: %w", err)
	}

	s := &RemoteCompileServer{
		StartTime: time.Now(),
		Stats:     stats,
		Blobs:     blobs,
		Objs:      objs,
		Cxx:       cxx,
		workDir:   cfg.WorkDir,
		uploads:   make(map[uploadKey]uploadedFile, 1024),
		known:     make(map[foldedHash]common.SHA256, 1024),
		downloads: make(map[uint32]string, 64),
	}
	s.Cron, err = MakeCron(s)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// StartGRPCListening blocks serving RPCs on listenAddr until the process
// quits.
func (s *RemoteCompileServer) StartGRPCListening(listenAddr string) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listenAddr, err)
	}
	s.GRPCServer = grpc.NewServer()
	s.GRPCServer.RegisterService(&ServiceDesc, s)
	go s.Cron.StartCron()
	logServer.Info(0, "listening for gRPC", listenAddr)
	return s.GRPCServer.Serve(lis)
}

func (s *RemoteCompileServer) QuitServerGracefully() {
	logServer.Info(0, "quitting gracefully")
	if s.Cron != nil {
		s.Cron.StopCron()
	}
	if s.GRPCServer != nil {
		s.GRPCServer.GracefulStop()
	}
	s.Stats.Close()
}

// ServiceDesc is this module's hand-declared equivalent of what
// protoc-gen-go-grpc would emit for cxproxy.CompilationService: the same
// four methods internal/rpc.Transport invokes by fixed name. HandlerType is
// the empty interface on purpose — grpc.Server.RegisterService only uses it
// to assert ss implements it, and every concrete server satisfies
// interface{}, so this avoids fabricating a generated service interface
// type nothing else needs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "cxproxy.CompilationService",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exec", Handler: execHandler},
		{MethodName: "LookupFile", Handler: lookupFileHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "UploadFileStream", Handler: uploadFileStreamHandler, ClientStreams: true},
		{StreamName: "DownloadFile", Handler: downloadFileStreamHandler, ServerStreams: true},
	},
	Metadata: "cxproxy.proto",
}

func execHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wire.ExecRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*RemoteCompileServer)
	if interceptor == nil {
		return s.handleExec(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cxproxy.CompilationService/Exec"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.handleExec(ctx, req.(*wire.ExecRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func lookupFileHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(lookupReq)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*RemoteCompileServer)
	if interceptor == nil {
		return s.handleLookupFile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/cxproxy.CompilationService/LookupFile"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.handleLookupFile(ctx, req.(*lookupReq))
	}
	return interceptor(ctx, in, info, handler)
}

func uploadFileStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*RemoteCompileServer).handleUploadFileStream(stream)
}

func downloadFileStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*RemoteCompileServer).handleDownloadFileStream(stream)
}

// execReply, lookupReq, lookupReply and downloadReq are gob-compatible with
// internal/rpc's unexported types of the same shape: gob matches by field
// name and type, not by the two packages sharing a defined type.
type execReply struct {
	Stdout, Stderr      []byte
	ExitCode            int32
	MissingInputIndexes []uint32
}

type lookupReq struct{ HashHi, HashLo uint64 }
type lookupReply struct{ Present bool }

type downloadReq struct {
	SessionID uint32
	FileIndex uint32
}

func foldSHA256(h common.SHA256) foldedHash {
	return foldedHash{hi: h.B0_7 ^ h.B8_15, lo: h.B16_23 ^ h.B24_31}
}

func (s *RemoteCompileServer) handleLookupFile(_ context.Context, req *lookupReq) (*lookupReply, error) {
	s.knownMu.Lock()
	_, present := s.known[foldedHash{hi: req.HashHi, lo: req.HashLo}]
	s.knownMu.Unlock()
	return &lookupReply{Present: present}, nil
}

// handleUploadFileStream assembles exactly one file per stream call — the
// client opens a fresh stream per upload rather than multiplexing many
// files over one, so there is no per-stream demuxing to do here.
func (s *RemoteCompileServer) handleUploadFileStream(stream grpc.ServerStream) error {
	var body []byte
	var sessionID, fileIndex uint32
	haveHeader := false
	for {
		chunk := new(wire.FileChunk)
		err := stream.RecvMsg(chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !haveHeader {
			sessionID = chunk.SessionID
			fileIndex = chunk.FileIndex
			haveHeader = true
		}
		body = append(body, chunk.ChunkBody...)
	}

	uploadDir := filepath.Join(s.workDir, "uploads")
	if err := os.MkdirAll(uploadDir, os.ModePerm); err != nil {
		return err
	}
	tmpName := filepath.Join(uploadDir, fmt.Sprintf("%d.%d.%d", sessionID, fileIndex, time.Now().UnixNano()))
	if err := os.WriteFile(tmpName, body, 0644); err != nil {
		return err
	}

	hasher := sha256.New()
	hasher.Write(body)
	hash := common.MakeSHA256Struct(hasher)

	s.uploadsMu.Lock()
	s.uploads[uploadKey{SessionID: sessionID, FileIndex: fileIndex}] = uploadedFile{path: tmpName, hash: hash, size: int64(len(body))}
	s.uploadsMu.Unlock()

	if err := s.Blobs.SaveFileToCache(tmpName, fmt.Sprintf("blob-%d-%d", sessionID, fileIndex), hash, int64(len(body))); err != nil {
		logServer.Error("saving uploaded blob to cache", err)
	} else {
		s.knownMu.Lock()
		s.known[foldSHA256(hash)] = hash
		s.knownMu.Unlock()
	}

	return stream.SendMsg(&uploadReply{OK: true})
}

type uploadReply struct{ OK bool }

// handleExec reconstructs the inputs into a scratch directory (from inline
// request bytes, this session's uploads, or the content-addressed blob
// cache), rewrites the compiler's path arguments to land there, and runs
// the compiler — consulting the object cache first so a second client
// asking for an identical compile skips re-running it. Inputs whose bytes are
// reachable by none of the three routes come back as MissingInputIndexes so
// the client re-uploads exactly those and retries.
func (s *RemoteCompileServer) handleExec(_ context.Context, req *wire.ExecRequest) (*execReply, error) {
	atomic.AddInt64(&s.Stats.execCount, 1)

	scratchDir := filepath.Join(s.workDir, "exec", fmt.Sprintf("%d", req.SessionID))
	if err := os.MkdirAll(scratchDir, os.ModePerm); err != nil {
		atomic.AddInt64(&s.Stats.execFailedOpen, 1)
		return nil, fmt.Errorf("making scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	var missing []uint32
	inputHashes := make([]common.SHA256, len(req.InputFiles))
	for i, ref := range req.InputFiles {
		destPath := filepath.Join(scratchDir, filepath.Clean(ref.ClientFileName))
		if err := os.MkdirAll(filepath.Dir(destPath), os.ModePerm); err != nil {
			return nil, err
		}

		hash, err := s.materializeInput(req.SessionID, uint32(i), ref, destPath)
		if err != nil {
			missing = append(missing, uint32(i))
			continue
		}
		inputHashes[i] = hash

		if strings.HasSuffix(destPath, ".cxproxy-pch") {
			if err := s.extractOwnPch(destPath, scratchDir); err != nil {
				logServer.Error("extracting own-pch deps for", ref.ClientFileName, err)
			}
		}
	}
	if len(missing) > 0 {
		return &execReply{MissingInputIndexes: missing}, nil
	}

	var cppInFile string
	if len(req.InputFiles) > 0 {
		cppInFile = req.InputFiles[0].ClientFileName
	}
	objOutFile := s.Objs.GenerateObjOutFileName(fmt.Sprintf("sess%d", req.SessionID), req.SessionID)
	if err := os.MkdirAll(filepath.Dir(objOutFile), os.ModePerm); err != nil {
		return nil, err
	}

	cxxArgs := mapClientPaths(req.CxxArgs, scratchDir)
	cxxArgs = rewriteOutputArg(cxxArgs, objOutFile)
	cxxArgs = append(cxxArgs, "-c", filepath.Join(scratchDir, filepath.Clean(cppInFile)))
	objKey := MakeObjCacheKey(req.CxxName, req.CxxArgs, cppInFile, inputHashes)

	if s.Objs.CreateHardLinkFromCache(objOutFile, objKey) {
		atomic.AddInt64(&s.Stats.execFromObjCache, 1)
		s.rememberDownload(req.SessionID, objOutFile)
		return &execReply{ExitCode: 0}, nil
	}

	result := s.Cxx.Launch(req.CxxName, scratchDir, cxxArgs)
	if result.ExitCode == 0 {
		if size, err := fileSize(objOutFile); err == nil {
			if err := s.Objs.SaveFileToCache(objOutFile, fmt.Sprintf("obj-%d", req.SessionID), objKey, size); err != nil {
				logServer.Error("saving compiled object to cache", err)
			}
		}
		s.rememberDownload(req.SessionID, objOutFile)
	}

	return &execReply{Stdout: result.Stdout, Stderr: result.Stderr, ExitCode: result.ExitCode}, nil
}

// materializeInput writes one input's bytes to destPath, trying the request's
// inline content, then this session's uploads, then the content-addressed
// blob cache keyed by the folded hash carried in the FileRef.
func (s *RemoteCompileServer) materializeInput(sessionID, fileIndex uint32, ref wire.FileRef, destPath string) (common.SHA256, error) {
	if len(ref.InlineContent) > 0 {
		hasher := sha256.New()
		hasher.Write(ref.InlineContent)
		hash := common.MakeSHA256Struct(hasher)
		if err := os.WriteFile(destPath, ref.InlineContent, 0644); err != nil {
			return common.SHA256{}, err
		}
		if err := s.Blobs.SaveFileToCache(destPath, fmt.Sprintf("inline-%d-%d", sessionID, fileIndex), hash, int64(len(ref.InlineContent))); err == nil {
			s.knownMu.Lock()
			s.known[foldSHA256(hash)] = hash
			s.knownMu.Unlock()
		}
		return hash, nil
	}

	s.uploadsMu.Lock()
	uf, uploaded := s.uploads[uploadKey{SessionID: sessionID, FileIndex: fileIndex}]
	s.uploadsMu.Unlock()
	if uploaded {
		contents, err := os.ReadFile(uf.path)
		if err != nil {
			return common.SHA256{}, err
		}
		return uf.hash, os.WriteFile(destPath, contents, 0644)
	}

	s.knownMu.Lock()
	hash, known := s.known[foldedHash{hi: ref.HashHi, lo: ref.HashLo}]
	s.knownMu.Unlock()
	if known && s.Blobs.CreateHardLinkFromCache(destPath, hash) {
		return hash, nil
	}
	return common.SHA256{}, fmt.Errorf("input %d of session %d has no bytes server-side", fileIndex, sessionID)
}

// extractOwnPch unpacks a .cxproxy-pch sidecar's bundled dependencies into
// the scratch dir so the compiler can regenerate the real precompiled
// header on demand.
func (s *RemoteCompileServer) extractOwnPch(pchPath, scratchDir string) error {
	ownPch, err := common.ParseOwnPchFile(pchPath)
	if err != nil {
		return err
	}
	return ownPch.ExtractAllDepsToRootDir(scratchDir)
}

// mapClientPaths rewrites absolute path arguments (-I /home/u/proj, bare
// /home/u/proj/x.h) to their scratch-dir mirror, since the client's
// filesystem layout was reproduced under scratchDir by materializeInput.
func mapClientPaths(cxxArgs []string, scratchDir string) []string {
	out := make([]string, len(cxxArgs))
	for i, a := range cxxArgs {
		switch {
		case strings.HasPrefix(a, "/"):
			out[i] = filepath.Join(scratchDir, filepath.Clean(a))
		case len(a) > 2 && (strings.HasPrefix(a, "-I") || strings.HasPrefix(a, "-L")) && a[2] == '/':
			out[i] = a[:2] + filepath.Join(scratchDir, filepath.Clean(a[2:]))
		default:
			out[i] = a
		}
	}
	return out
}

func (s *RemoteCompileServer) rememberDownload(sessionID uint32, path string) {
	s.downloadsMu.Lock()
	s.downloads[sessionID] = path
	s.downloadsMu.Unlock()
}

// rewriteOutputArg points a remembered "-o" flag at objOutFile, since the
// client's original -o names a path that only exists on its own machine.
func rewriteOutputArg(cxxArgs []string, objOutFile string) []string {
	out := make([]string, len(cxxArgs))
	copy(out, cxxArgs)
	for i, a := range out {
		if a == "-o" && i+1 < len(out) {
			out[i+1] = objOutFile
			return out
		}
	}
	return append(out, "-o", objOutFile)
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// handleDownloadFileStream streams back the object file handleExec produced
// for this session, chunked the same way the upload side chunks
// input files.
func (s *RemoteCompileServer) handleDownloadFileStream(stream grpc.ServerStream) error {
	req := new(downloadReq)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	s.downloadsMu.Lock()
	path, ok := s.downloads[req.SessionID]
	delete(s.downloads, req.SessionID)
	s.downloadsMu.Unlock()
	if !ok {
		return fmt.Errorf("download: no output recorded for session %d", req.SessionID)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := &wire.FileChunk{
				SessionID: req.SessionID,
				FileIndex: req.FileIndex,
				ChunkBody: append([]byte(nil), buf[:n]...),
			}
			if err := stream.SendMsg(chunk); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	return nil
}

const chunkSize = 64 * 1024
