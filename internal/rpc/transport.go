// Package rpc is the transport boundary: the remote execution/blob-store
// service consumed as interfaces, with a concrete gRPC-backed
// implementation. ExecRequest and FileChunk are hand-marshaled protobuf wire
// format (internal/rpc/wire); the smaller lookup, download and reply structs
// go through the codec's gob fallback. All are invoked over grpc.ClientConn
// with fixed method names rather than protoc-generated stubs.
package rpc

import (
	"context"
	"io"

	"github.com/dz-tools/cxproxy/internal/rpc/wire"
	"google.golang.org/grpc"
)

// Execer runs a compile remotely (the CALL_EXEC collaborator).
type Execer interface {
	Exec(ctx context.Context, req *wire.ExecRequest) (*wire.ExecResponse, error)
}

// BlobStore is the upload/download half of the transport.
type BlobStore interface {
	// LookupFile reports whether a remote already has a blob for this hash,
	// letting the input-file task skip re-uploading.
	LookupFile(ctx context.Context, hashHi, hashLo uint64) (present bool, err error)
	UploadFile(ctx context.Context, chunks <-chan wire.FileChunk) error
	DownloadFile(ctx context.Context, sessionID uint32, fileIndex uint32) (io.ReadCloser, error)
}

// grpcMethods are the fixed, hand-declared full method names this module
// invokes via the generic streaming API — the functional equivalent of what
// protoc-gen-go-grpc would have generated into a ServiceClient, but written
// directly against grpc.ClientConn since no such generated client exists in
// this module's dependency tree.
const (
	methodExec         = "/cxproxy.CompilationService/Exec"
	methodLookupFile   = "/cxproxy.CompilationService/LookupFile"
	methodUploadStream = "/cxproxy.CompilationService/UploadFileStream"
	methodDownload     = "/cxproxy.CompilationService/DownloadFile"
)

// Transport is the concrete gRPC implementation of Execer and BlobStore,
// holding one ClientConn per remote.
type Transport struct {
	conn *grpc.ClientConn
}

func NewTransport(conn *grpc.ClientConn) *Transport {
	return &Transport{conn: conn}
}

var withCodec = grpc.CallContentSubtype(contentSubtype)

func (t *Transport) Exec(ctx context.Context, req *wire.ExecRequest) (*wire.ExecResponse, error) {
	reply := new(execReply)
	if err := t.conn.Invoke(ctx, methodExec, req, reply, withCodec); err != nil {
		return nil, err
	}
	return &wire.ExecResponse{
		Stdout:        reply.Stdout,
		Stderr:        reply.Stderr,
		ExitCode:      reply.ExitCode,
		MissingInputs: reply.MissingInputIndexes,
	}, nil
}

func (t *Transport) LookupFile(ctx context.Context, hashHi, hashLo uint64) (bool, error) {
	req := &lookupReq{HashHi: hashHi, HashLo: hashLo}
	reply := new(lookupReply)
	if err := t.conn.Invoke(ctx, methodLookupFile, req, reply, withCodec); err != nil {
		return false, err
	}
	return reply.Present, nil
}

func (t *Transport) UploadFile(ctx context.Context, chunks <-chan wire.FileChunk) error {
	stream, err := t.conn.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true}, methodUploadStream, withCodec)
	if err != nil {
		return err
	}
	for chunk := range chunks {
		c := chunk
		if err := stream.SendMsg(&c); err != nil {
			return err
		}
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// wait for the server's ack so a following Exec can't outrun the upload
	return stream.RecvMsg(new(uploadReply))
}

func (t *Transport) DownloadFile(ctx context.Context, sessionID, fileIndex uint32) (io.ReadCloser, error) {
	stream, err := t.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, methodDownload, withCodec)
	if err != nil {
		return nil, err
	}
	req := &downloadReq{SessionID: sessionID, FileIndex: fileIndex}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &streamReader{stream: stream}, nil
}

type streamReader struct {
	stream grpc.ClientStream
	buf    []byte
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		var chunk wire.FileChunk
		if err := r.stream.RecvMsg(&chunk); err != nil {
			return 0, err
		}
		r.buf = chunk.ChunkBody
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *streamReader) Close() error { return nil }

type execReply struct {
	Stdout, Stderr      []byte
	ExitCode            int32
	MissingInputIndexes []uint32
}
type lookupReq struct{ HashHi, HashLo uint64 }
type lookupReply struct{ Present bool }
type uploadReply struct{ OK bool }
type downloadReq struct {
	SessionID uint32
	FileIndex uint32
}
