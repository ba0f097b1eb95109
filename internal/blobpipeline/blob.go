// Package blobpipeline implements the blob uploader/downloader and the
// input/output file tasks: deciding whether a dependency is small enough to
// embed inline in the exec request versus uploaded as a side-channel blob,
// deduping concurrent uploads of the same content, and downloading compiled
// outputs back. Everything is written against the BlobStore interface so
// the core logic doesn't depend on a concrete transport.
package blobpipeline

import (
	"context"
	"os"
	"strings"

	"github.com/dz-tools/cxproxy/internal/content"
	"github.com/dz-tools/cxproxy/internal/filehash"
	"github.com/dz-tools/cxproxy/internal/rpc/wire"
	"github.com/dz-tools/cxproxy/internal/statcache"
	"golang.org/x/sync/singleflight"
)

// Size thresholds from the input-file task decision matrix: below TINY,
// embed inline in the exec request regardless; at/above LARGE, a forced
// transfer goes through the side-channel blob upload instead of inlining.
const (
	TinyThreshold  = 512
	LargeThreshold = 2 * 1024 * 1024
)

// Decision is the embed-vs-sidechannel outcome for one input file.
type Decision int

const (
	DecisionEmbed Decision = iota
	DecisionUploadBlob
	DecisionSkipAlreadyKnown
)

// Pipeline coordinates uploads for one daemon, deduping concurrent
// side-channel uploads of the same path to the same remote via singleflight.
type Pipeline struct {
	Store  *content.Store
	Hashes *filehash.Cache
	Blobs  BlobStore
	group  singleflight.Group
}

// BlobStore mirrors internal/rpc.BlobStore without importing it directly, so
// tests can supply a fake without pulling in gRPC.
type BlobStore interface {
	LookupFile(ctx context.Context, hashHi, hashLo uint64) (bool, error)
	UploadFile(ctx context.Context, chunks <-chan wire.FileChunk) error
}

func New(store *content.Store, hashes *filehash.Cache, blobs BlobStore) *Pipeline {
	return &Pipeline{Store: store, Hashes: hashes, Blobs: blobs}
}

// Classify is the embed-vs-sidechannel decision matrix. forceTransfer is set
// when the server declared the content missing (missed_content) or the
// bytes have never been seen before, where sending only a hash would just
// earn another missing-inputs round trip. Response files (.rsp) are always
// sent whole for the same reason: the server can never have them cached
// under a stable name.
func Classify(path string, size int64, remoteAlreadyHasIt, forceTransfer bool) Decision {
	switch {
	case forceTransfer || strings.HasSuffix(path, ".rsp"):
		if size < LargeThreshold {
			return DecisionEmbed
		}
		return DecisionUploadBlob
	case size < TinyThreshold:
		return DecisionEmbed
	case remoteAlreadyHasIt:
		return DecisionSkipAlreadyKnown
	default:
		return DecisionUploadBlob
	}
}

// EnsureUploaded makes path's bytes available to remote one way or another,
// deduping concurrent requests for the same path so two translation units
// sharing a header only upload it once. The returned hash keys the
// request's FileRef; inline is non-nil when the decision was to embed the
// bytes in the request itself.
func (p *Pipeline) EnsureUploaded(ctx context.Context, remote, path, clientID string, sessionID, fileIndex uint32, st statcache.Stat, missedContent bool) (Decision, content.Key, []byte, error) {
	hash, size, known := p.Hashes.Hash(path, st)
	var raw []byte
	firstSeen := false
	if !known {
		key, b, err := p.Store.PutFile(path)
		if err != nil {
			return 0, content.Key{}, nil, err
		}
		hash = key
		size = int64(len(b))
		raw = b
		firstSeen = p.Hashes.RecordHash(path, hash, st)
	}

	if !missedContent && p.Hashes.UploadState(path, remote) == filehash.Uploaded {
		return DecisionSkipAlreadyKnown, hash, nil, nil
	}

	present := false
	if !missedContent {
		var err error
		present, err = p.Blobs.LookupFile(ctx, hash.B0_7^hash.B8_15, hash.B16_23^hash.B24_31)
		if err != nil {
			return 0, content.Key{}, nil, err
		}
	}

	decision := Classify(path, size, present, missedContent || firstSeen)
	switch decision {
	case DecisionSkipAlreadyKnown:
		p.Hashes.SetUploadState(path, remote, filehash.Uploaded)
		return decision, hash, nil, nil

	case DecisionEmbed:
		if raw == nil {
			var ok bool
			if raw, ok = p.Store.Get(hash); !ok {
				var err error
				if raw, err = os.ReadFile(path); err != nil {
					return 0, content.Key{}, nil, err
				}
			}
		}
		p.Hashes.SetUploadState(path, remote, filehash.Uploaded)
		return decision, hash, raw, nil

	default:
		_, err, _ := p.group.Do(remote+"|"+path, func() (interface{}, error) {
			p.Hashes.SetUploadState(path, remote, filehash.Uploading)
			if err := p.uploadByChunks(ctx, clientID, sessionID, fileIndex, path); err != nil {
				p.Hashes.SetUploadState(path, remote, filehash.UploadFailed)
				return nil, err
			}
			p.Hashes.SetUploadState(path, remote, filehash.Uploaded)
			return nil, nil
		})
		if err != nil {
			return 0, content.Key{}, nil, err
		}
		return decision, hash, nil, nil
	}
}

const chunkSize = 64 * 1024

// uploadByChunks streams path over the blob store's upload channel: one
// file split across possibly-many chunk messages, a final empty read
// signaling EOF.
func (p *Pipeline) uploadByChunks(ctx context.Context, clientID string, sessionID, fileIndex uint32, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	chunks := make(chan wire.FileChunk, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Blobs.UploadFile(ctx, chunks)
	}()

	buf := make([]byte, chunkSize)
	for {
		n, rerr := f.Read(buf)
		if rerr != nil && n == 0 {
			break
		}
		chunks <- wire.FileChunk{
			ClientID:  clientID,
			SessionID: sessionID,
			FileIndex: fileIndex,
			ChunkBody: append([]byte(nil), buf[:n]...),
		}
		if rerr != nil {
			break
		}
	}
	close(chunks)
	return <-errCh
}
