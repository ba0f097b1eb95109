package blobpipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dz-tools/cxproxy/internal/content"
	"github.com/dz-tools/cxproxy/internal/filehash"
	"github.com/dz-tools/cxproxy/internal/rpc/wire"
	"github.com/dz-tools/cxproxy/internal/statcache"
)

type fakeBlobStore struct {
	mu          sync.Mutex
	alreadyHas  bool
	lookupCalls int
	uploadCalls int
	received    []byte
}

func (f *fakeBlobStore) LookupFile(ctx context.Context, hashHi, hashLo uint64) (bool, error) {
	f.mu.Lock()
	f.lookupCalls++
	f.mu.Unlock()
	return f.alreadyHas, nil
}

func (f *fakeBlobStore) UploadFile(ctx context.Context, chunks <-chan wire.FileChunk) error {
	f.mu.Lock()
	f.uploadCalls++
	f.mu.Unlock()
	for c := range chunks {
		f.mu.Lock()
		f.received = append(f.received, c.ChunkBody...)
		f.mu.Unlock()
	}
	return nil
}

func writeInput(t *testing.T, name string, contents []byte) (string, statcache.Stat) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	return path, statcache.Stat{Exists: true, Size: int64(len(contents)), ModTime: old, Mode: 0o644}
}

func TestClassify(t *testing.T) {
	if got := Classify("/a.h", 10, true, false); got != DecisionEmbed {
		t.Fatalf("expected Embed for a tiny file even when remote already has it, got %v", got)
	}
	if got := Classify("/a.h", TinyThreshold-1, false, false); got != DecisionEmbed {
		t.Fatalf("expected Embed for a small file, got %v", got)
	}
	if got := Classify("/a.h", LargeThreshold, false, false); got != DecisionUploadBlob {
		t.Fatalf("expected UploadBlob for a large file, got %v", got)
	}
	if got := Classify("/a.h", 4096, true, true); got != DecisionEmbed {
		t.Fatalf("a forced transfer must send bytes even when the remote claims to have them, got %v", got)
	}
	if got := Classify("/a.h", LargeThreshold, false, true); got != DecisionUploadBlob {
		t.Fatalf("a forced transfer at/above LARGE goes side-channel, got %v", got)
	}
	if got := Classify("/link.rsp", 4096, true, false); got != DecisionEmbed {
		t.Fatalf(".rsp files always carry their bytes, got %v", got)
	}
}

func TestEnsureUploadedSkipsWhenRemoteAlreadyHasIt(t *testing.T) {
	path, st := writeInput(t, "a.h", make([]byte, TinyThreshold+100))

	blobs := &fakeBlobStore{alreadyHas: true}
	p := New(content.NewStore(), filehash.New(), blobs)

	// the first sighting of these bytes forces a transfer (the remote's
	// claim can't cover content it was never sent), so record them first
	hash, _, _ := common256(t, p, path, st)

	decision, gotHash, inline, err := p.EnsureUploaded(context.Background(), "remote1", path, "client1", 1, 0, st, false)
	if err != nil {
		t.Fatalf("EnsureUploaded: %v", err)
	}
	if decision != DecisionSkipAlreadyKnown {
		t.Fatalf("expected SkipAlreadyKnown, got %v", decision)
	}
	if gotHash != hash {
		t.Fatalf("hash mismatch: %v vs %v", gotHash, hash)
	}
	if inline != nil {
		t.Fatal("no bytes should ride along on a skip")
	}
	if blobs.uploadCalls != 0 {
		t.Fatalf("expected no upload call, got %d", blobs.uploadCalls)
	}
}

// common256 primes the hash cache for path so later EnsureUploaded calls are
// not on the first-seen forced-transfer path.
func common256(t *testing.T, p *Pipeline, path string, st statcache.Stat) (content.Key, int64, bool) {
	t.Helper()
	key, b, err := p.Store.PutFile(path)
	if err != nil {
		t.Fatal(err)
	}
	p.Hashes.RecordHash(path, key, st)
	return key, int64(len(b)), true
}

func TestEnsureUploadedEmbedsSmallFiles(t *testing.T) {
	contents := []byte("#define SMALL 1\n")
	path, st := writeInput(t, "small.h", contents)

	blobs := &fakeBlobStore{}
	p := New(content.NewStore(), filehash.New(), blobs)

	decision, _, inline, err := p.EnsureUploaded(context.Background(), "remote1", path, "client1", 1, 0, st, false)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionEmbed {
		t.Fatalf("expected Embed, got %v", decision)
	}
	if string(inline) != string(contents) {
		t.Fatalf("inline bytes mismatch: %q", inline)
	}
	if blobs.uploadCalls != 0 {
		t.Fatalf("an embedded file must not also be uploaded, got %d calls", blobs.uploadCalls)
	}
}

func TestEnsureUploadedMissedContentBypassesLookup(t *testing.T) {
	path, st := writeInput(t, "a.h", make([]byte, TinyThreshold+50))

	blobs := &fakeBlobStore{alreadyHas: true}
	p := New(content.NewStore(), filehash.New(), blobs)
	common256(t, p, path, st)
	p.Hashes.SetUploadState(path, "remote1", filehash.Uploaded)

	decision, _, inline, err := p.EnsureUploaded(context.Background(), "remote1", path, "client1", 1, 0, st, true)
	if err != nil {
		t.Fatal(err)
	}
	if decision != DecisionEmbed {
		t.Fatalf("missed content under LARGE should embed, got %v", decision)
	}
	if len(inline) == 0 {
		t.Fatal("expected the actual bytes to ride along")
	}
	if blobs.lookupCalls != 0 {
		t.Fatalf("missed content must not trust LookupFile, got %d calls", blobs.lookupCalls)
	}
}

func TestEnsureUploadedUploadsAndDedupsConcurrentCalls(t *testing.T) {
	// LARGE-sized so even the first-seen pass goes side-channel, the shape
	// of the shared-2MiB-header dedup scenario
	fileBytes := make([]byte, LargeThreshold)
	for i := range fileBytes {
		fileBytes[i] = byte(i)
	}
	path, st := writeInput(t, "a.h", fileBytes)

	blobs := &fakeBlobStore{alreadyHas: false}
	p := New(content.NewStore(), filehash.New(), blobs)

	var wg sync.WaitGroup
	results := make([]Decision, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _, _, err := p.EnsureUploaded(context.Background(), "remote1", path, "client1", 1, 0, st, false)
			if err != nil {
				t.Errorf("EnsureUploaded: %v", err)
			}
			results[i] = d
		}()
	}
	wg.Wait()

	if blobs.uploadCalls != 1 {
		t.Fatalf("expected exactly one upload despite 4 concurrent callers, got %d", blobs.uploadCalls)
	}
	if len(blobs.received) != len(fileBytes) {
		t.Fatalf("expected %d bytes uploaded, got %d", len(fileBytes), len(blobs.received))
	}
}
