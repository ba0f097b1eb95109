package server

// BlobCache is a directory where uploaded input files (.cpp/.h/etc.) are
// saved, keyed by content hash, so a second client (or the same client
// after a restart) uploading an identical file is satisfied from cache
// instead of going over the wire again. Structurally it is FileCache; the
// name says what it stores here: uploaded blobs.
type BlobCache struct {
	*FileCache
}

func MakeBlobCache(cacheDir string, limitBytes int64) (*BlobCache, error) {
	cache, err := MakeFileCache(cacheDir, limitBytes)
	if err != nil {
		return nil, err
	}

	return &BlobCache{cache}, nil
}
