package server

import (
	"crypto/sha256"
	"fmt"
	"path"
	"strings"

	"github.com/dz-tools/cxproxy/internal/common"
)

// ObjFileCache is a directory where resulting .o files are saved, keyed by a
// hash of the exec request that produced them (compiler name, args, and the
// content hash of every input file). Its purpose is to let this reference
// remote skip re-running the compiler for an Exec call it has already seen,
// letting one client reuse a .o another client compiled from the same
// inputs.
type ObjFileCache struct {
	*FileCache

	objTmpDir string
}

func MakeObjFileCache(cacheDir string, objTmpDir string, limitBytes int64) (*ObjFileCache, error) {
	cache, err := MakeFileCache(cacheDir, limitBytes)
	if err != nil {
		return nil, err
	}

	return &ObjFileCache{cache, strings.TrimSuffix(objTmpDir, "/")}, nil
}

// MakeObjCacheKey hashes everything that determines the compiler's output:
// the compiler name, its arguments (order matters), the input file's base
// name, and the content hash of every input file. The input hashes are
// XORed into the key, so their order does not change it. There is no per-client path remapping to
// normalize away, so cxxArgs are taken as is.
func MakeObjCacheKey(cxxName string, cxxArgs []string, cppInFile string, inputHashes []common.SHA256) common.SHA256 {
	hasher := sha256.New()

	hasher.Write([]byte(cxxName))
	for _, arg := range cxxArgs {
		hasher.Write([]byte(arg))
	}
	hasher.Write([]byte(path.Base(cppInFile)))

	key := common.MakeSHA256Struct(hasher)
	key.B8_15 ^= uint64(len(cxxArgs))
	key.B16_23 ^= uint64(len(inputHashes))
	for _, h := range inputHashes {
		key.XorWith(&h)
	}
	return key
}

// GenerateObjOutFileName names the scratch file a compile invocation writes
// its object output to, before it is either streamed back or hard-linked
// into the obj cache.
func (cache *ObjFileCache) GenerateObjOutFileName(clientID string, sessionID uint32) string {
	return fmt.Sprintf("%s/%s.%d.o", cache.objTmpDir, clientID, sessionID)
}
