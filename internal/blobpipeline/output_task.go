package blobpipeline

import (
	"fmt"
	"io"
	"os"

	"github.com/dz-tools/cxproxy/internal/common"
)

// DownloadOutput pulls a compiled artifact back from the remote and writes
// it atomically to outPath: a temp-file-then-rename write so a concurrent
// reader never observes a partially-written .o.
func DownloadOutput(r io.Reader, outPath string, expectedSize int64) error {
	if err := common.MkdirForFile(outPath); err != nil {
		return err
	}
	tmp, err := common.OpenTempFile(outPath)
	if err != nil {
		return err
	}

	written, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()

	if copyErr != nil {
		_ = os.Remove(tmp.Name())
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmp.Name())
		return closeErr
	}
	if expectedSize >= 0 && written != expectedSize {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("output size mismatch for %s: got %d bytes, want %d", outPath, written, expectedSize)
	}

	_ = os.Remove(outPath)
	return os.Rename(tmp.Name(), outPath)
}
