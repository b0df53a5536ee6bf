package outputcache

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/lazyrun/lazyrun/internal/util"
)

// copyPreservingMtime copies from to to, creating to's parent directory as
// needed, then sets to's modification time to exactly match from's (or, if
// mtimeOverride is non-zero, to the given millisecond timestamp) so that
// downstream input manifests see identical file records.
func copyPreservingMtime(from, to string, mtimeOverrideMillis int64) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return errors.Wrapf(err, "creating %v", filepath.Dir(to))
	}

	src, err := os.Open(from)
	if err != nil {
		return errors.Wrapf(err, "opening %v", from)
	}
	defer util.CloseAndIgnoreError(src)

	info, err := src.Stat()
	if err != nil {
		return err
	}

	dst, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "creating %v", to)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errors.Wrapf(err, "copying %v to %v", from, to)
	}
	if err := dst.Close(); err != nil {
		return err
	}

	mtime := info.ModTime()
	if mtimeOverrideMillis != 0 {
		mtime = time.UnixMilli(mtimeOverrideMillis)
	}
	return os.Chtimes(to, mtime, mtime)
}

func mtimeMillis(info os.FileInfo) int64 {
	return info.ModTime().UnixNano() / int64(1e6)
}

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
