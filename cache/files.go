package cache

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	cachekey "github.com/always-cache/filecache/pkg/cache-key"
)

const tempSuffix = ".tmp-"

func (c *Cache) path(key cachekey.Key) string {
	return cachekey.Path(c.cfg.Path, c.cfg.Levels, key)
}

// fileUniq identifies the file behind fi, so that a replaced file is noticed.
func fileUniq(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		return uint64(st.Ino)
	}
	return 0
}

// blocks returns the disk usage of fi in blocks of c.bsize.
func (c *Cache) blocks(fi os.FileInfo) int64 {
	size := fi.Size()
	if st, ok := fi.Sys().(*syscall.Stat_t); ok && int64(st.Blocks)*512 > size {
		size = int64(st.Blocks) * 512
	}
	return (size + c.bsize - 1) / c.bsize
}

func blockSize(path string) int64 {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil || st.Bsize <= 0 {
		return 512
	}
	return int64(st.Bsize)
}

// freeSpace reports the space available to unprivileged users on the cache
// file system.
func freeSpace(path string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

// storedHeader is a header cache record. It is only used while the file
// still has the same identity, size and modification time.
type storedHeader struct {
	uniq  uint64
	size  int64
	mtime time.Time
	buf   []byte
}

// readHeader reads up to want bytes from the start of the file.
func (c *Cache) readHeader(f afero.File, fi os.FileInfo, path string, want int) ([]byte, error) {
	n := int64(want)
	if fi.Size() < n {
		n = fi.Size()
	}
	uniq := fileUniq(fi)
	if c.headers != nil {
		if h, ok := c.headers.Get(path); ok && h.uniq == uniq && h.size == fi.Size() && h.mtime.Equal(fi.ModTime()) && int64(len(h.buf)) >= n {
			return h.buf[:n], nil
		}
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if c.headers != nil {
		c.headers.Add(path, storedHeader{uniq: uniq, size: fi.Size(), mtime: fi.ModTime(), buf: buf})
	}
	return buf, nil
}

func (c *Cache) forgetHeader(path string) {
	if c.headers != nil {
		c.headers.Remove(path)
	}
}

// removeFile deletes a cache file. A missing file is not an error.
func (c *Cache) removeFile(path string) error {
	c.forgetHeader(path)
	err := c.fs.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Error().Err(err).Str("path", path).Msg("Could not delete cache file")
		return err
	}
	return nil
}
