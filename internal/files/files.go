// Package files holds small file-system helpers shared by the hub cache, the data readers and the result log.
package files

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Exists returns whether the given path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ExecOnFileLock opens the lockPath file (or creates if it doesn't yet exist), locks it, and executes the function.
// If the lockPath is already locked, it polls with a 1 to 2 seconds period (randomly), until it acquires the lock.
//
// The lockPath is not removed. It's safe to remove it from the given fn, if one knows that no new calls to
// ExecOnFileLock with the same lockPath is going to be made.
func ExecOnFileLock(lockPath string, fn func()) (err error) {
	fileLock := flock.New(lockPath)
	for {
		locked, err := fileLock.TryLock()
		if err != nil {
			return errors.Wrapf(err, "while trying to lock %q", lockPath)
		}
		if locked {
			break
		}
		// Wait from 1 to 2 seconds.
		time.Sleep(time.Millisecond * time.Duration(1000+rand.Intn(1000)))
	}

	// Unlock even if fn panics.
	defer func() {
		unlockErr := fileLock.Unlock()
		if unlockErr != nil {
			if err == nil {
				err = errors.Wrapf(unlockErr, "unlocking file %q", lockPath)
			} else {
				klog.Warningf("Error unlocking file %q: %v", lockPath, unlockErr)
			}
		}
	}()

	fn()
	return
}

// ReplaceFile writes the contents produced by write into a temporary file next to path, and then
// atomically renames it over path. Readers see either the old or the new contents, never a partial file.
func ReplaceFile(path string, perm os.FileMode, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "creating temporary file for %q", path)
	}
	tmpPath := tmpFile.Name()
	var renamed bool
	defer func() {
		if !renamed {
			_ = tmpFile.Close()
			if err := os.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
				klog.Warningf("Failed removing temporary file %q: %v", tmpPath, err)
			}
		}
	}()

	if err := write(tmpFile); err != nil {
		return errors.WithMessagef(err, "while writing %q", tmpPath)
	}
	if err := tmpFile.Sync(); err != nil {
		return errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return errors.Wrapf(err, "failed to set permissions of %q", tmpPath)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to move %q to %q", tmpPath, path)
	}
	renamed = true
	return nil
}

// maxLineSize bounds the length of one line read by ScanLines.
const maxLineSize = 16 * 1024 * 1024

// ScanLines memory-maps the file at path and calls fn for each of its lines, with 1-based line numbers.
// Line terminators ("\n" or "\r\n") are removed. Scanning stops at the first error returned by fn.
//
// A missing file returns an error for which errors.Is(err, fs.ErrNotExist) holds.
func ScanLines(path string, fn func(lineNum int, line string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat %q", path)
	}
	if info.Size() == 0 {
		// Empty files can't be mapped.
		return nil
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to mmap %q", path)
	}
	defer func() {
		if err := data.Unmap(); err != nil {
			klog.Warningf("Failed unmapping %q: %v", path, err)
		}
	}()

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var lineNum int
	for scanner.Scan() {
		lineNum++
		if err := fn(lineNum, scanner.Text()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "failed reading %q after line %d", path, lineNum)
	}
	return nil
}
