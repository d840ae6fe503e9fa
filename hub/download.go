package hub

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gomlx/entitytyping/internal/files"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// cachedDownload fetches fileURL into the cache file at cachePath, unless it is already there.
//
// Processes sharing the cache coordinate on cachePath+".lock": only one downloads, and the others
// find the file in place once they get the lock. The file is written through files.ReplaceFile, so
// an interrupted download never leaves a truncated file in the cache.
func (r *Repo) cachedDownload(ctx context.Context, fileURL, cachePath string) error {
	if files.Exists(cachePath) {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cachePath), DefaultDirCreationPerm); err != nil {
		return errors.Wrapf(err, "failed to create cache directory for %q", cachePath)
	}

	lockPath := cachePath + ".lock"
	var downloadErr error
	lockErr := files.ExecOnFileLock(lockPath, func() {
		if files.Exists(cachePath) {
			klog.V(2).Infof("%s downloaded concurrently", cachePath)
			return
		}
		klog.V(1).Infof("Downloading %s", fileURL)
		downloadErr = files.ReplaceFile(cachePath, cacheFilePerm, func(w io.Writer) error {
			return r.fetch(ctx, fileURL, w)
		})
		if downloadErr != nil {
			downloadErr = errors.WithMessagef(downloadErr, "while downloading %q", fileURL)
			return
		}
		if err := os.Remove(lockPath); err != nil {
			klog.Warningf("Failed to remove lock file %q: %v", lockPath, err)
		}
	})
	if downloadErr != nil {
		return downloadErr
	}
	if lockErr != nil {
		return errors.WithMessagef(lockErr, "while locking %q", lockPath)
	}
	return nil
}

// cacheFilePerm of the downloaded files.
const cacheFilePerm = 0o644

// fetch streams the contents of fileURL into w.
func (r *Repo) fetch(ctx context.Context, fileURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return errors.Wrapf(err, "creating request for %q", fileURL)
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "requesting %q", fileURL)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("GET %q: %s", fileURL, resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return errors.Wrapf(err, "reading body of %q", fileURL)
	}
	return nil
}
