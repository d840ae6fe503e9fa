// Package hub resolves model identifiers to files.
//
// A Repo is either a local directory laid out like a HuggingFace model repository
// (config.json, tokenizer.json, onnx/model.onnx, ...) or a remote HuggingFace Hub repository,
// whose files are downloaded on demand into a local cache.
//
// Example:
//
//	repo := hub.New("bert-base-cased").WithAuth(os.Getenv("HF_TOKEN"))
//	configPath, err := repo.DownloadFile("config.json")
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"iter"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const (
	// DefaultEndpoint of the HuggingFace Hub.
	DefaultEndpoint = "https://huggingface.co"

	// DefaultRevision used when none is given.
	DefaultRevision = "main"

	// DefaultDirCreationPerm is used when creating cache directories.
	DefaultDirCreationPerm = 0o755
)

// Repo is a model repository, local or on the HuggingFace Hub.
//
// Create it with New, and configure it with the With* methods before the first use.
type Repo struct {
	// ID of the repository, e.g. "roberta-base", or a local directory path.
	ID string

	// Revision (branch, tag or commit) of a remote repository.
	Revision string

	// Endpoint of the Hub API; defaults to DefaultEndpoint.
	Endpoint string

	localDir  string
	cacheDir  string
	authToken string
	client    *http.Client

	fileNames []string // Cached listing.
}

// New creates a Repo for the given identifier.
//
// If id names an existing directory, the Repo reads files directly from it and never touches the network.
func New(id string) *Repo {
	r := &Repo{
		ID:       id,
		Revision: DefaultRevision,
		Endpoint: DefaultEndpoint,
		cacheDir: DefaultCacheDir(),
		client:   http.DefaultClient,
	}
	if info, err := os.Stat(id); err == nil && info.IsDir() {
		r.localDir = id
	}
	return r
}

// DefaultCacheDir returns the directory where remote files are cached: $HF_HUB_CACHE, or
// $HF_HOME/hub, or ~/.cache/huggingface/hub.
func DefaultCacheDir() string {
	if dir := os.Getenv("HF_HUB_CACHE"); dir != "" {
		return dir
	}
	if dir := os.Getenv("HF_HOME"); dir != "" {
		return filepath.Join(dir, "hub")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "huggingface", "hub")
	}
	return filepath.Join(home, ".cache", "huggingface", "hub")
}

// WithAuth sets the token used for private or gated repositories.
func (r *Repo) WithAuth(token string) *Repo {
	r.authToken = token
	return r
}

// WithCacheDir sets the directory where remote files are downloaded.
func (r *Repo) WithCacheDir(dir string) *Repo {
	r.cacheDir = dir
	return r
}

// WithRevision selects a branch, tag or commit of a remote repository.
func (r *Repo) WithRevision(revision string) *Repo {
	r.Revision = revision
	r.fileNames = nil
	return r
}

// WithHTTPClient replaces the client used to talk to the Hub.
func (r *Repo) WithHTTPClient(client *http.Client) *Repo {
	r.client = client
	return r
}

// IsLocal returns whether the repository is a local directory.
func (r *Repo) IsLocal() bool {
	return r.localDir != ""
}

// String implements fmt.Stringer.
func (r *Repo) String() string {
	if r.IsLocal() {
		return "local:" + r.localDir
	}
	return fmt.Sprintf("hf:%s@%s", r.ID, r.Revision)
}

// IterFileNames iterates over the (slash-separated) names of all files in the repository.
func (r *Repo) IterFileNames() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if r.fileNames == nil {
			var err error
			if r.IsLocal() {
				r.fileNames, err = r.listLocal()
			} else {
				r.fileNames, err = r.listRemote(context.Background())
			}
			if err != nil {
				r.fileNames = nil
				yield("", err)
				return
			}
		}
		for _, name := range r.fileNames {
			if !yield(name, nil) {
				return
			}
		}
	}
}

// HasFile returns whether the repository contains the given file.
// Listing errors are logged and reported as false.
func (r *Repo) HasFile(fileName string) bool {
	if r.IsLocal() {
		info, err := os.Stat(filepath.Join(r.localDir, filepath.FromSlash(fileName)))
		return err == nil && !info.IsDir()
	}
	for name, err := range r.IterFileNames() {
		if err != nil {
			klog.Warningf("Failed to list files of %s: %v", r, err)
			return false
		}
		if name == fileName {
			return true
		}
	}
	return false
}

// DownloadFile returns the local path of the given file, downloading it first if the repository is remote.
func (r *Repo) DownloadFile(fileName string) (string, error) {
	return r.DownloadFileContext(context.Background(), fileName)
}

// DownloadFileContext is like DownloadFile, but the download can be cancelled with ctx.
func (r *Repo) DownloadFileContext(ctx context.Context, fileName string) (string, error) {
	if r.IsLocal() {
		localPath := filepath.Join(r.localDir, filepath.FromSlash(fileName))
		if _, err := os.Stat(localPath); err != nil {
			return "", errors.Wrapf(err, "file %q not found in %s", fileName, r)
		}
		return localPath, nil
	}
	filePath := filepath.Join(r.repoCacheDir(), filepath.FromSlash(fileName))
	fileURL, err := url.JoinPath(r.Endpoint, r.ID, "resolve", r.Revision, fileName)
	if err != nil {
		return "", errors.Wrapf(err, "building URL for %q", fileName)
	}
	if err := r.cachedDownload(ctx, fileURL, filePath); err != nil {
		return "", err
	}
	return filePath, nil
}

// MaxParallelDownloads limits the number of concurrent downloads of DownloadFiles.
var MaxParallelDownloads = 4

// DownloadFiles downloads the given files concurrently, and returns their local paths in the same order.
// The first error cancels the remaining downloads.
func (r *Repo) DownloadFiles(ctx context.Context, fileNames ...string) ([]string, error) {
	paths := make([]string, len(fileNames))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallelDownloads)
	for i, fileName := range fileNames {
		g.Go(func() error {
			p, err := r.DownloadFileContext(ctx, fileName)
			if err != nil {
				return err
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

// repoCacheDir follows the HuggingFace cache naming: models--<owner>--<name>/<revision>.
func (r *Repo) repoCacheDir() string {
	name := "models--" + strings.ReplaceAll(r.ID, "/", "--")
	return filepath.Join(r.cacheDir, name, r.Revision)
}

func (r *Repo) listLocal() ([]string, error) {
	var names []string
	err := filepath.WalkDir(r.localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && p != r.localDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(r.localDir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing files in %q", r.localDir)
	}
	slices.Sort(names)
	return names, nil
}

// repoInfo is the subset of the Hub's model info response we use.
type repoInfo struct {
	Siblings []struct {
		Name string `json:"rfilename"`
	} `json:"siblings"`
}

func (r *Repo) listRemote(ctx context.Context) ([]string, error) {
	infoURL, err := url.JoinPath(r.Endpoint, "api", "models", r.ID, "revision", r.Revision)
	if err != nil {
		return nil, errors.Wrapf(err, "building info URL for %s", r)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "creating request for %q", infoURL)
	}
	r.authorize(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "requesting %q", infoURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("listing %s: %s", r, resp.Status)
	}
	var info repoInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, errors.Wrapf(err, "decoding file list of %s", r)
	}
	names := make([]string, 0, len(info.Siblings))
	for _, s := range info.Siblings {
		names = append(names, path.Clean(s.Name))
	}
	slices.Sort(names)
	return names, nil
}

func (r *Repo) authorize(req *http.Request) {
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}
}
