package hub

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLocalRepo(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.json"), `{"model_type": "bert"}`)
	writeFile(t, filepath.Join(dir, "onnx", "model.onnx"), "onnx")
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref")

	repo := New(dir)
	require.True(t, repo.IsLocal())

	var names []string
	for name, err := range repo.IterFileNames() {
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"config.json", "onnx/model.onnx"}, names)

	assert.True(t, repo.HasFile("onnx/model.onnx"))
	assert.False(t, repo.HasFile("tokenizer.json"))

	p, err := repo.DownloadFile("config.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.json"), p)

	paths, err := repo.DownloadFiles(context.Background(), "onnx/model.onnx", "config.json")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "onnx", "model.onnx"), filepath.Join(dir, "config.json")}, paths)
	_, err = repo.DownloadFiles(context.Background(), "config.json", "missing.txt")
	require.Error(t, err)

	_, err = repo.DownloadFile("missing.txt")
	require.Error(t, err)
}

func TestRemoteRepo(t *testing.T) {
	var downloads int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		switch req.URL.Path {
		case "/api/models/org/tiny/revision/main":
			fmt.Fprint(w, `{"siblings": [{"rfilename": "tokenizer.json"}, {"rfilename": "config.json"}]}`)
		case "/org/tiny/resolve/main/config.json":
			downloads++
			fmt.Fprint(w, `{"model_type": "roberta"}`)
		default:
			http.NotFound(w, req)
		}
	}))
	defer server.Close()

	repo := New("org/tiny").WithAuth("secret").WithCacheDir(t.TempDir())
	repo.Endpoint = server.URL
	require.False(t, repo.IsLocal())

	assert.True(t, repo.HasFile("config.json"))
	assert.False(t, repo.HasFile("model.onnx"))

	p, err := repo.DownloadFile("config.json")
	require.NoError(t, err)
	content, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"model_type": "roberta"}`, string(content))

	// Second call is served from the cache.
	_, err = repo.DownloadFile("config.json")
	require.NoError(t, err)
	assert.Equal(t, 1, downloads)

	_, err = repo.DownloadFile("model.onnx")
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(repo.repoCacheDir(), "model.onnx"))
	leftovers, err := filepath.Glob(filepath.Join(repo.repoCacheDir(), "model.onnx.*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "partial download removed")
}
