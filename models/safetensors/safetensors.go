// Package safetensors provides a Model object for safetensors-based checkpoints,
// from which one can list and load individual weights (tensors), with access to headers.
// It also writes .safetensors files, used to save the entity typing projection head.
//
// Example:
//
//	repo := hub.New(checkpointDir)
//	model, err := safetensors.New(repo)
//	if err != nil {
//		return err
//	}
//	weight, err := model.GetTensor("head.weight")
package safetensors

import (
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/entitytyping/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// indexFileNames are the names of sharded model indices.
var indexFileNames = []string{
	"model.safetensors.index.json",
	"pytorch_model.safetensors.index.json",
}

// Model represents a checkpoint (possibly split across multiple safetensor files).
type Model struct {
	Repo      *hub.Repo
	IndexFile string
	Index     *ShardedModelIndex
}

// ShardedModelIndex represents a model.safetensors.index.json file for sharded models.
type ShardedModelIndex struct {
	Metadata  map[string]any    `json:"metadata"`   // Model metadata
	WeightMap map[string]string `json:"weight_map"` // Tensor name -> filename
}

// TensorAndName holds a tensor name and its GoMLX tensor data.
type TensorAndName struct {
	Name   string
	Tensor *tensors.Tensor
}

// New creates a Model and loads its index from the repo safetensors file(s).
func New(repo *hub.Repo) (*Model, error) {
	m := &Model{Repo: repo}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewFromFile creates a Model backed by a single local .safetensors file.
func NewFromFile(filePath string) (*Model, error) {
	m := &Model{Repo: hub.New(filepath.Dir(filePath))}
	if err := m.loadSingleFile(filepath.Base(filePath)); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads the weight map, whether the model is sharded or a single file.
// Sharded models are detected by their index file, otherwise the first .safetensors file is used.
func (m *Model) Load() error {
	if m.Repo == nil {
		return errors.New("Repo is nil, create the Model with New")
	}
	var first string
	for fileName, err := range m.Repo.IterFileNames() {
		if err != nil {
			return err
		}
		if slices.Contains(indexFileNames, path.Base(fileName)) {
			return m.loadSharded(fileName)
		}
		if first == "" && strings.HasSuffix(fileName, ".safetensors") {
			first = fileName
		}
	}
	if first == "" {
		return errors.Errorf("no .safetensors files found in %s", m.Repo)
	}
	return m.loadSingleFile(first)
}

func (m *Model) loadSingleFile(fileName string) error {
	localPath, err := m.Repo.DownloadFile(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to download %s", fileName)
	}
	header, _, err := parseHeader(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to parse header for %s", localPath)
	}

	// Synthetic index with all tensors pointing to this one file.
	weightMap := make(map[string]string, len(header.Tensors))
	for tensorName := range header.Tensors {
		weightMap[tensorName] = fileName
	}
	m.IndexFile = fileName
	m.Index = &ShardedModelIndex{Metadata: header.Metadata, WeightMap: weightMap}
	return nil
}

func (m *Model) loadSharded(indexFileName string) error {
	localPath, err := m.Repo.DownloadFile(indexFileName)
	if err != nil {
		return errors.Wrapf(err, "failed to download %s", indexFileName)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", localPath)
	}
	var index ShardedModelIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return errors.Wrap(err, "failed to parse sharded model index")
	}
	// Shard names are relative to the index file.
	dir := path.Dir(indexFileName)
	for name, shard := range index.WeightMap {
		index.WeightMap[name] = path.Join(dir, shard)
	}
	m.IndexFile = indexFileName
	m.Index = &index
	return nil
}

// ListTensorNames returns all tensor names in the model, sorted.
func (m *Model) ListTensorNames() []string {
	names := make([]string, 0, len(m.Index.WeightMap))
	for name := range m.Index.WeightMap {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// GetTensor by its name.
func (m *Model) GetTensor(tensorName string) (*tensors.Tensor, error) {
	if m.Index == nil {
		return nil, errors.New("model empty (not loaded), call Load first")
	}
	fileName, ok := m.Index.WeightMap[tensorName]
	if !ok {
		return nil, errors.Errorf("tensor %s not found in weight map", tensorName)
	}
	shard, err := m.openShard(fileName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = shard.Close() }()
	return shard.read(tensorName)
}
