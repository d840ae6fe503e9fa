package entitytyping

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/entitytyping/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backbone is a pretrained transformer returning per-token hidden states.
type Backbone interface {
	// Forward returns the last hidden states as a Float32 tensor shaped [batchSize, seqLen, hiddenSize].
	Forward(ctx context.Context, enc *Encoding) (*tensors.Tensor, error)

	// HiddenSize of the hidden states.
	HiddenSize() int

	// ResizeTokenEmbeddings grows (or shrinks) the token embedding table to vocabSize rows.
	ResizeTokenEmbeddings(vocabSize int) error

	Close() error
}

// ONNXFileNames are the locations of the exported backbone in a repository, in order of preference.
var ONNXFileNames = []string{"onnx/model.onnx", "model.onnx"}

// ONNXBackbone runs a backbone exported to ONNX (e.g. with HuggingFace Optimum, task "feature-extraction").
//
// Calls are serialized.
type ONNXBackbone struct {
	family     Family
	config     *BackboneConfig
	model      *onnx.Model
	ctx        *mlctx.Context
	backend    backends.Backend
	inputNames []string
	outputName string

	mu sync.Mutex
}

var _ Backbone = (*ONNXBackbone)(nil)

// NewONNXBackbone loads the ONNX backbone of the repository. Weights stored as external data
// (model.onnx_data) are downloaded along with the graph.
func NewONNXBackbone(ctx context.Context, repo *hub.Repo, family Family, config *BackboneConfig, backend backends.Backend) (*ONNXBackbone, error) {
	if config.HiddenSize() <= 0 {
		return nil, errors.Errorf("%s has no hidden_size (or n_embd)", ConfigFileName)
	}
	var fileNames []string
	for _, name := range ONNXFileNames {
		if repo.HasFile(name) {
			fileNames = append(fileNames, name)
			if repo.HasFile(name + "_data") {
				fileNames = append(fileNames, name+"_data")
			}
			break
		}
	}
	if len(fileNames) == 0 {
		return nil, errors.Errorf("no ONNX model (%s) found in %s", strings.Join(ONNXFileNames, " or "), repo)
	}
	paths, err := repo.DownloadFiles(ctx, fileNames...)
	if err != nil {
		return nil, errors.WithMessagef(err, "downloading ONNX model from %s", repo)
	}

	om, err := onnx.ReadFile(paths[0])
	if err != nil {
		return nil, errors.Wrapf(err, "loading ONNX model %q", paths[0])
	}
	mlCtx := mlctx.New()
	if err := om.VariablesToContext(mlCtx); err != nil {
		return nil, errors.Wrapf(err, "loading ONNX variables of %q", paths[0])
	}
	inputNames, _ := om.Inputs()
	outputNames, _ := om.Outputs()
	if len(outputNames) == 0 {
		return nil, errors.Errorf("ONNX model %q has no outputs", paths[0])
	}
	outputName := outputNames[0]
	if slices.Contains(outputNames, "last_hidden_state") {
		outputName = "last_hidden_state"
	}
	if dropout, found := config.Dropout(); found {
		klog.V(1).Infof("%s backbone: dropout %g (inactive at inference)", family, dropout)
	}
	klog.V(1).Infof("Loaded %s backbone from %s: inputs %v, output %q", family, paths[0], inputNames, outputName)
	return &ONNXBackbone{
		family:     family,
		config:     config,
		model:      om,
		ctx:        mlCtx,
		backend:    backend,
		inputNames: inputNames,
		outputName: outputName,
	}, nil
}

// HiddenSize implements Backbone.
func (b *ONNXBackbone) HiddenSize() int {
	return b.config.HiddenSize()
}

// Forward implements Backbone.
func (b *ONNXBackbone) Forward(ctx context.Context, enc *Encoding) (*tensors.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.model == nil {
		return nil, errors.New("backbone is closed")
	}

	inputs, err := backboneInputs(b.inputNames, enc)
	if err != nil {
		return nil, err
	}
	graphFn := func(mlCtx *mlctx.Context, nodes []*graph.Node) []*graph.Node {
		inputMap := make(map[string]*graph.Node, len(nodes))
		for i, name := range b.inputNames {
			inputMap[name] = nodes[i]
		}
		return b.model.CallGraph(mlCtx.Reuse(), nodes[0].Graph(), inputMap, b.outputName)
	}
	results, err := mlctx.ExecOnceN(b.backend, b.ctx, graphFn, inputs...)
	if err != nil {
		return nil, errors.Wrapf(err, "executing %s backbone", b.family)
	}
	hidden := results[0]
	dims := hidden.Shape().Dimensions
	if len(dims) != 3 || dims[0] != enc.BatchSize() || dims[1] != enc.SeqLen() {
		return nil, errors.Errorf("backbone output %q shaped %v, expected [%d, %d, hidden]",
			b.outputName, dims, enc.BatchSize(), enc.SeqLen())
	}
	return hidden, nil
}

// backboneInputs returns the tensors fed to the named graph inputs, in order.
func backboneInputs(inputNames []string, enc *Encoding) ([]any, error) {
	inputs := make([]any, len(inputNames))
	for i, name := range inputNames {
		switch name {
		case "input_ids":
			inputs[i] = enc.InputIDsTensor()
		case "attention_mask":
			inputs[i] = enc.AttentionMaskTensor()
		case "token_type_ids":
			inputs[i] = enc.TokenTypeIDsTensor()
		case "position_ids":
			inputs[i] = enc.PositionIDsTensor()
		default:
			return nil, errors.Errorf("ONNX input %q not supported", name)
		}
	}
	return inputs, nil
}

// embeddingVariable finds the token embedding table: by name, or else by its shape.
func (b *ONNXBackbone) embeddingVariable() *mlctx.Variable {
	suffixes := b.family.traits().embeddings
	var byShape *mlctx.Variable
	for v := range b.ctx.IterVariables() {
		name := strings.NewReplacer("/", ".", "|", ".").Replace(v.Name())
		for _, suffix := range suffixes {
			if strings.HasSuffix(name, suffix) {
				return v
			}
		}
		dims := v.Shape().Dimensions
		if byShape == nil && len(dims) == 2 && dims[0] == b.config.VocabSize && dims[1] == b.HiddenSize() {
			byShape = v
		}
	}
	return byShape
}

// ResizeTokenEmbeddings implements Backbone. New rows are initialized with the mean of the existing ones.
func (b *ONNXBackbone) ResizeTokenEmbeddings(vocabSize int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.embeddingVariable()
	if v == nil {
		return errors.Errorf("token embeddings of the %s backbone not found", b.family)
	}
	table, err := v.Value()
	if err != nil {
		return errors.Wrapf(err, "reading %q", v.Name())
	}
	resized, err := resizeTable(table, vocabSize)
	if err != nil {
		return errors.WithMessagef(err, "resizing %q", v.Name())
	}
	if err := v.SetValue(resized); err != nil {
		return errors.Wrapf(err, "updating %q", v.Name())
	}
	klog.V(1).Infof("Resized %s token embeddings %q to %d rows", b.family, v.Name(), vocabSize)
	b.config.VocabSize = vocabSize
	return nil
}

// resizeTable returns a copy of the Float32 table [rows, dim] with vocabSize rows.
func resizeTable(table *tensors.Tensor, vocabSize int) (*tensors.Tensor, error) {
	if table.DType() != dtypes.Float32 {
		return nil, errors.Errorf("embedding table is %s, only Float32 is supported", table.DType())
	}
	dims := table.Shape().Dimensions
	if len(dims) != 2 {
		return nil, errors.Errorf("embedding table shaped %v, expected rank 2", dims)
	}
	if vocabSize <= 0 {
		return nil, errors.Errorf("invalid vocabulary size %d", vocabSize)
	}
	rows, dim := dims[0], dims[1]
	old := tensors.MustCopyFlatData[float32](table)
	flat := make([]float32, vocabSize*dim)
	copy(flat, old[:min(rows, vocabSize)*dim])
	if vocabSize > rows {
		mean := make([]float32, dim)
		for r := range rows {
			for j := range dim {
				mean[j] += old[r*dim+j]
			}
		}
		for j := range mean {
			mean[j] /= float32(rows)
		}
		for r := rows; r < vocabSize; r++ {
			copy(flat[r*dim:(r+1)*dim], mean)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, vocabSize, dim), nil
}

// Close implements Backbone. The backend is owned by the caller.
func (b *ONNXBackbone) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.model = nil
	b.ctx = nil
	return nil
}
