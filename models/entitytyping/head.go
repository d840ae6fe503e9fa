package entitytyping

import (
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/gomlx/entitytyping/hub"
	"github.com/gomlx/entitytyping/models/safetensors"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the projection head tensors in a checkpoint.
const (
	HeadWeightName = "head.weight"
	HeadBiasName   = "head.bias"

	// LinearWeightName and LinearBiasName are the names of a PyTorch linear layer, whose weight is
	// shaped [outDim, hiddenSize]. They are read if the head names are missing.
	LinearWeightName = "linear.weight"
	LinearBiasName   = "linear.bias"
)

// Head is the linear projection from hidden states to class scores.
type Head struct {
	// Weight is shaped [hiddenSize, outDim] and Bias [outDim], both Float32.
	Weight, Bias *tensors.Tensor
}

// NewHead creates a head initialized uniformly in ±1/√hiddenSize.
func NewHead(hiddenSize, outDim int, rng *rand.Rand) *Head {
	bound := 1 / math.Sqrt(float64(hiddenSize))
	uniform := func(n int) []float32 {
		values := make([]float32, n)
		for i := range values {
			values[i] = float32((2*rng.Float64() - 1) * bound)
		}
		return values
	}
	return &Head{
		Weight: tensors.FromFlatDataAndDimensions(uniform(hiddenSize*outDim), hiddenSize, outDim),
		Bias:   tensors.FromFlatDataAndDimensions(uniform(outDim), outDim),
	}
}

// IsHeadFile reports whether checkpoint names a single .safetensors file, as opposed to a directory
// or Hub repository.
func IsHeadFile(checkpoint string) bool {
	return strings.HasSuffix(checkpoint, ".safetensors")
}

// LoadHead reads a head saved with Head.Save. The checkpoint is either a .safetensors file, or a
// local directory or Hub repository holding one, possibly sharded.
func LoadHead(checkpoint string) (*Head, error) {
	if !IsHeadFile(checkpoint) {
		return LoadHeadFromRepo(hub.New(checkpoint))
	}
	st, err := safetensors.NewFromFile(checkpoint)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading head checkpoint")
	}
	return headFromCheckpoint(st, checkpoint)
}

// LoadHeadFromRepo reads a head from the safetensors file(s) of a repository.
func LoadHeadFromRepo(repo *hub.Repo) (*Head, error) {
	st, err := safetensors.New(repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading head checkpoint")
	}
	return headFromCheckpoint(st, repo.String())
}

func headFromCheckpoint(st *safetensors.Model, source string) (*Head, error) {
	names := st.ListTensorNames()
	weightName, biasName, transposed := HeadWeightName, HeadBiasName, false
	if !slices.Contains(names, HeadWeightName) && slices.Contains(names, LinearWeightName) {
		weightName, biasName, transposed = LinearWeightName, LinearBiasName, true
	}
	for _, name := range names {
		if name != weightName && name != biasName {
			klog.Warningf("Ignoring tensor %q in head checkpoint %s", name, source)
		}
	}
	if !slices.Contains(names, weightName) || !slices.Contains(names, biasName) {
		return nil, errors.Errorf("head checkpoint %s needs tensors %q and %q", source, weightName, biasName)
	}

	h := &Head{}
	var err error
	if h.Weight, err = st.GetTensor(weightName); err != nil {
		return nil, err
	}
	if h.Bias, err = st.GetTensor(biasName); err != nil {
		return nil, err
	}
	if transposed {
		if h.Weight, err = transpose(h.Weight); err != nil {
			return nil, errors.WithMessagef(err, "%q in %s", weightName, source)
		}
	}
	if err := h.validate(); err != nil {
		return nil, errors.WithMessagef(err, "in %s", source)
	}
	return h, nil
}

// transpose a Float32 matrix.
func transpose(t *tensors.Tensor) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	if t.DType() != dtypes.Float32 || len(dims) != 2 {
		return nil, errors.Errorf("expected a Float32 matrix, got %s", t.Shape())
	}
	rows, cols := dims[0], dims[1]
	flat := tensors.MustCopyFlatData[float32](t)
	transposed := make([]float32, len(flat))
	for i := range rows {
		for j := range cols {
			transposed[j*rows+i] = flat[i*cols+j]
		}
	}
	return tensors.FromFlatDataAndDimensions(transposed, cols, rows), nil
}

func (h *Head) validate() error {
	if h.Weight.DType() != dtypes.Float32 || h.Bias.DType() != dtypes.Float32 {
		return errors.Errorf("head must be Float32, got weight %s and bias %s", h.Weight.DType(), h.Bias.DType())
	}
	wDims, bDims := h.Weight.Shape().Dimensions, h.Bias.Shape().Dimensions
	if len(wDims) != 2 || len(bDims) != 1 || wDims[1] != bDims[0] {
		return errors.Errorf("head weight shaped %v and bias shaped %v don't match", wDims, bDims)
	}
	return nil
}

// HiddenSize is the input dimension of the head.
func (h *Head) HiddenSize() int {
	return h.Weight.Shape().Dimensions[0]
}

// OutDim is the number of classes scored.
func (h *Head) OutDim() int {
	return h.Weight.Shape().Dimensions[1]
}

// Save writes the head to a safetensors file.
func (h *Head) Save(filePath string, metadata map[string]string) error {
	return safetensors.WriteFile(filePath, []safetensors.TensorAndName{
		{Name: HeadWeightName, Tensor: h.Weight},
		{Name: HeadBiasName, Tensor: h.Bias},
	}, metadata)
}

// score selects one hidden state per sample, at the given positions, and projects it through the
// head the given number of times.
//
// hidden is shaped [batchSize, seqLen, hiddenSize], and the result [batchSize, outDim].
func (h *Head) score(backend backends.Backend, hidden *tensors.Tensor, positions []int, projections int) (*tensors.Tensor, error) {
	dims := hidden.Shape().Dimensions
	batchSize, seqLen := dims[0], dims[1]
	if len(positions) != batchSize {
		return nil, errors.Errorf("%d positions for a batch of %d", len(positions), batchSize)
	}
	selector := make([]float32, batchSize*seqLen)
	for i, pos := range positions {
		if pos < 0 || pos >= seqLen {
			return nil, errors.Errorf("sample #%d: position %d outside the sequence of %d tokens", i, pos, seqLen)
		}
		selector[i*seqLen+pos] = 1
	}
	outDim := h.OutDim()
	graphFn := func(_ *mlctx.Context, inputs []*graph.Node) []*graph.Node {
		hidden, selector, weight, bias := inputs[0], inputs[1], inputs[2], inputs[3]
		x := graph.Einsum("bl,blh->bh", selector, hidden)
		bias = graph.BroadcastToDims(graph.Reshape(bias, 1, outDim), batchSize, outDim)
		for range projections {
			x = graph.Add(graph.Einsum("bh,ho->bo", x, weight), bias)
		}
		return []*graph.Node{x}
	}
	results, err := mlctx.ExecOnceN(backend, mlctx.New(), graphFn,
		hidden, tensors.FromFlatDataAndDimensions(selector, batchSize, seqLen), h.Weight, h.Bias)
	if err != nil {
		return nil, errors.Wrap(err, "scoring hidden states")
	}
	return results[0], nil
}
