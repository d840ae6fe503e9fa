package entitytyping

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/entitytyping/dataset"
	"github.com/gomlx/entitytyping/hub"
	"github.com/gomlx/entitytyping/models/safetensors"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFamily(t *testing.T) {
	for id, want := range map[string]Family{
		"bert-base-cased":          BERT,
		"dslim/bert-base-NER":      BERT,
		"roberta-base":             RoBERTa,
		"FacebookAI/roberta-large": RoBERTa,
		"gpt2":                     GPT2,
		"openai-community/gpt2":    GPT2,
		"distilgpt2":               GPT2,
	} {
		got, err := ResolveFamily(id, nil)
		require.NoError(t, err, id)
		assert.Equal(t, want, got, id)
	}

	_, err := ResolveFamily("t5-small", nil)
	assert.ErrorIs(t, err, ErrUnsupportedModel)

	// model_type takes precedence over the identifier.
	got, err := ResolveFamily("/models/my-bert", &BackboneConfig{ModelType: "roberta"})
	require.NoError(t, err)
	assert.Equal(t, RoBERTa, got)
	_, err = ResolveFamily("bert-base-cased", &BackboneConfig{ModelType: "t5"})
	assert.ErrorIs(t, err, ErrUnsupportedModel)

	assert.Equal(t, "RoBERTa", RoBERTa.String())
	assert.Equal(t, "Family(invalid)", Family(7).String())
}

func TestBackboneConfig(t *testing.T) {
	bert, err := ParseBackboneConfig([]byte(`{"model_type": "bert", "hidden_size": 768, "vocab_size": 28996, "hidden_dropout_prob": 0.1}`))
	require.NoError(t, err)
	assert.Equal(t, 768, bert.HiddenSize())
	p, found := bert.Dropout()
	assert.True(t, found)
	assert.Equal(t, 0.1, p)
	require.NoError(t, bert.SetDropout(BERT, 0.3))
	p, _ = bert.Dropout()
	assert.Equal(t, 0.3, p)

	gpt2, err := ParseBackboneConfig([]byte(`{"model_type": "gpt2", "n_embd": 768}`))
	require.NoError(t, err)
	assert.Equal(t, 768, gpt2.HiddenSize())
	_, found = gpt2.Dropout()
	assert.False(t, found)
	require.NoError(t, gpt2.SetDropout(GPT2, 0.2))
	require.NotNil(t, gpt2.ResidPDrop)
	assert.Equal(t, 0.2, *gpt2.ResidPDrop)
	assert.Nil(t, gpt2.HiddenDropoutProb)

	require.Error(t, gpt2.SetDropout(GPT2, 1))
	_, err = ParseBackboneConfig([]byte(`{`))
	require.Error(t, err)
}

func TestResizeTable(t *testing.T) {
	table := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	grown, err := resizeTable(table, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 2}, grown.Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 3, 4, 3, 4}, tensors.MustCopyFlatData[float32](grown))

	shrunk, err := resizeTable(table, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](shrunk))

	_, err = resizeTable(tensors.FromFlatDataAndDimensions([]int64{1, 2}, 1, 2), 3)
	require.Error(t, err)
}

func TestNewHead(t *testing.T) {
	head := NewHead(16, 4, dataset.NewRand(1))
	assert.Equal(t, 16, head.HiddenSize())
	assert.Equal(t, 4, head.OutDim())
	bound := float32(1 / math.Sqrt(16))
	for _, v := range tensors.MustCopyFlatData[float32](head.Weight) {
		assert.LessOrEqual(t, v, bound)
		assert.GreaterOrEqual(t, v, -bound)
	}
	require.NoError(t, head.validate())

	bad := &Head{Weight: head.Weight, Bias: tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2)}
	require.Error(t, bad.validate())
}

func TestLoadHeadErrors(t *testing.T) {
	dir := t.TempDir()
	weight := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	bias := tensors.FromFlatDataAndDimensions([]float32{5, 6}, 2)

	noBias := filepath.Join(dir, "no_bias.safetensors")
	require.NoError(t, safetensors.WriteFile(noBias, []safetensors.TensorAndName{{Name: HeadWeightName, Tensor: weight}}, nil))
	_, err := LoadHead(noBias)
	require.ErrorContains(t, err, HeadBiasName)

	extra := filepath.Join(dir, "extra.safetensors")
	require.NoError(t, safetensors.WriteFile(extra, []safetensors.TensorAndName{
		{Name: HeadWeightName, Tensor: weight},
		{Name: HeadBiasName, Tensor: bias},
		{Name: "optimizer.step", Tensor: tensors.FromFlatDataAndDimensions([]float32{7}, 1)},
	}, nil))
	head, err := LoadHead(extra)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6}, tensors.MustCopyFlatData[float32](head.Bias))

	_, err = LoadHead(filepath.Join(dir, "missing.safetensors"))
	require.Error(t, err)
}

func TestLoadHeadFromDirectory(t *testing.T) {
	weight := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	bias := tensors.FromFlatDataAndDimensions([]float32{7, 8}, 2)

	// A directory with a single file.
	single := t.TempDir()
	require.NoError(t, (&Head{Weight: weight, Bias: bias}).Save(filepath.Join(single, "model.safetensors"), nil))
	head, err := LoadHead(single)
	require.NoError(t, err)
	assert.Equal(t, 3, head.HiddenSize())
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float32](head.Weight))

	// Weight and bias in different shards.
	sharded := t.TempDir()
	require.NoError(t, safetensors.WriteFile(filepath.Join(sharded, "model-00001-of-00002.safetensors"),
		[]safetensors.TensorAndName{{Name: HeadWeightName, Tensor: weight}}, nil))
	require.NoError(t, safetensors.WriteFile(filepath.Join(sharded, "model-00002-of-00002.safetensors"),
		[]safetensors.TensorAndName{{Name: HeadBiasName, Tensor: bias}}, nil))
	index, err := json.Marshal(safetensors.ShardedModelIndex{WeightMap: map[string]string{
		HeadWeightName: "model-00001-of-00002.safetensors",
		HeadBiasName:   "model-00002-of-00002.safetensors",
	}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sharded, "model.safetensors.index.json"), index, 0o644))
	head, err = LoadHeadFromRepo(hub.New(sharded))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float32](head.Weight))
	assert.Equal(t, []float32{7, 8}, tensors.MustCopyFlatData[float32](head.Bias))

	// A PyTorch linear layer stores its weight as [outDim, hiddenSize].
	linear := t.TempDir()
	require.NoError(t, safetensors.WriteFile(filepath.Join(linear, "pytorch_model.safetensors"), []safetensors.TensorAndName{
		{Name: LinearWeightName, Tensor: tensors.FromFlatDataAndDimensions([]float32{1, 3, 5, 2, 4, 6}, 2, 3)},
		{Name: LinearBiasName, Tensor: bias},
	}, nil))
	head, err = LoadHead(linear)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, head.Weight.Shape().Dimensions)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, tensors.MustCopyFlatData[float32](head.Weight))

	_, err = LoadHead(t.TempDir())
	require.ErrorContains(t, err, "no .safetensors files")
}

func TestPositionIDs(t *testing.T) {
	enc := &Encoding{
		InputIDs:      [][]int{{5, 6, 7}, {5, 0, 0}},
		AttentionMask: [][]int{{1, 1, 1}, {1, 0, 0}},
	}
	assert.Equal(t, []int64{0, 1, 2, 0, 0, 0}, tensors.MustCopyFlatData[int64](enc.PositionIDsTensor()))
	assert.Equal(t, []int64{5, 6, 7, 5, 0, 0}, tensors.MustCopyFlatData[int64](enc.InputIDsTensor()))
	assert.Equal(t, []int64{0, 0, 0, 0, 0, 0}, tensors.MustCopyFlatData[int64](enc.TokenTypeIDsTensor()))
}
