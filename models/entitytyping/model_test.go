package entitytyping

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/entitytyping/dataset"
	"github.com/gomlx/entitytyping/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBertTokenizer = `{
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "special": true},
    {"id": 100, "content": "[UNK]", "special": true},
    {"id": 101, "content": "[CLS]", "special": true},
    {"id": 102, "content": "[SEP]", "special": true},
    {"id": 103, "content": "[MASK]", "special": true}
  ],
  "normalizer": {"type": "BertNormalizer", "lowercase": true},
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "decoder": {"type": "WordPiece", "prefix": "##"},
  "model": {
    "type": "WordPiece",
    "unk_token": "[UNK]",
    "continuing_subword_prefix": "##",
    "vocab": {
      "[PAD]": 0, "hello": 1, "world": 2, "test": 3, "##ing": 4, "##ed": 5,
      "[UNK]": 100, "[CLS]": 101, "[SEP]": 102, "[MASK]": 103,
      "the": 104, "a": 105, "is": 106, "this": 107
    }
  }
}`

const testGPT2Tokenizer = `{
  "added_tokens": [{"id": 0, "content": "<|endoftext|>", "special": true}],
  "pre_tokenizer": {"type": "ByteLevel", "add_prefix_space": false},
  "decoder": {"type": "ByteLevel"},
  "model": {
    "type": "BPE",
    "vocab": {"hello": 2, "world": 3, "Ġhello": 10, "Ġworld": 11},
    "merges": []
  }
}`

func writeRepo(t *testing.T, config, tokenizer string) *hub.Repo {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(config), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(tokenizer), 0o644))
	return hub.New(dir)
}

// fakeBackbone returns hidden states [token id, position] for every token.
type fakeBackbone struct {
	resized []int
	closed  bool
	lastEnc *Encoding
}

func (f *fakeBackbone) Forward(_ context.Context, enc *Encoding) (*tensors.Tensor, error) {
	f.lastEnc = enc
	batchSize, seqLen := enc.BatchSize(), enc.SeqLen()
	flat := make([]float32, 0, batchSize*seqLen*2)
	for i := range batchSize {
		for j := range seqLen {
			flat = append(flat, float32(enc.InputIDs[i][j]), float32(j))
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, seqLen, 2), nil
}

func (f *fakeBackbone) HiddenSize() int { return 2 }

func (f *fakeBackbone) ResizeTokenEmbeddings(vocabSize int) error {
	f.resized = append(f.resized, vocabSize)
	return nil
}

func (f *fakeBackbone) Close() error {
	f.closed = true
	return nil
}

// writeHead saves a 2x2 head and returns its path.
func writeHead(t *testing.T, weight, bias []float32) string {
	t.Helper()
	head := &Head{
		Weight: tensors.FromFlatDataAndDimensions(weight, 2, 2),
		Bias:   tensors.FromFlatDataAndDimensions(bias, 2),
	}
	filePath := filepath.Join(t.TempDir(), "head.safetensors")
	require.NoError(t, head.Save(filePath, nil))
	return filePath
}

func newTestModel(t *testing.T, opts Options) (*Model, *fakeBackbone) {
	t.Helper()
	backbone := &fakeBackbone{}
	if opts.Repo == nil {
		opts.Repo = writeRepo(t, `{"model_type": "bert", "hidden_size": 2, "vocab_size": 108}`, testBertTokenizer)
	}
	opts.Backbone = backbone
	if opts.OutDim == 0 {
		opts.OutDim = 2
	}
	m, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, backbone
}

func scores(t *testing.T, output *tensors.Tensor) [][]float32 {
	t.Helper()
	require.Len(t, output.Shape().Dimensions, 2)
	return output.Value().([][]float32)
}

func TestForwardBoundaryToken(t *testing.T) {
	identity := writeHead(t, []float32{1, 0, 0, 1}, []float32{0, 0})
	m, backbone := newTestModel(t, Options{
		MaxLength:      4,
		Highlight:      &[2]string{"<e>", "</e>"},
		Projection:     ProjectOnce,
		Boundary:       WordBoundary,
		HeadCheckpoint: identity,
	})
	assert.Equal(t, BERT, m.Family())
	assert.Equal(t, []int{110}, backbone.resized, "108 + 2 highlight tokens")
	id, found := m.Tokenizer().TokenToID("</e>")
	require.True(t, found)
	assert.Equal(t, 109, id)

	samples := []*dataset.Sample{
		{Words: []string{"this", "hello", "is", "testing"}, Pos: dataset.Position{Start: 1, End: 2}},
		{Words: []string{"a", "world"}, Pos: dataset.Position{Start: 1, End: 2}},
		{Words: []string{"the"}, Pos: dataset.Position{Start: 0, End: 1}},
	}
	for _, s := range samples {
		s.Highlight("<e>", "</e>")
	}
	batch := dataset.Collate(samples)
	output, err := m.Forward(context.Background(), batch, false)
	require.NoError(t, err)

	enc := backbone.lastEnc
	assert.Equal(t, []int{101, 107, 108, 1, 109, 106, 3, 4, 102}, enc.InputIDs[0])
	assert.Equal(t, []int{101, 105, 108, 2, 109, 102, 0, 0, 0}, enc.InputIDs[1])
	assert.Equal(t, []int{1, 1, 1, 1, 1, 1, 0, 0, 0}, enc.AttentionMask[1])
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 8}, enc.WordStarts[0])

	// The boundary token is the left marker (108), at its position in each sequence.
	got := scores(t, output)
	want := [][]float32{{108, 2}, {108, 2}, {108, 1}}
	for i := range want {
		assert.InDeltaSlice(t, want[i], got[i], 1e-4, "sample #%d", i)
	}

	// The batch is not modified.
	assert.Equal(t, []string{"a", "<e>", "world", "</e>"}, batch.Words[1])
}

func TestForwardTokenIndexBoundary(t *testing.T) {
	identity := writeHead(t, []float32{1, 0, 0, 1}, []float32{0, 0})
	sample := func(start int) *dataset.Batch {
		return dataset.Collate([]*dataset.Sample{
			{Words: []string{"this", "hello", "is", "world"}, Pos: dataset.Position{Start: start, End: start + 1}},
		})
	}
	ctx := context.Background()

	m, backbone := newTestModel(t, Options{MaxLength: 4, Projection: ProjectOnce, HeadCheckpoint: identity})
	output, err := m.Forward(ctx, sample(2), false)
	require.NoError(t, err)
	assert.Equal(t, []int{101, 107, 1, 106, 2, 102}, backbone.lastEnc.InputIDs[0])
	// Token index 2-1=1 is "this" (107), not "hello", the word before the entity.
	assert.InDeltaSlice(t, []float32{107, 1}, scores(t, output)[0], 1e-4)

	// Word 0 wraps around to the last position.
	output, err = m.Forward(ctx, sample(0), false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{102, 5}, scores(t, output)[0], 1e-4)

	// Past the end of the encoded sequence.
	batch := sample(2)
	batch.EntityPos[0].Start = 7
	_, err = m.Forward(ctx, batch, false)
	require.ErrorContains(t, err, "outside the 6 encoded tokens")

	words, _ := newTestModel(t, Options{MaxLength: 4, Projection: ProjectOnce, Boundary: WordBoundary, HeadCheckpoint: identity})
	output, err = words.Forward(ctx, sample(2), false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 2}, scores(t, output)[0], 1e-4, "\"hello\" right before the entity")
	_, err = words.Forward(ctx, sample(0), false)
	require.ErrorContains(t, err, "no token precedes")

	_, err = New(ctx, Options{
		Repo:      writeRepo(t, `{"model_type": "bert", "hidden_size": 2}`, testBertTokenizer),
		OutDim:    2,
		MaxLength: 4,
		Boundary:  Boundary(5),
		Backbone:  &fakeBackbone{},
	})
	require.ErrorContains(t, err, "unknown boundary")
}

func TestForwardProjectTwice(t *testing.T) {
	// Swaps the two dimensions and adds 1 to the first: [a, b] -> [b+1, a] -> [a+1, b+1].
	swap := writeHead(t, []float32{0, 1, 1, 0}, []float32{1, 0})
	m, _ := newTestModel(t, Options{MaxLength: 4, HeadCheckpoint: swap})

	batch := dataset.Collate([]*dataset.Sample{
		{Words: []string{"hello", "world"}, Pos: dataset.Position{Start: 1, End: 2}},
	})
	output, err := m.Forward(context.Background(), batch, false)
	require.NoError(t, err)
	// Boundary token is "[CLS]" (101) at position 0.
	assert.InDeltaSlice(t, []float32{102, 1}, scores(t, output)[0], 1e-4)

	_, err = New(context.Background(), Options{
		Repo:      writeRepo(t, `{"model_type": "bert", "hidden_size": 2}`, testBertTokenizer),
		OutDim:    3,
		MaxLength: 4,
		Backbone:  &fakeBackbone{},
	})
	require.Error(t, err, "projecting twice needs hidden size == OutDim")
}

func TestForwardSummaryTokenWithSeparator(t *testing.T) {
	identity := writeHead(t, []float32{1, 0, 0, 1}, []float32{0, 0})
	m, backbone := newTestModel(t, Options{MaxLength: 2, UseSummaryToken: true, HeadCheckpoint: identity})

	batch := dataset.Collate([]*dataset.Sample{
		{Words: []string{"hello", "world", "test"}, Pos: dataset.Position{Start: 1, End: 3}},
		{Words: []string{"a"}, Pos: dataset.Position{Start: 0, End: 1}},
	})
	output, err := m.Forward(context.Background(), batch, true)
	require.NoError(t, err)

	enc := backbone.lastEnc
	assert.Equal(t, []int{101, 1, 2, 102, 2, 3, 102}, enc.InputIDs[0], "sentence truncated to 2 words, then the entity")
	assert.Equal(t, []int{101, 105, 102, 105, 102, 0, 0}, enc.InputIDs[1])
	got := scores(t, output)
	assert.InDeltaSlice(t, []float32{101, 0}, got[0], 1e-4)
	assert.InDeltaSlice(t, []float32{101, 0}, got[1], 1e-4)
}

func TestGPT2Framing(t *testing.T) {
	identity := writeHead(t, []float32{1, 0, 0, 1}, []float32{0, 0})
	m, backbone := newTestModel(t, Options{
		Repo:           writeRepo(t, `{"model_type": "gpt2", "n_embd": 2, "vocab_size": 12}`, testGPT2Tokenizer),
		MaxLength:      3,
		Projection:     ProjectOnce,
		HeadCheckpoint: identity,
	})
	assert.Equal(t, GPT2, m.Family())
	assert.False(t, m.Family().IsEncoder())

	batch := dataset.Collate([]*dataset.Sample{
		{Words: []string{"hello", "world"}, Pos: dataset.Position{Start: 1, End: 2}},
	})
	output, err := m.Forward(context.Background(), batch, false)
	require.NoError(t, err)
	// No framing, words get a prefix space, padded with <|endoftext|>.
	assert.Equal(t, []int{10, 11, 0}, backbone.lastEnc.InputIDs[0])
	assert.InDeltaSlice(t, []float32{10, 0}, scores(t, output)[0], 1e-4)

	// An entity at the very start reads the last position, here padding.
	batch = dataset.Collate([]*dataset.Sample{
		{Words: []string{"hello", "world"}, Pos: dataset.Position{Start: 0, End: 1}},
	})
	output, err = m.Forward(context.Background(), batch, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 2}, scores(t, output)[0], 1e-4)

	ids, err := m.TagInputIDs([]string{"hello/world", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]int{"hello/world": {2, 3}, "unknown": {0}}, ids)
}

func TestDropoutIsRecordedOnly(t *testing.T) {
	identity := writeHead(t, []float32{1, 0, 0, 1}, []float32{0, 0})
	batch := dataset.Collate([]*dataset.Sample{
		{Words: []string{"hello", "world"}, Pos: dataset.Position{Start: 1, End: 2}},
	})
	dropout := 0.9
	withDropout, _ := newTestModel(t, Options{MaxLength: 4, Projection: ProjectOnce, HeadCheckpoint: identity, Dropout: &dropout})
	p, found := withDropout.Config().Dropout()
	require.True(t, found)
	assert.Equal(t, 0.9, p)
	without, _ := newTestModel(t, Options{MaxLength: 4, Projection: ProjectOnce, HeadCheckpoint: identity})

	got, err := withDropout.Forward(context.Background(), batch, false)
	require.NoError(t, err)
	want, err := without.Forward(context.Background(), batch, false)
	require.NoError(t, err)
	assert.Equal(t, scores(t, want), scores(t, got), "inference is deterministic")
}

func TestNewErrors(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Options{
		Repo:      writeRepo(t, `{"model_type": "t5"}`, testBertTokenizer),
		OutDim:    2,
		MaxLength: 4,
		Backbone:  &fakeBackbone{},
	})
	assert.ErrorIs(t, err, ErrUnsupportedModel)

	_, err = New(ctx, Options{ModelID: "bert-base-cased", MaxLength: 4})
	require.Error(t, err, "OutDim is required")

	mismatched := filepath.Join(t.TempDir(), "head.safetensors")
	require.NoError(t, NewHead(3, 2, dataset.NewRand(0)).Save(mismatched, nil))
	backbone := &fakeBackbone{}
	_, err = New(ctx, Options{
		Repo:           writeRepo(t, `{"model_type": "bert", "hidden_size": 2}`, testBertTokenizer),
		OutDim:         2,
		MaxLength:      4,
		Backbone:       backbone,
		HeadCheckpoint: mismatched,
	})
	require.Error(t, err)
	assert.True(t, backbone.closed, "backbone released on error")
}

func TestSaveHead(t *testing.T) {
	m, _ := newTestModel(t, Options{MaxLength: 4, Seed: 7})
	filePath := filepath.Join(t.TempDir(), "head.safetensors")
	require.NoError(t, m.SaveHead(filePath))

	loaded, err := LoadHead(filePath)
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](m.Head().Weight), tensors.MustCopyFlatData[float32](loaded.Weight))
	assert.Equal(t, tensors.MustCopyFlatData[float32](m.Head().Bias), tensors.MustCopyFlatData[float32](loaded.Bias))

	// Same seed, same initialization.
	again, _ := newTestModel(t, Options{MaxLength: 4, Seed: 7})
	assert.Equal(t, tensors.MustCopyFlatData[float32](m.Head().Weight), tensors.MustCopyFlatData[float32](again.Head().Weight))

	other := NewHead(2, 2, dataset.NewRand(8))
	require.NoError(t, again.SetHead(other))
	assert.Same(t, other, again.Head())
	require.Error(t, again.SetHead(NewHead(2, 3, dataset.NewRand(8))))

	given, _ := newTestModel(t, Options{MaxLength: 4, Head: other, HeadCheckpoint: filePath})
	assert.Same(t, other, given.Head(), "Head takes precedence over HeadCheckpoint")
}
