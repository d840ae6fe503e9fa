package entitytyping

import (
	"github.com/gomlx/entitytyping/dataset"
	"github.com/gomlx/entitytyping/tokenizers/api"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Encoding is a tokenized batch, right-padded to a common sequence length.
type Encoding struct {
	// InputIDs and AttentionMask are shaped [batchSize][seqLen].
	InputIDs      [][]int
	AttentionMask [][]int

	// WordStarts[i][w] is the position of the first token of word w of sample i.
	// It has one extra entry, the position after the last word of the sentence.
	WordStarts [][]int
}

// BatchSize of the encoding.
func (e *Encoding) BatchSize() int {
	return len(e.InputIDs)
}

// SeqLen is the padded sequence length.
func (e *Encoding) SeqLen() int {
	if len(e.InputIDs) == 0 {
		return 0
	}
	return len(e.InputIDs[0])
}

func (e *Encoding) int64Tensor(fn func(i, j int) int64) *tensors.Tensor {
	batchSize, seqLen := e.BatchSize(), e.SeqLen()
	flat := make([]int64, batchSize*seqLen)
	for i := range batchSize {
		for j := range seqLen {
			flat[i*seqLen+j] = fn(i, j)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, seqLen)
}

// InputIDsTensor returns the token ids as an Int64 tensor shaped [batchSize, seqLen].
func (e *Encoding) InputIDsTensor() *tensors.Tensor {
	return e.int64Tensor(func(i, j int) int64 { return int64(e.InputIDs[i][j]) })
}

// AttentionMaskTensor returns the attention mask as an Int64 tensor shaped [batchSize, seqLen].
func (e *Encoding) AttentionMaskTensor() *tensors.Tensor {
	return e.int64Tensor(func(i, j int) int64 { return int64(e.AttentionMask[i][j]) })
}

// TokenTypeIDsTensor returns zeros shaped [batchSize, seqLen]: all tokens belong to the first segment.
func (e *Encoding) TokenTypeIDsTensor() *tensors.Tensor {
	return e.int64Tensor(func(i, j int) int64 { return 0 })
}

// PositionIDsTensor returns the position of each token, counting only attended tokens.
// Padding positions are set to 0.
func (e *Encoding) PositionIDsTensor() *tensors.Tensor {
	positions := make([][]int64, e.BatchSize())
	for i, mask := range e.AttentionMask {
		positions[i] = make([]int64, len(mask))
		var pos int64
		for j, m := range mask {
			if m != 0 {
				positions[i][j] = pos
				pos++
			}
		}
	}
	return e.int64Tensor(func(i, j int) int64 { return positions[i][j] })
}

// encoder turns batches of words into Encodings, following a family's framing.
type encoder struct {
	tok             api.WordTokenizer
	start, end, sep int // start and end are -1 if the family doesn't frame sequences.
	pad             int
	maxLength       int
}

func newEncoder(family Family, tok api.WordTokenizer, maxLength int) (*encoder, error) {
	start, end, sep, pad, err := family.framing(tok)
	if err != nil {
		return nil, errors.WithMessagef(err, "tokenizer of %s model", family)
	}
	return &encoder{tok: tok, start: start, end: end, sep: sep, pad: pad, maxLength: maxLength}, nil
}

// encode tokenizes the batch word by word.
//
// With useSep each sample is words[:maxLength] + separator + words[start:end], and the batch is
// padded to the longest sequence. Otherwise the words are encoded as is, and padded to
// maxLength tokens (or to the longest sequence, if longer).
//
// The batch is not modified.
func (e *encoder) encode(batch *dataset.Batch, useSep bool) (*Encoding, error) {
	batchSize := batch.Size()
	enc := &Encoding{
		InputIDs:      make([][]int, batchSize),
		AttentionMask: make([][]int, batchSize),
		WordStarts:    make([][]int, batchSize),
	}
	seqLen := 0
	if !useSep {
		seqLen = e.maxLength
	}
	for i, words := range batch.Words {
		if useSep && len(words) > e.maxLength {
			words = words[:e.maxLength]
		}
		var ids []int
		if e.start >= 0 {
			ids = append(ids, e.start)
		}
		starts := make([]int, 0, len(words)+1)
		for _, word := range words {
			starts = append(starts, len(ids))
			ids = append(ids, e.tok.EncodeWord(word)...)
		}
		starts = append(starts, len(ids))
		if useSep {
			ids = append(ids, e.sep)
			pos := batch.EntityPos[i]
			if pos.Start < 0 || pos.Start > pos.End || pos.End > len(batch.Words[i]) {
				return nil, errors.Errorf("sample #%d: entity span [%d, %d) outside its %d words",
					i, pos.Start, pos.End, len(batch.Words[i]))
			}
			for _, word := range batch.Words[i][pos.Start:pos.End] {
				ids = append(ids, e.tok.EncodeWord(word)...)
			}
		}
		if e.end >= 0 {
			ids = append(ids, e.end)
		}
		enc.InputIDs[i] = ids
		enc.WordStarts[i] = starts
		seqLen = max(seqLen, len(ids))
	}
	for i, ids := range enc.InputIDs {
		mask := make([]int, seqLen)
		for j := range ids {
			mask[j] = 1
		}
		for len(ids) < seqLen {
			ids = append(ids, e.pad)
		}
		enc.InputIDs[i] = ids
		enc.AttentionMask[i] = mask
	}
	return enc, nil
}

// boundaryPositions returns, for each sample, the position of the boundary token.
//
// With TokenBoundary it is EntityPos.Start-1 taken as a token index into the encoded sequence,
// framing tokens included. An entity starting at word 0 wraps around to the last position of the
// padded sequence.
//
// With WordBoundary it is the token right before the first token of the entity's first word.
// With highlighting that is the left marker.
func boundaryPositions(enc *Encoding, batch *dataset.Batch, boundary Boundary) ([]int, error) {
	positions := make([]int, batch.Size())
	seqLen := enc.SeqLen()
	for i, pos := range batch.EntityPos {
		if pos.Start < 0 {
			return nil, errors.Errorf("sample #%d: negative entity start %d", i, pos.Start)
		}
		switch boundary {
		case TokenBoundary:
			positions[i] = pos.Start - 1
			if positions[i] < 0 {
				positions[i] += seqLen
			}
			if positions[i] >= seqLen {
				return nil, errors.Errorf("sample #%d: entity start %d outside the %d encoded tokens", i, pos.Start, seqLen)
			}
		case WordBoundary:
			starts := enc.WordStarts[i]
			if pos.Start >= len(starts) {
				return nil, errors.Errorf("sample #%d: entity start %d outside the %d encoded words", i, pos.Start, len(starts)-1)
			}
			positions[i] = starts[pos.Start] - 1
			if positions[i] < 0 {
				return nil, errors.Errorf("sample #%d: no token precedes the entity starting at word %d", i, pos.Start)
			}
		default:
			return nil, errors.Errorf("unknown boundary %d", boundary)
		}
	}
	return positions, nil
}
