package dataset

import (
	"iter"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Batch of samples, as consumed by the model. All fields have one entry per sample, aligned by index.
type Batch struct {
	// Words of each sample, not padded: padding is done by the model after tokenization.
	Words [][]string

	Labels    []int
	EntityPos []Position
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Collate builds a Batch from the samples. It does no validation.
//
// The word slices are shared with the samples, and must not be modified.
func Collate(samples []*Sample) *Batch {
	b := &Batch{
		Words:     make([][]string, len(samples)),
		Labels:    make([]int, len(samples)),
		EntityPos: make([]Position, len(samples)),
	}
	for i, s := range samples {
		b.Words[i] = s.Words
		b.Labels[i] = s.Label
		b.EntityPos[i] = s.Pos
	}
	return b
}

// LabelsTensor returns the labels as an Int64 tensor shaped [batchSize].
func (b *Batch) LabelsTensor() *tensors.Tensor {
	flat := make([]int64, len(b.Labels))
	for i, label := range b.Labels {
		flat[i] = int64(label)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(flat))
}

// EntityPosTensor returns the entity positions as an Int64 tensor shaped [batchSize, 2].
func (b *Batch) EntityPosTensor() *tensors.Tensor {
	flat := make([]int64, 0, 2*len(b.EntityPos))
	for _, pos := range b.EntityPos {
		flat = append(flat, int64(pos.Start), int64(pos.End))
	}
	return tensors.FromFlatDataAndDimensions(flat, len(b.EntityPos), 2)
}

// Source of samples, usually a *Dataset.
type Source interface {
	Len() int
	Get(i int) *Sample
}

// Loader iterates over a Source in batches.
type Loader struct {
	source    Source
	batchSize int
	rng       *rand.Rand
	dropLast  bool
}

// LoaderOption configures a Loader.
type LoaderOption func(l *Loader)

// WithShuffle shuffles the samples at the start of every iteration over the batches.
func WithShuffle(rng *rand.Rand) LoaderOption {
	return func(l *Loader) {
		l.rng = rng
	}
}

// WithDropLast drops the last batch if it is smaller than the batch size.
func WithDropLast(dropLast bool) LoaderOption {
	return func(l *Loader) {
		l.dropLast = dropLast
	}
}

// NewLoader creates a Loader. By default samples are visited in order, and the last batch
// may be smaller than batchSize.
func NewLoader(source Source, batchSize int, options ...LoaderOption) (*Loader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	l := &Loader{source: source, batchSize: batchSize}
	for _, option := range options {
		option(l)
	}
	return l, nil
}

// NumBatches returns the number of batches yielded by Batches.
func (l *Loader) NumBatches() int {
	n := l.source.Len()
	if l.dropLast {
		return n / l.batchSize
	}
	return (n + l.batchSize - 1) / l.batchSize
}

// Batches iterates over one epoch of batches.
func (l *Loader) Batches() iter.Seq[*Batch] {
	return func(yield func(*Batch) bool) {
		n := l.source.Len()
		var order []int
		if l.rng != nil {
			order = l.rng.Perm(n)
		}
		numBatches := l.NumBatches()
		samples := make([]*Sample, 0, l.batchSize)
		for batchIdx := range numBatches {
			samples = samples[:0]
			for i := batchIdx * l.batchSize; i < min(n, (batchIdx+1)*l.batchSize); i++ {
				idx := i
				if order != nil {
					idx = order[i]
				}
				samples = append(samples, l.source.Get(idx))
			}
			if !yield(Collate(samples)) {
				return
			}
		}
	}
}
