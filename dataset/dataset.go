// Package dataset loads entity typing annotations into samples, and batches them.
//
// A split file ({split}.txt) has one entity per line:
//
//	start \t end \t space separated words \t raw tag
//
// where words[start:end] is the entity.
package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gomlx/entitytyping/internal/files"
	"github.com/gomlx/entitytyping/tagmap"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrSplitNotFound is returned (wrapped) when the split file doesn't exist.
	ErrSplitNotFound = errors.New("data split not found")

	// ErrInvalidSampleRate is returned (wrapped) for sample rates outside (0, 1].
	ErrInvalidSampleRate = errors.New("invalid sample rate")
)

// Options to create a Dataset.
type Options struct {
	// DataDir holds the split files.
	DataDir string

	// Split name, the file read is "{DataDir}/{Split}.txt".
	Split string

	// MaxLength of the sentences, in words. Longer samples, or with entities ending beyond it, are dropped.
	MaxLength int

	// LabelIDs maps canonical tags to label ids, see tagmap.LabelIDs.
	LabelIDs map[string]int

	// TagMapping maps raw tags to canonical tags, see tagmap.LoadMapping.
	TagMapping tagmap.Mapping

	// Highlight, if set, are the left and right markers inserted around each entity.
	Highlight *[2]string

	// SampleRate, if set, must be in (0, 1]: each tag is down-sampled to this fraction of its
	// samples (at least one). Nil and 1 keep all samples.
	SampleRate *float64

	// Rand used for down-sampling. If nil a generator seeded with 0 is used, so results are reproducible.
	Rand *rand.Rand
}

// Dataset of entity typing samples. It is immutable after New, and safe for concurrent reads.
type Dataset struct {
	samples []*Sample
	dropped int
}

// NewRand returns a deterministic generator for the given seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed))
}

// New loads the split described by opts.
//
// Samples that don't fit in opts.MaxLength are dropped (see Dropped). Highlighting is applied after
// loading, and down-sampling last.
func New(opts Options) (*Dataset, error) {
	if rate := opts.SampleRate; rate != nil && (math.IsNaN(*rate) || *rate <= 0 || *rate > 1) {
		return nil, errors.Wrapf(ErrInvalidSampleRate, "expected sample rate in (0, 1], got %g", *rate)
	}
	filePath := filepath.Join(opts.DataDir, opts.Split+".txt")
	if !files.Exists(filePath) {
		return nil, errors.Wrapf(ErrSplitNotFound, "data file %q does not exist", filePath)
	}

	ds := &Dataset{}
	err := files.ScanLines(filePath, func(lineNum int, line string) error {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		sample, err := parseLine(line, opts)
		if err != nil {
			return errors.WithMessagef(err, "%s:%d", filePath, lineNum)
		}
		if !sample.Valid(opts.MaxLength) {
			ds.dropped++
			return nil
		}
		if p := sample.Pos; p.Start < 0 || p.Start > p.End || p.End > len(sample.Words) {
			klog.Warningf("%s:%d: dropping entity span [%d, %d) out of range for %d words",
				filePath, lineNum, p.Start, p.End, len(sample.Words))
			ds.dropped++
			return nil
		}
		ds.samples = append(ds.samples, sample)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if opts.Highlight != nil {
		for _, sample := range ds.samples {
			sample.Highlight(opts.Highlight[0], opts.Highlight[1])
		}
	}
	if opts.SampleRate != nil && *opts.SampleRate < 1 {
		rng := opts.Rand
		if rng == nil {
			rng = NewRand(0)
		}
		ds.samples = downSample(ds.samples, *opts.SampleRate, rng)
	}
	klog.V(1).Infof("Loaded %s: %d samples, %d dropped (longer than %d words)",
		filePath, len(ds.samples), ds.dropped, opts.MaxLength)
	return ds, nil
}

func parseLine(line string, opts Options) (*Sample, error) {
	cols := strings.Split(strings.TrimSpace(line), "\t")
	if len(cols) != 4 {
		return nil, errors.Errorf("expected 4 tab-separated columns, got %d", len(cols))
	}
	start, err := strconv.Atoi(cols[0])
	if err != nil {
		return nil, errors.Wrapf(err, "invalid entity start %q", cols[0])
	}
	end, err := strconv.Atoi(cols[1])
	if err != nil {
		return nil, errors.Wrapf(err, "invalid entity end %q", cols[1])
	}
	tag, err := opts.TagMapping.Canonical(cols[3])
	if err != nil {
		return nil, err
	}
	label, found := opts.LabelIDs[tag]
	if !found {
		return nil, errors.Wrapf(tagmap.ErrUnknownTag, "canonical tag %q has no label id", tag)
	}
	return &Sample{
		Words: strings.Split(cols[2], " "),
		Tag:   tag,
		Label: label,
		Pos:   Position{Start: start, End: end},
	}, nil
}

// downSample reduces each tag group to max(1, round(n*rate)) samples drawn without replacement.
// Groups are concatenated in order of first appearance of their tag.
func downSample(samples []*Sample, rate float64, rng *rand.Rand) []*Sample {
	var order []string
	groups := make(map[string][]*Sample)
	for _, s := range samples {
		if _, found := groups[s.Tag]; !found {
			order = append(order, s.Tag)
		}
		groups[s.Tag] = append(groups[s.Tag], s)
	}
	result := make([]*Sample, 0, len(samples))
	for _, tag := range order {
		group := groups[tag]
		n := max(1, int(float64(len(group))*rate+0.5))
		for _, idx := range rng.Perm(len(group))[:n] {
			result = append(result, group[idx])
		}
	}
	return result
}

// Len returns the number of samples.
func (ds *Dataset) Len() int {
	return len(ds.samples)
}

// Get returns the i-th sample. It panics if i is out of range.
func (ds *Dataset) Get(i int) *Sample {
	return ds.samples[i]
}

// Dropped returns the number of lines dropped for not fitting the maximum length (see Sample.Valid),
// or for an entity span outside the sentence. The latter goes beyond Sample.Valid, which only bounds
// the span end by the maximum length: such spans would make Sample.Span and the encoders fail.
func (ds *Dataset) Dropped() int {
	return ds.dropped
}

// TagCounts returns the number of samples per canonical tag.
func (ds *Dataset) TagCounts() map[string]int {
	counts := make(map[string]int)
	for _, s := range ds.samples {
		counts[s.Tag]++
	}
	return counts
}

// String implements fmt.Stringer.
func (ds *Dataset) String() string {
	return fmt.Sprintf("Dataset{%d samples, %d tags, %d dropped}", len(ds.samples), len(ds.TagCounts()), ds.dropped)
}
