package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/entitytyping/tagmap"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testMapping = tagmap.Mapping{"PERSON": "PER", "ORG": "ORG", "GPE": "LOC", "LOC": "LOC"}
	testLabels  = map[string]int{"PER": 0, "ORG": 1, "LOC": 2}
)

func writeSplit(t *testing.T, split string, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	content := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, split+".txt"), []byte(content), 0o644))
	return dir
}

func testOptions(dir string) Options {
	return Options{
		DataDir:    dir,
		Split:      "train",
		MaxLength:  10,
		LabelIDs:   testLabels,
		TagMapping: testMapping,
	}
}

func TestExampleLine(t *testing.T) {
	dir := writeSplit(t, "train", "2\t4\tThe quick brown fox jumps\tPERSON")
	ds, err := New(testOptions(dir))
	require.NoError(t, err)
	require.Equal(t, 1, ds.Len())

	s := ds.Get(0)
	assert.Equal(t, &Sample{
		Words: []string{"The", "quick", "brown", "fox", "jumps"},
		Tag:   "PER",
		Label: 0,
		Pos:   Position{Start: 2, End: 4},
	}, s)

	s.Highlight("[E]", "[/E]")
	assert.Equal(t, []string{"The", "quick", "[E]", "brown", "fox", "[/E]", "jumps"}, s.Words)
	assert.Equal(t, Position{Start: 3, End: 5}, s.Pos)
}

func TestHighlightOption(t *testing.T) {
	dir := writeSplit(t, "dev", "2\t4\tThe quick brown fox jumps\tPERSON", "0\t1\tParis\tGPE")
	opts := testOptions(dir)
	opts.Split = "dev"
	opts.Highlight = &[2]string{"<e>", "</e>"}
	ds, err := New(opts)
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, []string{"The", "quick", "<e>", "brown", "fox", "</e>", "jumps"}, ds.Get(0).Words)
	assert.Equal(t, []string{"<e>", "Paris", "</e>"}, ds.Get(1).Words)
	assert.Equal(t, []string{"Paris"}, ds.Get(1).Span())
	assert.Equal(t, "LOC", ds.Get(1).Tag)
	assert.Equal(t, 2, ds.Get(1).Label)
}

func TestHighlightPreservesSpan(t *testing.T) {
	for _, pos := range []Position{{0, 1}, {0, 5}, {1, 3}, {4, 5}, {2, 2}} {
		s := &Sample{Words: []string{"a", "b", "c", "d", "e"}, Pos: pos}
		before := append([]string(nil), s.Span()...)
		s.Highlight("L", "R")
		assert.Equal(t, Position{pos.Start + 1, pos.End + 1}, s.Pos, "pos %v", pos)
		assert.Len(t, s.Words, 7)
		assert.Equal(t, before, s.Span(), "pos %v", pos)
		assert.Equal(t, "L", s.Words[s.Pos.Start-1])
		assert.Equal(t, "R", s.Words[s.Pos.End])
	}
}

func TestValid(t *testing.T) {
	s := &Sample{Words: []string{"a", "b", "c"}, Pos: Position{1, 3}}
	assert.True(t, s.Valid(3))
	assert.False(t, s.Valid(2))
	s.Pos = Position{0, 1}
	assert.False(t, s.Valid(2), "sentence longer than the maximum")
}

func TestDropped(t *testing.T) {
	dir := writeSplit(t, "train",
		"0\t1\ta b c\tPERSON",
		"0\t4\ta b c d\tORG",       // Fits exactly.
		"0\t1\ta b c d e f\tORG",   // Too many words.
		"3\t5\ta b c d e\tGPE",     // Span ends beyond the maximum.
		"",                         // Blank lines are skipped.
		"2\t4\ta b c\tLOC",         // Valid for the maximum, but the span is outside the sentence.
		"1\t2\tx y\tLOC",
	)
	opts := testOptions(dir)
	opts.MaxLength = 4
	ds, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.Len())
	assert.Equal(t, 3, ds.Dropped())
	assert.Equal(t, map[string]int{"PER": 1, "ORG": 1, "LOC": 1}, ds.TagCounts())
	assert.Equal(t, "Dataset{3 samples, 3 tags, 3 dropped}", ds.String())
}

func TestNewErrors(t *testing.T) {
	_, err := New(testOptions(t.TempDir()))
	assert.ErrorIs(t, err, ErrSplitNotFound)

	for name, line := range map[string]string{
		"columns":       "0\t1\tParis",
		"start":         "x\t1\tParis\tGPE",
		"end":           "0\ty\tParis\tGPE",
		"raw tag":       "0\t1\tParis\tDATE",
		"canonical tag": "0\t1\tParis\tMISC",
	} {
		t.Run(name, func(t *testing.T) {
			dir := writeSplit(t, "train", "0\t1\tBerlin\tGPE", line)
			opts := testOptions(dir)
			opts.TagMapping = tagmap.Mapping{"GPE": "LOC", "MISC": "MISC"}
			_, err := New(opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "train.txt:2")
			if strings.Contains(name, "tag") {
				assert.ErrorIs(t, err, tagmap.ErrUnknownTag)
			}
		})
	}
}

func TestGetOutOfRange(t *testing.T) {
	dir := writeSplit(t, "train", "0\t1\tParis\tGPE")
	ds, err := New(testOptions(dir))
	require.NoError(t, err)
	assert.Panics(t, func() { ds.Get(1) })
}

func sampleLines() []string {
	var lines []string
	for i := range 10 {
		lines = append(lines, fmt.Sprintf("0\t1\tperson%d\tPERSON", i))
	}
	for i := range 3 {
		lines = append(lines, fmt.Sprintf("0\t1\torg%d\tORG", i))
	}
	return append(lines, "0\t1\tParis\tGPE")
}

func TestDownSample(t *testing.T) {
	dir := writeSplit(t, "train", sampleLines()...)
	full, err := New(testOptions(dir))
	require.NoError(t, err)
	require.Equal(t, 14, full.Len())

	opts := testOptions(dir)
	rate := 0.25
	opts.SampleRate = &rate
	opts.Rand = NewRand(42)
	ds, err := New(opts)
	require.NoError(t, err)
	// max(1, round(n * 0.25)) per tag: 10 -> 3, 3 -> 1, 1 -> 1.
	assert.Equal(t, map[string]int{"PER": 3, "ORG": 1, "LOC": 1}, ds.TagCounts())

	seen := make(map[string]bool)
	for i := range ds.Len() {
		word := ds.Get(i).Words[0]
		assert.False(t, seen[word], "duplicate sample %q", word)
		seen[word] = true
	}
	// Tags are grouped in order of first appearance.
	assert.Equal(t, "PER", ds.Get(0).Tag)
	assert.Equal(t, "ORG", ds.Get(3).Tag)
	assert.Equal(t, "LOC", ds.Get(4).Tag)

	// Same seed, same samples.
	opts.Rand = NewRand(42)
	again, err := New(opts)
	require.NoError(t, err)
	for i := range ds.Len() {
		assert.Equal(t, ds.Get(i).Words, again.Get(i).Words)
	}
}

func TestSampleRateBounds(t *testing.T) {
	dir := writeSplit(t, "train", sampleLines()...)
	one := 1.0
	for _, rate := range []*float64{nil, &one} {
		opts := testOptions(dir)
		opts.SampleRate = rate
		ds, err := New(opts)
		require.NoError(t, err)
		assert.Equal(t, 14, ds.Len(), "nil and 1 keep everything")
	}
	for _, rate := range []float64{0, -0.5, 1.5} {
		opts := testOptions(dir)
		opts.SampleRate = &rate
		_, err := New(opts)
		assert.ErrorIs(t, err, ErrInvalidSampleRate, "rate %g", rate)
	}
}

func TestCollate(t *testing.T) {
	samples := []*Sample{
		{Words: []string{"a", "b"}, Label: 2, Pos: Position{0, 1}},
		{Words: []string{"c", "d", "e"}, Label: 0, Pos: Position{1, 3}},
		{Words: []string{"f"}, Label: 1, Pos: Position{0, 1}},
	}
	b := Collate(samples)
	require.Equal(t, 3, b.Size())
	require.Len(t, b.Words, 3)
	require.Len(t, b.EntityPos, 3)
	for i, s := range samples {
		assert.Equal(t, s.Words, b.Words[i])
		assert.Equal(t, s.Label, b.Labels[i])
		assert.Equal(t, s.Pos, b.EntityPos[i])
	}

	labels := b.LabelsTensor()
	assert.Equal(t, []int{3}, labels.Shape().Dimensions)
	assert.Equal(t, []int64{2, 0, 1}, tensors.MustCopyFlatData[int64](labels))
	pos := b.EntityPosTensor()
	assert.Equal(t, []int{3, 2}, pos.Shape().Dimensions)
	assert.Equal(t, []int64{0, 1, 1, 3, 0, 1}, tensors.MustCopyFlatData[int64](pos))

	assert.Equal(t, 0, Collate(nil).Size())
}

func TestLoader(t *testing.T) {
	dir := writeSplit(t, "train", sampleLines()...)
	ds, err := New(testOptions(dir))
	require.NoError(t, err)

	_, err = NewLoader(ds, 0)
	require.Error(t, err)

	loader, err := NewLoader(ds, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, loader.NumBatches())
	var sizes []int
	var first []string
	for batch := range loader.Batches() {
		sizes = append(sizes, batch.Size())
		first = append(first, batch.Words[0][0])
	}
	assert.Equal(t, []int{4, 4, 4, 2}, sizes)
	assert.Equal(t, []string{"person0", "person4", "person8", "org2"}, first)

	loader, err = NewLoader(ds, 4, WithShuffle(NewRand(1)), WithDropLast(true))
	require.NoError(t, err)
	assert.Equal(t, 3, loader.NumBatches())
	seen := make(map[string]bool)
	var count int
	for batch := range loader.Batches() {
		assert.Equal(t, 4, batch.Size())
		for _, words := range batch.Words {
			assert.False(t, seen[words[0]])
			seen[words[0]] = true
			count++
		}
	}
	assert.Equal(t, 12, count)

	// Stopping early is fine.
	for range loader.Batches() {
		break
	}
}
