package dataset

import "slices"

// Position of an entity span in a sample's words: Words[Start:End].
type Position struct {
	Start, End int
}

// Sample is one labeled entity: a sentence split in words, the entity span and its canonical tag.
type Sample struct {
	Words []string
	Tag   string
	Label int
	Pos   Position
}

// Highlight inserts the left marker before the entity span and the right marker after it,
// and shifts Pos so it still points to the (unchanged) span.
//
// It must be called at most once: a second call inserts the markers again.
func (s *Sample) Highlight(left, right string) {
	s.Words = slices.Insert(s.Words, s.Pos.Start, left)
	// After the first insertion the span ends at Pos.End+1.
	s.Words = slices.Insert(s.Words, s.Pos.End+1, right)
	s.Pos = Position{Start: s.Pos.Start + 1, End: s.Pos.End + 1}
}

// Valid returns whether the span end and the sentence length fit in maxLength.
func (s *Sample) Valid(maxLength int) bool {
	return s.Pos.End <= maxLength && len(s.Words) <= maxLength
}

// Span returns the words of the entity.
func (s *Sample) Span() []string {
	return s.Words[s.Pos.Start:s.Pos.End]
}
