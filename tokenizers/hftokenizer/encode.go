package hftokenizer

import (
	"strings"
	"unicode/utf8"

	"github.com/gomlx/entitytyping/tokenizers/api"
)

// segment of text: either plain text to tokenize, or an added token (id >= 0).
type segment struct {
	text string
	id   int
}

// Encode converts text to a sequence of token IDs. No special tokens are added.
func (t *Tokenizer) Encode(text string) []int {
	var ids []int
	for _, seg := range t.splitOnAddedTokens(text) {
		if seg.id >= 0 {
			ids = append(ids, seg.id)
			continue
		}
		ids = t.appendText(ids, seg.text, false)
	}
	return ids
}

// EncodeWord encodes one word of a pre-split sentence.
//
// For byte-level BPE models the word is prefixed with a space, as HuggingFace does for
// inputs given as lists of words.
func (t *Tokenizer) EncodeWord(word string) []int {
	if id, found := t.addedTokens[word]; found {
		return []int{id}
	}
	var ids []int
	for i, seg := range t.splitOnAddedTokens(word) {
		if seg.id >= 0 {
			ids = append(ids, seg.id)
			continue
		}
		ids = t.appendText(ids, seg.text, i == 0)
	}
	return ids
}

func (t *Tokenizer) appendText(ids []int, text string, prefixSpace bool) []int {
	normalized := t.normalize(text)
	for _, word := range t.preTokenize(normalized, prefixSpace) {
		ids = append(ids, t.tokenizeWord(word)...)
	}
	return ids
}

// splitOnAddedTokens isolates occurrences of added tokens, longest match first.
func (t *Tokenizer) splitOnAddedTokens(text string) []segment {
	if len(t.addedByLength) == 0 {
		return []segment{{text: text, id: -1}}
	}
	var segments []segment
	last := 0
	for i := 0; i < len(text); {
		var matched string
		for _, content := range t.addedByLength {
			if strings.HasPrefix(text[i:], content) {
				matched = content
				break
			}
		}
		if matched == "" {
			_, size := utf8.DecodeRuneInString(text[i:])
			i += size
			continue
		}
		if i > last {
			segments = append(segments, segment{text: text[last:i], id: -1})
		}
		segments = append(segments, segment{id: t.addedTokens[matched]})
		i += len(matched)
		last = i
	}
	if last < len(text) {
		segments = append(segments, segment{text: text[last:], id: -1})
	}
	return segments
}

// normalize applies the normalizer to the text.
func (t *Tokenizer) normalize(text string) string {
	if t.spec.Normalizer == nil {
		return text
	}
	return applyNormalizer(text, t.spec.Normalizer)
}

// preTokenize splits text into words using the pre-tokenizer.
func (t *Tokenizer) preTokenize(text string, prefixSpace bool) []string {
	if t.spec.PreTokenizer == nil {
		return strings.Fields(text)
	}
	return applyPreTokenizer(text, t.spec.PreTokenizer, prefixSpace)
}

// tokenizeWord tokenizes a single pre-tokenized word according to the model type.
func (t *Tokenizer) tokenizeWord(word string) []int {
	if word == "" {
		return nil
	}
	switch t.spec.Model.Type {
	case "WordPiece":
		return t.wordPieceTokenize(word)
	default:
		return t.bpeTokenize(word)
	}
}

func (t *Tokenizer) unknown() []int {
	if id := t.special[api.TokUnknown]; id >= 0 {
		return []int{id}
	}
	return nil
}

// wordPieceTokenize implements greedy longest-match-first WordPiece tokenization (used by BERT).
func (t *Tokenizer) wordPieceTokenize(word string) []int {
	maxChars := t.spec.Model.MaxInputCharsPerWord
	if maxChars == 0 {
		maxChars = 100
	}
	if utf8.RuneCountInString(word) > maxChars {
		return t.unknown()
	}
	prefix := t.spec.Model.ContinuingSubwordPrefix
	if prefix == "" {
		prefix = "##"
	}

	var tokens []int
	for start := 0; start < len(word); {
		end := len(word)
		found := false
		for start < end {
			substr := word[start:end]
			if start > 0 {
				substr = prefix + substr
			}
			if id, ok := t.spec.Model.Vocab[substr]; ok {
				tokens = append(tokens, id)
				found = true
				break
			}
			// Step back one rune, never splitting a multibyte character.
			_, size := utf8.DecodeLastRuneInString(word[start:end])
			end -= size
		}
		if !found {
			return t.unknown()
		}
		start = end
	}
	return tokens
}

// bpeTokenize implements BPE tokenization (used by GPT-2, RoBERTa).
// The word is expected to be already mapped to the byte-level alphabet.
func (t *Tokenizer) bpeTokenize(word string) []int {
	if id, found := t.spec.Model.Vocab[word]; found && t.spec.Model.EndOfWordSuffix == "" {
		return []int{id}
	}
	symbols := make([]string, 0, len(word))
	for _, r := range word {
		symbols = append(symbols, string(r))
	}
	if suffix := t.spec.Model.EndOfWordSuffix; suffix != "" && len(symbols) > 0 {
		symbols[len(symbols)-1] += suffix
	}

	for len(symbols) > 1 {
		bestRank, bestIdx := -1, -1
		for i := 0; i < len(symbols)-1; i++ {
			if rank, ok := t.mergeRanks[symbols[i]+" "+symbols[i+1]]; ok && (bestRank == -1 || rank < bestRank) {
				bestRank, bestIdx = rank, i
			}
		}
		if bestIdx == -1 {
			break
		}
		merged := symbols[bestIdx] + symbols[bestIdx+1]
		symbols = append(symbols[:bestIdx+1], symbols[bestIdx+2:]...)
		symbols[bestIdx] = merged
	}

	ids := make([]int, 0, len(symbols))
	for _, sym := range symbols {
		if id, ok := t.spec.Model.Vocab[sym]; ok {
			ids = append(ids, id)
		} else {
			ids = append(ids, t.unknown()...)
		}
	}
	return ids
}
