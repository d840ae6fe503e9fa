// Package api defines the Tokenizer API.
// It's just a hack to break the cyclic dependency, and allow the users to import `tokenizers` and get the
// default implementations.
package api

// Tokenizer interface allows one convert test to "tokens" (integer ids) and back.
//
// It also allows mapping of special tokens: tokens with a common semantic (like padding) but that
// may map to different ids (int) for different tokenizers.
type Tokenizer interface {
	Encode(text string) []int
	Decode([]int) string

	// SpecialTokenID returns ID for given special token if registered, or an error if not.
	SpecialTokenID(token SpecialToken) (int, error)
}

// WordTokenizer is a Tokenizer that can encode text already split into words, and whose
// vocabulary can be extended.
//
// This is what the entity typing model needs: its inputs are word lists, and hidden states are
// looked up by word position.
type WordTokenizer interface {
	Tokenizer

	// EncodeWord encodes one word of a pre-split sentence. The word is treated as if it was
	// preceded by a space, which matters for byte-level BPE vocabularies.
	// Words that match an added token map directly to its id.
	EncodeWord(word string) []int

	// TokenToID returns the id of a vocabulary or added token.
	TokenToID(token string) (int, bool)

	// AddTokens adds new tokens to the vocabulary, skipping those already known,
	// and returns how many were added.
	AddTokens(tokens ...string) int

	// VocabSize returns the size of the vocabulary, including added tokens.
	VocabSize() int
}

// SpecialToken is an enum of commonly used special tokens.
type SpecialToken int

const (
	TokBeginningOfSentence SpecialToken = iota
	TokEndOfSentence
	TokUnknown
	TokPad
	TokMask
	TokClassification
	TokSeparator
	TokSpecialTokensCount
)

var specialTokenNames = [...]string{
	"beginning_of_sentence",
	"end_of_sentence",
	"unknown",
	"pad",
	"mask",
	"classification",
	"separator",
	"special_tokens_count",
}

// String implements fmt.Stringer.
func (t SpecialToken) String() string {
	if t < 0 || int(t) >= len(specialTokenNames) {
		return "SpecialToken(invalid)"
	}
	return specialTokenNames[t]
}
