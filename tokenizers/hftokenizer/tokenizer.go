// Package hftokenizer implements a tokenizer for HuggingFace's tokenizer.json format.
// This format is used by the HuggingFace Tokenizers library (the "fast" tokenizers).
// WordPiece (BERT) and byte-level BPE (GPT-2, RoBERTa) models are supported.
package hftokenizer

import (
	"encoding/json"
	"os"
	"slices"

	"github.com/gomlx/entitytyping/hub"
	"github.com/gomlx/entitytyping/tokenizers/api"
	"github.com/pkg/errors"
)

// TokenizerFileName is the name of the tokenizer definition in a model repository.
const TokenizerFileName = "tokenizer.json"

// TokenizerJSON represents the parts of HuggingFace's tokenizer.json file that are used.
type TokenizerJSON struct {
	Version       string          `json:"version"`
	AddedTokens   []AddedToken    `json:"added_tokens"`
	Normalizer    *Normalizer     `json:"normalizer"`
	PreTokenizer  *PreTokenizer   `json:"pre_tokenizer"`
	PostProcessor json.RawMessage `json:"post_processor"`
	Decoder       *Decoder        `json:"decoder"`
	Model         Model           `json:"model"`
}

// AddedToken represents a token added to the vocabulary, special or not.
type AddedToken struct {
	ID         int    `json:"id"`
	Content    string `json:"content"`
	SingleWord bool   `json:"single_word"`
	Lstrip     bool   `json:"lstrip"`
	Rstrip     bool   `json:"rstrip"`
	Normalized bool   `json:"normalized"`
	Special    bool   `json:"special"`
}

// Normalizer represents the normalizer configuration.
type Normalizer struct {
	Type               string       `json:"type"`
	Lowercase          bool         `json:"lowercase"`
	StripAccents       *bool        `json:"strip_accents"`
	HandleChineseChars bool         `json:"handle_chinese_chars"`
	Pattern            *Pattern     `json:"pattern"`
	Content            string       `json:"content"`
	Normalizers        []Normalizer `json:"normalizers"`
}

// Pattern for string or regex based operations. Only String patterns are applied.
type Pattern struct {
	Regex  string `json:"Regex,omitempty"`
	String string `json:"String,omitempty"`
}

// PreTokenizer represents the pre-tokenizer configuration.
type PreTokenizer struct {
	Type           string         `json:"type"`
	AddPrefixSpace bool           `json:"add_prefix_space"`
	UseRegex       *bool          `json:"use_regex"`
	PreTokenizers  []PreTokenizer `json:"pretokenizers"`
}

// Decoder represents the decoder configuration.
type Decoder struct {
	Type     string    `json:"type"`
	Prefix   string    `json:"prefix"`
	Suffix   string    `json:"suffix"`
	Decoders []Decoder `json:"decoders"`
}

// Model represents the tokenizer model (WordPiece or BPE).
type Model struct {
	Type                    string         `json:"type"`
	Vocab                   map[string]int `json:"vocab"`
	Merges                  MergeList      `json:"merges"`
	UnkToken                string         `json:"unk_token"`
	ContinuingSubwordPrefix string         `json:"continuing_subword_prefix"`
	MaxInputCharsPerWord    int            `json:"max_input_chars_per_word"`
	EndOfWordSuffix         string         `json:"end_of_word_suffix"`
}

// MergeList holds BPE merges, written either as "a b" strings or as ["a", "b"] pairs
// (newer tokenizer.json files).
type MergeList []string

// UnmarshalJSON implements json.Unmarshaler.
func (ml *MergeList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	merges := make([]string, 0, len(raw))
	for i, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			merges = append(merges, s)
			continue
		}
		var pair []string
		if err := json.Unmarshal(item, &pair); err != nil || len(pair) != 2 {
			return errors.Errorf("invalid merge #%d: %s", i, item)
		}
		merges = append(merges, pair[0]+" "+pair[1])
	}
	*ml = merges
	return nil
}

// Tokenizer implements the api.WordTokenizer interface for HuggingFace tokenizer.json files.
//
// AddTokens is not safe to call concurrently with encoding. Once the vocabulary is settled,
// all other methods are read-only.
type Tokenizer struct {
	config     *api.Config
	spec       *TokenizerJSON
	idToToken  map[int]string
	mergeRanks map[string]int // For BPE: maps "token1 token2" to merge priority

	// Added tokens lookup (content -> id), and their contents longest first for splitting text.
	addedTokens   map[string]int
	addedByLength []string
	nextID        int

	special [api.TokSpecialTokensCount]int
}

// Compile time assert that Tokenizer implements api.WordTokenizer interface.
var _ api.WordTokenizer = &Tokenizer{}

// New creates a HuggingFace tokenizer from the repository's tokenizer.json file.
func New(config *api.Config, repo *hub.Repo) (*Tokenizer, error) {
	if !repo.HasFile(TokenizerFileName) {
		return nil, errors.Errorf("%q file not found in %s", TokenizerFileName, repo)
	}
	tokenizerFile, err := repo.DownloadFile(TokenizerFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "can't download %s file", TokenizerFileName)
	}
	return NewFromFile(config, tokenizerFile)
}

// NewFromFile creates a HuggingFace tokenizer from a local tokenizer.json file path.
func NewFromFile(config *api.Config, filePath string) (*Tokenizer, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer.json file %q", filePath)
	}
	return NewFromContent(config, content)
}

// NewFromContent creates a HuggingFace tokenizer from tokenizer.json content.
// The config (from tokenizer_config.json) is optional and may be nil.
func NewFromContent(config *api.Config, content []byte) (*Tokenizer, error) {
	var tj TokenizerJSON
	if err := json.Unmarshal(content, &tj); err != nil {
		return nil, errors.Wrapf(err, "failed to parse tokenizer.json")
	}
	switch tj.Model.Type {
	case "WordPiece", "BPE":
	case "":
		// Older files omit the type: BPE files are recognizable by their merges.
		if len(tj.Model.Merges) > 0 {
			tj.Model.Type = "BPE"
		} else {
			tj.Model.Type = "WordPiece"
		}
	default:
		return nil, errors.Errorf("tokenizer model type %q not supported", tj.Model.Type)
	}

	t := &Tokenizer{
		config:      config,
		spec:        &tj,
		idToToken:   make(map[int]string, len(tj.Model.Vocab)+len(tj.AddedTokens)),
		addedTokens: make(map[string]int, len(tj.AddedTokens)),
	}
	for token, id := range tj.Model.Vocab {
		t.idToToken[id] = token
		t.nextID = max(t.nextID, id+1)
	}
	for _, at := range tj.AddedTokens {
		t.registerAddedToken(at.Content, at.ID)
	}
	if tj.Model.Type == "BPE" {
		t.mergeRanks = make(map[string]int, len(tj.Model.Merges))
		for i, merge := range tj.Model.Merges {
			t.mergeRanks[merge] = i
		}
	}
	t.resolveSpecialTokens()
	return t, nil
}

func (t *Tokenizer) registerAddedToken(content string, id int) {
	t.addedTokens[content] = id
	t.idToToken[id] = content
	t.nextID = max(t.nextID, id+1)
	t.addedByLength = append(t.addedByLength, content)
	slices.SortStableFunc(t.addedByLength, func(a, b string) int { return len(b) - len(a) })
}

// defaultSpecialTokens are looked up when tokenizer_config.json doesn't name a special token.
var defaultSpecialTokens = []struct {
	token    api.SpecialToken
	contents []string
}{
	{api.TokUnknown, []string{"[UNK]", "<unk>"}},
	{api.TokPad, []string{"[PAD]", "<pad>"}},
	{api.TokClassification, []string{"[CLS]", "<s>"}},
	{api.TokSeparator, []string{"[SEP]", "</s>"}},
	{api.TokMask, []string{"[MASK]", "<mask>"}},
	{api.TokBeginningOfSentence, []string{"<s>", "<|endoftext|>"}},
	{api.TokEndOfSentence, []string{"</s>", "<|endoftext|>"}},
}

// resolveSpecialTokens maps special tokens to their IDs: first from the config, then from the
// model's unk_token, and finally from the conventional token contents.
func (t *Tokenizer) resolveSpecialTokens() {
	for i := range t.special {
		t.special[i] = -1
	}
	set := func(token api.SpecialToken, content string) {
		if content == "" || t.special[token] >= 0 {
			return
		}
		if id, found := t.TokenToID(content); found {
			t.special[token] = id
		}
	}
	if c := t.config; c != nil {
		set(api.TokBeginningOfSentence, c.BosToken)
		set(api.TokEndOfSentence, c.EosToken)
		set(api.TokUnknown, c.UnkToken)
		set(api.TokPad, c.PadToken)
		set(api.TokClassification, c.ClsToken)
		set(api.TokSeparator, c.SepToken)
		set(api.TokMask, c.MaskToken)
	}
	set(api.TokUnknown, t.spec.Model.UnkToken)
	for _, def := range defaultSpecialTokens {
		for _, content := range def.contents {
			set(def.token, content)
		}
	}
}

// SpecialTokenID returns the ID for a given special token.
//
// BERT-style vocabularies have no BOS/EOS, so those fall back to CLS/SEP, and GPT-2 style
// vocabularies have no SEP, which falls back to EOS.
func (t *Tokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	if token < 0 || token >= api.TokSpecialTokensCount {
		return 0, errors.Errorf("invalid special token %d", int(token))
	}
	if id := t.special[token]; id >= 0 {
		return id, nil
	}
	var fallback api.SpecialToken = -1
	switch token {
	case api.TokBeginningOfSentence:
		fallback = api.TokClassification
	case api.TokEndOfSentence:
		fallback = api.TokSeparator
	case api.TokSeparator:
		fallback = api.TokEndOfSentence
	}
	if fallback >= 0 && t.special[fallback] >= 0 {
		return t.special[fallback], nil
	}
	return 0, errors.Errorf("special token %s not found", token)
}

// AddTokens adds the given tokens to the vocabulary with new ids, skipping tokens that are
// already known (in the vocabulary or previously added). It returns the number of tokens added.
func (t *Tokenizer) AddTokens(tokens ...string) int {
	var added int
	for _, token := range tokens {
		if token == "" {
			continue
		}
		if _, found := t.TokenToID(token); found {
			continue
		}
		t.registerAddedToken(token, t.nextID)
		added++
	}
	return added
}

// VocabSize returns the number of distinct token ids, including added tokens.
func (t *Tokenizer) VocabSize() int {
	return len(t.idToToken)
}

// Type returns the model type (WordPiece or BPE).
func (t *Tokenizer) Type() string {
	return t.spec.Model.Type
}

// Config returns the tokenizer_config.json contents the tokenizer was created with, possibly nil.
func (t *Tokenizer) Config() *api.Config {
	return t.config
}

// TokenToID converts a token string to its ID.
func (t *Tokenizer) TokenToID(token string) (int, bool) {
	if id, found := t.addedTokens[token]; found {
		return id, true
	}
	id, found := t.spec.Model.Vocab[token]
	return id, found
}

// IDToToken converts a token ID to its string.
func (t *Tokenizer) IDToToken(id int) (string, bool) {
	token, found := t.idToToken[id]
	return token, found
}
