package entitytyping

import (
	"regexp"
	"slices"
	"strings"

	"github.com/gomlx/entitytyping/tokenizers/api"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUnsupportedModel is returned (wrapped) when a model doesn't belong to any supported Family.
var ErrUnsupportedModel = errors.New("unsupported model")

// Family of backbone models. Each family has its own tokenizer conventions and weight names.
type Family int

const (
	// BERT is an encoder, framed as [CLS] ... [SEP].
	BERT Family = iota

	// RoBERTa is an encoder, framed as <s> ... </s>, with a byte-level BPE tokenizer.
	RoBERTa

	// GPT2 is a decoder: no framing, and the end-of-text token is used for padding and separation.
	GPT2
)

// familyTraits is what differs between families.
type familyTraits struct {
	family     Family
	name       string
	modelTypes []string
	idPattern  *regexp.Regexp

	// framed families start sequences with the summary token and end them with the separator.
	framed bool

	// embeddings lists suffixes of the word embedding weight name in exported graphs.
	embeddings []string
}

// registry is ordered: the first identifier pattern that matches wins, so RoBERTa comes before BERT.
var registry = []familyTraits{
	{
		family:     RoBERTa,
		name:       "RoBERTa",
		modelTypes: []string{"roberta"},
		idPattern:  regexp.MustCompile(`(?i)roberta`),
		framed:     true,
		embeddings: []string{"word_embeddings.weight"},
	},
	{
		family:     GPT2,
		name:       "GPT2",
		modelTypes: []string{"gpt2"},
		idPattern:  regexp.MustCompile(`(?i)gpt-?2`),
		embeddings: []string{"wte.weight"},
	},
	{
		family:     BERT,
		name:       "BERT",
		modelTypes: []string{"bert"},
		idPattern:  regexp.MustCompile(`(?i)(^|[/_-])bert`),
		framed:     true,
		embeddings: []string{"word_embeddings.weight"},
	},
}

func (f Family) traits() *familyTraits {
	for i := range registry {
		if registry[i].family == f {
			return &registry[i]
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (f Family) String() string {
	if traits := f.traits(); traits != nil {
		return traits.name
	}
	return "Family(invalid)"
}

// IsEncoder returns whether the family is encoder-style (bidirectional).
func (f Family) IsEncoder() bool {
	return f != GPT2
}

// ResolveFamily selects the family from the model_type in config (if given), or else
// from the model identifier.
func ResolveFamily(modelID string, config *BackboneConfig) (Family, error) {
	if config != nil && config.ModelType != "" {
		modelType := strings.ToLower(config.ModelType)
		for _, traits := range registry {
			if slices.Contains(traits.modelTypes, modelType) {
				return traits.family, nil
			}
		}
		klog.Errorf("Model %q has model_type %q: only BERT, RoBERTa and GPT-2 models are supported", modelID, config.ModelType)
		return 0, errors.Wrapf(ErrUnsupportedModel, "model_type %q of %q", config.ModelType, modelID)
	}
	for _, traits := range registry {
		if traits.idPattern.MatchString(modelID) {
			return traits.family, nil
		}
	}
	klog.Errorf("Can't tell the family of model %q: only BERT, RoBERTa and GPT-2 models are supported", modelID)
	return 0, errors.Wrapf(ErrUnsupportedModel, "model %q", modelID)
}

// framing returns the ids that start and end every sequence (-1 for none), the separator id
// used between the sentence and the entity copy, and the padding id.
func (f Family) framing(tok api.Tokenizer) (start, end, sep, pad int, err error) {
	start, end = -1, -1
	sep, err = specialID(tok, api.TokSeparator, api.TokEndOfSentence)
	if err != nil {
		return
	}
	pad, err = specialID(tok, api.TokPad, api.TokEndOfSentence)
	if err != nil {
		return
	}
	if f.traits().framed {
		start, err = specialID(tok, api.TokClassification, api.TokBeginningOfSentence)
		if err != nil {
			return
		}
		end = sep
	}
	return
}

// specialID returns the id of the first special token the tokenizer knows.
func specialID(tok api.Tokenizer, candidates ...api.SpecialToken) (int, error) {
	for _, candidate := range candidates {
		if id, err := tok.SpecialTokenID(candidate); err == nil {
			return id, nil
		}
	}
	return 0, errors.Errorf("tokenizer has none of the special tokens %v", candidates)
}
