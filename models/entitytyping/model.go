// Package entitytyping scores entity types with a pretrained transformer backbone and a linear
// projection head.
//
// The backbone (BERT, RoBERTa or GPT-2, exported to ONNX) runs on GoMLX. Each sample's entity is
// represented either by the summary token at position 0, or by a boundary token before the entity
// (see Boundary), and projected to one score per class.
//
// Example:
//
//	model, err := entitytyping.New(ctx, entitytyping.Options{
//		ModelID:    "roberta-base",
//		OutDim:     len(labels),
//		MaxLength:  128,
//		Highlight:  &[2]string{"<e>", "</e>"},
//		Projection: entitytyping.ProjectOnce,
//		Boundary:   entitytyping.WordBoundary,
//	})
//	scores, err := model.Forward(ctx, batch, false)
package entitytyping

import (
	"context"

	"github.com/gomlx/entitytyping/dataset"
	"github.com/gomlx/entitytyping/hub"
	"github.com/gomlx/entitytyping/tagmap"
	"github.com/gomlx/entitytyping/tokenizers"
	"github.com/gomlx/entitytyping/tokenizers/api"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBackend is the GoMLX backend configuration used if Options doesn't give one:
// "go" is the pure Go engine, always available.
const DefaultBackend = "go"

// Projection selects how many times the boundary representation goes through the head.
type Projection int

const (
	// ProjectTwice applies the head to the boundary representation, then to its output again.
	// It requires the hidden size to equal the number of classes.
	ProjectTwice Projection = iota

	// ProjectOnce applies the head once.
	ProjectOnce
)

// Boundary selects which token represents the entity, when not using the summary token.
type Boundary int

const (
	// TokenBoundary reads the token at index EntityPos.Start-1 of the encoded sequence, counting
	// word positions as token positions. Framing and multi-piece words shift it away from the word
	// right before the entity. An entity at word 0 reads the last (usually padding) position.
	TokenBoundary Boundary = iota

	// WordBoundary reads the token right before the first token of the entity's first word:
	// the left marker when highlighting.
	WordBoundary
)

// Options to create a Model.
type Options struct {
	// ModelID is a HuggingFace Hub model identifier or a local directory. Ignored if Repo is set.
	ModelID string

	// Repo, if set, is used instead of hub.New(ModelID), e.g. to configure authentication.
	Repo *hub.Repo

	// OutDim is the number of classes.
	OutDim int

	// MaxLength in words of the sentence kept in separator mode, and the minimum padded
	// length in tokens otherwise.
	MaxLength int

	// UseSummaryToken scores the representation at position 0. Otherwise the token right before
	// the entity is used.
	UseSummaryToken bool

	// Projection used with the boundary token. Ignored with UseSummaryToken.
	Projection Projection

	// Boundary token selection. Ignored with UseSummaryToken.
	Boundary Boundary

	// Dropout, if set, overrides the backbone's hidden dropout probability in Config.
	// It is recorded only: dropout is inactive when running the exported graph for inference.
	Dropout *float64

	// Highlight, if set, are the entity markers added to the vocabulary.
	Highlight *[2]string

	// Head, if set, is the projection head. Otherwise it is read from HeadCheckpoint (see LoadHead)
	// if set, or initialized randomly from Seed.
	Head           *Head
	HeadCheckpoint string
	Seed           uint64

	// Backend to run on. If nil one is created from BackendConfig (default DefaultBackend),
	// and finalized by Close.
	Backend       backends.Backend
	BackendConfig string

	// Backbone and Tokenizer, if set, are used instead of the ones in the repository.
	Backbone  Backbone
	Tokenizer tokenizers.Tokenizer
}

// Model for entity typing. Forward is safe for concurrent use.
type Model struct {
	family      Family
	config      *BackboneConfig
	tokenizer   tokenizers.Tokenizer
	backbone    Backbone
	head        *Head
	encoder     *encoder
	backend     backends.Backend
	ownsBackend bool
	projections int
	summary     bool
	boundary    Boundary
}

// New creates the model described by opts.
//
// The dropout override is applied to the configuration before the backbone is built. Highlight markers
// are added to the tokenizer after, and the backbone token embeddings are resized to match.
func New(ctx context.Context, opts Options) (m *Model, err error) {
	if opts.OutDim <= 0 {
		return nil, errors.Errorf("OutDim must be positive, got %d", opts.OutDim)
	}
	if opts.MaxLength <= 0 {
		return nil, errors.Errorf("MaxLength must be positive, got %d", opts.MaxLength)
	}
	if opts.Boundary != TokenBoundary && opts.Boundary != WordBoundary {
		return nil, errors.Errorf("unknown boundary %d", opts.Boundary)
	}
	repo := opts.Repo
	if repo == nil {
		repo = hub.New(opts.ModelID)
	}

	config := &BackboneConfig{}
	if repo.HasFile(ConfigFileName) {
		if config, err = LoadBackboneConfig(repo); err != nil {
			return nil, err
		}
	}
	m = &Model{config: config, summary: opts.UseSummaryToken, projections: 1, boundary: opts.Boundary}
	if m.family, err = ResolveFamily(repo.ID, config); err != nil {
		return nil, err
	}
	if opts.Dropout != nil {
		if err = config.SetDropout(m.family, *opts.Dropout); err != nil {
			return nil, err
		}
	}

	m.tokenizer = opts.Tokenizer
	if m.tokenizer == nil {
		if m.tokenizer, err = tokenizers.New(repo); err != nil {
			return nil, err
		}
	}

	m.backend = opts.Backend
	if m.backend == nil {
		backendConfig := opts.BackendConfig
		if backendConfig == "" {
			backendConfig = DefaultBackend
		}
		if m.backend, err = backends.NewWithConfig(backendConfig); err != nil {
			return nil, errors.Wrapf(err, "creating backend %q", backendConfig)
		}
		m.ownsBackend = true
	}
	created := m
	defer func() {
		if err != nil {
			_ = created.Close()
		}
	}()

	m.backbone = opts.Backbone
	if m.backbone == nil {
		if m.backbone, err = NewONNXBackbone(ctx, repo, m.family, config, m.backend); err != nil {
			return nil, err
		}
	}

	if opts.Highlight != nil {
		added := m.tokenizer.AddTokens(opts.Highlight[0], opts.Highlight[1])
		if added > 0 {
			vocabSize := config.VocabSize
			if vocabSize == 0 {
				vocabSize = m.tokenizer.VocabSize() - added
			}
			if err = m.backbone.ResizeTokenEmbeddings(vocabSize + added); err != nil {
				return nil, errors.WithMessagef(err, "adding highlight tokens %q", *opts.Highlight)
			}
		}
	}

	hiddenSize := m.backbone.HiddenSize()
	if !m.summary && opts.Projection == ProjectTwice {
		if hiddenSize != opts.OutDim {
			return nil, errors.Errorf("projecting twice requires the hidden size (%d) to equal OutDim (%d): use ProjectOnce",
				hiddenSize, opts.OutDim)
		}
		m.projections = 2
	}

	switch {
	case opts.Head != nil:
		if err = opts.Head.validate(); err != nil {
			return nil, err
		}
		m.head = opts.Head
	case opts.HeadCheckpoint != "":
		if m.head, err = LoadHead(opts.HeadCheckpoint); err != nil {
			return nil, err
		}
	default:
		m.head = NewHead(hiddenSize, opts.OutDim, dataset.NewRand(opts.Seed))
	}
	if m.head.HiddenSize() != hiddenSize || m.head.OutDim() != opts.OutDim {
		err = errors.Errorf("head maps %d to %d, model needs %d to %d",
			m.head.HiddenSize(), m.head.OutDim(), hiddenSize, opts.OutDim)
		if opts.HeadCheckpoint != "" && opts.Head == nil {
			err = errors.WithMessagef(err, "head checkpoint %q", opts.HeadCheckpoint)
		}
		return nil, err
	}

	if m.encoder, err = newEncoder(m.family, m.tokenizer, opts.MaxLength); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Created %s entity typing model for %s: hidden size %d, %d classes", m.family, repo, hiddenSize, opts.OutDim)
	return m, nil
}

// Family of the backbone.
func (m *Model) Family() Family {
	return m.family
}

// Config of the backbone.
func (m *Model) Config() *BackboneConfig {
	return m.config
}

// Tokenizer used by the model, including added highlight tokens.
func (m *Model) Tokenizer() tokenizers.Tokenizer {
	return m.tokenizer
}

// Head returns the projection head.
func (m *Model) Head() *Head {
	return m.head
}

// SaveHead writes the projection head to a safetensors file.
func (m *Model) SaveHead(filePath string) error {
	return m.head.Save(filePath, map[string]string{"family": m.family.String()})
}

// SetHead replaces the projection head, e.g. with one loaded from another checkpoint.
// It must have the same dimensions as the current one, and not be called concurrently with Forward.
func (m *Model) SetHead(head *Head) error {
	if err := head.validate(); err != nil {
		return err
	}
	if head.HiddenSize() != m.head.HiddenSize() || head.OutDim() != m.head.OutDim() {
		return errors.Errorf("head maps %d to %d, model needs %d to %d",
			head.HiddenSize(), head.OutDim(), m.head.HiddenSize(), m.head.OutDim())
	}
	m.head = head
	return nil
}

// TagInputIDs converts canonical tags to the token ids of their pieces, using the model's tokenizer.
func (m *Model) TagInputIDs(mappedTags []string) (map[string][]int, error) {
	return TagInputIDs(m.tokenizer, mappedTags)
}

// TagInputIDs converts canonical tags to the token ids of their pieces, see tagmap.TagInputIDs.
// Pieces not in the vocabulary map to the unknown token (or, for GPT-2, to the end-of-text token).
func TagInputIDs(tok tokenizers.Tokenizer, mappedTags []string) (map[string][]int, error) {
	unknownID, err := specialID(tok, api.TokUnknown, api.TokEndOfSentence)
	if err != nil {
		return nil, err
	}
	return tagmap.TagInputIDs(tok, mappedTags, unknownID), nil
}

// Forward returns the class scores of the batch as a Float32 tensor shaped [batchSize, OutDim].
//
// With useSep, a copy of each entity is appended to its (truncated) sentence after a separator.
func (m *Model) Forward(ctx context.Context, batch *dataset.Batch, useSep bool) (*tensors.Tensor, error) {
	if batch.Size() == 0 {
		return nil, errors.New("empty batch")
	}
	enc, err := m.encoder.encode(batch, useSep)
	if err != nil {
		return nil, err
	}
	hidden, err := m.backbone.Forward(ctx, enc)
	if err != nil {
		return nil, err
	}
	positions := make([]int, batch.Size())
	if !m.summary {
		if positions, err = boundaryPositions(enc, batch, m.boundary); err != nil {
			return nil, err
		}
	}
	return m.head.score(m.backend, hidden, positions, m.projections)
}

// Close releases the backbone, and the backend if it was created by New.
func (m *Model) Close() error {
	var err error
	if m.backbone != nil {
		err = m.backbone.Close()
		m.backbone = nil
	}
	if m.ownsBackend && m.backend != nil {
		m.backend.Finalize()
		m.backend = nil
	}
	return err
}
