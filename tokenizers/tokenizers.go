// Package tokenizers creates tokenizers for model repositories.
//
// Only HuggingFace "fast" tokenizers (tokenizer.json) are supported, see package hftokenizer.
// The optional tokenizer_config.json is used to identify special tokens.
package tokenizers

import (
	"github.com/gomlx/entitytyping/hub"
	"github.com/gomlx/entitytyping/tokenizers/api"
	"github.com/gomlx/entitytyping/tokenizers/hftokenizer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ConfigFileName is the name of the tokenizer configuration in a model repository.
const ConfigFileName = "tokenizer_config.json"

// Tokenizer is an alias to api.WordTokenizer, the interface used by the models.
type Tokenizer = api.WordTokenizer

// LoadConfig reads the repository's tokenizer_config.json. It returns nil (and no error)
// if the repository has none.
func LoadConfig(repo *hub.Repo) (*api.Config, error) {
	if !repo.HasFile(ConfigFileName) {
		return nil, nil
	}
	localPath, err := repo.DownloadFile(ConfigFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "can't download %s", ConfigFileName)
	}
	return api.ParseConfigFile(localPath)
}

// New creates the tokenizer of the model repository.
func New(repo *hub.Repo) (Tokenizer, error) {
	config, err := LoadConfig(repo)
	if err != nil {
		return nil, err
	}
	if config == nil {
		klog.V(1).Infof("No %s in %s, special tokens resolved from tokenizer.json only", ConfigFileName, repo)
	}
	tok, err := hftokenizer.New(config, repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading tokenizer of %s", repo)
	}
	return tok, nil
}
