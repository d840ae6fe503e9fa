package entitytyping

import (
	"encoding/json"
	"os"

	"github.com/gomlx/entitytyping/hub"
	"github.com/pkg/errors"
)

// ConfigFileName is the backbone configuration file of a model repository.
const ConfigFileName = "config.json"

// BackboneConfig holds the fields of config.json used to build a backbone.
//
// BERT and RoBERTa name the fields hidden_size and hidden_dropout_prob, GPT-2 names them
// n_embd and resid_pdrop. Use the accessor methods to read them regardless of the family.
type BackboneConfig struct {
	ModelType     string   `json:"model_type"`
	Architectures []string `json:"architectures"`
	VocabSize     int      `json:"vocab_size"`

	HiddenSizeField int `json:"hidden_size"`
	NEmbd           int `json:"n_embd"`

	HiddenDropoutProb *float64 `json:"hidden_dropout_prob"`
	ResidPDrop        *float64 `json:"resid_pdrop"`

	// ConfigFile is the path the configuration was read from, if any.
	ConfigFile string `json:"-"`
}

// ParseBackboneConfig parses the contents of a config.json file.
func ParseBackboneConfig(content []byte) (*BackboneConfig, error) {
	config := &BackboneConfig{}
	if err := json.Unmarshal(content, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse backbone configuration")
	}
	return config, nil
}

// LoadBackboneConfig reads config.json from the repository.
func LoadBackboneConfig(repo *hub.Repo) (*BackboneConfig, error) {
	localPath, err := repo.DownloadFile(ConfigFileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "can't get %s", ConfigFileName)
	}
	content, err := os.ReadFile(localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", localPath)
	}
	config, err := ParseBackboneConfig(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", localPath)
	}
	config.ConfigFile = localPath
	return config, nil
}

// HiddenSize of the backbone, 0 if not given.
func (c *BackboneConfig) HiddenSize() int {
	if c.HiddenSizeField > 0 {
		return c.HiddenSizeField
	}
	return c.NEmbd
}

// Dropout probability of the hidden layers, and whether it was given.
func (c *BackboneConfig) Dropout() (float64, bool) {
	switch {
	case c.HiddenDropoutProb != nil:
		return *c.HiddenDropoutProb, true
	case c.ResidPDrop != nil:
		return *c.ResidPDrop, true
	}
	return 0, false
}

// SetDropout overrides the dropout probability, using the field name of the family.
func (c *BackboneConfig) SetDropout(family Family, p float64) error {
	if p < 0 || p >= 1 {
		return errors.Errorf("dropout probability must be in [0, 1), got %g", p)
	}
	if family == GPT2 {
		c.ResidPDrop = &p
	} else {
		c.HiddenDropoutProb = &p
	}
	return nil
}
