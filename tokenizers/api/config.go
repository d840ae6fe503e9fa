package api

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config holds the fields of a tokenizer_config.json file that are used here.
type Config struct {
	ConfigFile     string `json:"-"`
	TokenizerClass string `json:"tokenizer_class"`

	BosToken  string `json:"bos_token"`
	EosToken  string `json:"eos_token"`
	UnkToken  string `json:"unk_token"`
	PadToken  string `json:"pad_token"`
	ClsToken  string `json:"cls_token"`
	SepToken  string `json:"sep_token"`
	MaskToken string `json:"mask_token"`

	DoLowerCase    bool    `json:"do_lower_case"`
	AddPrefixSpace bool    `json:"add_prefix_space"`
	ModelMaxLength float64 `json:"model_max_length"`
}

// specialTokenFields may hold either a plain string or an AddedToken object.
var specialTokenFields = []string{
	"bos_token", "eos_token", "unk_token", "pad_token",
	"cls_token", "sep_token", "mask_token",
}

// ParseConfigContent parses the contents of a tokenizer_config.json file.
//
// Special tokens given as HuggingFace AddedToken objects ({"__type": "AddedToken", "content": "<s>", ...})
// are flattened to their content.
func ParseConfigContent(content []byte) (*Config, error) {
	var raw map[string]any
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to parse tokenizer config JSON")
	}
	for _, field := range specialTokenFields {
		if val, found := raw[field]; found {
			raw[field] = tokenContent(val)
		}
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to normalize tokenizer config")
	}
	config := &Config{}
	if err := json.Unmarshal(normalized, config); err != nil {
		return nil, errors.Wrap(err, "failed to decode tokenizer config")
	}
	return config, nil
}

// ParseConfigFile reads and parses a tokenizer_config.json file.
func ParseConfigFile(filePath string) (*Config, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tokenizer config %q", filePath)
	}
	config, err := ParseConfigContent(content)
	if err != nil {
		return nil, errors.WithMessagef(err, "in %q", filePath)
	}
	config.ConfigFile = filePath
	return config, nil
}

func tokenContent(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}
