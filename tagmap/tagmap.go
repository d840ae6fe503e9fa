// Package tagmap loads the tag files of an entity typing data directory.
//
// A data directory holds:
//
//   - tag_mapping.txt: two tab-separated columns, "raw_tag\tcanonical_tag", no header.
//   - tags.txt: one raw tag per line, in label order.
//
// Several raw tags may map to the same canonical tag.
package tagmap

import (
	"path/filepath"
	"strings"

	"github.com/gomlx/entitytyping/internal/files"
	"github.com/pkg/errors"
)

const (
	// MappingFileName is the name of the raw to canonical tag mapping file.
	MappingFileName = "tag_mapping.txt"

	// TagsFileName is the name of the tag list file.
	TagsFileName = "tags.txt"

	// Separator between the parts of a hierarchical canonical tag, e.g. "location/city".
	Separator = "/"
)

// ErrUnknownTag is returned (wrapped) when a raw tag has no canonical mapping.
var ErrUnknownTag = errors.New("unknown tag")

// Mapping from raw tags to canonical tags.
type Mapping map[string]string

// Canonical returns the canonical tag for the raw tag, or an error wrapping ErrUnknownTag.
func (m Mapping) Canonical(raw string) (string, error) {
	canonical, found := m[raw]
	if !found {
		return "", errors.Wrapf(ErrUnknownTag, "raw tag %q has no mapping", raw)
	}
	return canonical, nil
}

// LoadMapping reads tag_mapping.txt from dataDir.
//
// Blank lines are skipped, and if a raw tag is listed more than once the last line wins.
// A line without exactly two tab-separated columns is an error.
func LoadMapping(dataDir string) (Mapping, error) {
	filePath := filepath.Join(dataDir, MappingFileName)
	mapping := make(Mapping)
	err := files.ScanLines(filePath, func(lineNum int, line string) error {
		if strings.TrimSpace(line) == "" {
			return nil
		}
		cols := strings.Split(line, "\t")
		if len(cols) != 2 {
			return errors.Errorf("%s:%d: expected 2 tab-separated columns, got %d", filePath, lineNum, len(cols))
		}
		mapping[cols[0]] = cols[1]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mapping, nil
}

// MappedTagList reads tags.txt from dataDir and returns the canonical tag of each line, in file order.
// Lines are trimmed, and blank lines skipped.
//
// A raw tag missing from mapping returns an error wrapping ErrUnknownTag.
func MappedTagList(dataDir string, mapping Mapping) ([]string, error) {
	filePath := filepath.Join(dataDir, TagsFileName)
	var mapped []string
	err := files.ScanLines(filePath, func(lineNum int, line string) error {
		raw := strings.TrimSpace(line)
		if raw == "" {
			return nil
		}
		canonical, err := mapping.Canonical(raw)
		if err != nil {
			return errors.WithMessagef(err, "%s:%d", filePath, lineNum)
		}
		mapped = append(mapped, canonical)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return mapped, nil
}

// LabelIDs assigns consecutive label ids to the canonical tags, in order of first appearance.
// Repeated canonical tags (several raw tags mapped to the same one) share the label.
func LabelIDs(mappedTags []string) map[string]int {
	labels := make(map[string]int, len(mappedTags))
	for _, tag := range mappedTags {
		if _, found := labels[tag]; !found {
			labels[tag] = len(labels)
		}
	}
	return labels
}

// Labels returns the canonical tags indexed by their label id, the inverse of LabelIDs.
func Labels(labelIDs map[string]int) []string {
	labels := make([]string, len(labelIDs))
	for tag, id := range labelIDs {
		if id >= 0 && id < len(labels) {
			labels[id] = tag
		}
	}
	return labels
}

// Vocabulary converts tokens to ids, see api.WordTokenizer.
type Vocabulary interface {
	TokenToID(token string) (int, bool)
}

// TagInputIDs maps each canonical tag to the token ids of its "/"-separated parts.
//
// Repeated parts are kept once, in order of first occurrence. Parts that are not
// in the vocabulary map to unknownID. The key set is exactly the set of canonical tags.
func TagInputIDs(vocab Vocabulary, mappedTags []string, unknownID int) map[string][]int {
	result := make(map[string][]int, len(mappedTags))
	for _, tag := range mappedTags {
		if _, done := result[tag]; done {
			continue
		}
		seen := make(map[string]bool)
		ids := []int{}
		for _, part := range strings.Split(tag, Separator) {
			if seen[part] {
				continue
			}
			seen[part] = true
			id, found := vocab.TokenToID(part)
			if !found {
				id = unknownID
			}
			ids = append(ids, id)
		}
		result[tag] = ids
	}
	return result
}
