package hftokenizer

import "strings"

// Decode converts a sequence of token IDs back to text. Unknown ids are skipped.
func (t *Tokenizer) Decode(ids []int) string {
	tokens := make([]string, 0, len(ids))
	for _, id := range ids {
		if token, ok := t.idToToken[id]; ok {
			tokens = append(tokens, token)
		}
	}

	decoderType := ""
	if t.spec.Decoder != nil {
		decoderType = t.spec.Decoder.Type
	}
	switch decoderType {
	case "ByteLevel":
		return fromByteLevel(strings.Join(tokens, ""))
	case "BPEDecoder":
		return t.bpeDecode(tokens)
	default:
		if t.spec.Model.Type == "BPE" && decoderType == "" {
			return fromByteLevel(strings.Join(tokens, ""))
		}
		return t.wordPieceDecode(tokens)
	}
}

func (t *Tokenizer) wordPieceDecode(tokens []string) string {
	prefix := "##"
	if t.spec.Decoder != nil && t.spec.Decoder.Prefix != "" {
		prefix = t.spec.Decoder.Prefix
	} else if t.spec.Model.ContinuingSubwordPrefix != "" {
		prefix = t.spec.Model.ContinuingSubwordPrefix
	}

	var result strings.Builder
	for i, token := range tokens {
		if rest, found := strings.CutPrefix(token, prefix); found {
			result.WriteString(rest)
			continue
		}
		if i > 0 {
			result.WriteString(" ")
		}
		result.WriteString(token)
	}
	return result.String()
}

func (t *Tokenizer) bpeDecode(tokens []string) string {
	suffix := t.spec.Model.EndOfWordSuffix
	if t.spec.Decoder.Suffix != "" {
		suffix = t.spec.Decoder.Suffix
	}
	var result strings.Builder
	for i, token := range tokens {
		if suffix != "" && strings.HasSuffix(token, suffix) {
			result.WriteString(strings.TrimSuffix(token, suffix))
			if i < len(tokens)-1 {
				result.WriteString(" ")
			}
		} else {
			result.WriteString(token)
		}
	}
	return result.String()
}
