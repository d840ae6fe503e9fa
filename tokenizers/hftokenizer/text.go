package hftokenizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

func applyNormalizer(text string, n *Normalizer) string {
	switch n.Type {
	case "Lowercase":
		return strings.ToLower(text)
	case "NFD":
		return norm.NFD.String(text)
	case "NFC":
		return norm.NFC.String(text)
	case "NFKC":
		return norm.NFKC.String(text)
	case "NFKD":
		return norm.NFKD.String(text)
	case "StripAccents":
		return removeAccents(norm.NFD.String(text))
	case "BertNormalizer":
		result := cleanText(text)
		if n.HandleChineseChars {
			result = padChineseChars(result)
		}
		// strip_accents defaults to the value of lowercase.
		stripAccents := n.Lowercase
		if n.StripAccents != nil {
			stripAccents = *n.StripAccents
		}
		if stripAccents {
			result = removeAccents(norm.NFD.String(result))
		}
		if n.Lowercase {
			result = strings.ToLower(result)
		}
		return result
	case "Replace":
		if n.Pattern != nil && n.Pattern.String != "" {
			return strings.ReplaceAll(text, n.Pattern.String, n.Content)
		}
		return text
	case "Sequence":
		for i := range n.Normalizers {
			text = applyNormalizer(text, &n.Normalizers[i])
		}
		return text
	default:
		return text
	}
}

func applyPreTokenizer(text string, pt *PreTokenizer, prefixSpace bool) []string {
	switch pt.Type {
	case "BertPreTokenizer":
		return bertPreTokenize(text)
	case "Whitespace", "WhitespaceSplit":
		return strings.Fields(text)
	case "Punctuation":
		return punctuationPreTokenize(text)
	case "ByteLevel":
		if (pt.AddPrefixSpace || prefixSpace) && !strings.HasPrefix(text, " ") {
			text = " " + text
		}
		var pieces []string
		if pt.UseRegex == nil || *pt.UseRegex {
			pieces = splitGPT2(text)
		} else {
			pieces = []string{text}
		}
		for i, piece := range pieces {
			pieces[i] = toByteLevel(piece)
		}
		return pieces
	case "Sequence":
		result := []string{text}
		for i := range pt.PreTokenizers {
			var next []string
			for _, s := range result {
				next = append(next, applyPreTokenizer(s, &pt.PreTokenizers[i], prefixSpace)...)
			}
			result = next
		}
		return result
	default:
		return strings.Fields(text)
	}
}

func cleanText(text string) string {
	var result strings.Builder
	for _, r := range text {
		if r == 0 || r == 0xFFFD || isControl(r) {
			continue
		}
		if isWhitespace(r) {
			result.WriteRune(' ')
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.IsControl(r)
}

func isPunctuation(r rune) bool {
	// ASCII symbols count as punctuation for BERT.
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isChinese(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

func padChineseChars(text string) string {
	var result strings.Builder
	for _, r := range text {
		if isChinese(r) {
			result.WriteRune(' ')
			result.WriteRune(r)
			result.WriteRune(' ')
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func removeAccents(text string) string {
	var result strings.Builder
	for _, r := range text {
		if !unicode.Is(unicode.Mn, r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// bertPreTokenize splits on whitespace, and isolates every punctuation character.
func bertPreTokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case isWhitespace(r):
			flush()
		case isPunctuation(r):
			flush()
			tokens = append(tokens, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return tokens
}

func punctuationPreTokenize(text string) []string {
	var tokens []string
	var current strings.Builder
	for _, r := range text {
		if isPunctuation(r) {
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
			tokens = append(tokens, string(r))
		} else {
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

var contractions = []string{"'s", "'t", "'re", "'ve", "'m", "'ll", "'d"}

// splitGPT2 splits text the way GPT-2's pre-tokenization regex does:
//
//	's|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+
func splitGPT2(text string) []string {
	runes := []rune(text)
	n := len(runes)
	var pieces []string
	for i := 0; i < n; {
		if runes[i] == '\'' {
			rest := string(runes[i:])
			var matched string
			for _, c := range contractions {
				if strings.HasPrefix(rest, c) {
					matched = c
					break
				}
			}
			if matched != "" {
				pieces = append(pieces, matched)
				i += len(matched)
				continue
			}
		}

		start, j := i, i
		if runes[j] == ' ' && j+1 < n && !unicode.IsSpace(runes[j+1]) {
			j++
		}
		r := runes[j]
		switch {
		case unicode.IsLetter(r):
			for j < n && unicode.IsLetter(runes[j]) {
				j++
			}
		case unicode.IsNumber(r):
			for j < n && unicode.IsNumber(runes[j]) {
				j++
			}
		case !unicode.IsSpace(r):
			for j < n && !unicode.IsSpace(runes[j]) && !unicode.IsLetter(runes[j]) && !unicode.IsNumber(runes[j]) {
				j++
			}
		default:
			for j < n && unicode.IsSpace(runes[j]) {
				j++
			}
			// Leave the last space to prefix the following word.
			if j < n && j-start > 1 {
				j--
			}
		}
		pieces = append(pieces, string(runes[start:j]))
		i = j
	}
	return pieces
}

// GPT-2 byte-level alphabet: every byte maps to a printable rune.
var (
	byteToUnicode [256]rune
	unicodeToByte = make(map[rune]byte, 256)
)

func init() {
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			byteToUnicode[b] = rune(b)
		} else {
			byteToUnicode[b] = rune(256 + n)
			n++
		}
		unicodeToByte[byteToUnicode[b]] = byte(b)
	}
}

func toByteLevel(text string) string {
	var sb strings.Builder
	for i := 0; i < len(text); i++ {
		sb.WriteRune(byteToUnicode[text[i]])
	}
	return sb.String()
}

func fromByteLevel(text string) string {
	result := make([]byte, 0, len(text))
	for _, r := range text {
		if b, ok := unicodeToByte[r]; ok {
			result = append(result, b)
		} else {
			result = append(result, string(r)...)
		}
	}
	return string(result)
}
