// Package presenter renders recognition results: it extracts the code block
// from the server's Markdown answer and shows it with a language selector.
package presenter

import (
	"regexp"
	"strings"

	"codeocr/src/messages"
)

// PlainText is the language reported when no usable fence tag is present.
const PlainText = "plain text"

var fence = regexp.MustCompile("```([^\\s`]*)[ \\t]*\\r?\\n?([\\s\\S]*?)\\s*```")

// Extracted is a code block pulled from a result.
type Extracted struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// Extract returns the first fenced code block in text. The fence tag is
// lower-cased and kept only when available is empty or lists it; otherwise
// the language is plain text. Unfenced text is returned whole.
func Extract(text string, available []messages.LanguageOption) Extracted {
	m := fence.FindStringSubmatch(text)
	if m == nil {
		return Extracted{Code: text, Language: PlainText}
	}
	lang := strings.ToLower(m[1])
	if lang == "" || !allowed(lang, available) {
		lang = PlainText
	}
	return Extracted{Code: m[2], Language: lang}
}

func allowed(lang string, available []messages.LanguageOption) bool {
	if len(available) == 0 {
		return true
	}
	for _, o := range available {
		if strings.ToLower(o.ID) == lang {
			return true
		}
	}
	return false
}
