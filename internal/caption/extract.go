package caption

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxExcerptLen = 200

// ParseError reports a model response from which no JSON value could be recovered.
type ParseError struct {
	Excerpt string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse JSON from response: %q", e.Excerpt)
}

// ExtractJSON recovers a JSON value from a model response. It tries the whole text,
// then the body of a ```json fence, then the body of any ``` fence.
func ExtractJSON(text string) (json.RawMessage, error) {
	if v, ok := parseJSON(text); ok {
		return v, nil
	}
	if body, ok := fencedBlock(text, "```json"); ok {
		if v, ok := parseJSON(body); ok {
			return v, nil
		}
	}
	if body, ok := fencedBlock(text, "```"); ok {
		if v, ok := parseJSON(body); ok {
			return v, nil
		}
	}
	return nil, &ParseError{Excerpt: excerpt(text)}
}

// fencedBlock returns the text between the first opening delimiter and the next closing fence.
// An unterminated fence runs to the end of the text.
func fencedBlock(text, open string) (string, bool) {
	_, after, found := strings.Cut(text, open)
	if !found {
		return "", false
	}
	body, _, _ := strings.Cut(after, "```")
	return strings.TrimSpace(body), true
}

func parseJSON(s string) (json.RawMessage, bool) {
	s = strings.TrimSpace(s)
	if s == "" || !json.Valid([]byte(s)) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxExcerptLen {
		return s
	}
	cut := maxExcerptLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
