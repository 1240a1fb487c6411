// Package parser turns free-form assistant text into a list of labeled entries.
//
// Parse never fails: text that is not a JSON array, even after light cleanup,
// comes back as a single entry labeled with a fallback name. Arrays are
// returned element for element as decoded.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Field names of a labeled entry.
const (
	FieldName     = "name"
	FieldResponse = "response"
)

// Entry is one element of a parsed response. Fields beyond name and response
// are kept as decoded.
type Entry map[string]any

// Name returns the entry's name field when it is a string.
func (e Entry) Name() string {
	s, _ := e[FieldName].(string)
	return s
}

// Response returns the entry's response field when it is a string.
func (e Entry) Response() string {
	s, _ := e[FieldResponse].(string)
	return s
}

// Result is a parsed response. Elements keep their decoded JSON form: objects
// are map[string]any, numbers json.Number.
type Result []any

// Entry returns element i as an Entry when it is a JSON object.
func (r Result) Entry(i int) (Entry, bool) {
	if i < 0 || i >= len(r) {
		return nil, false
	}
	return AsEntry(r[i])
}

// AsEntry reports whether v is a JSON object and returns it as an Entry.
func AsEntry(v any) (Entry, bool) {
	switch e := v.(type) {
	case Entry:
		return e, e != nil
	case map[string]any:
		return Entry(e), e != nil
	default:
		return nil, false
	}
}

// ErrNotArray is returned by Decode when the text is valid JSON but not an array.
var ErrNotArray = errors.New("response is not a JSON array")

var (
	fencePattern         = regexp.MustCompile("```json|```")
	trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)
)

// Clean strips code fence markers, surrounding whitespace and trailing commas
// before a closing brace or bracket.
func Clean(raw string) string {
	s := fencePattern.ReplaceAllString(raw, "")
	s = strings.TrimSpace(s)
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

// Decode reads raw as a JSON array. Text that is already valid is
// decoded untouched; otherwise it is cleaned first.
func Decode(raw string) (Result, error) {
	result, err := decodeArray(strings.TrimSpace(raw))
	if err == nil {
		return result, nil
	}
	return decodeArray(Clean(raw))
}

func decodeArray(text string) (Result, error) {
	var msg json.RawMessage
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(msg) == 0 || msg[0] != '[' {
		return nil, ErrNotArray
	}

	dec := json.NewDecoder(bytes.NewReader(msg))
	dec.UseNumber()
	var result Result
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("invalid JSON array: %w", err)
	}
	if result == nil {
		result = Result{}
	}
	return result, nil
}

// Fallback wraps raw verbatim into a single entry labeled name.
func Fallback(raw, name string) Result {
	return Result{Entry{FieldName: name, FieldResponse: raw}}
}

// Parse decodes raw, falling back to a single labeled entry holding the
// original text when it cannot be decoded.
func Parse(raw, fallbackName string) Result {
	result, err := Decode(raw)
	if err != nil {
		return Fallback(raw, fallbackName)
	}
	return result
}
