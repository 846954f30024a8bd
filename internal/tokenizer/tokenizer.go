// Package tokenizer is the narrow tokenize/detokenize collaborator used by the
// executor, keyed by the tokenizer name an engine registers with.
package tokenizer

import (
	"fmt"
	"sort"
	"sync"
)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// Byte is a lossless tokenizer mapping each UTF-8 byte to its value.
type Byte struct{}

func (Byte) Encode(text string) []int {
	out := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		out[i] = int(text[i])
	}
	return out
}

func (Byte) Decode(ids []int) string {
	b := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < 256 {
			b = append(b, byte(id))
		}
	}
	return string(b)
}

// ByteName is the registry name of Byte.
const ByteName = "byte"

// unknownTokenizerError is returned for unregistered names.
type unknownTokenizerError struct{ name string }

func (e unknownTokenizerError) Error() string { return fmt.Sprintf("unknown tokenizer: %q", e.name) }

// IsUnknownTokenizer reports whether err names an unregistered tokenizer.
func IsUnknownTokenizer(err error) bool {
	_, ok := err.(unknownTokenizerError)
	return ok
}

// Set is a registry of tokenizers by name. Safe for concurrent use.
type Set struct {
	mu    sync.RWMutex
	byKey map[string]Tokenizer
}

// NewSet returns a set preloaded with the byte tokenizer.
func NewSet() *Set {
	return &Set{byKey: map[string]Tokenizer{ByteName: Byte{}}}
}

// Register adds or replaces a tokenizer.
func (s *Set) Register(name string, t Tokenizer) {
	s.mu.Lock()
	s.byKey[name] = t
	s.mu.Unlock()
}

// Names lists registered tokenizers.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.byKey))
	for k := range s.byKey {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *Set) get(name string) (Tokenizer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byKey[name]
	if !ok {
		return nil, unknownTokenizerError{name: name}
	}
	return t, nil
}

// Tokenize encodes text with the named tokenizer.
func (s *Set) Tokenize(text, name string) ([]int, error) {
	t, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return t.Encode(text), nil
}

// Detokenize decodes ids with the named tokenizer.
func (s *Set) Detokenize(ids []int, name string) (string, error) {
	t, err := s.get(name)
	if err != nil {
		return "", err
	}
	return t.Decode(ids), nil
}
