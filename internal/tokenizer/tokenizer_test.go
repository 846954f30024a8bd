package tokenizer

import (
	"strings"
	"testing"
)

func TestByteRoundTrip(t *testing.T) {
	s := NewSet()
	in := "héllo, world"
	ids, err := s.Tokenize(in, ByteName)
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if len(ids) != len(in) {
		t.Fatalf("expected %d ids, got %d", len(in), len(ids))
	}
	out, err := s.Detokenize(ids, ByteName)
	if err != nil {
		t.Fatalf("detokenize: %v", err)
	}
	if out != in {
		t.Fatalf("round trip: got %q want %q", out, in)
	}
}

func TestDecodeSkipsOutOfRange(t *testing.T) {
	if got := (Byte{}).Decode([]int{104, -1, 105, 999}); got != "hi" {
		t.Fatalf("got %q", got)
	}
}

type upper struct{}

func (upper) Encode(text string) []int { return Byte{}.Encode(strings.ToUpper(text)) }
func (upper) Decode(ids []int) string  { return Byte{}.Decode(ids) }

func TestRegisterAndUnknown(t *testing.T) {
	s := NewSet()
	s.Register("upper", upper{})
	ids, err := s.Tokenize("ab", "upper")
	if err != nil || len(ids) != 2 || ids[0] != 'A' {
		t.Fatalf("unexpected: %v %v", ids, err)
	}
	if names := s.Names(); len(names) != 2 || names[0] != ByteName {
		t.Fatalf("names=%v", names)
	}
	if _, err := s.Tokenize("x", "missing"); !IsUnknownTokenizer(err) {
		t.Fatalf("expected unknown tokenizer, got %v", err)
	}
	if _, err := s.Detokenize(nil, "missing"); !IsUnknownTokenizer(err) {
		t.Fatalf("expected unknown tokenizer, got %v", err)
	}
}
