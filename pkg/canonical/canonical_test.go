package canonical

import (
	"encoding/json"
	"math/big"
	"strings"
	"testing"
)

func TestEncodeObjectKeysSorted(t *testing.T) {
	a := EncodeString(map[string]any{"b": 1, "a": 2})
	b := EncodeString(map[string]any{"a": 2, "b": 1})
	if a != b {
		t.Fatalf("encoding must be independent of map construction order: %q vs %q", a, b)
	}
	if a != `{"a":2,"b":1}` {
		t.Fatalf("unexpected encoding: %q", a)
	}
}

func TestEncodeNestedDeterministic(t *testing.T) {
	v1 := map[string]any{
		"outer": map[string]any{"z": 1, "y": 2},
		"list":  []any{1, "two", nil, true},
	}
	v2 := map[string]any{
		"list":  []any{1, "two", nil, true},
		"outer": map[string]any{"y": 2, "z": 1},
	}
	if EncodeString(v1) != EncodeString(v2) {
		t.Fatalf("nested encodings diverged")
	}
}

func TestEncodeBigIntBeyondSafeRange(t *testing.T) {
	small := EncodeString(int64(42))
	if small != "42" {
		t.Fatalf("expected plain integer encoding, got %q", small)
	}

	huge := new(big.Int)
	huge.SetString("9007199254740993", 10) // maxSafeInteger + 1
	got := EncodeString(huge)
	want := `"9007199254740993"`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEncodeStringEscaping(t *testing.T) {
	got := EncodeString("line\nbreak\"quote")
	want := `"line\nbreak\"quote"`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEncodeJSONNumberMatchesOriginalInt(t *testing.T) {
	// Mirrors what statehash.Compute does: evidence_payload is stored as a
	// JSON string and decoded back with UseNumber before re-hashing.
	var decoded map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"lamports":5000000,"data_len":0}`))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	original := map[string]any{"lamports": uint64(5000000), "data_len": 0}
	if EncodeString(decoded) != EncodeString(original) {
		t.Fatalf("json.Number round-trip diverged from original value: %q vs %q", EncodeString(decoded), EncodeString(original))
	}
}

func TestEncodeJSONNumberBeyondSafeRange(t *testing.T) {
	var n json.Number = "9007199254740993"
	got := EncodeString(n)
	want := `"9007199254740993"`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEncodePanicsOnUnsupportedType(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unsupported type")
		}
	}()
	Encode(struct{}{})
}
