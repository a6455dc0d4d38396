// Package canonical implements kora-rent's deterministic encoding: the same
// logical value always produces the same byte string, independent of map
// iteration order or numeric representation. Every hash in the system —
// row hashes, table digests, the attestation hash — is computed over this
// encoding, never over encoding/json's own (unordered-key) output.
package canonical

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"
)

// maxSafeInteger is the bound up to which every integer is exactly
// representable as a float64/JSON number; values outside
// [-maxSafeInteger, maxSafeInteger] are encoded as plain decimal-digit
// strings instead of bare numbers.
const maxSafeInteger = int64(1) << 53

// Encode canonicalizes v into a deterministic byte string.
//
// Supported shapes: nil, bool, string, int/int64/uint64, *big.Int,
// json.Number (the shape evidence_payload round-trips through once it has
// been written to the ledger as JSON and decoded back with
// json.Decoder.UseNumber), map[string]any (keys sorted lexicographically),
// and []any. Any other type is a programmer error — the canonicalizer is
// never exposed across a serialization boundary, every value it sees was
// built in-process or decoded with UseNumber.
func Encode(v any) []byte {
	var b strings.Builder
	encodeValue(&b, v)
	return []byte(b.String())
}

// EncodeString is Encode returning a string directly, for call sites that
// want to avoid an extra conversion.
func EncodeString(v any) string {
	var b strings.Builder
	encodeValue(&b, v)
	return b.String()
}

func encodeValue(b *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		encodeStringLiteral(b, val)
	case int:
		encodeInt(b, int64(val))
	case int64:
		encodeInt(b, val)
	case uint64:
		encodeUint(b, val)
	case *big.Int:
		encodeBigInt(b, val)
	case json.Number:
		encodeJSONNumber(b, val)
	case map[string]any:
		encodeObject(b, val)
	case []any:
		encodeArray(b, val)
	default:
		panic(fmt.Sprintf("canonical: unsupported value type %T", v))
	}
}

func encodeInt(b *strings.Builder, n int64) {
	if n > maxSafeInteger || n < -maxSafeInteger {
		encodeBigInt(b, big.NewInt(n))
		return
	}
	b.WriteString(strconv.FormatInt(n, 10))
}

func encodeUint(b *strings.Builder, n uint64) {
	if n > uint64(maxSafeInteger) {
		encodeBigInt(b, new(big.Int).SetUint64(n))
		return
	}
	b.WriteString(strconv.FormatUint(n, 10))
}

// encodeJSONNumber handles a value decoded by json.Decoder.UseNumber(): the
// common case for evidence_payload fields round-tripped through the ledger's
// stored JSON string. Integers (the only shape lamports/data_len/age-day
// fields ever take) re-enter the same int/big-int path as a freshly built
// value would have; a genuinely fractional number is rendered as its exact
// decimal text, since no evidence field in this system is ever a float.
func encodeJSONNumber(b *strings.Builder, n json.Number) {
	if i, err := n.Int64(); err == nil {
		encodeInt(b, i)
		return
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		encodeUint(b, u)
		return
	}
	if bi, ok := new(big.Int).SetString(n.String(), 10); ok {
		encodeBigInt(b, bi)
		return
	}
	b.WriteString(n.String())
}

// encodeBigInt renders an out-of-range integer as a JSON string of its
// plain base-10 digits, per spec.md §4.1 ("serialized as decimal-digit
// strings") — no tag prefix, since the decoder side never needs to
// distinguish a BigInt-origin string from a caller-supplied one.
func encodeBigInt(b *strings.Builder, n *big.Int) {
	b.WriteByte('"')
	b.WriteString(n.String())
	b.WriteByte('"')
}

func encodeStringLiteral(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

func encodeObject(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeStringLiteral(b, k)
		b.WriteByte(':')
		encodeValue(b, m[k])
	}
	b.WriteByte('}')
}

func encodeArray(b *strings.Builder, arr []any) {
	b.WriteByte('[')
	for i, v := range arr {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeValue(b, v)
	}
	b.WriteByte(']')
}
