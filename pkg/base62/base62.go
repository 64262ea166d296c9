// Package base62 injects non-negative integers into a 62-symbol alphabet
// and back. It follows the teacher's pkg/utils encoding helpers in spirit
// (small, dependency-free, documented trade-offs) but implements a
// different concern: positional numeral encoding rather than
// serialization.
package base62

import (
	"strings"

	"encore.app/pkg/shorterr"
)

// Alphabet is the 62-symbol digit set, ordered 0-9, A-Z, a-z.
const Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = int64(len(Alphabet))

// Encode injects n into the base-62 alphabet. Encode(0) is "0".
// Encode emits low-to-high digits internally, then reverses — the
// conventional approach for positional numeral systems.
func Encode(n int64) (string, error) {
	if n < 0 {
		return "", shorterr.InvalidURL("base62: n must be non-negative")
	}
	if n == 0 {
		return string(Alphabet[0]), nil
	}

	var b strings.Builder
	for n > 0 {
		b.WriteByte(Alphabet[n%base])
		n /= base
	}

	s := []byte(b.String())
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	return string(s), nil
}

// EncodeBatch encodes each sequence value, preserving order. It fails
// with InvalidUrl (propagated from Encode) on the first negative value.
func EncodeBatch(ns []int64) ([]string, error) {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		s, err := Encode(n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
