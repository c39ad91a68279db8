// Package hexutil implements the hex and byte-order manipulations the
// Bitcoin getwork wire format needs: header field extraction, the
// 4-byte-word byte swap Phase 2 validation performs before hashing,
// and the reversed-byte-order big-endian target comparison.
package hexutil

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ToBytes converts a hex string (with or without a "0x" prefix) to bytes.
func ToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// MustToBytes converts a hex string to bytes, panicking on error. For
// use only where the caller has already validated the input, e.g. a
// compile-time constant.
func MustToBytes(s string) []byte {
	b, err := ToBytes(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", s))
	}
	return b
}

// ToHex converts bytes to a lowercase hex string with no prefix.
func ToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// ReverseBytes reverses a byte slice in place and returns it.
func ReverseBytes(b []byte) []byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// IsValidHex reports whether s (with optional "0x" prefix) decodes as hex.
func IsValidHex(s string) bool {
	_, err := ToBytes(s)
	return err == nil
}

// Field extracts the hex substring spanning [startChar, endChar).
func Field(data string, startChar, endChar int) (string, error) {
	if endChar > len(data) || startChar < 0 || startChar > endChar {
		return "", fmt.Errorf("hex field [%d:%d) out of range for length %d", startChar, endChar, len(data))
	}
	return data[startChar:endChar], nil
}

// SwapWordsHex treats hexStr as a sequence of 4-byte (8 hex char) big
// endian words and reverses the byte order within each word, returning
// the resulting hex string. This replicates the byte-swap
// validate_work_result_in_thread performs on the truncated 160-char
// header hex before hashing.
func SwapWordsHex(hexStr string) (string, error) {
	if len(hexStr)%8 != 0 {
		return "", fmt.Errorf("hex length %d is not a multiple of 8", len(hexStr))
	}

	var b strings.Builder
	b.Grow(len(hexStr))

	for i := 0; i < len(hexStr); i += 8 {
		word := hexStr[i : i+8]
		wb, err := hex.DecodeString(word)
		if err != nil {
			return "", err
		}
		ReverseBytes(wb)
		b.WriteString(hex.EncodeToString(wb))
	}

	return b.String(), nil
}

// CompareInvertedHashes compares a and b as 256-bit big-endian integers
// read in reverse byte order (index 31 down to 0), matching
// compare_inverted_hashes. Returns <0, 0, >0 like bytes.Compare.
func CompareInvertedHashes(a, b []byte) int {
	for i := len(a) - 1; i >= 0; i-- {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ReorderBlockHash applies the 8-hex-char group reordering
// resolve_current_block_hash performs on a freshly fetched block hash
// so that it can be compared as a substring against the header's
// prev-block-hash field: for each 8-char group at offset i, the group
// is replaced with the group starting at (64 - 8 - i).
func ReorderBlockHash(rawHashHex string) (string, error) {
	if len(rawHashHex) != 64 {
		return "", fmt.Errorf("block hash hex must be 64 chars, got %d", len(rawHashHex))
	}

	out := make([]byte, 64)
	for i := 0; i < 64; i += 8 {
		copy(out[i:i+8], rawHashHex[64-8-i:64-i])
	}
	return string(out), nil
}
