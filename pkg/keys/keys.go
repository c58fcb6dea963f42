// Package keys derives content-addressable cache keys from a prompt and its
// analysis context.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrInvalidInput is returned for prompts or contexts that cannot be
// canonicalized. It indicates a caller bug, not a runtime condition.
var ErrInvalidInput = errors.New("invalid cache input")

// PairSeparator joins canonical context pairs. It must not occur in keys or values.
const PairSeparator = "\x1f"

// Keys is the result of deriving cache keys for a (prompt, context) pair.
type Keys struct {
	// Full is the SHA-256 of normalized prompt + NUL + canonical context.
	Full string
	// PromptHash is the SHA-256 of the normalized prompt alone.
	PromptHash string
	// Normalized is the normalized prompt text.
	Normalized string
}

// Derive computes the full key and prompt hash. It is deterministic and
// independent of the iteration order of context.
func Derive(prompt string, context map[string]string) (Keys, error) {
	normalized, err := NormalizePrompt(prompt)
	if err != nil {
		return Keys{}, err
	}
	canonical, err := CanonicalContext(context)
	if err != nil {
		return Keys{}, err
	}

	promptSum := sha256.Sum256([]byte(normalized))

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(canonical))

	return Keys{
		Full:       hex.EncodeToString(h.Sum(nil)),
		PromptHash: hex.EncodeToString(promptSum[:]),
		Normalized: normalized,
	}, nil
}

// NormalizePrompt trims the prompt and collapses internal whitespace runs to a
// single space.
func NormalizePrompt(prompt string) (string, error) {
	if !utf8.ValidString(prompt) {
		return "", fmt.Errorf("%w: prompt is not valid UTF-8", ErrInvalidInput)
	}
	if strings.ContainsRune(prompt, 0) {
		return "", fmt.Errorf("%w: prompt contains NUL", ErrInvalidInput)
	}
	return strings.Join(strings.Fields(prompt), " "), nil
}

// CanonicalContext serializes context as sorted key=value pairs joined by
// PairSeparator.
func CanonicalContext(context map[string]string) (string, error) {
	if len(context) == 0 {
		return "", nil
	}
	names := make([]string, 0, len(context))
	for k, v := range context {
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return "", fmt.Errorf("%w: context %q is not valid UTF-8", ErrInvalidInput, k)
		}
		if strings.Contains(k, "=") || strings.Contains(k, PairSeparator) || strings.Contains(v, PairSeparator) {
			return "", fmt.Errorf("%w: context %q contains a reserved separator", ErrInvalidInput, k)
		}
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteString(PairSeparator)
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(context[k])
	}
	return b.String(), nil
}

// IsKey reports whether s looks like a full key (64 lowercase hex characters).
func IsKey(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
