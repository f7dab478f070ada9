package giftcard

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

const (
	// codeAlphabet omits I, O, 0 and 1.
	codeAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeGroupCount  = 4
	codeGroupLength = 4
	codeSeparator   = "-"
)

// Code is a human-readable gift card code such as "ABCD-EFGH-JKLM-NPQR".
type Code struct {
	value string
}

// NewCode validates and normalizes a user-entered code.
// Lower-case input and missing separators are accepted.
func NewCode(raw string) (Code, error) {
	compact := strings.ToUpper(strings.TrimSpace(raw))
	compact = strings.ReplaceAll(compact, codeSeparator, "")
	compact = strings.ReplaceAll(compact, " ", "")
	if len(compact) != codeGroupCount*codeGroupLength {
		return Code{}, fmt.Errorf("%w: expected %d characters", ErrInvalidCode, codeGroupCount*codeGroupLength)
	}
	for _, character := range compact {
		if !strings.ContainsRune(codeAlphabet, character) {
			return Code{}, fmt.Errorf("%w: unexpected character %q", ErrInvalidCode, character)
		}
	}
	return Code{value: groupCode(compact)}, nil
}

// String returns the grouped code.
func (code Code) String() string {
	return code.value
}

// IsZero reports whether the code is unset.
func (code Code) IsZero() bool {
	return code.value == ""
}

// CodeGenerator produces candidate codes. Uniqueness is checked by the caller.
type CodeGenerator func() (Code, error)

// NewRandomCodeGenerator returns a generator backed by crypto/rand.
func NewRandomCodeGenerator() CodeGenerator {
	return func() (Code, error) {
		return GenerateCode(rand.Reader)
	}
}

// GenerateCode draws a code from the given entropy source.
// The alphabet has 32 symbols, so byte%32 is unbiased.
func GenerateCode(random io.Reader) (Code, error) {
	buffer := make([]byte, codeGroupCount*codeGroupLength)
	if _, err := io.ReadFull(random, buffer); err != nil {
		return Code{}, fmt.Errorf("read entropy: %w", err)
	}
	out := make([]byte, len(buffer))
	for index, value := range buffer {
		out[index] = codeAlphabet[int(value)%len(codeAlphabet)]
	}
	return Code{value: groupCode(string(out))}, nil
}

// CodeChecker reports whether a code is already taken.
type CodeChecker interface {
	CodeExists(ctx context.Context, code Code) (bool, error)
}

// IssueUniqueCode draws codes until one is not taken, giving up after a bounded number of attempts.
func IssueUniqueCode(ctx context.Context, generate CodeGenerator, checker CodeChecker, attempts int) (Code, error) {
	if attempts <= 0 {
		attempts = maxCodeAttempts
	}
	for attempt := 0; attempt < attempts; attempt++ {
		candidate, err := generate()
		if err != nil {
			return Code{}, Upstream(err)
		}
		exists, err := checker.CodeExists(ctx, candidate)
		if err != nil {
			return Code{}, err
		}
		if !exists {
			return candidate, nil
		}
	}
	return Code{}, fmt.Errorf("%w: %d collisions", ErrCodeGeneration, attempts)
}

func groupCode(compact string) string {
	groups := make([]string, 0, codeGroupCount)
	for start := 0; start < len(compact); start += codeGroupLength {
		groups = append(groups, compact[start:start+codeGroupLength])
	}
	return strings.Join(groups, codeSeparator)
}
