// Package uuid includes tests for the correlation code generator.
package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// TestGeneratorNewCode ensures generated codes are valid v4 UUIDs.
func TestGeneratorNewCode(t *testing.T) {
	t.Parallel()

	gen := New()
	code := gen.NewCode()
	parsed, err := goUUID.Parse(code)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(4), parsed.Version())
}

// TestGeneratorNewCodeCollisionFree draws many codes and checks none repeat.
func TestGeneratorNewCodeCollisionFree(t *testing.T) {
	t.Parallel()

	gen := New()
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		code := gen.NewCode()
		_, dup := seen[code]
		require.False(t, dup, "duplicate code %s after %d draws", code, i)
		seen[code] = struct{}{}
	}
}

// TestGeneratorNewRequestID ensures request IDs parse and differ.
func TestGeneratorNewRequestID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1 := gen.NewRequestID()
	id2 := gen.NewRequestID()
	require.NotEqual(t, id1, id2)
	_, err := goUUID.Parse(id1)
	require.NoError(t, err)
}
