package updater

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowStackSync(t *testing.T) {
	s := NewWindowStack("root")
	assert.Equal(t, "root", s.Frontier())

	s, err := s.Sync([]string{"root", "menu", "detail"})
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "menu", "detail"}, s.Handles())
	assert.Equal(t, "detail", s.Frontier())

	// The browser may list handles in any order; known ones keep their slot.
	s, err = s.Sync([]string{"update", "detail", "root"})
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "detail", "update"}, s.Handles())

	_, err = s.Sync([]string{"detail"})
	require.ErrorIs(t, err, ErrRootClosed)
}

func TestWindowStackIsImmutable(t *testing.T) {
	base, err := NewWindowStack("root").Sync([]string{"root", "a", "b"})
	require.NoError(t, err)

	popped := base.Pop()
	anchored := popped.Anchored()

	assert.Equal(t, []string{"root", "a", "b"}, base.Handles())
	assert.Equal(t, []string{"root", "a"}, popped.Handles())
	_, ok := popped.Anchor()
	assert.False(t, ok)

	anchor, ok := anchored.Anchor()
	require.True(t, ok)
	assert.Equal(t, "a", anchor)

	h := base.Handles()
	h[0] = "mutated"
	assert.Equal(t, "root", base.Root())
}

func TestWindowStackAnchorSurvivesFrontierChurn(t *testing.T) {
	s, err := NewWindowStack("root").Sync([]string{"root", "update"})
	require.NoError(t, err)
	s = s.Anchored()

	for _, frontier := range []string{"form-1", "form-2"} {
		s, err = s.Sync([]string{"root", "update", frontier})
		require.NoError(t, err)
		assert.Equal(t, frontier, s.Frontier())
		anchor, _ := s.Anchor()
		assert.Equal(t, "update", anchor)

		s, err = s.Sync([]string{"root", "update"})
		require.NoError(t, err)
	}

	s = s.Pop()
	_, ok := s.Anchor()
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.Pop().Len())
}
