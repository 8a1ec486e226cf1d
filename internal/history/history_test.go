package history

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRecordAndList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Record(ctx, "s1", "first prompt", "first response"))
	require.NoError(t, st.Record(ctx, "s1", "second prompt", "second response"))
	require.NoError(t, st.Record(ctx, "other", "unrelated", ""))

	entries, err := st.List(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first.
	assert.Equal(t, "second prompt", entries[0].Prompt)
	assert.Equal(t, "first prompt", entries[1].Prompt)
	assert.Equal(t, "s1", entries[0].Session)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

func TestListRespectsLimit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, st.Record(ctx, "s1", "p", "r"))
	}

	entries, err := st.List(ctx, "s1", 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestListUnknownSessionIsEmpty(t *testing.T) {
	st := newTestStore(t)
	entries, err := st.List(context.Background(), "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordTruncatesPreview(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	long := strings.Repeat("x", PreviewLen*3)

	require.NoError(t, st.Record(ctx, "s1", "p", long))

	entries, err := st.List(ctx, "s1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].ResponsePreview, PreviewLen)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "one two three", Preview("one\ntwo\nthree"))
	assert.Len(t, Preview(strings.Repeat("a\n", PreviewLen)), PreviewLen)
	assert.Equal(t, "", Preview(""))
}

func TestNopRecorder(t *testing.T) {
	assert.NoError(t, Nop{}.Record(context.Background(), "s", "p", "r"))
}
