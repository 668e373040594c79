package settings

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/dotchat/pkg/config"
)

func testDefaults() Settings {
	return FromDefaults(config.DefaultConfig().Defaults)
}

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "settings.db"), testDefaults())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemoryStore(testDefaults()),
	}
}

func TestStore_GetReturnsDefaultsForUnknownConversation(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := st.Get(context.Background(), "c1")
			require.NoError(t, err)
			assert.Equal(t, "c1", got.ConversationID)
			assert.Equal(t, config.ResponseLevelAt, got.ResponseLevel)
			assert.Equal(t, 8, got.MinCorrespondingLength)
			assert.Equal(t, 30, got.MaxHistoryLength)
			assert.Equal(t, 1500*time.Millisecond, got.ReplyInterval)
			assert.Empty(t, got.ClearedAt)
		})
	}
}

func TestStore_UpdatePersists(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.Update(ctx, "c1", func(s *Settings) {
				s.Prompt = "be brief"
				s.ClearedAt = "m42"
				s.Keywords = []string{"go", "rust"}
				s.ResponseLevel = config.ResponseLevelAll
			})
			require.NoError(t, err)

			got, err := st.Get(ctx, "c1")
			require.NoError(t, err)
			assert.Equal(t, "be brief", got.Prompt)
			assert.Equal(t, "m42", got.ClearedAt)
			assert.Equal(t, []string{"go", "rust"}, got.Keywords)
			assert.Equal(t, config.ResponseLevelAll, got.ResponseLevel)
			assert.Equal(t, 30, got.MaxHistoryLength)

			other, err := st.Get(ctx, "c2")
			require.NoError(t, err)
			assert.Empty(t, other.Prompt)
		})
	}
}

func TestStore_UpdateStartsFromCurrentValue(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := st.Update(ctx, "c1", func(s *Settings) { s.Prompt = "first" })
			require.NoError(t, err)
			at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			got, err := st.Update(ctx, "c1", func(s *Settings) {
				s.ClearedAt = "m1"
				s.ClearedTime = at
			})
			require.NoError(t, err)
			assert.Equal(t, "first", got.Prompt)
			assert.Equal(t, "m1", got.ClearedAt)

			got, err = st.Get(ctx, "c1")
			require.NoError(t, err)
			assert.True(t, at.Equal(got.ClearedTime), got.ClearedTime)
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.db")
	st, err := NewSQLiteStore(path, testDefaults())
	require.NoError(t, err)
	_, err = st.Update(context.Background(), "c1", func(s *Settings) { s.Prompt = "kept" })
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = NewSQLiteStore(path, testDefaults())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Prompt)

	n, err := st.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	st := NewMemoryStore(testDefaults())
	_, err := st.Update(context.Background(), "c1", func(s *Settings) { s.Keywords = []string{"a"} })
	require.NoError(t, err)

	got, _ := st.Get(context.Background(), "c1")
	got.Keywords[0] = "mutated"

	again, _ := st.Get(context.Background(), "c1")
	assert.Equal(t, []string{"a"}, again.Keywords)
}
