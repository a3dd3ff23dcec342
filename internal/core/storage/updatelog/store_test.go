package updatelog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagenotes/notesync/internal/core/changes"
	"github.com/vantagenotes/notesync/internal/core/storage"
)

func insert(client string, pos int, text string) changes.Operation {
	return changes.Operation{ClientID: client, Changes: changes.Insert{Pos: pos, Text: text}}
}

// docName keeps documents of different runs apart when a database is shared.
func docName(name string) string {
	return name + "-" + uuid.NewString()[:8]
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("append assigns versions", func(t *testing.T) {
		s := open(t)
		doc := docName("a")

		v, err := s.Version(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, 0, v)

		v, err = s.Append(ctx, doc, "u1", insert("c1", 0, "a"), insert("c1", 1, "b"))
		require.NoError(t, err)
		assert.Equal(t, 2, v)

		v, err = s.Append(ctx, doc, "u2", insert("c2", 2, "c"))
		require.NoError(t, err)
		assert.Equal(t, 3, v)

		all, err := s.EntriesSince(ctx, doc, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "u1", all[0].UserID)
		assert.Equal(t, "u2", all[2].UserID)
		assert.Equal(t, insert("c2", 2, "c"), all[2].Op)
		assert.Less(t, all[0].Seq, all[1].Seq)
		assert.Less(t, all[1].Seq, all[2].Seq)
		assert.Equal(t, doc, all[0].DocID)
	})

	t.Run("entries since", func(t *testing.T) {
		s := open(t)
		doc := docName("since")
		for i := 0; i < 5; i++ {
			_, err := s.Append(ctx, doc, "u", insert("c", i, fmt.Sprint(i)))
			require.NoError(t, err)
		}

		tail, err := s.EntriesSince(ctx, doc, 3)
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, changes.Insert{Pos: 3, Text: "3"}, tail[0].Op.Changes)

		none, err := s.EntriesSince(ctx, doc, 5)
		require.NoError(t, err)
		assert.Empty(t, none)

		past, err := s.EntriesSince(ctx, doc, 50)
		require.NoError(t, err)
		assert.Empty(t, past)

		full, err := s.Entries(ctx, doc)
		require.NoError(t, err)
		v, err := s.Version(ctx, doc)
		require.NoError(t, err)
		assert.Len(t, full, v)
	})

	t.Run("invalid operations are rejected atomically", func(t *testing.T) {
		s := open(t)
		doc := docName("invalid")

		_, err := s.Append(ctx, doc, "u", insert("c", 0, "ok"), changes.Operation{ClientID: "c"})
		require.Error(t, err)
		assert.ErrorIs(t, err, changes.ErrValidation)
		assert.ErrorIs(t, err, changes.ErrMissingField)

		_, err = s.Append(ctx, doc, "u", changes.Operation{Changes: changes.Retain{Count: 1}})
		assert.ErrorIs(t, err, changes.ErrMissingField)

		v, err := s.Version(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, 0, v)
	})

	t.Run("seed is idempotent", func(t *testing.T) {
		s := open(t)
		doc := docName("seed")

		seeded, err := s.Seed(ctx, doc, "")
		require.NoError(t, err)
		assert.False(t, seeded)

		seeded, err = s.Seed(ctx, doc, "# title")
		require.NoError(t, err)
		assert.True(t, seeded)

		seeded, err = s.Seed(ctx, doc, "other")
		require.NoError(t, err)
		assert.False(t, seeded)

		entries, err := s.Entries(ctx, doc)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, changes.FullText("# title"), entries[0].Op)
		assert.Equal(t, SystemUserID, entries[0].UserID)
	})

	t.Run("clear resets the version", func(t *testing.T) {
		s := open(t)
		doc, other := docName("clear"), docName("keep")

		_, err := s.Append(ctx, doc, "u", insert("c", 0, "x"))
		require.NoError(t, err)
		_, err = s.Append(ctx, other, "u", insert("c", 0, "y"))
		require.NoError(t, err)

		require.NoError(t, s.Clear(ctx, doc))

		v, err := s.Version(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, 0, v)

		v, err = s.Version(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, 1, v)

		docs, err := s.Documents(ctx)
		require.NoError(t, err)
		assert.Contains(t, docs, other)
		assert.NotContains(t, docs, doc)
	})

	t.Run("concurrent appends are linearized", func(t *testing.T) {
		s := open(t)
		doc := docName("race")

		const writers, perWriter = 8, 10
		var wg sync.WaitGroup
		versions := make(chan int, writers*perWriter)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					v, err := s.Append(ctx, doc, "u", insert(fmt.Sprint(w), 0, "x"))
					if assert.NoError(t, err) {
						versions <- v
					}
				}
			}(w)
		}
		wg.Wait()
		close(versions)

		seen := map[int]bool{}
		for v := range versions {
			assert.False(t, seen[v], "version %d returned twice", v)
			seen[v] = true
		}
		assert.Len(t, seen, writers*perWriter)

		v, err := s.Version(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, writers*perWriter, v)
	})

	t.Run("closed store", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())
		_, err := s.Version(ctx, "a")
		assert.Error(t, err)
		var se *storage.StorageError
		assert.ErrorAs(t, err, &se)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		cfg := storage.DefaultSQLiteConfig(filepath.Join(t.TempDir(), "updates.db"))
		s, err := NewSQLiteStore(context.Background(), cfg, nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := storage.DefaultSQLiteConfig(filepath.Join(t.TempDir(), "updates.db"))

	s, err := NewSQLiteStore(ctx, cfg, nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, "notes/today", "u", insert("c", 0, "persisted"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, cfg, nil)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.Entries(ctx, "notes/today")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, insert("c", 0, "persisted"), entries[0].Op)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(context.Background(), PostgresConfig{URL: url}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
