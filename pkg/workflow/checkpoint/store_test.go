package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the same conformance checks against every Store
// implementation.
func storeUnderTest(t *testing.T, name string, open func(t *testing.T) Store) {
	t.Run(name+"/SaveAndLoad", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Save("run-1", "classify_message", []byte("state-a")))

		data, err := s.Load("run-1", "classify_message")
		require.NoError(t, err)
		assert.Equal(t, []byte("state-a"), data)
	})

	t.Run(name+"/LoadMissing", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		_, err := s.Load("run-1", "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run(name+"/SaveOverwritesAndAdvancesSequence", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Save("run-1", "a", []byte("one")))
		require.NoError(t, s.Save("run-1", "b", []byte("two")))
		require.NoError(t, s.Save("run-1", "a", []byte("three")))

		data, err := s.Load("run-1", "a")
		require.NoError(t, err)
		assert.Equal(t, []byte("three"), data)

		infos, err := s.List("run-1")
		require.NoError(t, err)
		require.Len(t, infos, 2)
		// The overwritten checkpoint now has the highest sequence.
		assert.Equal(t, "a", infos[len(infos)-1].NodeID)
	})

	t.Run(name+"/Latest", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Save("run-1", "a", []byte("one")))
		require.NoError(t, s.Save("run-1", "b", []byte("two")))

		data, err := s.Latest("run-1")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), data)
	})

	t.Run(name+"/LatestMissingRun", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		_, err := s.Latest("ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run(name+"/ListEmptyRun", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		infos, err := s.List("ghost")
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run(name+"/DeleteRun", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Save("run-1", "a", []byte("one")))
		require.NoError(t, s.DeleteRun("run-1"))

		_, err := s.Latest("run-1")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting an unknown run is not an error.
		assert.NoError(t, s.DeleteRun("ghost"))
	})

	t.Run(name+"/ClosedStore", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Close())

		assert.ErrorIs(t, s.Save("r", "n", nil), ErrStoreClosed)
		_, err := s.Load("r", "n")
		assert.ErrorIs(t, err, ErrStoreClosed)
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, "memory", func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	storeUnderTest(t, "sqlite", func(t *testing.T) Store {
		s, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		return s
	})
}

func TestCheckpoint_MarshalRoundTrip(t *testing.T) {
	cp := New("run-1", 4, []byte(`{"intent":"SUPPORT"}`), "generate_response").
		WithPrevNode("classify_message").
		WithSuspension("refund requires approval")

	data, err := cp.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, Version, got.Version)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 4, got.Sequence)
	assert.Equal(t, "generate_response", got.NextNode)
	assert.Equal(t, "classify_message", got.PrevNode)
	assert.True(t, got.Suspended)
	assert.Equal(t, "refund requires approval", got.Reason)
}
