package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func TestAppendAndPending(t *testing.T) {
	s := openTestStore(t)

	seq1, err := s.Append(OpStore, types.Memory{ID: "a", Content: "first"})
	require.NoError(t, err)
	seq2, err := s.Append(OpUpdate, types.Memory{ID: "b", Content: "second"})
	require.NoError(t, err)

	assert.Less(t, seq1, seq2)

	pending := s.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, OpStore, pending[0].Op)
	assert.Equal(t, "a", pending[0].Record.ID)
	assert.Equal(t, "b", pending[1].Record.ID)
}

func TestMarkFlushed(t *testing.T) {
	s := openTestStore(t)

	seq, err := s.Append(OpStore, types.Memory{ID: "a"})
	require.NoError(t, err)
	_, err = s.Append(OpStore, types.Memory{ID: "b"})
	require.NoError(t, err)

	require.NoError(t, s.MarkFlushed(seq))
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].Record.ID)

	// Flushing an already-flushed seq is a no-op.
	require.NoError(t, s.MarkFlushed(seq))
	assert.Equal(t, 1, s.PendingCount())
}

func TestPendingSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Append(OpStore, types.Memory{ID: "crash-me", Content: "unflushed"})
	require.NoError(t, err)

	// Simulate a crash: reopen from disk with no explicit close.
	reopened, err := Open(path)
	require.NoError(t, err)

	pending := reopened.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "crash-me", pending[0].Record.ID)

	// Sequence numbers keep increasing after recovery.
	seq, err := reopened.Append(OpForget, types.Memory{ID: "later"})
	require.NoError(t, err)
	assert.Greater(t, seq, pending[0].Seq)
}

func TestCorruptStateFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0, s.PendingCount())
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.StartSession("sess-1", "proj"))
	require.NoError(t, s.BumpMutations())
	require.NoError(t, s.BumpMutations())

	sess := s.Session()
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "proj", sess.Project)
	assert.Equal(t, 2, sess.Mutations)

	closed, err := s.CloseSession()
	require.NoError(t, err)
	assert.Equal(t, "sess-1", closed.ID)
	assert.Empty(t, s.Session().ID)
}

func TestDrainCounters(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.RecordDrain(false, 3))
	require.NoError(t, s.RecordDrain(false, 3))
	assert.Equal(t, 2, s.Queue().ConsecutiveFailures)

	require.NoError(t, s.RecordDrain(true, 0))
	q := s.Queue()
	assert.Equal(t, 0, q.ConsecutiveFailures)
	assert.Equal(t, 0, q.PendingCount)
	assert.NotNil(t, q.LastSuccess)
}

func TestStatsCounters(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.MarkMemoryStored())
	require.NoError(t, s.MarkSearch())
	require.NoError(t, s.MarkRecall())
	require.NoError(t, s.MarkMemoryStored())

	st := s.Stats()
	assert.Equal(t, 2, st.TotalMemories)
	assert.Equal(t, 1, st.TotalSearches)
	assert.Equal(t, 1, st.TotalRecalls)
	assert.NotNil(t, st.LastMemoryAt)
}
