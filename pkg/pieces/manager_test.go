package pieces

import (
	"bytes"
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chunkswarm/pkg/chunker"
)

func testFile(t *testing.T, chunkCount int) (chunker.Descriptor, [][]byte) {
	t.Helper()
	data := bytes.Repeat([]byte("0123456789abcdef"), 8*chunkCount) // 128 bytes per chunk
	for i := range data {
		data[i] ^= byte(i * 31)
	}
	desc, chunks, err := chunker.Split(bytes.NewReader(data), "test.bin", 128)
	require.NoError(t, err)
	require.Equal(t, chunkCount, desc.ChunkCount)
	return desc, chunks
}

func fullBitfield(n int) bitmap.Bitmap {
	b := bitmap.New(n)
	for i := 0; i < n; i++ {
		b.Set(i, true)
	}
	return b
}

func TestSelectNextLowestFirst(t *testing.T) {
	desc, _ := testFile(t, 5)
	m := NewManager(desc)
	remote := fullBitfield(5)

	idx, ok := m.SelectNext(remote, "peerA", "connA")
	require.True(t, ok)
	assert.Equal(t, 0, idx)
	assert.Equal(t, StateRequested, m.State(0))

	idx, ok = m.SelectNext(remote, "peerA", "connA")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestSelectNextHonorsRemoteAvailability(t *testing.T) {
	desc, _ := testFile(t, 5)
	m := NewManager(desc)

	remote := bitmap.New(5)
	remote.Set(3, true)

	idx, ok := m.SelectNext(remote, "peerA", "connA")
	require.True(t, ok)
	assert.Equal(t, 3, idx)

	_, ok = m.SelectNext(remote, "peerA", "connA")
	assert.False(t, ok, "remote has nothing else we need")
}

func TestSelectNextShortRemoteBitfield(t *testing.T) {
	desc, _ := testFile(t, 5)
	m := NewManager(desc)

	_, ok := m.SelectNext(bitmap.New(1), "peerA", "connA")
	assert.False(t, ok)
}

func TestNoDuplicateInFlight(t *testing.T) {
	desc, _ := testFile(t, 3)
	m := NewManager(desc)
	remote := fullBitfield(3)

	idx, ok := m.SelectNext(remote, "peerA", "connA")
	require.True(t, ok)
	require.Equal(t, 0, idx)

	// A second session cannot claim the same index.
	idx, ok = m.SelectNext(remote, "peerB", "connB")
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	err := m.MarkRequested(0, "peerB", "connB")
	require.ErrorIs(t, err, ErrNotMissing)
	assert.Equal(t, StateRequested, m.State(0))
}

func TestMarkRequestedOutOfRange(t *testing.T) {
	desc, _ := testFile(t, 3)
	m := NewManager(desc)

	require.ErrorIs(t, m.MarkRequested(7, "peerA", "connA"), ErrUnknownIndex)
	require.ErrorIs(t, m.MarkRequested(-1, "peerA", "connA"), ErrUnknownIndex)
}

func TestReceiveVerifiedChunk(t *testing.T) {
	desc, chunks := testFile(t, 3)
	m := NewManager(desc)
	remote := fullBitfield(3)

	idx, ok := m.SelectNext(remote, "peerA", "connA")
	require.True(t, ok)

	require.NoError(t, m.MarkReceived(idx, chunks[idx], "peerA"))
	assert.Equal(t, StateHave, m.State(idx))

	data, ok := m.Chunk(idx)
	require.True(t, ok)
	assert.Equal(t, chunks[idx], data)
}

func TestHaveIsTerminal(t *testing.T) {
	desc, chunks := testFile(t, 2)
	m := NewManager(desc)

	require.NoError(t, m.MarkReceived(0, chunks[0], "peerA"))
	require.Equal(t, StateHave, m.State(0))

	// No later event moves a held chunk back.
	assert.False(t, m.MarkTimedOut(0))
	assert.ErrorIs(t, m.MarkRequested(0, "peerB", "connB"), ErrNotMissing)
	assert.NoError(t, m.MarkReceived(0, []byte("garbage"), "peerB"))
	assert.Equal(t, StateHave, m.State(0))

	m.ReleaseRequests("connA")
	assert.Equal(t, StateHave, m.State(0))

	_, ok := m.SelectNext(fullBitfield(2), "peerA", "connA")
	require.True(t, ok) // selects index 1, never 0
	assert.Equal(t, StateRequested, m.State(1))
	assert.Equal(t, StateHave, m.State(0))
}

func TestCorruptChunkRetriedThenPeerExcluded(t *testing.T) {
	desc, chunks := testFile(t, 2)
	m := NewManager(desc)
	remote := fullBitfield(2)
	garbage := []byte("not the chunk")

	for attempt := 1; attempt <= MaxChunkRetries; attempt++ {
		idx, ok := m.SelectNext(remote, "badPeer", "connBad")
		require.True(t, ok)
		require.Equal(t, 0, idx)

		err := m.MarkReceived(idx, garbage, "badPeer")
		require.ErrorIs(t, err, chunker.ErrCorruptChunk)
		assert.Equal(t, StateMissing, m.State(idx), "failed chunk drops back to missing")
	}

	// Three strikes: badPeer is never offered index 0 again.
	idx, ok := m.SelectNext(remote, "badPeer", "connBad")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	m.MarkTimedOut(1)

	// A different peer can still supply it.
	idx, ok = m.SelectNext(remote, "goodPeer", "connGood")
	require.True(t, ok)
	require.Equal(t, 0, idx)
	require.NoError(t, m.MarkReceived(0, chunks[0], "goodPeer"))
	assert.Equal(t, StateHave, m.State(0))
}

func TestTimeoutMakesChunkSelectableAgain(t *testing.T) {
	desc, _ := testFile(t, 2)
	m := NewManager(desc)
	remote := fullBitfield(2)

	idx, ok := m.SelectNext(remote, "peerA", "connA")
	require.True(t, ok)
	require.Equal(t, 0, idx)

	require.True(t, m.MarkTimedOut(0))
	assert.Equal(t, StateMissing, m.State(0))

	idx, ok = m.SelectNext(remote, "peerB", "connB")
	require.True(t, ok)
	assert.Equal(t, 0, idx, "timed-out chunk is immediately selectable")
}

func TestExpireRequests(t *testing.T) {
	desc, _ := testFile(t, 3)
	m := NewManager(desc)
	remote := fullBitfield(3)

	base := time.Now()
	m.now = func() time.Time { return base }

	_, ok := m.SelectNext(remote, "peerA", "connA")
	require.True(t, ok)
	_, ok = m.SelectNext(remote, "peerA", "connA")
	require.True(t, ok)

	m.now = func() time.Time { return base.Add(30 * time.Second) }
	expired := m.ExpireRequests(10 * time.Second)
	assert.Len(t, expired, 2)
	assert.Equal(t, StateMissing, m.State(0))
	assert.Equal(t, StateMissing, m.State(1))

	// Fresh requests survive.
	_, ok = m.SelectNext(remote, "peerA", "connA")
	require.True(t, ok)
	assert.Empty(t, m.ExpireRequests(10*time.Second))
}

func TestReleaseRequestsOnSessionClose(t *testing.T) {
	desc, _ := testFile(t, 4)
	m := NewManager(desc)
	remote := fullBitfield(4)

	_, ok := m.SelectNext(remote, "dying", "connDying")
	require.True(t, ok)
	_, ok = m.SelectNext(remote, "dying", "connDying")
	require.True(t, ok)
	_, ok = m.SelectNext(remote, "healthy", "connHealthy")
	require.True(t, ok)

	released := m.ReleaseRequests("connDying")
	assert.Len(t, released, 2)
	assert.Equal(t, StateMissing, m.State(0))
	assert.Equal(t, StateMissing, m.State(1))
	assert.Equal(t, StateRequested, m.State(2), "other session's request untouched")
}

func TestReleaseRequestsScopedToSession(t *testing.T) {
	desc, _ := testFile(t, 3)
	m := NewManager(desc)
	remote := fullBitfield(3)

	// Two connections to the same remote identity.
	idx, ok := m.SelectNext(remote, "peerA", "conn1")
	require.True(t, ok)
	require.Equal(t, 0, idx)
	idx, ok = m.SelectNext(remote, "peerA", "conn2")
	require.True(t, ok)
	require.Equal(t, 1, idx)

	// One connection dies; the other's request must stay in flight.
	released := m.ReleaseRequests("conn1")
	assert.Equal(t, []int{0}, released)
	assert.Equal(t, StateMissing, m.State(0))
	assert.Equal(t, StateRequested, m.State(1))

	assert.Empty(t, m.ReleaseRequests("conn1"), "already released")
}

func TestCompletionAndBitfield(t *testing.T) {
	desc, chunks := testFile(t, 4)
	m := NewManager(desc)

	assert.False(t, m.Complete())
	for i, data := range chunks {
		require.NoError(t, m.MarkReceived(i, data, "peerA"))
	}
	assert.True(t, m.Complete())
	assert.Equal(t, 4, m.HaveCount())

	b := m.Bitfield()
	for i := 0; i < 4; i++ {
		assert.True(t, b.Get(i))
	}

	out, err := chunker.Reassemble(m.Chunks(), desc)
	require.NoError(t, err)
	assert.Equal(t, int(desc.Size), len(out))
}

func TestSeededManager(t *testing.T) {
	desc, chunks := testFile(t, 3)

	m, err := NewSeededManager(desc, chunks)
	require.NoError(t, err)
	assert.True(t, m.Complete())

	_, ok := m.SelectNext(fullBitfield(3), "peerA", "connA")
	assert.False(t, ok, "a seeder needs nothing")

	_, err = NewSeededManager(desc, chunks[:2])
	require.Error(t, err)
}

func TestNeeds(t *testing.T) {
	desc, chunks := testFile(t, 3)
	m := NewManager(desc)
	remote := fullBitfield(3)

	assert.True(t, m.Needs(remote, "peerA"))

	// In-flight chunks still count: they may time out.
	_, ok := m.SelectNext(remote, "peerA", "connA")
	require.True(t, ok)
	assert.True(t, m.Needs(remote, "peerA"))

	for i, data := range chunks {
		_ = m.MarkTimedOut(i)
		require.NoError(t, m.MarkReceived(i, data, "peerA"))
	}
	assert.False(t, m.Needs(remote, "peerA"))
}
