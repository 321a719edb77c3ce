package pieces

import (
	"errors"
	"fmt"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"

	"chunkswarm/pkg/chunker"
	"chunkswarm/pkg/logger"
)

// State is the local download state of one chunk index.
type State uint8

const (
	StateMissing State = iota
	StateRequested
	StateHave
)

func (s State) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateRequested:
		return "requested"
	case StateHave:
		return "have"
	default:
		return "unknown"
	}
}

// MaxChunkRetries bounds verification failures tolerated from one peer for
// one index before that peer is excluded from selection for it.
const MaxChunkRetries = 3

var (
	// ErrNotMissing reports a request-sent transition for an index that is
	// not currently missing: a duplicate or stale request, treated as a
	// protocol violation by callers.
	ErrNotMissing = errors.New("chunk is not missing")
	// ErrUnknownIndex reports an index outside the file's chunk range.
	ErrUnknownIndex = errors.New("chunk index out of range")
)

type request struct {
	peer   string // remote identity, for failure accounting
	owner  string // requesting session, for release on close
	sentAt time.Time
}

// Manager tracks, for one file on one local peer, which chunks are held,
// missing, or in flight, and decides what to request next. Every session the
// peer runs shares a single Manager; all state moves under one lock so two
// sessions can never claim the same index.
type Manager struct {
	mu       sync.Mutex
	desc     chunker.Descriptor
	states   []State
	requests map[int]request
	chunks   map[int][]byte
	failures map[int]map[string]int

	now func() time.Time
}

// NewManager returns a manager with every chunk missing.
func NewManager(desc chunker.Descriptor) *Manager {
	return &Manager{
		desc:     desc,
		states:   make([]State, desc.ChunkCount),
		requests: make(map[int]request),
		chunks:   make(map[int][]byte, desc.ChunkCount),
		failures: make(map[int]map[string]int),
		now:      time.Now,
	}
}

// NewSeededManager returns a manager already holding every chunk, as used by
// the peer that split the file.
func NewSeededManager(desc chunker.Descriptor, chunks [][]byte) (*Manager, error) {
	if len(chunks) != desc.ChunkCount {
		return nil, fmt.Errorf("descriptor names %d chunks, got %d", desc.ChunkCount, len(chunks))
	}
	m := NewManager(desc)
	for i, data := range chunks {
		m.states[i] = StateHave
		m.chunks[i] = data
	}
	return m, nil
}

// Descriptor returns the immutable file descriptor this manager tracks.
func (m *Manager) Descriptor() chunker.Descriptor {
	return m.desc
}

// State returns the current state of one index.
func (m *Manager) State(index int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.states) {
		return StateMissing
	}
	return m.states[index]
}

// SelectNext picks the lowest missing index the remote peer advertises and
// that the peer is not banned for, and atomically marks it in flight. The
// request is attributed to peer for failure accounting and to owner for
// release: two sessions talking to the same peer release independently.
// Returns false if the remote holds nothing we can request right now.
func (m *Manager) SelectNext(remote bitmap.Bitmap, peer, owner string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < m.desc.ChunkCount; i++ {
		if m.states[i] != StateMissing {
			continue
		}
		if !remoteHas(remote, i) {
			continue
		}
		if m.failures[i][peer] >= MaxChunkRetries {
			continue
		}
		m.states[i] = StateRequested
		m.requests[i] = request{peer: peer, owner: owner, sentAt: m.now()}
		return i, true
	}
	return 0, false
}

// MarkRequested transitions Missing to Requested for callers that pick an
// index themselves. A non-missing index is a protocol violation: the state is
// left untouched and ErrNotMissing returned.
func (m *Manager) MarkRequested(index int, peer, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= m.desc.ChunkCount {
		return fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	if m.states[index] != StateMissing {
		logger.Sugar.Warnf("[Pieces] request for %s chunk %d refused (peer=%s)", m.states[index], index, peer)
		return fmt.Errorf("%w: chunk %d is %s", ErrNotMissing, index, m.states[index])
	}
	m.states[index] = StateRequested
	m.requests[index] = request{peer: peer, owner: owner, sentAt: m.now()}
	return nil
}

// MarkReceived verifies the chunk and, on success, records it as held and
// keeps the bytes for reassembly. On digest mismatch the index drops back to
// missing and the sending peer's failure count for it rises; after
// MaxChunkRetries failures that peer is never selected for the index again.
// A chunk already held is ignored: nothing transitions out of Have.
func (m *Manager) MarkReceived(index int, data []byte, peer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= m.desc.ChunkCount {
		return fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	if m.states[index] == StateHave {
		logger.Sugar.Debugf("[Pieces] duplicate chunk %d from %s ignored", index, peer)
		return nil
	}

	if !chunker.Verify(data, m.desc.Hashes[index]) {
		m.states[index] = StateMissing
		delete(m.requests, index)
		if m.failures[index] == nil {
			m.failures[index] = make(map[string]int)
		}
		m.failures[index][peer]++
		logger.Sugar.Warnf("[Pieces] chunk %d from %s failed verification (attempt %d)", index, peer, m.failures[index][peer])
		return fmt.Errorf("%w: chunk %d from %s", chunker.ErrCorruptChunk, index, peer)
	}

	m.states[index] = StateHave
	m.chunks[index] = data
	delete(m.requests, index)
	return nil
}

// MarkTimedOut returns an in-flight index to missing so it can be selected
// again, possibly for a different peer. Reports whether a transition happened.
func (m *Manager) MarkTimedOut(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= m.desc.ChunkCount || m.states[index] != StateRequested {
		return false
	}
	m.states[index] = StateMissing
	delete(m.requests, index)
	return true
}

// ExpireRequests returns every index whose request has been in flight longer
// than timeout to missing, and reports which indices were released.
func (m *Manager) ExpireRequests(timeout time.Duration) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []int
	cutoff := m.now().Add(-timeout)
	for index, req := range m.requests {
		if req.sentAt.Before(cutoff) {
			m.states[index] = StateMissing
			delete(m.requests, index)
			expired = append(expired, index)
		}
	}
	return expired
}

// ReleaseRequests returns every index the given session has in flight to
// missing. Called when that session closes so its requests never stay stuck.
// Keyed by owner, not peer identity: a second connection to the same remote
// dying must not release a live session's requests.
func (m *Manager) ReleaseRequests(owner string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []int
	for index, req := range m.requests {
		if req.owner == owner {
			m.states[index] = StateMissing
			delete(m.requests, index)
			released = append(released, index)
		}
	}
	return released
}

// Needs reports whether the remote peer advertises any chunk this manager
// does not hold yet and could still accept from that peer. In-flight indices
// count: they may yet time out and become selectable.
func (m *Manager) Needs(remote bitmap.Bitmap, peer string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < m.desc.ChunkCount; i++ {
		if m.states[i] == StateHave {
			continue
		}
		if !remoteHas(remote, i) {
			continue
		}
		if m.failures[i][peer] >= MaxChunkRetries {
			continue
		}
		return true
	}
	return false
}

// Complete reports whether every chunk is held. A complete peer is a seeder;
// the role is derived from this, never stored.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.states {
		if s != StateHave {
			return false
		}
	}
	return true
}

// HaveCount returns how many chunks are held.
func (m *Manager) HaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.states {
		if s == StateHave {
			n++
		}
	}
	return n
}

// Bitfield returns a fresh availability bitmap of held chunks.
func (m *Manager) Bitfield() bitmap.Bitmap {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := bitmap.New(m.desc.ChunkCount)
	for i, s := range m.states {
		if s == StateHave {
			b.Set(i, true)
		}
	}
	return b
}

// Chunk returns the bytes of a held chunk.
func (m *Manager) Chunk(index int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.chunks[index]
	return data, ok
}

// Chunks returns a snapshot of all held chunks for reassembly.
func (m *Manager) Chunks() map[int][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int][]byte, len(m.chunks))
	for i, data := range m.chunks {
		out[i] = data
	}
	return out
}

// remoteHas guards against short bitfields from misbehaving peers.
func remoteHas(remote bitmap.Bitmap, i int) bool {
	if i >= remote.Len() {
		return false
	}
	return remote.Get(i)
}
