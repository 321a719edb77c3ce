package tracker

import (
	"sort"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"

	"chunkswarm/pkg/logger"
)

// PeerRecord is one registered swarm member for one file.
type PeerRecord struct {
	PeerID     string
	Addr       string // listen address other peers can dial
	ChunkCount int
	Bitfield   bitmap.Bitmap
	LastSeen   time.Time
}

// Seeder reports whether the record advertises every chunk.
func (r PeerRecord) Seeder() bool {
	if r.ChunkCount == 0 {
		return false
	}
	for i := 0; i < r.ChunkCount; i++ {
		if i >= r.Bitfield.Len() || !r.Bitfield.Get(i) {
			return false
		}
	}
	return true
}

// Registry is the tracker's lock-guarded peer table: fileID to listen address
// to record. It performs no health checking; liveness is judged purely by
// elapsed time since the last Register call.
type Registry struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	files map[string]map[string]*PeerRecord
}

// NewRegistry returns an empty registry with the given staleness TTL.
func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:   ttl,
		now:   time.Now,
		files: make(map[string]map[string]*PeerRecord),
	}
}

// Register upserts a peer record and refreshes its last-seen timestamp.
// Idempotent; also serves as the heartbeat and availability update.
func (r *Registry) Register(fileID string, rec PeerRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	swarm, ok := r.files[fileID]
	if !ok {
		swarm = make(map[string]*PeerRecord)
		r.files[fileID] = swarm
	}
	rec.LastSeen = r.now()
	swarm[rec.Addr] = &rec
}

// Deregister removes a peer from a file's swarm. Unknown peers and files are
// a no-op, not an error.
func (r *Registry) Deregister(fileID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	swarm, ok := r.files[fileID]
	if !ok {
		return
	}
	delete(swarm, addr)
	if len(swarm) == 0 {
		delete(r.files, fileID)
	}
}

// ListPeers returns a snapshot of the swarm for fileID, excluding the
// requester and any peer whose last-seen is older than the TTL. Stale records
// are purged as they are encountered. The result is ordered by address so
// callers see a deterministic list.
func (r *Registry) ListPeers(fileID, excludeAddr string) []PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	swarm, ok := r.files[fileID]
	if !ok {
		return nil
	}

	cutoff := r.now().Add(-r.ttl)
	var out []PeerRecord
	for addr, rec := range swarm {
		if rec.LastSeen.Before(cutoff) {
			delete(swarm, addr)
			continue
		}
		if addr == excludeAddr {
			continue
		}
		out = append(out, *rec)
	}
	if len(swarm) == 0 {
		delete(r.files, fileID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Sweep purges every stale record and reports how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	removed := 0
	for fileID, swarm := range r.files {
		for addr, rec := range swarm {
			if rec.LastSeen.Before(cutoff) {
				delete(swarm, addr)
				removed++
				logger.Sugar.Warnf("[Tracker] peer timed out: file=%s addr=%s", fileID, addr)
			}
		}
		if len(swarm) == 0 {
			delete(r.files, fileID)
		}
	}
	return removed
}

// FileCount returns how many files currently have registered peers.
func (r *Registry) FileCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

// PeerCount returns how many peers are registered for a file, stale or not.
func (r *Registry) PeerCount(fileID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files[fileID])
}
