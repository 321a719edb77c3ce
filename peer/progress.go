package peer

import (
	"fmt"
	"sync"
	"time"

	"chunkswarm/pkg/chunker"
)

// DownloadTracker tracks the progress of one file download for status
// reporting. It mirrors the piece manager's view but keeps timing and
// per-peer counts the manager has no business knowing.
type DownloadTracker struct {
	mu              sync.RWMutex
	FileID          string
	Name            string
	TotalChunks     int
	ChunksDone      int
	BytesDownloaded uint64
	PeerChunks      map[string]int // peer addr -> chunks delivered
	StartTime       time.Time
	EndTime         time.Time

	// Speed calculation
	lastBytes    uint64
	lastTime     time.Time
	currentSpeed float64 // bytes/sec
}

// NewDownloadTracker creates a tracker for one descriptor.
func NewDownloadTracker(desc chunker.Descriptor) *DownloadTracker {
	return &DownloadTracker{
		FileID:      desc.FileID,
		Name:        desc.Name,
		TotalChunks: desc.ChunkCount,
		PeerChunks:  make(map[string]int),
		StartTime:   time.Now(),
		lastTime:    time.Now(),
	}
}

// CompleteChunk records one verified chunk delivered by a peer.
func (dt *DownloadTracker) CompleteChunk(index, size int, peerAddr string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	dt.ChunksDone++
	dt.BytesDownloaded += uint64(size)
	dt.PeerChunks[peerAddr]++

	now := time.Now()
	if elapsed := now.Sub(dt.lastTime).Seconds(); elapsed >= 0.5 {
		dt.currentSpeed = float64(dt.BytesDownloaded-dt.lastBytes) / elapsed
		dt.lastBytes = dt.BytesDownloaded
		dt.lastTime = now
	}
}

// MarkComplete records the end of the download.
func (dt *DownloadTracker) MarkComplete() {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.EndTime = time.Now()
}

// ProgressPercentage returns the progress percentage (0-100)
func (dt *DownloadTracker) ProgressPercentage() float64 {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	if dt.TotalChunks == 0 {
		return 0
	}
	return float64(dt.ChunksDone) / float64(dt.TotalChunks) * 100
}

// Summary renders a one-line progress report.
func (dt *DownloadTracker) Summary() string {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	pct := 0.0
	if dt.TotalChunks > 0 {
		pct = float64(dt.ChunksDone) / float64(dt.TotalChunks) * 100
	}
	return fmt.Sprintf("%s: %d/%d chunks (%.1f%%) from %d peers, %.1f KB/s",
		dt.Name, dt.ChunksDone, dt.TotalChunks, pct, len(dt.PeerChunks), dt.currentSpeed/1024)
}
