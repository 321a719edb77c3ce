package monitor

import (
	"runtime"
	"sync/atomic"
	"time"

	"chunkswarm/pkg/logger"
)

// Metrics holds transfer counters for a running peer or tracker.
type Metrics struct {
	// Total chunk bytes sent to other peers
	UploadBytes int64
	// Total verified chunk bytes received
	DownloadBytes int64
	// Number of chunks served
	ChunksServed int64
	// Number of chunks received and verified
	ChunksReceived int64
	// Process start time
	Start time.Time
}

// Global metrics instance
var Global = &Metrics{
	Start: time.Now(),
}

// RecordUpload records one chunk served to a remote peer.
func RecordUpload(bytes int64) {
	atomic.AddInt64(&Global.UploadBytes, bytes)
	atomic.AddInt64(&Global.ChunksServed, 1)
}

// RecordDownload records one verified chunk received.
func RecordDownload(bytes int64) {
	atomic.AddInt64(&Global.DownloadBytes, bytes)
	atomic.AddInt64(&Global.ChunksReceived, 1)
}

// LogPeriodic logs runtime metrics at the specified interval
func LogPeriodic(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)

		elapsed := time.Since(Global.Start).Seconds()
		var throughput float64
		if elapsed > 0 {
			total := atomic.LoadInt64(&Global.UploadBytes) + atomic.LoadInt64(&Global.DownloadBytes)
			throughput = float64(total) / elapsed / 1024 / 1024
		}

		logger.Sugar.Infof("[Metrics] Goroutines=%d | HeapAlloc=%dMB | Throughput=%.2fMB/s | Served=%d | Received=%d",
			runtime.NumGoroutine(),
			m.HeapAlloc/1024/1024,
			throughput,
			atomic.LoadInt64(&Global.ChunksServed),
			atomic.LoadInt64(&Global.ChunksReceived),
		)
	}
}
